// Package directory provides the wrapper directory: the table of search
// wrappers with their categories and bus addresses.
//
// A Registry holds the table and serves it over the bus and over HTTP. A
// Client reads it over the bus, and an HTTPSource reads it over HTTP. All of
// these can be used as the source of a wcache.Cache, and Registry and Client
// resolve logical wrapper names to bus addresses for the document store.
package directory
