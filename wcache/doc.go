// Package wcache provides a time-bounded cache of the wrapper directory: which
// search wrappers exist and which category each belongs to.
//
// Wrappers in the same category index the same collection, for example
// mirrors of one digital library, so any of them can be asked to fill in the
// details of a document found at another. The document store uses the cache
// to expand the providers of a document into every provider sharing their
// categories.
//
// ## Snapshot
//
// The cache holds one immutable snapshot of the directory, built in bulk from
// a Source, with a single refresh timestamp for the whole snapshot. Readers
// load the snapshot atomically and never take a lock. Lookups return freshly
// allocated slices derived from the snapshot's category index, so callers
// cannot change what other callers see.
//
// ## Refresh
//
// A lookup that finds the snapshot older than the TTL (default 10 seconds)
// first refreshes it synchronously. Only one refresh runs at a time; lookups
// arriving during a refresh wait for it to finish. If the refresh fails or
// times out, the failure is logged and the previous snapshot keeps being
// served. The next stale lookup tries again.
package wcache
