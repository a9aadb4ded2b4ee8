// Package p2p serves and reads the wrapper directory over libp2p streams.
//
// Each request and reply is a CBOR encoded message.Envelope in a
// varint-delimited frame. A Client keeps a single stream open to one
// directory peer and reuses it for sequential requests.
package p2p
