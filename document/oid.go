package document

import (
	"fmt"
	"strings"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// OID is the stable object id of a document.
type OID string

// oidPrefix describes how object ids are derived: CIDv1, raw codec, sha2-256.
var oidPrefix = cid.Prefix{
	Version:  1,
	Codec:    cid.Raw,
	MhType:   multihash.SHA2_256,
	MhLength: -1, // default length
}

// NewOID derives an object id from a canonical document key, such as a DOI or
// a normalized title and first author. The same key always yields the same
// id, so that hits for one document from different providers collapse into a
// single stored document.
func NewOID(key string) OID {
	c, err := oidPrefix.Sum([]byte(strings.TrimSpace(key)))
	if err != nil {
		// Only fails for an unknown hash function.
		panic(err)
	}
	return OID(c.String())
}

// ParseOID validates an object id string.
func ParseOID(s string) (OID, error) {
	c, err := cid.Decode(strings.TrimSpace(s))
	if err != nil {
		return "", fmt.Errorf("invalid object id %q: %w", s, err)
	}
	return OID(c.String()), nil
}

func (o OID) String() string {
	return string(o)
}

// OIDs converts a slice of strings to object ids without validation.
func OIDs(ss ...string) []OID {
	oids := make([]OID, len(ss))
	for i, s := range ss {
		oids[i] = OID(s)
	}
	return oids
}
