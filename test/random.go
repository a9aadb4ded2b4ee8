// Package test provides random values shared by package tests.
package test

import (
	"fmt"
	"math/rand"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/daffodil/go-libdaffodil/document"
	"github.com/daffodil/go-libdaffodil/message"
	"github.com/multiformats/go-multiaddr"
)

var globalSeed atomic.Int64

var words = []string{
	"adaptive", "bayesian", "caching", "distributed", "federated", "graph",
	"indexing", "latency", "merging", "networks", "queries", "retrieval",
	"search", "semantic", "streaming", "systems", "wrappers",
}

func newRand() *rand.Rand {
	return rand.New(rand.NewSource(globalSeed.Add(1)))
}

// RandomAddrs returns a slice of n random unique multiaddr strings.
func RandomAddrs(n int) []string {
	rng := newRand()
	addrs := make([]string, 0, n)
	addrSet := make(map[string]struct{}, n)
	for len(addrs) < n {
		addr := fmt.Sprintf("/ip4/%d.%d.%d.%d/tcp/%d", rng.Intn(254)+1, rng.Intn(254)+1, rng.Intn(254)+1, rng.Intn(254)+1, rng.Intn(48157)+1024)
		if _, ok := addrSet[addr]; ok {
			continue
		}
		addrSet[addr] = struct{}{}
		addrs = append(addrs, addr)
	}
	return addrs
}

// RandomMultiaddrs returns a slice of n random unique Multiaddrs.
func RandomMultiaddrs(n int) []multiaddr.Multiaddr {
	addrs := RandomAddrs(n)
	maddrs := make([]multiaddr.Multiaddr, n)
	for i, addr := range addrs {
		maddr, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			panic(err)
		}
		maddrs[i] = maddr
	}
	return maddrs
}

// RandomOIDs returns a slice of n random unique object ids.
func RandomOIDs(n int) []document.OID {
	rng := newRand()
	oids := make([]document.OID, n)
	for i := range oids {
		oids[i] = document.NewOID(strconv.FormatUint(rng.Uint64(), 36) + "/" + strconv.Itoa(i))
	}
	return oids
}

// RandomProviders returns n wrappers spread round-robin over the given
// categories.
func RandomProviders(n int, categories ...string) []message.WrapperInfo {
	if len(categories) == 0 {
		categories = []string{"default"}
	}
	rng := newRand()
	infos := make([]message.WrapperInfo, n)
	for i := range infos {
		name := fmt.Sprintf("wrapper-%d-%d", i, rng.Intn(1<<20))
		infos[i] = message.WrapperInfo{
			Name:     name,
			Category: categories[i%len(categories)],
			Address:  name,
		}
	}
	return infos
}

// RandomDocument returns a document found at provider, with a random title,
// the given year, and no other fields.
func RandomDocument(provider string, year int) *document.Stored {
	rng := newRand()
	title := words[rng.Intn(len(words))] + " " + words[rng.Intn(len(words))] + " " + words[rng.Intn(len(words))]
	return document.New(RandomOIDs(1)[0], provider, map[string]string{
		document.FieldTitle: title,
		document.FieldYear:  strconv.Itoa(year),
	})
}

// CompleteDocument returns a copy of doc with every completeness field
// filled, as provider would return it for a detail request.
func CompleteDocument(doc *document.Stored, provider string) *document.Stored {
	c := document.New(doc.OID, provider, map[string]string{
		document.FieldTitle:    doc.Get(document.FieldTitle),
		document.FieldAuthors:  "A. Author; B. Author",
		document.FieldYear:     doc.Get(document.FieldYear),
		document.FieldAbstract: "An abstract about " + doc.Get(document.FieldTitle) + ".",
		document.FieldURL:      "https://example.org/doc/" + doc.OID.String(),
	})
	return c.WithDetailFetched(time.Now(), provider)
}

// RecentYear returns a publication year a few years before now.
func RecentYear() int {
	return time.Now().Year() - 2
}
