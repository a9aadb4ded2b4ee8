// Package mautil provides multiaddr utility functions for configuring and
// connecting broker hosts.
package mautil

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
)

// ParseMultiaddrs parses multiaddr strings. Every address that does not
// parse is reported in the returned error, and no multiaddrs are returned.
func ParseMultiaddrs(addrs []string) ([]multiaddr.Multiaddr, error) {
	if len(addrs) == 0 {
		return nil, nil
	}
	var errs *multierror.Error
	maddrs := make([]multiaddr.Multiaddr, 0, len(addrs))
	for _, addr := range addrs {
		maddr, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%q: %w", addr, err))
			continue
		}
		maddrs = append(maddrs, maddr)
	}
	if err := errs.ErrorOrNil(); err != nil {
		return nil, err
	}
	return maddrs, nil
}

// ParsePeer parses a multiaddr string that ends in /p2p/<peer-id>.
func ParsePeer(addr string) (peer.AddrInfo, error) {
	maddr, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return peer.AddrInfo{}, fmt.Errorf("%q: %w", addr, err)
	}
	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return peer.AddrInfo{}, fmt.Errorf("%q: %w", addr, err)
	}
	return *info, nil
}

// ParsePeers parses multiaddr strings that end in /p2p/<peer-id>. Addresses
// of the same peer are combined into one AddrInfo.
func ParsePeers(addrs []string) ([]peer.AddrInfo, error) {
	maddrs, err := ParseMultiaddrs(addrs)
	if err != nil {
		return nil, err
	}
	if len(maddrs) == 0 {
		return nil, nil
	}
	return peer.AddrInfosFromP2pAddrs(maddrs...)
}

// FilterPublic returns the multiaddrs that are not private, loopback or
// unspecified. Nil is returned if there are none.
func FilterPublic(maddrs []multiaddr.Multiaddr) []multiaddr.Multiaddr {
	var public []multiaddr.Multiaddr
	for _, maddr := range maddrs {
		if maddr != nil && isPublic(maddr) {
			public = append(public, maddr)
		}
	}
	return public
}

func isPublic(maddr multiaddr.Multiaddr) bool {
	c, _ := multiaddr.SplitFirst(maddr)
	if c == nil {
		return false
	}
	switch c.Protocol().Code {
	case multiaddr.P_IP4, multiaddr.P_IP6, multiaddr.P_IP6ZONE, multiaddr.P_IPCIDR:
		return manet.IsPublicAddr(maddr) && !manet.IsIPUnspecified(maddr)
	case multiaddr.P_DNS, multiaddr.P_DNS4, multiaddr.P_DNS6, multiaddr.P_DNSADDR:
		return c.Value() != "localhost"
	}
	return true
}
