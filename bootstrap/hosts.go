package bootstrap

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/sirupsen/logrus"
)

// ParseHostPort parses a fallback entry of the form "ip:port".
func ParseHostPort(s string) (netip.AddrPort, error) {
	s = strings.TrimSpace(s)
	addr, err := netip.ParseAddrPort(s)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("invalid bootstrap host %q: %w", s, err)
	}
	if addr.Port() == 0 || !addr.Addr().IsValid() || addr.Addr().IsUnspecified() {
		return netip.AddrPort{}, fmt.Errorf("invalid bootstrap host %q", s)
	}
	return netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port()), nil
}

// ParseFallbackHosts parses entries, logging and skipping malformed ones.
func ParseFallbackHosts(entries []string) []netip.AddrPort {
	hosts := make([]netip.AddrPort, 0, len(entries))
	for _, e := range entries {
		addr, err := ParseHostPort(e)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "ParseFallbackHosts",
				"entry":    e,
				"error":    err.Error(),
			}).Warn("Skipping malformed fallback host")
			continue
		}
		hosts = append(hosts, addr)
	}
	return hosts
}

// pickFallback selects one host uniformly at random using intn.
func pickFallback(hosts []netip.AddrPort, intn func(int) int) (netip.AddrPort, bool) {
	if len(hosts) == 0 {
		return netip.AddrPort{}, false
	}
	return hosts[intn(len(hosts))], true
}

// candidateSet is a bounded, deduplicated set ordered by insertion; the most
// recently added address is taken first. Not safe for concurrent use.
type candidateSet struct {
	lru *simplelru.LRU[netip.AddrPort, struct{}]
}

func newCandidateSet(size int) *candidateSet {
	lru, err := simplelru.NewLRU[netip.AddrPort, struct{}](size, nil)
	if err != nil {
		panic(err)
	}
	return &candidateSet{lru: lru}
}

// add inserts addr or moves it to the front.
func (s *candidateSet) add(addr netip.AddrPort) {
	s.lru.Add(addr, struct{}{})
}

// pop removes and returns the most recently added address.
func (s *candidateSet) pop() (netip.AddrPort, bool) {
	keys := s.lru.Keys()
	if len(keys) == 0 {
		return netip.AddrPort{}, false
	}
	addr := keys[len(keys)-1]
	s.lru.Remove(addr)
	return addr, true
}

func (s *candidateSet) remove(addr netip.AddrPort) {
	s.lru.Remove(addr)
}

func (s *candidateSet) len() int {
	return s.lru.Len()
}

func (s *candidateSet) clear() {
	s.lru.Purge()
}
