package proxy

import (
	"slices"
)

type pair struct {
	client uint64
	server uint64
}

// registry tracks which clients are still sniffing and which are paired,
// grouped by destination. Every live client is in exactly one of the two.
type registry struct {
	unpaired map[uint64]struct{}
	pairs    map[string][]pair
	npairs   int
}

func newRegistry() *registry {
	return &registry{
		unpaired: make(map[uint64]struct{}),
		pairs:    make(map[string][]pair),
	}
}

func (r *registry) addUnpaired(id uint64) {
	r.unpaired[id] = struct{}{}
}

func (r *registry) removeUnpaired(id uint64) bool {
	if _, ok := r.unpaired[id]; !ok {
		return false
	}
	delete(r.unpaired, id)
	return true
}

// pair moves client out of the unpaired set and records it with server
// under key.
func (r *registry) pair(key string, client, server uint64) {
	delete(r.unpaired, client)
	r.pairs[key] = append(r.pairs[key], pair{client: client, server: server})
	r.npairs++
}

// removePair drops the pair whose client or server is id.
func (r *registry) removePair(key string, id uint64) bool {
	list := r.pairs[key]
	i := slices.IndexFunc(list, func(p pair) bool { return p.client == id || p.server == id })
	if i < 0 {
		return false
	}
	list = slices.Delete(list, i, i+1)
	if len(list) == 0 {
		delete(r.pairs, key)
	} else {
		r.pairs[key] = list
	}
	r.npairs--
	return true
}

// memberships counts how many collections hold id.
func (r *registry) memberships(id uint64) int {
	n := 0
	if _, ok := r.unpaired[id]; ok {
		n++
	}
	for _, list := range r.pairs {
		for _, p := range list {
			if p.client == id || p.server == id {
				n++
			}
		}
	}
	return n
}

func (r *registry) unpairedLen() int { return len(r.unpaired) }
func (r *registry) pairLen() int { return r.npairs }
func (r *registry) destinationLen() int { return len(r.pairs) }
func (r *registry) paired(key string) []pair { return r.pairs[key] }
