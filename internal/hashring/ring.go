// Package hashring implements a consistent-hash ring with virtual nodes.
// Members are opaque string keys (host:port); the caller maps them back to
// instances. Reads are lock-free: mutations build a new sorted snapshot and
// swap it in atomically, the same copy-on-write discipline the write-heavy
// indexes in the gateway use.
package hashring

import (
	"bytes"
	"crypto/md5"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// VirtualNodes is the number of ring positions each member occupies.
const VirtualNodes = 160

type ringKey [md5.Size]byte

type snapshot struct {
	keys    []ringKey          // sorted ascending
	owner   map[ringKey]string // virtual key -> member
	members map[string]struct{}
}

var emptySnapshot = &snapshot{
	owner:   map[ringKey]string{},
	members: map[string]struct{}{},
}

// Ring is a consistent-hash ring. The zero value is not usable; call New.
type Ring struct {
	mu   sync.Mutex // serializes mutations only
	snap atomic.Pointer[snapshot]
}

// New returns an empty ring.
func New() *Ring {
	r := &Ring{}
	r.snap.Store(emptySnapshot)
	return r
}

func hashKey(s string) ringKey {
	return md5.Sum([]byte(s))
}

func virtualKey(member string, i int) ringKey {
	return hashKey(fmt.Sprintf("%s#%d", member, i))
}

// Add inserts a member with VirtualNodes positions. Adding an existing
// member is a no-op.
func (r *Ring) Add(member string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	if _, ok := cur.members[member]; ok {
		return
	}
	next := cur.clone()
	next.members[member] = struct{}{}
	for i := 0; i < VirtualNodes; i++ {
		vk := virtualKey(member, i)
		if _, taken := next.owner[vk]; !taken {
			next.owner[vk] = member
			next.keys = append(next.keys, vk)
		}
	}
	next.sortKeys()
	r.snap.Store(next)
}

// Remove deletes a member and all its virtual keys.
func (r *Ring) Remove(member string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	if _, ok := cur.members[member]; !ok {
		return
	}
	next := cur.clone()
	delete(next.members, member)
	kept := next.keys[:0]
	for _, k := range next.keys {
		if next.owner[k] == member {
			delete(next.owner, k)
			continue
		}
		kept = append(kept, k)
	}
	next.keys = kept
	r.snap.Store(next)
}

// Lookup returns the member owning the successor of hash(key), wrapping
// around the ring. An empty ring returns ("", false).
func (r *Ring) Lookup(key string) (string, bool) {
	return r.LookupExcluding(key, nil)
}

// LookupExcluding walks successors of hash(key) skipping members for which
// excluded returns true. Used by router failover: skipping a member yields
// the same owner that removing it from a ring copy would.
func (r *Ring) LookupExcluding(key string, excluded func(member string) bool) (string, bool) {
	snap := r.snap.Load()
	n := len(snap.keys)
	if n == 0 {
		return "", false
	}

	h := hashKey(key)
	start := sort.Search(n, func(i int) bool {
		return bytes.Compare(snap.keys[i][:], h[:]) >= 0
	})

	seen := make(map[string]struct{}, len(snap.members))
	for i := 0; i < n; i++ {
		member := snap.owner[snap.keys[(start+i)%n]]
		if _, dup := seen[member]; dup {
			continue
		}
		seen[member] = struct{}{}
		if excluded == nil || !excluded(member) {
			return member, true
		}
		if len(seen) == len(snap.members) {
			break
		}
	}
	return "", false
}

// Contains reports whether the member is on the ring.
func (r *Ring) Contains(member string) bool {
	_, ok := r.snap.Load().members[member]
	return ok
}

// Members returns the current member set.
func (r *Ring) Members() []string {
	snap := r.snap.Load()
	out := make([]string, 0, len(snap.members))
	for m := range snap.members {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Len returns the member count.
func (r *Ring) Len() int {
	return len(r.snap.Load().members)
}

func (s *snapshot) clone() *snapshot {
	next := &snapshot{
		keys:    make([]ringKey, len(s.keys)),
		owner:   make(map[ringKey]string, len(s.owner)),
		members: make(map[string]struct{}, len(s.members)),
	}
	copy(next.keys, s.keys)
	for k, v := range s.owner {
		next.owner[k] = v
	}
	for m := range s.members {
		next.members[m] = struct{}{}
	}
	return next
}

func (s *snapshot) sortKeys() {
	sort.Slice(s.keys, func(i, j int) bool {
		return bytes.Compare(s.keys[i][:], s.keys[j][:]) < 0
	})
}
