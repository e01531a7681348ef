package queue

import (
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/mrkingu/knight-hero-server-sub001/internal/protocol"
)

// fingerprint hashes msg_id, sequence and player_id into the dedup key.
func fingerprint(env *protocol.Business) uint64 {
	var d xxhash.Digest
	d.WriteString(strconv.FormatInt(int64(env.MsgID), 10))
	d.WriteString("\x00")
	d.WriteString(env.Sequence)
	d.WriteString("\x00")
	d.WriteString(env.PlayerID)
	return d.Sum64()
}

type dedupEntry struct {
	hash uint64
	at   time.Time
}

// dedupWindow is a sliding window of content hashes, bounded by both entry
// count and age. Guarded by the owning Queue's mutex.
type dedupWindow struct {
	size    int
	ttl     time.Duration
	entries map[uint64]time.Time
	order   []dedupEntry // FIFO for eviction
}

func newDedupWindow(size int, ttl time.Duration) *dedupWindow {
	return &dedupWindow{
		size:    size,
		ttl:     ttl,
		entries: make(map[uint64]time.Time, size),
	}
}

func (w *dedupWindow) contains(hash uint64, now time.Time) bool {
	at, ok := w.entries[hash]
	if !ok {
		return false
	}
	if now.Sub(at) > w.ttl {
		delete(w.entries, hash)
		return false
	}
	return true
}

func (w *dedupWindow) add(hash uint64, now time.Time) {
	w.evictExpired(now)
	for len(w.order) >= w.size {
		w.evictOldest()
	}
	w.entries[hash] = now
	w.order = append(w.order, dedupEntry{hash: hash, at: now})
}

func (w *dedupWindow) evictExpired(now time.Time) {
	for len(w.order) > 0 && now.Sub(w.order[0].at) > w.ttl {
		w.evictOldest()
	}
}

func (w *dedupWindow) evictOldest() {
	oldest := w.order[0]
	w.order = w.order[1:]
	// The map entry may have been refreshed since; only delete if it still
	// points at the evicted insertion.
	if at, ok := w.entries[oldest.hash]; ok && at.Equal(oldest.at) {
		delete(w.entries, oldest.hash)
	}
}
