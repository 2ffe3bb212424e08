package ring

import (
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
)

const (
	// NumBuckets is the fixed size of the bucket array. Every key hashes
	// into one of these buckets, and every bucket maps to a node name.
	NumBuckets = 1024

	// DefaultWeight is the nominal weight assigned to every node. All
	// clients must use the same weight or their bucket assignments drift.
	DefaultWeight = 10
)

// Sum32 returns the first four bytes, big-endian, of the MD5 of key.
// This value is protocol-visible: it decides which keys land on which
// node across independently configured clients, so it must never change.
func Sum32(key []byte) uint32 {
	sum := md5.Sum(key)
	return binary.BigEndian.Uint32(sum[:4])
}

// point is one position on the continuum claimed by a node.
type point struct {
	hash uint32
	node string
}

// Ring maps opaque byte strings onto logical node names through a
// fixed-size bucket array built with a ketama-style continuum. For a
// fixed node set the bucket assignment is identical in every process.
type Ring struct {
	mu      sync.RWMutex
	weights map[string]int
	buckets []string
}

// New creates an empty ring.
func New() *Ring {
	return &Ring{
		weights: make(map[string]int),
		buckets: make([]string, NumBuckets),
	}
}

// Add inserts a node with the given weight and rebuilds the bucket
// array. A weight of 0 or less removes the node.
func (r *Ring) Add(name string, weight int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if weight <= 0 {
		delete(r.weights, name)
	} else {
		r.weights[name] = weight
	}
	r.rebuild()
}

// Remove deletes a node. Implemented as Add with weight 0, so only
// buckets owned by the removed node change assignment.
func (r *Ring) Remove(name string) {
	r.Add(name, 0)
}

// Lookup returns the node name responsible for key, or "" if the ring
// is empty.
func (r *Ring) Lookup(key []byte) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.buckets[Sum32(key)%NumBuckets]
}

// Nodes returns the currently configured node names in sorted order.
func (r *Ring) Nodes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.weights))
	for name := range r.weights {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Buckets returns a copy of the bucket array.
func (r *Ring) Buckets() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, NumBuckets)
	copy(out, r.buckets)
	return out
}

// rebuild recomputes the bucket array from the current node weights.
// Each node claims weight points on a 32-bit continuum; bucket i is
// assigned to the owner of the first point at or after i*(2^32/1024),
// wrapping at the top. Ties break on node name so that every client
// agrees on the result.
func (r *Ring) rebuild() {
	if len(r.weights) == 0 {
		for i := range r.buckets {
			r.buckets[i] = ""
		}
		return
	}

	points := make([]point, 0, len(r.weights)*DefaultWeight)
	for name, weight := range r.weights {
		for v := 0; v < weight; v++ {
			h := Sum32([]byte(fmt.Sprintf("%s-%d", name, v)))
			points = append(points, point{hash: h, node: name})
		}
	}

	sort.Slice(points, func(i, j int) bool {
		if points[i].hash != points[j].hash {
			return points[i].hash < points[j].hash
		}
		return points[i].node < points[j].node
	})

	const step = (1 << 32) / NumBuckets
	for i := range r.buckets {
		h := uint32(uint64(i) * step)
		idx := sort.Search(len(points), func(j int) bool {
			return points[j].hash >= h
		})
		if idx == len(points) {
			idx = 0 // wrap around
		}
		r.buckets[i] = points[idx].node
	}
}
