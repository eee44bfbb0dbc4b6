package routing

import (
	"sort"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// DefaultReplicas is the number of virtual nodes placed on the ring per real node.
const DefaultReplicas = 150

// Ring is a consistent hash ring mapping arbitrary keys onto a set of node names.
//
// Each real node is placed on the ring Replicas times under the keys
// "node:0" .. "node:N-1". A key is owned by the first virtual node whose hash is
// greater than or equal to the key's hash, wrapping to the first virtual node.
// Removing a node only moves the keys that node owned.
//
// Thread-safety: all methods are safe for concurrent use.
type Ring struct {
	replicas int

	mu     sync.RWMutex
	hashes []uint64          // sorted virtual node hashes
	owners map[uint64]string // virtual node hash -> real node
	nodes  map[string]struct{}
}

// NewRing creates an empty ring. replicas <= 0 uses DefaultReplicas.
func NewRing(replicas int) *Ring {
	if replicas <= 0 {
		replicas = DefaultReplicas
	}
	return &Ring{
		replicas: replicas,
		owners:   make(map[uint64]string),
		nodes:    make(map[string]struct{}),
	}
}

func hashKey(key string) uint64 {
	return xxhash.Sum64String(key)
}

func virtualKey(node string, i int) string {
	return node + ":" + strconv.Itoa(i)
}

// AddNode places node on the ring. Adding a node twice is a no-op.
func (r *Ring) AddNode(node string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.nodes[node]; ok {
		return
	}
	r.nodes[node] = struct{}{}

	for i := 0; i < r.replicas; i++ {
		h := hashKey(virtualKey(node, i))
		// On a hash collision the first owner keeps the slot.
		if _, taken := r.owners[h]; taken {
			continue
		}
		r.owners[h] = node
		r.hashes = append(r.hashes, h)
	}
	sort.Slice(r.hashes, func(i, j int) bool { return r.hashes[i] < r.hashes[j] })
}

// RemoveNode drops node and all of its virtual nodes. Unknown nodes are ignored.
func (r *Ring) RemoveNode(node string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.nodes[node]; !ok {
		return
	}
	delete(r.nodes, node)

	kept := r.hashes[:0]
	for _, h := range r.hashes {
		if r.owners[h] == node {
			delete(r.owners, h)
			continue
		}
		kept = append(kept, h)
	}
	r.hashes = kept
}

// search returns the index of the first virtual node at or after h, wrapping.
// Caller holds the lock and guarantees the ring is not empty.
func (r *Ring) search(h uint64) int {
	idx := sort.Search(len(r.hashes), func(i int) bool { return r.hashes[i] >= h })
	if idx == len(r.hashes) {
		idx = 0
	}
	return idx
}

// GetNode returns the node owning key. ok is false when the ring is empty.
func (r *Ring) GetNode(key string) (node string, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.hashes) == 0 {
		return "", false
	}
	return r.owners[r.hashes[r.search(hashKey(key))]], true
}

// GetNodes returns up to count distinct nodes, walking the ring clockwise from
// the owner of key. Useful for replica placement.
func (r *Ring) GetNodes(key string, count int) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.hashes) == 0 || count <= 0 {
		return nil
	}
	if count > len(r.nodes) {
		count = len(r.nodes)
	}

	result := make([]string, 0, count)
	seen := make(map[string]struct{}, count)
	start := r.search(hashKey(key))
	for i := 0; i < len(r.hashes) && len(result) < count; i++ {
		node := r.owners[r.hashes[(start+i)%len(r.hashes)]]
		if _, dup := seen[node]; dup {
			continue
		}
		seen[node] = struct{}{}
		result = append(result, node)
	}
	return result
}

// Nodes returns the real nodes currently on the ring, sorted by name.
func (r *Ring) Nodes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	nodes := make([]string, 0, len(r.nodes))
	for n := range r.nodes {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)
	return nodes
}

// Len returns the number of real nodes.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}
