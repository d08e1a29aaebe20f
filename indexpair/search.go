package indexpair

import (
	"container/heap"
	"fmt"
	"sort"
)

// Match is one search hit against a pair's vectors.
type Match struct {
	Index    int
	Entry    Entry
	Distance float32
}

// SquaredL2 computes the squared Euclidean distance between two vectors.
// Callers guarantee equal dimensions.
func SquaredL2(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

// Search scans all rows and returns up to k matches with squared-L2
// distance strictly below maxDistance, ordered by ascending distance.
func (p *Pair) Search(query []float32, k int, maxDistance float32) ([]Match, error) {
	if len(p.Vectors) == 0 || k <= 0 {
		return nil, nil
	}
	if len(query) != p.Dim() {
		return nil, fmt.Errorf("indexpair: query dimension %d, index dimension %d", len(query), p.Dim())
	}

	// Bounded max-heap: keeps the k nearest rows seen so far.
	pq := &matchHeap{}
	for i, v := range p.Vectors {
		d := SquaredL2(query, v)
		if d >= maxDistance {
			continue
		}
		if pq.Len() < k {
			heap.Push(pq, Match{Index: i, Entry: p.Meta.Entries[i], Distance: d})
		} else if d < (*pq)[0].Distance {
			(*pq)[0] = Match{Index: i, Entry: p.Meta.Entries[i], Distance: d}
			heap.Fix(pq, 0)
		}
	}

	out := make([]Match, pq.Len())
	copy(out, *pq)
	sort.Slice(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	return out, nil
}

// matchHeap is a max-heap on distance so the worst retained match is
// always at the root.
type matchHeap []Match

func (h matchHeap) Len() int            { return len(h) }
func (h matchHeap) Less(i, j int) bool  { return h[i].Distance > h[j].Distance }
func (h matchHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *matchHeap) Push(x any)         { *h = append(*h, x.(Match)) }
func (h *matchHeap) Pop() any {
	old := *h
	n := len(old)
	m := old[n-1]
	*h = old[:n-1]
	return m
}
