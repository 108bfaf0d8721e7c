package bmw

import (
	"container/heap"
	"sort"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/sparseix/sparseix/kv"
	"github.com/sparseix/sparseix/model"
)

// candidateHeap is a min-heap on Score, giving Search a fixed-size
// top-K structure: once full, the root is the current K-th best score
// and doubles as the WAND pruning threshold.
type candidateHeap []model.Candidate

func (h candidateHeap) Len() int            { return len(h) }
func (h candidateHeap) Less(i, j int) bool  { return h[i].Score < h[j].Score }
func (h candidateHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *candidateHeap) Push(x interface{}) { *h = append(*h, x.(model.Candidate)) }
func (h *candidateHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// Search runs the Block-Max WAND DAAT pivot loop over query against
// this index, returning the top k candidates by score. If allowed is
// non-nil, only doc ids it contains are eligible (the structured
// filter pre-pass of spec.md §5's read path); a nil allowed means
// unfiltered.
func (idx *Index) Search(tx *kv.Tx, query model.SparseVector, k int, allowed *roaring.Bitmap) ([]model.Candidate, error) {
	if k <= 0 {
		return nil, nil
	}

	iters := make([]*iterator, 0, len(query))
	for _, tw := range query {
		it, err := newIterator(idx, tx, tw.TermID, tw.Value)
		if err != nil {
			return nil, err
		}
		if !it.Done() {
			iters = append(iters, it)
		}
	}
	if len(iters) == 0 {
		return nil, nil
	}

	h := &candidateHeap{}
	heap.Init(h)
	var threshold float64

	for {
		live := iters[:0:0]
		for _, it := range iters {
			if !it.Done() {
				live = append(live, it)
			}
		}
		iters = live
		if len(iters) == 0 {
			break
		}

		sort.Slice(iters, func(i, j int) bool { return iters[i].DocID() < iters[j].DocID() })

		pivot := -1
		var cum float64
		for i, it := range iters {
			cum += it.UpperBound()
			if cum > threshold {
				pivot = i
				break
			}
		}
		if pivot < 0 {
			break // no remaining term combination can beat the threshold
		}

		pivotDocID := iters[pivot].DocID()

		if iters[0].DocID() == pivotDocID {
			var score float64
			for _, it := range iters {
				if it.DocID() != pivotDocID {
					break
				}
				score += it.Score()
			}
			if allowed == nil || allowed.Contains(uint32(pivotDocID)) {
				if h.Len() < k {
					heap.Push(h, model.Candidate{ID: pivotDocID, Score: float32(score)})
					if h.Len() == k {
						threshold = float64((*h)[0].Score)
					}
				} else if score > threshold {
					heap.Pop(h)
					heap.Push(h, model.Candidate{ID: pivotDocID, Score: float32(score)})
					threshold = float64((*h)[0].Score)
				}
			}
			for _, it := range iters {
				if it.DocID() != pivotDocID {
					break
				}
				if err := it.Next(); err != nil {
					return nil, err
				}
			}
			continue
		}

		// Advance the iterator with the smallest doc id, which lies
		// before the pivot, to pivotDocID. Any other iterators before
		// the pivot are advanced on later passes of the loop.
		if err := iters[0].Advance(pivotDocID); err != nil {
			return nil, err
		}
	}

	out := make([]model.Candidate, h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(h).(model.Candidate)
	}
	return out, nil
}
