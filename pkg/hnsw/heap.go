package hnsw

// candidate is one node considered during a layer search, carrying its
// distance to the active query so the two heaps below can order by it.
type candidate struct {
	id     string
	vector []float32
	dist   float32
}

// minCandidateHeap pops the nearest (smallest distance) candidate first;
// used as the "frontier still to explore" queue during a layer search.
type minCandidateHeap []candidate

func (h minCandidateHeap) Len() int            { return len(h) }
func (h minCandidateHeap) Less(i, j int) bool  { return h[i].dist < h[j].dist }
func (h minCandidateHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *minCandidateHeap) Push(x interface{}) { *h = append(*h, x.(candidate)) }
func (h *minCandidateHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// maxCandidateHeap pops the farthest (largest distance) candidate first;
// used to hold the current best-ef result set, so the worst of the kept
// results is always the cheapest one to evict.
type maxCandidateHeap []candidate

func (h maxCandidateHeap) Len() int            { return len(h) }
func (h maxCandidateHeap) Less(i, j int) bool  { return h[i].dist > h[j].dist }
func (h maxCandidateHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *maxCandidateHeap) Push(x interface{}) { *h = append(*h, x.(candidate)) }
func (h *maxCandidateHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
