package mission

import "container/heap"

// admissionTicket is one Mission Run waiting for an admission slot, ordered
// by WSJF score, FIFO among equal scores.
type admissionTicket struct {
	missionID string
	score     float64
	seq       int64 // insertion order, for the FIFO tie-break
}

// admissionQueue is a WSJF-ordered min-heap inverted to pop the highest
// score first; ties break on insertion order (lower seq wins).
type admissionQueue []*admissionTicket

func (q admissionQueue) Len() int { return len(q) }
func (q admissionQueue) Less(i, j int) bool {
	if q[i].score != q[j].score {
		return q[i].score > q[j].score
	}
	return q[i].seq < q[j].seq
}
func (q admissionQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *admissionQueue) Push(x any)   { *q = append(*q, x.(*admissionTicket)) }
func (q *admissionQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

var _ heap.Interface = (*admissionQueue)(nil)
