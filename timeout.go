// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package isolate

import (
	"container/heap"
)

// timeoutQueue is the set of pending port timeouts, at most one per port,
// ordered by deadline (Unix milliseconds). The minimum is the deadline of
// the single OS timer.
type timeoutQueue struct {
	items  timeoutHeap
	byPort map[Port]*timeoutItem
}

type timeoutItem struct {
	port     Port
	deadline int64
	index    int
}

type timeoutHeap []*timeoutItem

func (h timeoutHeap) Len() int { return len(h) }

func (h timeoutHeap) Less(i, j int) bool {
	if h[i].deadline != h[j].deadline {
		return h[i].deadline < h[j].deadline
	}
	return h[i].port < h[j].port
}

func (h timeoutHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timeoutHeap) Push(x any) {
	item := x.(*timeoutItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *timeoutHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// update sets the deadline of port, replacing any existing one. A negative
// deadline removes it.
func (q *timeoutQueue) update(port Port, deadline int64) {
	if q.byPort == nil {
		q.byPort = make(map[Port]*timeoutItem)
	}
	item, ok := q.byPort[port]
	switch {
	case deadline < 0:
		if ok {
			heap.Remove(&q.items, item.index)
			delete(q.byPort, port)
		}
	case ok:
		item.deadline = deadline
		heap.Fix(&q.items, item.index)
	default:
		item = &timeoutItem{port: port, deadline: deadline}
		heap.Push(&q.items, item)
		q.byPort[port] = item
	}
}

// current returns the earliest timeout.
func (q *timeoutQueue) current() (Port, int64, bool) {
	if len(q.items) == 0 {
		return IllegalPort, 0, false
	}
	return q.items[0].port, q.items[0].deadline, true
}

func (q *timeoutQueue) removeCurrent() {
	if len(q.items) == 0 {
		return
	}
	item := heap.Pop(&q.items).(*timeoutItem)
	delete(q.byPort, item.port)
}

func (q *timeoutQueue) len() int { return len(q.items) }
