package queue

import (
	"container/heap"
	"errors"
	"sync"
)

var (
	// ErrQueueFull is returned when the queue is at max capacity
	ErrQueueFull = errors.New("queue is full")
	// ErrMessageExists is returned when a message already exists in the queue
	ErrMessageExists = errors.New("message already exists in queue")
)

// messageHeap implements heap.Interface ordering due messages by priority
// rank, then scheduled_for, then created_at.
type messageHeap []*heapItem

type heapItem struct {
	msg   *QueuedMessage
	index int // Index in the heap (used by container/heap)
}

func (h messageHeap) Len() int { return len(h) }

func (h messageHeap) Less(i, j int) bool {
	a, b := h[i].msg, h[j].msg
	if a.Priority.Rank() != b.Priority.Rank() {
		return a.Priority.Rank() < b.Priority.Rank()
	}
	if !a.ScheduledFor.Equal(b.ScheduledFor) {
		return a.ScheduledFor.Before(b.ScheduledFor)
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

func (h messageHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *messageHeap) Push(x interface{}) {
	n := len(*h)
	item := x.(*heapItem)
	item.index = n
	*h = append(*h, item)
}

func (h *messageHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil  // avoid memory leak
	item.index = -1 // for safety
	*h = old[0 : n-1]
	return item
}

// MessageQueue orders one batch of due messages for processing. It is an
// in-process structure; the durable queue lives in the store.
type MessageQueue struct {
	mu      sync.RWMutex
	heap    messageHeap
	msgMap  map[string]*heapItem // For quick lookup by message ID
	maxSize int
}

// NewMessageQueue creates a new message queue. maxSize <= 0 means unbounded.
func NewMessageQueue(maxSize int) *MessageQueue {
	q := &MessageQueue{
		heap:    make(messageHeap, 0),
		msgMap:  make(map[string]*heapItem),
		maxSize: maxSize,
	}
	heap.Init(&q.heap)
	return q
}

// Push adds a message to the queue.
// Returns an error if the queue is full or the message already exists.
func (q *MessageQueue) Push(msg *QueuedMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.msgMap[msg.ID]; exists {
		return ErrMessageExists
	}

	if q.maxSize > 0 && len(q.heap) >= q.maxSize {
		return ErrQueueFull
	}

	item := &heapItem{msg: msg}
	heap.Push(&q.heap, item)
	q.msgMap[msg.ID] = item
	return nil
}

// Pop removes and returns the highest priority message.
// Returns nil if the queue is empty.
func (q *MessageQueue) Pop() *QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap) == 0 {
		return nil
	}

	item := heap.Pop(&q.heap).(*heapItem)
	delete(q.msgMap, item.msg.ID)
	return item.msg
}

// Peek returns the highest priority message without removing it.
func (q *MessageQueue) Peek() *QueuedMessage {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if len(q.heap) == 0 {
		return nil
	}
	return q.heap[0].msg
}

// Remove removes a specific message from the queue.
func (q *MessageQueue) Remove(messageID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, exists := q.msgMap[messageID]
	if !exists {
		return false
	}

	heap.Remove(&q.heap, item.index)
	delete(q.msgMap, messageID)
	return true
}

// Contains checks if a message is in the queue.
func (q *MessageQueue) Contains(messageID string) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	_, exists := q.msgMap[messageID]
	return exists
}

// Len returns the number of messages in the queue.
func (q *MessageQueue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return len(q.heap)
}
