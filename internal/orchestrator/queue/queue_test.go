package queue

import (
	"testing"
	"time"
)

// createTestMessage creates a queued message for testing with the given parameters
func createTestMessage(id string, priority Priority, scheduledFor time.Time) *QueuedMessage {
	return &QueuedMessage{
		ID:           id,
		UserID:       "user-1",
		ProducerID:   "test-producer",
		Payload:      Payload{Type: "notification", Topic: "test"},
		Priority:     priority,
		Status:       StatusQueued,
		ScheduledFor: scheduledFor,
		CreatedAt:    scheduledFor,
	}
}

func TestNewMessageQueue(t *testing.T) {
	q := NewMessageQueue(100)
	if q == nil {
		t.Fatal("NewMessageQueue returned nil")
	}
	if q.Len() != 0 {
		t.Errorf("expected empty queue, got Len() = %d", q.Len())
	}
	if q.maxSize != 100 {
		t.Errorf("expected maxSize = 100, got %d", q.maxSize)
	}
}

func TestPush(t *testing.T) {
	q := NewMessageQueue(10)
	msg := createTestMessage("msg-1", PriorityMedium, time.Now())

	err := q.Push(msg)
	if err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	if q.Len() != 1 {
		t.Errorf("expected Len() = 1, got %d", q.Len())
	}
}

func TestPushDuplicate(t *testing.T) {
	q := NewMessageQueue(10)
	msg := createTestMessage("msg-1", PriorityMedium, time.Now())

	_ = q.Push(msg)
	err := q.Push(msg)
	if err != ErrMessageExists {
		t.Errorf("expected ErrMessageExists, got %v", err)
	}
}

func TestPushQueueFull(t *testing.T) {
	q := NewMessageQueue(2)
	now := time.Now()

	_ = q.Push(createTestMessage("msg-1", PriorityMedium, now))
	_ = q.Push(createTestMessage("msg-2", PriorityMedium, now))
	err := q.Push(createTestMessage("msg-3", PriorityMedium, now))

	if err != ErrQueueFull {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}
}

func TestPopEmptyQueue(t *testing.T) {
	q := NewMessageQueue(10)
	if msg := q.Pop(); msg != nil {
		t.Errorf("expected nil from empty queue, got %v", msg)
	}
}

func TestPriorityOrdering(t *testing.T) {
	q := NewMessageQueue(10)
	now := time.Now()

	_ = q.Push(createTestMessage("msg-low", PriorityLow, now))
	_ = q.Push(createTestMessage("msg-urgent", PriorityUrgent, now))
	_ = q.Push(createTestMessage("msg-medium", PriorityMedium, now))
	_ = q.Push(createTestMessage("msg-high", PriorityHigh, now))

	want := []string{"msg-urgent", "msg-high", "msg-medium", "msg-low"}
	for _, id := range want {
		msg := q.Pop()
		if msg == nil {
			t.Fatalf("Pop returned nil, expected %s", id)
		}
		if msg.ID != id {
			t.Errorf("expected %s, got %s", id, msg.ID)
		}
	}
	if q.Len() != 0 {
		t.Errorf("expected Len() = 0 after draining, got %d", q.Len())
	}
}

func TestScheduledForTiebreak(t *testing.T) {
	q := NewMessageQueue(10)
	now := time.Now()

	_ = q.Push(createTestMessage("msg-later", PriorityHigh, now.Add(time.Hour)))
	_ = q.Push(createTestMessage("msg-earlier", PriorityHigh, now))

	if msg := q.Pop(); msg.ID != "msg-earlier" {
		t.Errorf("expected msg-earlier first, got %s", msg.ID)
	}
}

func TestCreatedAtTiebreak(t *testing.T) {
	q := NewMessageQueue(10)
	now := time.Now()

	second := createTestMessage("msg-second", PriorityHigh, now)
	second.CreatedAt = now.Add(time.Minute)
	first := createTestMessage("msg-first", PriorityHigh, now)
	first.CreatedAt = now
	_ = q.Push(second)
	_ = q.Push(first)

	if msg := q.Pop(); msg.ID != "msg-first" {
		t.Errorf("expected msg-first first, got %s", msg.ID)
	}
}

func TestPeek(t *testing.T) {
	q := NewMessageQueue(10)
	if q.Peek() != nil {
		t.Error("expected nil peek on empty queue")
	}

	now := time.Now()
	_ = q.Push(createTestMessage("msg-1", PriorityLow, now))
	_ = q.Push(createTestMessage("msg-2", PriorityUrgent, now))

	msg := q.Peek()
	if msg == nil || msg.ID != "msg-2" {
		t.Errorf("expected peek = msg-2, got %+v", msg)
	}
	if q.Len() != 2 {
		t.Errorf("Peek should not remove; got Len() = %d", q.Len())
	}
}

func TestRemove(t *testing.T) {
	q := NewMessageQueue(10)
	now := time.Now()

	_ = q.Push(createTestMessage("msg-1", PriorityHigh, now))
	_ = q.Push(createTestMessage("msg-2", PriorityLow, now))

	if !q.Remove("msg-1") {
		t.Error("Remove returned false for existing message")
	}
	if q.Remove("msg-1") {
		t.Error("Remove returned true for already removed message")
	}
	if q.Contains("msg-1") {
		t.Error("queue still contains removed message")
	}

	if msg := q.Pop(); msg.ID != "msg-2" {
		t.Errorf("expected msg-2 after removal, got %s", msg.ID)
	}
}

func TestContains(t *testing.T) {
	q := NewMessageQueue(10)

	if q.Contains("msg-1") {
		t.Error("empty queue should not contain msg-1")
	}
	_ = q.Push(createTestMessage("msg-1", PriorityMedium, time.Now()))
	if !q.Contains("msg-1") {
		t.Error("queue should contain msg-1 after push")
	}
}
