package observability

import (
	"sync"
	"time"
)

// DroppedFrame records a push-channel frame rejected before reaching a reducer.
type DroppedFrame struct {
	Source     string
	Reason     string
	Payload    []byte
	ReceivedAt time.Time
}

// DeadLetterQueue stores frames that failed decoding.
type DeadLetterQueue struct {
	mu       sync.Mutex
	capacity int
	frames   []DroppedFrame
}

// NewDeadLetterQueue creates a DLQ with the provided capacity. Capacity <=0 implies unbounded.
func NewDeadLetterQueue(capacity int) *DeadLetterQueue {
	queue := new(DeadLetterQueue)
	queue.capacity = capacity
	queue.frames = make([]DroppedFrame, 0)
	return queue
}

// Offer records a dropped frame, evicting the oldest when full.
func (q *DeadLetterQueue) Offer(frame DroppedFrame) {
	if q == nil {
		return
	}
	frame.Payload = append([]byte(nil), frame.Payload...)
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.capacity > 0 && len(q.frames) >= q.capacity {
		copy(q.frames[0:], q.frames[1:])
		q.frames[len(q.frames)-1] = frame
		return
	}
	q.frames = append(q.frames, frame)
}

// Drain retrieves and clears all queued frames.
func (q *DeadLetterQueue) Drain() []DroppedFrame {
	if q == nil {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	drained := make([]DroppedFrame, len(q.frames))
	copy(drained, q.frames)
	q.frames = q.frames[:0]
	return drained
}

// Len returns the number of queued frames.
func (q *DeadLetterQueue) Len() int {
	if q == nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}
