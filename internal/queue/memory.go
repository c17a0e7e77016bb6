package queue

import (
	"context"
	"sync"
)

// MemoryQueue is an in-process queue with the same ack semantics as the
// broker: Nack with requeue redelivers, Nack without requeue dead-letters.
type MemoryQueue struct {
	mu          sync.Mutex
	messages    chan Message
	deadLetters [][]byte
	acked       int
}

// NewMemoryQueue creates a queue holding up to capacity undelivered messages
func NewMemoryQueue(capacity int) *MemoryQueue {
	return &MemoryQueue{messages: make(chan Message, capacity)}
}

// Publish enqueues body
func (q *MemoryQueue) Publish(ctx context.Context, body []byte) error {
	return q.enqueue(ctx, body, false)
}

func (q *MemoryQueue) enqueue(ctx context.Context, body []byte, redelivered bool) error {
	var once sync.Once
	settle := func(f func()) error {
		once.Do(f)
		return nil
	}

	msg := NewMessage(body, redelivered,
		func() error {
			return settle(func() {
				q.mu.Lock()
				q.acked++
				q.mu.Unlock()
			})
		},
		func(requeue bool) error {
			var err error
			_ = settle(func() {
				if requeue {
					err = q.enqueue(context.Background(), body, true)
					return
				}
				q.mu.Lock()
				q.deadLetters = append(q.deadLetters, body)
				q.mu.Unlock()
			})
			return err
		},
	)

	select {
	case q.messages <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume returns the delivery channel. It is shared by every consumer.
func (q *MemoryQueue) Consume(ctx context.Context) (<-chan Message, error) {
	out := make(chan Message)
	go func() {
		defer close(out)
		for {
			select {
			case msg := <-q.messages:
				select {
				case out <- msg:
				case <-ctx.Done():
					select {
					case q.messages <- msg:
					default:
					}
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// DeadLetters returns the bodies rejected without requeue
func (q *MemoryQueue) DeadLetters() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([][]byte(nil), q.deadLetters...)
}

// Acked returns how many messages were acknowledged
func (q *MemoryQueue) Acked() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.acked
}

// Len returns how many messages wait for delivery
func (q *MemoryQueue) Len() int {
	return len(q.messages)
}
