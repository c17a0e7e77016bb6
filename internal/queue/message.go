package queue

import (
	"context"
	"log/slog"
	"time"
)

// Publisher hands a job payload to the queue
type Publisher interface {
	Publish(ctx context.Context, body []byte) error
}

// Source yields deliveries until ctx is done or the queue closes
type Source interface {
	Consume(ctx context.Context) (<-chan Message, error)
}

// Message is one delivery. Exactly one of Ack or Nack must be called.
type Message struct {
	Body        []byte
	Redelivered bool

	ack  func() error
	nack func(requeue bool) error
}

// NewMessage builds a Message around broker specific acknowledgement funcs
func NewMessage(body []byte, redelivered bool, ack func() error, nack func(requeue bool) error) Message {
	return Message{Body: body, Redelivered: redelivered, ack: ack, nack: nack}
}

// Ack removes the message from the queue
func (m Message) Ack() error {
	if m.ack == nil {
		return nil
	}
	return m.ack()
}

// Nack rejects the message. With requeue false it is dead-lettered.
func (m Message) Nack(requeue bool) error {
	if m.nack == nil {
		return nil
	}
	return m.nack(requeue)
}

// Batch groups deliveries into slices of at most size messages. A partial batch
// is flushed once wait has passed since its first message arrived. The returned
// channel closes when messages closes or ctx is done. Messages still held when
// ctx is done are requeued rather than dropped.
func Batch(ctx context.Context, messages <-chan Message, size int, wait time.Duration) <-chan []Message {
	if size <= 0 {
		size = 1
	}
	out := make(chan []Message)

	go func() {
		defer close(out)

		var (
			pending []Message
			timer   *time.Timer
			timeout <-chan time.Time
		)
		flush := func() bool {
			if timer != nil {
				timer.Stop()
				timer, timeout = nil, nil
			}
			if len(pending) == 0 {
				return true
			}
			batch := pending
			pending = nil
			select {
			case out <- batch:
				return true
			case <-ctx.Done():
				requeue(batch)
				return false
			}
		}

		for {
			select {
			case msg, ok := <-messages:
				if !ok {
					flush()
					return
				}
				pending = append(pending, msg)
				if len(pending) == 1 && wait > 0 {
					timer = time.NewTimer(wait)
					timeout = timer.C
				}
				if len(pending) >= size || wait <= 0 {
					if !flush() {
						return
					}
				}
			case <-timeout:
				timer, timeout = nil, nil
				if !flush() {
					return
				}
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				requeue(pending)
				return
			}
		}
	}()

	return out
}

func requeue(messages []Message) {
	for _, msg := range messages {
		if err := msg.Nack(true); err != nil {
			slog.Warn("Failed to requeue undelivered message", "error", err)
		}
	}
}
