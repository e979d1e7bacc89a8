// Package queue is the send/receive abstraction over an at-least-once,
// competing-consumer message queue with peek-lock visibility.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrThrottled is returned (wrapped) by a Transport that asks the
	// caller to back off.
	ErrThrottled = errors.New("queue throttled")

	// ErrAlreadyListening is returned by Listen when another Listen is
	// active on the same Client.
	ErrAlreadyListening = errors.New("queue client is already listening")

	// ErrLeaseLost is returned when a message lease expired and the
	// message was handed to another consumer.
	ErrLeaseLost = errors.New("message lease lost")
)

// Message is one received message. Token identifies the current
// delivery; it is required to delete or dead-letter the message.
type Message struct {
	ID         int64
	Queue      string
	Body       []byte
	Token      string
	Deliveries int
	EnqueuedAt time.Time
}

// Decode unmarshals the JSON body into v.
func (m *Message) Decode(v any) error {
	return json.Unmarshal(m.Body, v)
}

// Transport is the queue backend.
type Transport interface {
	Send(ctx context.Context, queue string, body []byte) error
	// Receive claims up to max visible messages, hiding each for lease.
	Receive(ctx context.Context, queue string, max int, lease time.Duration) ([]*Message, error)
	Delete(ctx context.Context, queue, token string) error
	DeadLetter(ctx context.Context, queue, token string) error
	// Extend pushes the lease of the message held under token to lease
	// from now.
	Extend(ctx context.Context, queue, token string, lease time.Duration) error
	Depth(ctx context.Context, queue string) (int, error)
}

// DeliveryError is returned by Send when every attempt failed.
type DeliveryError struct {
	Queue    string
	Attempts int
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("send to %s: %d attempts: %v", e.Queue, e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// DeadLetterQueue is the name messages of queue are moved to.
func DeadLetterQueue(queue string) string {
	return queue + ".dead"
}
