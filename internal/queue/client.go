package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cwygoda/scanfarm/internal/clock"
	"github.com/cwygoda/scanfarm/internal/metrics"
	"github.com/cwygoda/scanfarm/internal/retry"
	"github.com/sirupsen/logrus"
)

// Options tune a Client. Zero values take the defaults.
type Options struct {
	Lease         time.Duration // visibility timeout, default 5m
	SendAttempts  int           // default 10
	RetryDelay    time.Duration // default 1s
	ThrottleDelay time.Duration // default 10s
	Timer         retry.Timer
}

// Handler processes a batch of messages. Returning an error leaves the
// batch on the queue; it is redelivered when the leases expire.
type Handler func(ctx context.Context, msgs []*Message) error

// ListenOptions tune Listen.
type ListenOptions struct {
	Polling    time.Duration
	BatchSize  int
	AutoDelete bool
}

// DefaultListenOptions polls every second for one message and deletes
// it once handled.
func DefaultListenOptions() ListenOptions {
	return ListenOptions{Polling: time.Second, BatchSize: 1, AutoDelete: true}
}

// Client sends to and receives from one named queue.
type Client struct {
	transport     Transport
	queue         string
	lease         time.Duration
	send          retry.Policy
	throttleDelay time.Duration
	clock         clock.Clock
	logger        logrus.FieldLogger
	metrics       *metrics.Metrics

	listening atomic.Bool
	mu        sync.Mutex
	stop      chan struct{}
	depthAt   time.Time
}

// NewClient creates a client for queue on top of t.
func NewClient(t Transport, queue string, opts Options, clk clock.Clock, logger logrus.FieldLogger, m *metrics.Metrics) *Client {
	if opts.Lease <= 0 {
		opts.Lease = 5 * time.Minute
	}
	if opts.SendAttempts <= 0 {
		opts.SendAttempts = 10
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	if opts.ThrottleDelay <= 0 {
		opts.ThrottleDelay = 10 * time.Second
	}
	retryDelay, throttleDelay := opts.RetryDelay, opts.ThrottleDelay
	return &Client{
		transport: t,
		queue:     queue,
		lease:     opts.Lease,
		send: retry.Policy{
			MaxAttempts: opts.SendAttempts,
			Delay: func(_ int, err error) time.Duration {
				if errors.Is(err, ErrThrottled) {
					return throttleDelay
				}
				return retryDelay
			},
			Timer: opts.Timer,
		},
		throttleDelay: throttleDelay,
		clock:         clk,
		logger:        logger.WithField("Queue", queue),
		metrics:       m,
	}
}

// Name returns the queue name.
func (c *Client) Name() string {
	return c.queue
}

// Send JSON-encodes payload and delivers it.
func (c *Client) Send(ctx context.Context, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode message for %s: %w", c.queue, err)
	}
	return c.SendRaw(ctx, body)
}

// SendRaw delivers body, retrying transport failures. After the policy
// is exhausted it returns a *DeliveryError.
func (c *Client) SendRaw(ctx context.Context, body []byte) error {
	var attempts int
	err := retry.Do(ctx, c.send, func(ctx context.Context) error {
		attempts++
		err := c.transport.Send(ctx, c.queue, body)
		if err != nil {
			c.logger.WithError(err).WithField("Attempt", attempts).Info("send failed")
		}
		return err
	})
	if err != nil {
		var exhausted *retry.ExhaustedError
		if errors.As(err, &exhausted) {
			err = exhausted.Err
		}
		return &DeliveryError{Queue: c.queue, Attempts: attempts, Err: err}
	}
	c.metrics.QueueSent.WithLabelValues(c.queue).Inc()
	return nil
}

// Receive returns one message, or nil if the queue is empty. A
// destructive receive removes the message immediately; otherwise it is
// hidden from other consumers until deleted or its lease expires.
func (c *Client) Receive(ctx context.Context, destructive bool) (*Message, error) {
	msgs, err := c.transport.Receive(ctx, c.queue, 1, c.lease)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	msg := msgs[0]
	c.metrics.QueueReceived.WithLabelValues(c.queue).Inc()
	if destructive {
		if err := c.Delete(ctx, msg); err != nil {
			return nil, err
		}
	}
	return msg, nil
}

// Delete removes a received message.
func (c *Client) Delete(ctx context.Context, msg *Message) error {
	return c.transport.Delete(ctx, c.queue, msg.Token)
}

// DeadLetter moves a received message to the dead-letter queue.
func (c *Client) DeadLetter(ctx context.Context, msg *Message) error {
	return c.transport.DeadLetter(ctx, c.queue, msg.Token)
}

// Depth reports the approximate number of messages in the queue.
func (c *Client) Depth(ctx context.Context) (int, error) {
	n, err := c.transport.Depth(ctx, c.queue)
	if err != nil {
		return 0, err
	}
	c.metrics.QueueDepth.WithLabelValues(c.queue).Set(float64(n))
	return n, nil
}

// Listen polls the queue and passes each batch to handler until ctx
// ends or Stop is called. Only one Listen may run per Client.
func (c *Client) Listen(ctx context.Context, handler Handler, opts ListenOptions) error {
	if !c.listening.CompareAndSwap(false, true) {
		return ErrAlreadyListening
	}
	defer c.listening.Store(false)

	if opts.Polling <= 0 {
		opts.Polling = time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1
	}

	stop := make(chan struct{})
	c.mu.Lock()
	c.stop = stop
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.stop = nil
		c.mu.Unlock()
	}()

	c.logger.WithField("Polling", opts.Polling).Info("listening")
	for {
		wait := c.poll(ctx, handler, opts)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			c.logger.Info("stopped listening")
			return nil
		default:
		}
		if wait <= 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			c.logger.Info("stopped listening")
			return nil
		case <-c.clock.After(wait):
		}
	}
}

// Stop ends an active Listen after its current iteration.
func (c *Client) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
}

// poll runs one listen iteration and returns how long to wait before
// the next one.
func (c *Client) poll(ctx context.Context, handler Handler, opts ListenOptions) time.Duration {
	c.sampleDepth(ctx, opts.Polling)

	msgs, err := c.transport.Receive(ctx, c.queue, opts.BatchSize, c.lease)
	if err != nil {
		if ctx.Err() != nil {
			return 0
		}
		if errors.Is(err, ErrThrottled) {
			c.logger.WithError(err).Warn("receive throttled")
			return c.throttleDelay
		}
		c.logger.WithError(err).Warn("receive failed")
		return opts.Polling
	}
	if len(msgs) == 0 {
		return opts.Polling
	}
	c.metrics.QueueReceived.WithLabelValues(c.queue).Add(float64(len(msgs)))

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.renew(ctx, msgs, done)
	}()
	err = handler(ctx, msgs)
	close(done)
	wg.Wait()

	if err != nil {
		c.logger.WithError(err).WithField("Messages", len(msgs)).Warn("handler failed, leaving messages for redelivery")
		return opts.Polling
	}
	if opts.AutoDelete {
		for _, msg := range msgs {
			if err := c.Delete(ctx, msg); err != nil {
				c.logger.WithError(err).WithField("MessageID", msg.ID).Warn("delete failed")
			}
		}
	}
	// More messages may be waiting.
	return 0
}

// renew extends the leases of msgs every half lease until done is
// closed, so a slow handler keeps its messages hidden from competing
// consumers.
func (c *Client) renew(ctx context.Context, msgs []*Message, done <-chan struct{}) {
	held := append([]*Message(nil), msgs...)
	for len(held) > 0 {
		timer := c.clock.NewTimer(c.lease / 2)
		select {
		case <-done:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C():
		}

		kept := held[:0]
		for _, msg := range held {
			err := c.transport.Extend(ctx, c.queue, msg.Token, c.lease)
			switch {
			case err == nil:
				kept = append(kept, msg)
			case errors.Is(err, ErrLeaseLost):
				c.logger.WithField("MessageID", msg.ID).Info("lease no longer held")
			default:
				// Retried on the next tick.
				c.logger.WithError(err).WithField("MessageID", msg.ID).Warn("extending lease failed")
				kept = append(kept, msg)
			}
		}
		held = kept
	}
}

// sampleDepth refreshes the depth gauge at most once per interval.
func (c *Client) sampleDepth(ctx context.Context, interval time.Duration) {
	now := c.clock.Now()
	if !c.depthAt.IsZero() && now.Sub(c.depthAt) < interval {
		return
	}
	c.depthAt = now
	if _, err := c.Depth(ctx); err != nil && ctx.Err() == nil {
		c.logger.WithError(err).Debug("sampling queue depth failed")
	}
}
