package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/cwygoda/scanfarm/internal/clock"
	"github.com/cwygoda/scanfarm/internal/queue"
	"github.com/google/uuid"
)

// Queue implements queue.Transport on the messages table. Receive
// claims a message by stamping a fresh token and pushing visible_at
// forward by the lease; only the holder of that token can delete it.
type Queue struct {
	db    *DB
	clock clock.Clock
}

// NewQueue returns a queue transport backed by db.
func NewQueue(db *DB, clk clock.Clock) *Queue {
	return &Queue{db: db, clock: clk}
}

type messageRow struct {
	ID         int64  `db:"id"`
	Queue      string `db:"queue"`
	Body       []byte `db:"body"`
	EnqueuedAt int64  `db:"enqueued_at"`
	Deliveries int    `db:"deliveries"`
}

// Send appends body to queue.
func (q *Queue) Send(ctx context.Context, name string, body []byte) error {
	now := q.clock.Now().UnixMilli()
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO messages (queue, body, enqueued_at, visible_at) VALUES (?, ?, ?, ?)`,
		name, body, now, now,
	)
	return throttled(err)
}

// Receive claims up to max visible messages in enqueue order.
func (q *Queue) Receive(ctx context.Context, name string, max int, lease time.Duration) ([]*queue.Message, error) {
	now := q.clock.Now().UnixMilli()

	var ids []int64
	err := q.db.SelectContext(ctx, &ids,
		`SELECT id FROM messages WHERE queue = ? AND visible_at <= ? ORDER BY id LIMIT ?`,
		name, now, max,
	)
	if err != nil {
		return nil, throttled(err)
	}

	var msgs []*queue.Message
	for _, id := range ids {
		token := uuid.NewString()
		result, err := q.db.ExecContext(ctx,
			`UPDATE messages SET token = ?, visible_at = ?, deliveries = deliveries + 1
			 WHERE id = ? AND visible_at <= ?`,
			token, now+lease.Milliseconds(), id, now,
		)
		if err != nil {
			if len(msgs) > 0 {
				break
			}
			return nil, throttled(err)
		}
		if n, err := result.RowsAffected(); err != nil || n == 0 {
			// Claimed by a competing consumer.
			continue
		}

		var row messageRow
		err = q.db.GetContext(ctx, &row,
			`SELECT id, queue, body, enqueued_at, deliveries FROM messages WHERE id = ?`, id)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, throttled(err)
		}
		msgs = append(msgs, &queue.Message{
			ID:         row.ID,
			Queue:      row.Queue,
			Body:       row.Body,
			Token:      token,
			Deliveries: row.Deliveries,
			EnqueuedAt: time.UnixMilli(row.EnqueuedAt),
		})
	}
	return msgs, nil
}

// Delete removes the message currently leased under token.
func (q *Queue) Delete(ctx context.Context, name, token string) error {
	result, err := q.db.ExecContext(ctx,
		`DELETE FROM messages WHERE queue = ? AND token = ?`, name, token)
	if err != nil {
		return throttled(err)
	}
	return leaseHeld(result)
}

// DeadLetter moves the message leased under token to the dead-letter
// queue, where it is visible immediately.
func (q *Queue) DeadLetter(ctx context.Context, name, token string) error {
	result, err := q.db.ExecContext(ctx,
		`UPDATE messages SET queue = ?, token = NULL, visible_at = ? WHERE queue = ? AND token = ?`,
		queue.DeadLetterQueue(name), q.clock.Now().UnixMilli(), name, token,
	)
	if err != nil {
		return throttled(err)
	}
	return leaseHeld(result)
}

// Extend moves the visibility of the message leased under token to
// lease from now.
func (q *Queue) Extend(ctx context.Context, name, token string, lease time.Duration) error {
	result, err := q.db.ExecContext(ctx,
		`UPDATE messages SET visible_at = ? WHERE queue = ? AND token = ?`,
		q.clock.Now().Add(lease).UnixMilli(), name, token,
	)
	if err != nil {
		return throttled(err)
	}
	return leaseHeld(result)
}

// Depth counts the messages in queue, visible or not.
func (q *Queue) Depth(ctx context.Context, name string) (int, error) {
	var n int
	err := q.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM messages WHERE queue = ?`, name)
	return n, throttled(err)
}

func leaseHeld(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return queue.ErrLeaseLost
	}
	return nil
}
