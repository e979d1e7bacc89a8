// Package timesync provides timestamps that stay ordered across
// workers whose local clocks may disagree.
package timesync

import (
	"context"
	"errors"
	"time"

	"github.com/cwygoda/scanfarm/internal/clock"
	"github.com/sirupsen/logrus"
)

// ErrUnavailable is returned by a Source that could not be reached.
var ErrUnavailable = errors.New("time service unavailable")

// Source is an externally synchronized clock.
type Source interface {
	Now(ctx context.Context) (time.Time, error)
}

// Consistent prefers Source and falls back to the local clock.
type Consistent struct {
	source Source
	clock  clock.Clock
	logger logrus.FieldLogger
}

// New returns a Consistent. source may be nil, in which case only the
// local clock is used.
func New(source Source, clk clock.Clock, logger logrus.FieldLogger) *Consistent {
	return &Consistent{source: source, clock: clk, logger: logger}
}

// Time returns the external time if the source answers. Otherwise it
// returns the local time, moved forward to previous if the local clock
// is behind it.
func (c *Consistent) Time(ctx context.Context, previous *time.Time) time.Time {
	if c.source != nil {
		t, err := c.source.Now(ctx)
		if err == nil {
			return t.UTC()
		}
		c.logger.WithError(err).Debug("using local clock")
	}

	now := c.clock.Now().UTC()
	if previous != nil && now.Before(*previous) {
		return previous.UTC()
	}
	return now
}
