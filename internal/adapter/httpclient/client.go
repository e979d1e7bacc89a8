// Package httpclient builds the retrying HTTP clients used to talk to
// external collaborators.
package httpclient

import (
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
)

// Options tune a client. Zero values take the defaults.
type Options struct {
	Timeout      time.Duration // per attempt, default 5s
	RetryMax     int           // retries after the first attempt, default 3
	RetryWaitMin time.Duration // default 200ms
	RetryWaitMax time.Duration // default 2s
}

// New returns a retrying client that logs through logger.
func New(logger logrus.FieldLogger, opts Options) *retryablehttp.Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = 3
	}
	if opts.RetryWaitMin <= 0 {
		opts.RetryWaitMin = 200 * time.Millisecond
	}
	if opts.RetryWaitMax <= 0 {
		opts.RetryWaitMax = 2 * time.Second
	}

	c := retryablehttp.NewClient()
	c.HTTPClient = &http.Client{Timeout: opts.Timeout}
	c.RetryMax = opts.RetryMax
	c.RetryWaitMin = opts.RetryWaitMin
	c.RetryWaitMax = opts.RetryWaitMax
	c.Logger = leveled{logger}
	return c
}

// leveled adapts a logrus logger to retryablehttp.LeveledLogger.
type leveled struct {
	logger logrus.FieldLogger
}

func (l leveled) with(kv []interface{}) logrus.FieldLogger {
	fields := logrus.Fields{}
	for i := 0; i+1 < len(kv); i += 2 {
		fields[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return l.logger.WithFields(fields)
}

func (l leveled) Error(msg string, kv ...interface{}) { l.with(kv).Error(msg) }
func (l leveled) Info(msg string, kv ...interface{})  { l.with(kv).Info(msg) }
func (l leveled) Debug(msg string, kv ...interface{}) { l.with(kv).Debug(msg) }
func (l leveled) Warn(msg string, kv ...interface{})  { l.with(kv).Warn(msg) }

var _ retryablehttp.LeveledLogger = leveled{}
