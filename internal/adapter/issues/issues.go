// Package issues forwards job failures and recoveries to an issue
// tracker.
package issues

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/cwygoda/scanfarm/internal/domain"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
)

// Webhook posts each issue as JSON to a URL.
type Webhook struct {
	url  string
	http *retryablehttp.Client
}

// NewWebhook returns a reporter posting to url.
func NewWebhook(url string, c *retryablehttp.Client) *Webhook {
	return &Webhook{url: url, http: c}
}

func (w *Webhook) Report(ctx context.Context, issue domain.Issue) error {
	body, err := json.Marshal(issue)
	if err != nil {
		return fmt.Errorf("encode issue: %w", err)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.http.Do(req)
	if err != nil {
		return fmt.Errorf("post issue: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("post issue: status %d", resp.StatusCode)
	}
	return nil
}

// Log writes issues to a logger. It is used when no tracker is
// configured.
type Log struct {
	logger logrus.FieldLogger
}

// NewLog returns a reporter writing to logger.
func NewLog(logger logrus.FieldLogger) *Log {
	return &Log{logger: logger}
}

func (l *Log) Report(_ context.Context, issue domain.Issue) error {
	entry := l.logger.WithFields(logrus.Fields{
		"JobID": issue.JobID,
		"URL":   issue.URL,
		"Kind":  issue.Kind,
	})
	if issue.Kind == domain.IssueResolved {
		entry.Info("issue resolved")
		return nil
	}
	for _, e := range issue.Errors {
		entry = entry.WithField("ErrorKind", e.Kind)
		entry.Warn(e.Message)
	}
	return nil
}
