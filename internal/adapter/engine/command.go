// Package engine runs the external audit CLI for one URL and one
// configuration entry.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cwygoda/scanfarm/internal/domain"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

// ConfigFile is the name the configuration entry is written under in
// the working directory of the engine.
const ConfigFile = ".hintrc"

// Command implements domain.Engine with an external process.
type Command struct {
	command string
	args    []string
	logger  logrus.FieldLogger

	versionOnce sync.Once
	version     string
}

// NewCommand returns an engine running command with args. The
// placeholder {url} in args is replaced with the audited URL. If
// version is empty it is queried with "command --version" on first use.
func NewCommand(command string, args []string, version string, logger logrus.FieldLogger) *Command {
	return &Command{command: command, args: args, version: version, logger: logger}
}

// Version returns the engine version.
func (c *Command) Version() string {
	c.versionOnce.Do(func() {
		if c.version != "" {
			return
		}
		out, err := exec.Command(c.command, "--version").Output()
		if err != nil {
			c.logger.WithError(err).Warn("cannot determine engine version")
			c.version = "unknown"
			return
		}
		c.version = strings.TrimSpace(string(out))
	})
	return c.version
}

// Execute runs the engine in a fresh temporary directory holding cfg as
// ConfigFile and parses the findings it prints on stdout.
func (c *Command) Execute(ctx context.Context, url string, cfg domain.Config) ([]domain.Finding, error) {
	tempDir, err := os.MkdirTemp("", "scanfarm-part-*")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(tempDir)

	rc, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(tempDir, ConfigFile), rc, 0644); err != nil {
		return nil, err
	}

	args := make([]string, len(c.args))
	for i, arg := range c.args {
		args[i] = strings.ReplaceAll(arg, "{url}", url)
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, c.command, args...)
	cmd.Dir = tempDir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = 5 * time.Second
	runErr := cmd.Run()

	c.logger.WithFields(logrus.Fields{
		"Dir":    tempDir,
		"Output": humanize.Bytes(uint64(stdout.Len())),
	}).Debug("engine finished")

	if strings.Contains(strings.ToLower(stderr.String()), domain.ErrNoInspectableTargets.Error()) {
		return nil, fmt.Errorf("%s: %w", c.command, domain.ErrNoInspectableTargets)
	}
	// The engine exits non-zero when it reports errors, so output
	// takes precedence over the exit status.
	findings, parseErr := parseFindings(stdout.Bytes())
	if parseErr == nil {
		return findings, nil
	}
	if runErr != nil {
		return nil, fmt.Errorf("%s failed: %w: %s", c.command, runErr, strings.TrimSpace(stderr.String()))
	}
	return nil, fmt.Errorf("%s output: %w", c.command, parseErr)
}

// severityNames maps the engine's numeric severities.
var severityNames = map[int]domain.Severity{
	0: domain.SeverityOff,
	1: domain.SeverityWarning,
	2: domain.SeverityError,
	3: domain.SeverityInformation,
	4: domain.SeverityHint,
	5: domain.SeverityDefault,
}

type rawFinding struct {
	HintID   string           `json:"hintId"`
	Message  string           `json:"message"`
	Severity json.RawMessage  `json:"severity"`
	Resource string           `json:"resource"`
	Location *domain.Location `json:"location"`
}

func parseFindings(out []byte) ([]domain.Finding, error) {
	raw, err := findingsList(out)
	if err != nil {
		return nil, err
	}

	findings := make([]domain.Finding, 0, len(raw))
	for _, r := range raw {
		f := domain.Finding{
			HintID:   r.HintID,
			Message:  r.Message,
			Resource: r.Resource,
			Location: r.Location,
		}
		var n int
		var s string
		switch {
		case json.Unmarshal(r.Severity, &n) == nil:
			f.Severity = severityNames[n]
		case json.Unmarshal(r.Severity, &s) == nil:
			f.Severity = domain.Severity(strings.ToLower(s))
		}
		if f.Severity == "" {
			f.Severity = domain.SeverityWarning
		}
		findings = append(findings, f)
	}
	return findings, nil
}

// findingsList decodes the first line of out that opens a JSON array.
// Log lines such as "[INFO] ..." before it are skipped.
func findingsList(out []byte) ([]rawFinding, error) {
	var lastErr error
	for offset := 0; offset < len(out); {
		line := out[offset:]
		if i := bytes.IndexByte(line, '\n'); i >= 0 {
			line = line[:i+1]
		}
		trimmed := bytes.TrimLeft(line, " \t\r")
		if len(trimmed) > 0 && trimmed[0] == '[' {
			var raw []rawFinding
			start := offset + len(line) - len(trimmed)
			err := json.NewDecoder(bytes.NewReader(out[start:])).Decode(&raw)
			if err == nil {
				return raw, nil
			}
			lastErr = err
		}
		offset += len(line)
	}
	if lastErr != nil {
		return nil, fmt.Errorf("decode findings: %w", lastErr)
	}
	return nil, errors.New("no findings list in output")
}
