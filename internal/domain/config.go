package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Severity is the level a hint is configured with, or a finding is
// reported at.
type Severity string

const (
	SeverityOff         Severity = "off"
	SeverityHint        Severity = "hint"
	SeverityInformation Severity = "information"
	SeverityWarning     Severity = "warning"
	SeverityError       Severity = "error"
	SeverityDefault     Severity = "default"
)

func (s Severity) valid() bool {
	switch s {
	case SeverityOff, SeverityHint, SeverityInformation, SeverityWarning, SeverityError, SeverityDefault:
		return true
	}
	return false
}

// Config is one configuration entry for the audit engine. A job is split
// into one part per entry.
type Config struct {
	Connector    *Connector     `json:"connector,omitempty"`
	Hints        map[string]any `json:"hints"`
	Browserslist []string       `json:"browserslist,omitempty"`
	IgnoredURLs  []IgnoredURL   `json:"ignoredUrls,omitempty"`
	Parsers      []string       `json:"parsers,omitempty"`
	Formatters   []string       `json:"formatters,omitempty"`
}

// Connector selects and configures the page loader.
type Connector struct {
	Name    string         `json:"name"`
	Options map[string]any `json:"options,omitempty"`
}

// IgnoredURL disables hints for resources matching Domain.
type IgnoredURL struct {
	Domain string   `json:"domain"`
	Hints  []string `json:"hints"`
}

// HintSetting is a resolved per-hint configuration.
type HintSetting struct {
	Name     string
	Severity Severity
	Options  map[string]any
}

// Enabled reports whether the hint runs at all.
func (s HintSetting) Enabled() bool {
	return s.Severity != SeverityOff
}

// Normalize resolves every hint entry of c into a HintSetting, sorted by
// name. A setting is a severity name, a number (0 off, 1 warning,
// 2 error) or a [severity, options] pair.
func (c Config) Normalize() ([]HintSetting, error) {
	settings := make([]HintSetting, 0, len(c.Hints))
	for name, raw := range c.Hints {
		s, err := parseSetting(raw)
		if err != nil {
			return nil, &ValidationError{Field: "hints." + name, Reason: err.Error()}
		}
		s.Name = name
		settings = append(settings, s)
	}
	sort.Slice(settings, func(i, j int) bool { return settings[i].Name < settings[j].Name })
	return settings, nil
}

// EnabledHints returns the names of the hints that are not switched off.
func (c Config) EnabledHints() ([]string, error) {
	settings, err := c.Normalize()
	if err != nil {
		return nil, err
	}
	var names []string
	for _, s := range settings {
		if s.Enabled() {
			names = append(names, s.Name)
		}
	}
	return names, nil
}

func parseSetting(raw any) (HintSetting, error) {
	switch v := raw.(type) {
	case string:
		sev := Severity(v)
		if !sev.valid() {
			return HintSetting{}, fmt.Errorf("unknown severity %q", v)
		}
		return HintSetting{Severity: sev}, nil
	case []any:
		if len(v) == 0 || len(v) > 2 {
			return HintSetting{}, fmt.Errorf("expected [severity, options], got %d elements", len(v))
		}
		if _, nested := v[0].([]any); nested {
			return HintSetting{}, fmt.Errorf("severity must not be a list")
		}
		s, err := parseSetting(v[0])
		if err != nil {
			return HintSetting{}, err
		}
		if len(v) == 2 && v[1] != nil {
			opts, ok := v[1].(map[string]any)
			if !ok {
				return HintSetting{}, fmt.Errorf("options must be an object, got %T", v[1])
			}
			s.Options = opts
		}
		return s, nil
	}

	n, ok := asInt(raw)
	if !ok {
		return HintSetting{}, fmt.Errorf("unsupported setting of type %T", raw)
	}
	switch n {
	case 0:
		return HintSetting{Severity: SeverityOff}, nil
	case 1:
		return HintSetting{Severity: SeverityWarning}, nil
	case 2:
		return HintSetting{Severity: SeverityError}, nil
	}
	return HintSetting{}, fmt.Errorf("numeric severity must be 0, 1 or 2, got %d", n)
}

// asInt accepts the number types produced by the JSON and CBOR decoders.
func asInt(raw any) (int64, bool) {
	switch v := raw.(type) {
	case float64:
		if v != float64(int64(v)) {
			return 0, false
		}
		return int64(v), true
	case int:
		return int64(v), true
	case int64:
		return v, true
	case uint64:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	}
	return 0, false
}

// ValidateConfigs checks that configs is a non-empty list of
// well-formed entries, that at least one hint is enabled and that no
// hint is configured in more than one entry.
func ValidateConfigs(configs []Config) error {
	if len(configs) == 0 {
		return &ValidationError{Field: "config", Reason: "at least one configuration entry is required"}
	}
	seen := make(map[string]int)
	enabled := 0
	for i, c := range configs {
		if len(c.Hints) == 0 {
			return &ValidationError{Field: fmt.Sprintf("config[%d].hints", i), Reason: "no hints configured"}
		}
		if c.Connector != nil && c.Connector.Name == "" {
			return &ValidationError{Field: fmt.Sprintf("config[%d].connector", i), Reason: "connector name is required"}
		}
		settings, err := c.Normalize()
		if err != nil {
			return err
		}
		for _, s := range settings {
			if prev, dup := seen[s.Name]; dup {
				return &ValidationError{
					Field:  fmt.Sprintf("config[%d].hints.%s", i, s.Name),
					Reason: fmt.Sprintf("hint already configured in config[%d]", prev),
				}
			}
			seen[s.Name] = i
			if s.Enabled() {
				enabled++
			}
		}
	}
	if enabled == 0 {
		return &ValidationError{Field: "config", Reason: "every hint is switched off"}
	}
	return nil
}

// ConfigsEqual compares two configuration lists by their canonical JSON
// encoding, so that lists which went through a store round trip still
// compare equal to freshly decoded ones.
func ConfigsEqual(a, b []Config) bool {
	if len(a) != len(b) {
		return false
	}
	ja, err := json.Marshal(a)
	if err != nil {
		return false
	}
	jb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ja, jb)
}

// Catalog maps hint names to their category.
type Catalog map[string]string

// Category returns the category of a hint, "other" when unknown.
func (c Catalog) Category(hint string) string {
	if cat, ok := c[hint]; ok && cat != "" {
		return cat
	}
	return "other"
}

// NewHints returns one pending hint for every enabled hint across all
// entries, in entry order.
func NewHints(configs []Config, catalog Catalog) ([]Hint, error) {
	var hints []Hint
	for _, c := range configs {
		names, err := c.EnabledHints()
		if err != nil {
			return nil, err
		}
		for _, name := range names {
			hints = append(hints, Hint{
				Name:     name,
				Category: catalog.Category(name),
				Status:   HintPending,
				Messages: []Finding{},
			})
		}
	}
	return hints, nil
}
