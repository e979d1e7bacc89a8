package sandbox

import (
	"encoding/json"
	"fmt"

	"github.com/cwygoda/scanfarm/internal/domain"
)

// DefaultMaxMessageSize stays below the transport's message size limit.
const DefaultMaxMessageSize = 220 * 1024

// TooManyFindings replaces the findings of a hint that does not fit in
// a message on its own.
const TooManyFindings = "This hint has too many findings. Please use the standalone tool to get the full report."

// Fragment splits msg into messages whose JSON encoding fits in
// ceiling bytes. Hints are packed in order. A hint that cannot fit even
// alone has its findings replaced with a single summary finding and is
// sent by itself. Errors and log travel with the first fragment only.
func Fragment(msg *domain.JobPart, ceiling int) ([]*domain.JobPart, error) {
	encoded, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	if len(encoded) <= ceiling {
		return []*domain.JobPart{msg}, nil
	}

	shell := *msg
	shell.Hints = []domain.Hint{}
	base, err := json.Marshal(&shell)
	if err != nil {
		return nil, err
	}
	baseSize := len(base)
	if baseSize >= ceiling {
		return nil, fmt.Errorf("message without hints is %d bytes, limit %d", baseSize, ceiling)
	}

	var out []*domain.JobPart
	var current *domain.JobPart
	size := 0
	flush := func() {
		if current != nil && len(current.Hints) > 0 {
			out = append(out, current)
		}
		current = nil
	}
	start := func() {
		current = fragment(msg, len(out) == 0)
		size = baseSize
	}

	for _, hint := range msg.Hints {
		encoded, err := json.Marshal(hint)
		if err != nil {
			return nil, err
		}
		hintSize := len(encoded) + 1

		if baseSize+hintSize > ceiling {
			flush()
			start()
			current.Hints = append(current.Hints, summarize(hint))
			flush()
			continue
		}
		if current == nil {
			start()
		}
		if size+hintSize > ceiling {
			flush()
			start()
		}
		current.Hints = append(current.Hints, hint)
		size += hintSize
	}
	flush()
	return out, nil
}

// fragment returns an empty copy of msg. Only the first fragment keeps
// errors and log.
func fragment(msg *domain.JobPart, first bool) *domain.JobPart {
	f := *msg
	f.Hints = nil
	if !first {
		f.Errors = nil
		f.Log = ""
	}
	return &f
}

func summarize(hint domain.Hint) domain.Hint {
	severity := domain.SeverityWarning
	if hint.Status == domain.HintError {
		severity = domain.SeverityError
	}
	hint.Messages = []domain.Finding{{
		HintID:   hint.Name,
		Message:  TooManyFindings,
		Severity: severity,
	}}
	return hint
}
