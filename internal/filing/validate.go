package filing

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

const (
	maxFilingIDLength   = 64
	maxContentKeyLength = 1024
)

// ValidationError holds per-field validation failure messages.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for field, msg := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s:%s", field, msg))
	}
	sort.Strings(parts)
	return strings.Join(parts, "; ")
}

// ValidateID checks that id is usable as a ledger key and storage path
// component.
func ValidateID(id string) error {
	if msg := checkID(id); msg != "" {
		return &ValidationError{Fields: map[string]string{"rcept_no": msg}}
	}
	return nil
}

func checkID(id string) string {
	switch {
	case strings.TrimSpace(id) == "":
		return "filing id is required"
	case len(id) > maxFilingIDLength:
		return fmt.Sprintf("filing id must be at most %d characters", maxFilingIDLength)
	case strings.ContainsAny(id, "/\\\x00"):
		return "filing id must not contain path separators"
	}
	return ""
}

// ValidateTask checks that a task carries enough to locate its document.
func ValidateTask(t *Task) error {
	errs := make(map[string]string)
	if msg := checkID(t.FilingID); msg != "" {
		errs["rcept_no"] = msg
	}
	if strings.TrimSpace(t.ContentKey) == "" {
		errs["object_key"] = "content key is required"
	} else if len(t.ContentKey) > maxContentKeyLength {
		errs["object_key"] = fmt.Sprintf("content key must be at most %d characters", maxContentKeyLength)
	}
	if len(errs) > 0 {
		return &ValidationError{Fields: errs}
	}
	return nil
}

// DecodeTask parses and validates a task payload.
func DecodeTask(payload []byte) (Task, error) {
	var t Task
	if err := json.Unmarshal(payload, &t); err != nil {
		return t, fmt.Errorf("decoding task: %w", err)
	}
	if err := ValidateTask(&t); err != nil {
		return t, fmt.Errorf("invalid task: %w", err)
	}
	return t, nil
}
