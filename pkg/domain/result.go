package domain

import (
	"fmt"
	"strings"
)

// Severity captures rule outcomes.
type Severity string

const (
	// SeverityBlock blocks transaction commit.
	SeverityBlock Severity = "block"
	// SeverityWarn is returned to the caller but allows commit.
	SeverityWarn Severity = "warn"
	SeverityLog  Severity = "log"
)

// Violation reports a failed rule evaluation or a non-fatal advisory.
type Violation struct {
	Rule     string      `json:"rule"`
	Severity Severity    `json:"severity"`
	Message  string      `json:"message"`
	Ref      TemplateRef `json:"ref"`
}

// Result aggregates violations and warnings produced by an operation.
type Result struct {
	Violations []Violation `json:"violations,omitempty"`
}

// Merge appends violations from other into r.
func (r *Result) Merge(other Result) {
	if len(other.Violations) == 0 {
		return
	}
	r.Violations = append(r.Violations, other.Violations...)
}

// Warn appends a warn-severity violation.
func (r *Result) Warn(rule string, ref TemplateRef, format string, args ...any) {
	r.Violations = append(r.Violations, Violation{
		Rule:     rule,
		Severity: SeverityWarn,
		Message:  fmt.Sprintf(format, args...),
		Ref:      ref,
	})
}

// ForTemplate returns a copy with every unattributed violation attributed to ref.
func (r Result) ForTemplate(ref TemplateRef) Result {
	out := Result{Violations: make([]Violation, len(r.Violations))}
	for i, v := range r.Violations {
		if v.Ref == (TemplateRef{}) {
			v.Ref = ref
		}
		out.Violations[i] = v
	}
	return out
}

// Without returns a copy lacking every violation raised by rule.
func (r Result) Without(rule string) Result {
	var out Result
	for _, v := range r.Violations {
		if v.Rule != rule {
			out.Violations = append(out.Violations, v)
		}
	}
	return out
}

// HasBlocking reports whether any violation blocks commit.
func (r Result) HasBlocking() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityBlock {
			return true
		}
	}
	return false
}

// Blocking returns only the blocking violations.
func (r Result) Blocking() []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if v.Severity == SeverityBlock {
			out = append(out, v)
		}
	}
	return out
}

// Warnings returns the messages of every warn-severity violation in order.
func (r Result) Warnings() []string {
	var out []string
	for _, v := range r.Violations {
		if v.Severity == SeverityWarn {
			out = append(out, v.Message)
		}
	}
	return out
}

// Action indicates the type of modification performed on a template.
type Action string

const (
	ActionCreate     Action = "create"
	ActionExtend     Action = "extend"
	ActionUpdate     Action = "update"
	ActionDelete     Action = "delete"
	ActionDropColumn Action = "drop_column"
	ActionDeleteRows Action = "delete_rows"
	ActionAccession  Action = "accession"
)

// Change describes a mutation applied to a template during a transaction.
type Change struct {
	Ref     TemplateRef `json:"ref"`
	Action  Action      `json:"action"`
	Rows    []string    `json:"rows,omitempty"`
	Columns []string    `json:"columns,omitempty"`
}

// RuleViolationError is returned when blocking violations are present.
type RuleViolationError struct {
	Result Result
}

func (e RuleViolationError) Error() string {
	msgs := make([]string, 0, len(e.Result.Violations))
	for _, v := range e.Result.Blocking() {
		msgs = append(msgs, fmt.Sprintf("%s: %s", v.Rule, v.Message))
	}
	return "blocking rule violations: " + strings.Join(msgs, "; ")
}
