package pull

import (
	"fmt"
	"strings"

	"f0oster/idsync/resource"
)

// Action is what a pulled record resulted in.
type Action string

const (
	ActionCreate      Action = "CREATE"
	ActionUpdate      Action = "UPDATE"
	ActionDelete      Action = "DELETE"
	ActionLink        Action = "LINK"
	ActionUnlink      Action = "UNLINK"
	ActionDeprovision Action = "DEPROVISION"
	ActionUnassign    Action = "UNASSIGN"
	ActionIgnore      Action = "IGNORE"
	ActionNoChange    Action = "NO_CHANGE"
	ActionFailure     Action = "FAILURE"
)

var reportOrder = []Action{
	ActionCreate, ActionUpdate, ActionDelete, ActionLink, ActionUnlink,
	ActionDeprovision, ActionUnassign, ActionIgnore, ActionNoChange, ActionFailure,
}

// Report summarises a pull run. Failures keeps the first messages only;
// Details lists every processed record up to the same limit.
type Report struct {
	Resource string
	DryRun   bool
	Canceled bool
	Records  int
	Counts   map[Action]int
	Failures []string
	Details  []string
	// Tokens holds the sync position reached per object class.
	Tokens map[string]string

	limit int
}

func newReport(res string, dryRun bool, limit int) *Report {
	return &Report{
		Resource: res,
		DryRun:   dryRun,
		Counts:   make(map[Action]int),
		Tokens:   make(map[string]string),
		limit:    limit,
	}
}

func (r *Report) add(action Action, what string, err error) {
	r.Records++
	r.Counts[action]++
	if err != nil {
		if len(r.Failures) < r.limit {
			r.Failures = append(r.Failures, fmt.Sprintf("%s: %v", what, err))
		}
		return
	}
	if len(r.Details) < r.limit {
		r.Details = append(r.Details, fmt.Sprintf("%s: %s", what, action))
	}
}

// Changes counts the records that mutated something, or would have in a
// dry run.
func (r *Report) Changes() int {
	n := 0
	for _, a := range []Action{ActionCreate, ActionUpdate, ActionDelete, ActionLink, ActionUnlink, ActionDeprovision, ActionUnassign} {
		n += r.Counts[a]
	}
	return n
}

func (r *Report) Failed() int { return r.Counts[ActionFailure] }

// Summary is the counts line, e.g. "CREATE=1 UPDATE=0 ... FAILURE=0".
func (r *Report) Summary() string {
	parts := make([]string, 0, len(reportOrder))
	for _, a := range reportOrder {
		parts = append(parts, fmt.Sprintf("%s=%d", a, r.Counts[a]))
	}
	s := strings.Join(parts, " ")
	if r.DryRun {
		s = "dry run: " + s
	}
	if r.Canceled {
		s += " (canceled)"
	}
	return s
}

// Message renders the report for an execution record at the given trace
// level: nothing at NONE, failures at FAILURES, counts and failures at
// SUMMARY, and every record at ALL.
func (r *Report) Message(level resource.TraceLevel) string {
	var lines []string
	switch level {
	case resource.TraceNone:
		return ""
	case resource.TraceFailures:
		lines = append(lines, r.Failures...)
	case resource.TraceAll:
		lines = append(lines, r.Summary())
		lines = append(lines, r.Failures...)
		lines = append(lines, r.Details...)
	default:
		lines = append(lines, r.Summary())
		lines = append(lines, r.Failures...)
	}
	if n := r.Failed() - len(r.Failures); n > 0 && level != resource.TraceNone {
		lines = append(lines, fmt.Sprintf("... and %d more failures", n))
	}
	return strings.Join(lines, "\n")
}
