// Package task holds task definitions, their execution history and the
// service that runs them on a bounded worker pool.
package task

import (
	"errors"
	"fmt"
	"time"

	"f0oster/idsync/anyobject"
	"f0oster/idsync/correlation"
)

type Type string

const (
	TypePropagation  Type = "PROPAGATION"
	TypeSync         Type = "SYNC"
	TypeNotification Type = "NOTIFICATION"
	TypeScheduled    Type = "SCHEDULED"
)

type Status string

const (
	StatusSubmitted    Status = "SUBMITTED"
	StatusRunning      Status = "RUNNING"
	StatusSuccess      Status = "SUCCESS"
	StatusFailure      Status = "FAILURE"
	StatusNotAttempted Status = "NOT_ATTEMPTED"
	StatusCanceled     Status = "CANCELED"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailure, StatusNotAttempted, StatusCanceled:
		return true
	}
	return false
}

// MatchingRule is applied to records correlated to an existing entity.
type MatchingRule string

const (
	MatchUpdate      MatchingRule = "UPDATE"
	MatchDeprovision MatchingRule = "DEPROVISION"
	MatchUnassign    MatchingRule = "UNASSIGN"
	MatchLink        MatchingRule = "LINK"
	MatchUnlink      MatchingRule = "UNLINK"
	MatchIgnore      MatchingRule = "IGNORE"
)

// UnmatchingRule is applied to records with no internal counterpart.
type UnmatchingRule string

const (
	UnmatchProvision UnmatchingRule = "PROVISION"
	UnmatchAssign    UnmatchingRule = "ASSIGN"
	UnmatchUnlink    UnmatchingRule = "UNLINK"
	UnmatchIgnore    UnmatchingRule = "IGNORE"
)

// TemplateAttr is an expression evaluated against the external record.
// Override replaces values the entity already has; otherwise the template
// only fills absent attributes.
type TemplateAttr struct {
	Expression string `json:"expression" toml:"expression" yaml:"expression"`
	Override   bool   `json:"override,omitempty" toml:"override" yaml:"override"`
}

// Template is the skeleton applied to pulled entities. Roles are role keys
// or names.
type Template struct {
	Attrs     map[string]TemplateAttr `json:"attrs,omitempty" toml:"attrs" yaml:"attrs"`
	Roles     []string                `json:"roles,omitempty" toml:"roles" yaml:"roles"`
	Resources []string                `json:"resources,omitempty" toml:"resources" yaml:"resources"`
}

type PropagationSpec struct {
	Resource  string         `json:"resource"`
	Operation string         `json:"operation"`
	AnyKey    string         `json:"any_key"`
	AnyKind   anyobject.Kind `json:"any_kind"`
	AccountID string         `json:"account_id"`
}

type SyncSpec struct {
	Resource           string                         `json:"resource" toml:"resource" yaml:"resource"`
	Kinds              []anyobject.Kind               `json:"kinds,omitempty" toml:"kinds" yaml:"kinds"`
	FullReconciliation bool                           `json:"full_reconciliation,omitempty" toml:"full_reconciliation" yaml:"full_reconciliation"`
	MatchingRule       MatchingRule                   `json:"matching_rule,omitempty" toml:"matching_rule" yaml:"matching_rule"`
	UnmatchingRule     UnmatchingRule                 `json:"unmatching_rule,omitempty" toml:"unmatching_rule" yaml:"unmatching_rule"`
	CorrelationRule    string                         `json:"correlation_rule,omitempty" toml:"correlation_rule" yaml:"correlation_rule"`
	ConflictResolution correlation.ConflictResolution `json:"conflict_resolution,omitempty" toml:"conflict_resolution" yaml:"conflict_resolution"`
	UserTemplate       *Template                      `json:"user_template,omitempty" toml:"user_template" yaml:"user_template"`
	RoleTemplate       *Template                      `json:"role_template,omitempty" toml:"role_template" yaml:"role_template"`
	// nil means perform
	PerformCreate *bool `json:"perform_create,omitempty" toml:"perform_create" yaml:"perform_create"`
	PerformUpdate *bool `json:"perform_update,omitempty" toml:"perform_update" yaml:"perform_update"`
	PerformDelete *bool `json:"perform_delete,omitempty" toml:"perform_delete" yaml:"perform_delete"`
}

func (s *SyncSpec) Creates() bool { return s.PerformCreate == nil || *s.PerformCreate }
func (s *SyncSpec) Updates() bool { return s.PerformUpdate == nil || *s.PerformUpdate }
func (s *SyncSpec) Deletes() bool { return s.PerformDelete == nil || *s.PerformDelete }

func (s *SyncSpec) Matching() MatchingRule {
	if s.MatchingRule == "" {
		return MatchUpdate
	}
	return s.MatchingRule
}

func (s *SyncSpec) Unmatching() UnmatchingRule {
	if s.UnmatchingRule == "" {
		return UnmatchProvision
	}
	return s.UnmatchingRule
}

// KindOrder returns the kinds to pull, roles before users.
func (s *SyncSpec) KindOrder() []anyobject.Kind {
	kinds := s.Kinds
	if len(kinds) == 0 {
		kinds = []anyobject.Kind{anyobject.KindRole, anyobject.KindUser}
	}
	var out []anyobject.Kind
	for _, want := range []anyobject.Kind{anyobject.KindRole, anyobject.KindUser} {
		for _, k := range kinds {
			if k == want {
				out = append(out, k)
				break
			}
		}
	}
	return out
}

func (s *SyncSpec) Template(kind anyobject.Kind) *Template {
	if kind == anyobject.KindRole {
		return s.RoleTemplate
	}
	return s.UserTemplate
}

// Validate checks the spec on its own. References to resources and
// correlation rules are checked by the policy engine.
func (s *SyncSpec) Validate() error {
	if s.Resource == "" {
		return fmt.Errorf("sync resource is required")
	}
	switch s.Matching() {
	case MatchUpdate, MatchDeprovision, MatchUnassign, MatchLink, MatchUnlink, MatchIgnore:
	default:
		return fmt.Errorf("unknown matching rule %q", s.MatchingRule)
	}
	switch s.Unmatching() {
	case UnmatchProvision, UnmatchAssign, UnmatchUnlink, UnmatchIgnore:
	default:
		return fmt.Errorf("unknown unmatching rule %q", s.UnmatchingRule)
	}
	for _, k := range s.Kinds {
		if k != anyobject.KindUser && k != anyobject.KindRole {
			return fmt.Errorf("unknown kind %q", k)
		}
	}
	return s.ConflictResolution.Validate()
}

type NotificationSpec struct {
	Event      string   `json:"event" toml:"event" yaml:"event"`
	Recipients []string `json:"recipients" toml:"recipients" yaml:"recipients"`
	Subject    string   `json:"subject" toml:"subject" yaml:"subject"`
	Body       string   `json:"body" toml:"body" yaml:"body"`
}

type ScheduledSpec struct {
	Job    string            `json:"job" toml:"job" yaml:"job"`
	Params map[string]string `json:"params,omitempty" toml:"params" yaml:"params"`
}

// Task carries exactly one spec, the one matching its type.
type Task struct {
	Key          string            `json:"key" toml:"key" yaml:"key"`
	Type         Type              `json:"type" toml:"type" yaml:"type"`
	Name         string            `json:"name" toml:"name" yaml:"name"`
	Propagation  *PropagationSpec  `json:"propagation,omitempty" toml:"-" yaml:"-"`
	Sync         *SyncSpec         `json:"sync,omitempty" toml:"sync" yaml:"sync"`
	Notification *NotificationSpec `json:"notification,omitempty" toml:"notification" yaml:"notification"`
	Scheduled    *ScheduledSpec    `json:"scheduled,omitempty" toml:"scheduled" yaml:"scheduled"`
	// Interval fires the task periodically when positive.
	Interval time.Duration `json:"interval,omitempty" toml:"interval" yaml:"interval"`
	Created  time.Time     `json:"created"`
}

var ErrInvalidTask = errors.New("invalid task")

func (t *Task) Validate() error {
	specs := 0
	for _, set := range []bool{t.Propagation != nil, t.Sync != nil, t.Notification != nil, t.Scheduled != nil} {
		if set {
			specs++
		}
	}
	if specs != 1 {
		return fmt.Errorf("%w: task %s carries %d specs", ErrInvalidTask, t.Key, specs)
	}
	var ok bool
	switch t.Type {
	case TypePropagation:
		ok = t.Propagation != nil
	case TypeSync:
		ok = t.Sync != nil
		if ok {
			if err := t.Sync.Validate(); err != nil {
				return fmt.Errorf("%w: task %s: %v", ErrInvalidTask, t.Key, err)
			}
		}
	case TypeNotification:
		ok = t.Notification != nil
	case TypeScheduled:
		ok = t.Scheduled != nil && t.Scheduled.Job != ""
	default:
		return fmt.Errorf("%w: task %s has unknown type %q", ErrInvalidTask, t.Key, t.Type)
	}
	if !ok {
		return fmt.Errorf("%w: task %s spec does not match type %s", ErrInvalidTask, t.Key, t.Type)
	}
	if t.Interval < 0 {
		return fmt.Errorf("%w: task %s interval must not be negative", ErrInvalidTask, t.Key)
	}
	return nil
}

// Resource is the resource the task works on, empty for tasks not bound
// to one.
func (t *Task) Resource() string {
	switch {
	case t.Sync != nil:
		return t.Sync.Resource
	case t.Propagation != nil:
		return t.Propagation.Resource
	}
	return ""
}

// Execution is one run of a task. Terminal executions only change through
// Report.
type Execution struct {
	Key            string    `json:"key"`
	TaskKey        string    `json:"task_key"`
	Status         Status    `json:"status"`
	Message        string    `json:"message,omitempty"`
	DryRun         bool      `json:"dry_run,omitempty"`
	Start          time.Time `json:"start"`
	End            time.Time `json:"end,omitempty"`
	ExternalStatus string    `json:"external_status,omitempty"`
}
