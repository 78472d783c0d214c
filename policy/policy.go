// Package policy validates passwords and account names against the
// effective policies of an entity and checks sync task configuration.
package policy

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"f0oster/idsync/correlation"
)

type Type string

const (
	TypePassword Type = "PASSWORD"
	TypeAccount  Type = "ACCOUNT"
	TypeSync     Type = "SYNC"
)

type PasswordRules struct {
	MinLength         int  `json:"min_length,omitempty" toml:"min_length" yaml:"min_length"`
	MaxLength         int  `json:"max_length,omitempty" toml:"max_length" yaml:"max_length"`
	DigitRequired     bool `json:"digit_required,omitempty" toml:"digit_required" yaml:"digit_required"`
	UppercaseRequired bool `json:"uppercase_required,omitempty" toml:"uppercase_required" yaml:"uppercase_required"`
	LowercaseRequired bool `json:"lowercase_required,omitempty" toml:"lowercase_required" yaml:"lowercase_required"`
	SpecialRequired   bool `json:"special_required,omitempty" toml:"special_required" yaml:"special_required"`
	// WordsNotPermitted are matched case-insensitively as substrings.
	WordsNotPermitted []string `json:"words_not_permitted,omitempty" toml:"words_not_permitted" yaml:"words_not_permitted"`
	// SchemasNotPermitted name attributes whose values may not appear in
	// the password.
	SchemasNotPermitted []string `json:"schemas_not_permitted,omitempty" toml:"schemas_not_permitted" yaml:"schemas_not_permitted"`
	HistoryLength       int      `json:"history_length,omitempty" toml:"history_length" yaml:"history_length"`
}

type AccountRules struct {
	MinLength            int      `json:"min_length,omitempty" toml:"min_length" yaml:"min_length"`
	MaxLength            int      `json:"max_length,omitempty" toml:"max_length" yaml:"max_length"`
	Pattern              string   `json:"pattern,omitempty" toml:"pattern" yaml:"pattern"`
	AllUpperCase         bool     `json:"all_upper_case,omitempty" toml:"all_upper_case" yaml:"all_upper_case"`
	AllLowerCase         bool     `json:"all_lower_case,omitempty" toml:"all_lower_case" yaml:"all_lower_case"`
	WordsNotPermitted    []string `json:"words_not_permitted,omitempty" toml:"words_not_permitted" yaml:"words_not_permitted"`
	PrefixesNotPermitted []string `json:"prefixes_not_permitted,omitempty" toml:"prefixes_not_permitted" yaml:"prefixes_not_permitted"`
	SuffixesNotPermitted []string `json:"suffixes_not_permitted,omitempty" toml:"suffixes_not_permitted" yaml:"suffixes_not_permitted"`

	pattern *regexp.Regexp
}

type SyncRules struct {
	ConflictResolution correlation.ConflictResolution `json:"conflict_resolution,omitempty" toml:"conflict_resolution" yaml:"conflict_resolution"`
}

// Policy is one named policy of one type. Global policies are the
// fallback when an entity resolves no policy of that type.
type Policy struct {
	Key         string         `json:"key" toml:"key" yaml:"key"`
	Type        Type           `json:"type" toml:"type" yaml:"type"`
	Global      bool           `json:"global,omitempty" toml:"global" yaml:"global"`
	Description string         `json:"description,omitempty" toml:"description" yaml:"description"`
	Password    *PasswordRules `json:"password,omitempty" toml:"password" yaml:"password"`
	Account     *AccountRules  `json:"account,omitempty" toml:"account" yaml:"account"`
	Sync        *SyncRules     `json:"sync,omitempty" toml:"sync" yaml:"sync"`
}

func (p *Policy) Validate() error {
	if p.Key == "" {
		return fmt.Errorf("policy key is required")
	}
	switch p.Type {
	case TypePassword:
		if p.Password == nil {
			return fmt.Errorf("policy %s: password rules are required", p.Key)
		}
		r := p.Password
		if r.MinLength < 0 || r.MaxLength < 0 || r.HistoryLength < 0 {
			return fmt.Errorf("policy %s: lengths must not be negative", p.Key)
		}
		if r.MaxLength > 0 && r.MinLength > r.MaxLength {
			return fmt.Errorf("policy %s: min length %d exceeds max length %d", p.Key, r.MinLength, r.MaxLength)
		}
	case TypeAccount:
		if p.Account == nil {
			return fmt.Errorf("policy %s: account rules are required", p.Key)
		}
		r := p.Account
		if r.MaxLength > 0 && r.MinLength > r.MaxLength {
			return fmt.Errorf("policy %s: min length %d exceeds max length %d", p.Key, r.MinLength, r.MaxLength)
		}
		if r.AllUpperCase && r.AllLowerCase {
			return fmt.Errorf("policy %s: cannot require both upper and lower case", p.Key)
		}
		if r.Pattern != "" {
			re, err := regexp.Compile(r.Pattern)
			if err != nil {
				return fmt.Errorf("policy %s: invalid pattern: %w", p.Key, err)
			}
			r.pattern = re
		}
	case TypeSync:
		if p.Sync == nil {
			return fmt.Errorf("policy %s: sync rules are required", p.Key)
		}
		if err := p.Sync.ConflictResolution.Validate(); err != nil {
			return fmt.Errorf("policy %s: %w", p.Key, err)
		}
	default:
		return fmt.Errorf("policy %s: unknown type %q", p.Key, p.Type)
	}
	return nil
}

// PolicyViolationError lists every rule a value broke.
type PolicyViolationError struct {
	Type    Type
	Policy  string
	Reasons []string
}

func (e *PolicyViolationError) Error() string {
	return fmt.Sprintf("%s policy %s violated: %s", strings.ToLower(string(e.Type)), e.Policy, strings.Join(e.Reasons, "; "))
}

var ErrConfiguration = errors.New("configuration error")

// ConfigurationError reports a task or resource that cannot run as
// configured.
type ConfigurationError struct {
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration error: %s: %v", e.Reason, e.Err)
	}
	return "configuration error: " + e.Reason
}

func (e *ConfigurationError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrConfiguration, e.Err}
	}
	return []error{ErrConfiguration}
}
