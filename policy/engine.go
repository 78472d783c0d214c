package policy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode"

	"f0oster/idsync/anyobject"
	"f0oster/idsync/correlation"
	"f0oster/idsync/expression"
	"f0oster/idsync/resource"
	"f0oster/idsync/task"

	"golang.org/x/crypto/bcrypt"
)

var ErrPolicyNotFound = errors.New("policy not found")

type Engine struct {
	store   anyobject.Store
	catalog *resource.Catalog
	rules   *correlation.Rules

	// HashCost is the bcrypt cost used for new password hashes.
	HashCost int

	mu       sync.RWMutex
	policies map[string]*Policy
}

func NewEngine(store anyobject.Store, catalog *resource.Catalog, rules *correlation.Rules) *Engine {
	return &Engine{
		store:    store,
		catalog:  catalog,
		rules:    rules,
		HashCost: bcrypt.DefaultCost,
		policies: make(map[string]*Policy),
	}
}

// Put adds or replaces a policy. Only one global policy per type may exist.
func (e *Engine) Put(p *Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if p.Global {
		for _, other := range e.policies {
			if other.Global && other.Type == p.Type && other.Key != p.Key {
				return fmt.Errorf("policy %s: global %s policy %s already exists", p.Key, strings.ToLower(string(p.Type)), other.Key)
			}
		}
	}
	e.policies[p.Key] = p
	return nil
}

func (e *Engine) Get(key string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.policies[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPolicyNotFound, key)
	}
	return p, nil
}

// Global returns the global policy of type t, nil when none is defined.
func (e *Engine) Global(t Type) *Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, p := range e.policies {
		if p.Global && p.Type == t {
			return p
		}
	}
	return nil
}

func (e *Engine) typed(key string, t Type) (*Policy, error) {
	p, err := e.Get(key)
	if err != nil {
		return nil, err
	}
	if p.Type != t {
		return nil, fmt.Errorf("policy %s is a %s policy, not %s", key, p.Type, t)
	}
	return p, nil
}

// ResolveRole returns the role's policy of type t: its own when it does not
// inherit and sets one, else its parent's resolved policy, else the global
// one. Cycles in the parent chain end the walk at the global policy.
func (e *Engine) ResolveRole(ctx context.Context, role *anyobject.AnyObject, t Type) (*Policy, error) {
	seen := make(map[string]bool)
	for cur := role; cur != nil; {
		if seen[cur.Key] {
			break
		}
		seen[cur.Key] = true

		own, inherit := cur.PasswordPolicy, cur.InheritPasswordPolicy
		if t == TypeAccount {
			own, inherit = cur.AccountPolicy, cur.InheritAccountPolicy
		}
		if !inherit && own != "" {
			return e.typed(own, t)
		}
		if cur.Parent == "" {
			break
		}
		parent, err := e.store.Get(ctx, cur.Parent)
		if errors.Is(err, anyobject.ErrNotFound) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load parent role %s: %w", cur.Parent, err)
		}
		cur = parent
	}
	return e.Global(t), nil
}

// Effective returns every policy of type t that applies to obj: the
// resolved policy of each of its roles (or of obj itself for roles) and
// the overrides of the given resources. The global policy is used when
// nothing else applies.
func (e *Engine) Effective(ctx context.Context, obj *anyobject.AnyObject, t Type, resources []string) ([]*Policy, error) {
	var out []*Policy
	seen := make(map[string]bool)
	add := func(p *Policy) {
		if p != nil && !seen[p.Key] {
			seen[p.Key] = true
			out = append(out, p)
		}
	}

	roles := []*anyobject.AnyObject{obj}
	if obj.Kind == anyobject.KindUser {
		var err error
		if roles, err = anyobject.Roles(ctx, e.store, obj); err != nil {
			return nil, err
		}
	}
	for _, role := range roles {
		p, err := e.ResolveRole(ctx, role, t)
		if err != nil {
			return nil, err
		}
		add(p)
	}

	for _, name := range resources {
		res, err := e.catalog.Resource(name)
		if err != nil {
			continue
		}
		key := res.PasswordPolicy
		if t == TypeAccount {
			key = res.AccountPolicy
		}
		if key == "" {
			continue
		}
		p, err := e.typed(key, t)
		if err != nil {
			return nil, fmt.Errorf("resource %s: %w", res.Name, err)
		}
		add(p)
	}

	if len(out) == 0 {
		add(e.Global(t))
	}
	return out, nil
}

// CheckPassword validates a new password for user against the current
// password, the history and every effective password policy.
func (e *Engine) CheckPassword(ctx context.Context, user *anyobject.AnyObject, password string, resources []string) error {
	if user.PasswordHash != "" && bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) == nil {
		return &PolicyViolationError{Type: TypePassword, Policy: "current", Reasons: []string{"password equals the current password"}}
	}
	policies, err := e.Effective(ctx, user, TypePassword, resources)
	if err != nil {
		return err
	}
	for _, p := range policies {
		if reasons := checkPassword(p.Password, user, password); len(reasons) > 0 {
			return &PolicyViolationError{Type: TypePassword, Policy: p.Key, Reasons: reasons}
		}
	}
	return nil
}

func checkPassword(r *PasswordRules, user *anyobject.AnyObject, password string) []string {
	var reasons []string
	n := len([]rune(password))
	if r.MinLength > 0 && n < r.MinLength {
		reasons = append(reasons, fmt.Sprintf("shorter than %d characters", r.MinLength))
	}
	if r.MaxLength > 0 && n > r.MaxLength {
		reasons = append(reasons, fmt.Sprintf("longer than %d characters", r.MaxLength))
	}
	var digit, upper, lower, special bool
	for _, c := range password {
		switch {
		case unicode.IsDigit(c):
			digit = true
		case unicode.IsUpper(c):
			upper = true
		case unicode.IsLower(c):
			lower = true
		case !unicode.IsLetter(c):
			special = true
		}
	}
	if r.DigitRequired && !digit {
		reasons = append(reasons, "no digit")
	}
	if r.UppercaseRequired && !upper {
		reasons = append(reasons, "no uppercase letter")
	}
	if r.LowercaseRequired && !lower {
		reasons = append(reasons, "no lowercase letter")
	}
	if r.SpecialRequired && !special {
		reasons = append(reasons, "no special character")
	}
	lowered := strings.ToLower(password)
	for _, w := range r.WordsNotPermitted {
		if w != "" && strings.Contains(lowered, strings.ToLower(w)) {
			reasons = append(reasons, "contains a word that is not permitted")
			break
		}
	}
	for _, schema := range r.SchemasNotPermitted {
		values, _ := user.Lookup(schema)
		if containsAny(lowered, values) {
			reasons = append(reasons, "contains the value of "+schema)
		}
	}
	if r.HistoryLength > 0 {
		history := user.PasswordHistory
		if len(history) > r.HistoryLength {
			history = history[len(history)-r.HistoryLength:]
		}
		for _, h := range history {
			if bcrypt.CompareHashAndPassword([]byte(h), []byte(password)) == nil {
				reasons = append(reasons, fmt.Sprintf("used within the last %d passwords", r.HistoryLength))
				break
			}
		}
	}
	return reasons
}

func containsAny(lowered string, values []string) bool {
	for _, v := range values {
		if v != "" && strings.Contains(lowered, strings.ToLower(v)) {
			return true
		}
	}
	return false
}

// CheckAccount validates an account name for obj against every effective
// account policy.
func (e *Engine) CheckAccount(ctx context.Context, obj *anyobject.AnyObject, name string, resources []string) error {
	policies, err := e.Effective(ctx, obj, TypeAccount, resources)
	if err != nil {
		return err
	}
	for _, p := range policies {
		if reasons := checkAccount(p.Account, name); len(reasons) > 0 {
			return &PolicyViolationError{Type: TypeAccount, Policy: p.Key, Reasons: reasons}
		}
	}
	return nil
}

func checkAccount(r *AccountRules, name string) []string {
	var reasons []string
	n := len([]rune(name))
	if r.MinLength > 0 && n < r.MinLength {
		reasons = append(reasons, fmt.Sprintf("shorter than %d characters", r.MinLength))
	}
	if r.MaxLength > 0 && n > r.MaxLength {
		reasons = append(reasons, fmt.Sprintf("longer than %d characters", r.MaxLength))
	}
	if r.pattern != nil && !r.pattern.MatchString(name) {
		reasons = append(reasons, "does not match "+r.Pattern)
	}
	if r.AllUpperCase && name != strings.ToUpper(name) {
		reasons = append(reasons, "not all upper case")
	}
	if r.AllLowerCase && name != strings.ToLower(name) {
		reasons = append(reasons, "not all lower case")
	}
	lowered := strings.ToLower(name)
	for _, w := range r.WordsNotPermitted {
		if w != "" && strings.Contains(lowered, strings.ToLower(w)) {
			reasons = append(reasons, "contains a word that is not permitted")
			break
		}
	}
	for _, p := range r.PrefixesNotPermitted {
		if p != "" && strings.HasPrefix(lowered, strings.ToLower(p)) {
			reasons = append(reasons, "starts with "+p)
		}
	}
	for _, s := range r.SuffixesNotPermitted {
		if s != "" && strings.HasSuffix(lowered, strings.ToLower(s)) {
			reasons = append(reasons, "ends with "+s)
		}
	}
	return reasons
}

// SetPassword stores the bcrypt hash of password on user and moves the
// previous hash into the history, trimmed to the longest history any
// effective policy keeps.
func (e *Engine) SetPassword(ctx context.Context, user *anyobject.AnyObject, password string, resources []string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), e.HashCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	policies, err := e.Effective(ctx, user, TypePassword, resources)
	if err != nil {
		return err
	}
	keep := 0
	for _, p := range policies {
		keep = max(keep, p.Password.HistoryLength)
	}
	if user.PasswordHash != "" {
		user.PasswordHistory = append(user.PasswordHistory, user.PasswordHash)
	}
	if len(user.PasswordHistory) > keep {
		user.PasswordHistory = user.PasswordHistory[len(user.PasswordHistory)-keep:]
	}
	user.PasswordHash = string(hash)
	return nil
}

// ConflictResolution selects how ambiguous correlations are handled for a
// sync run: the task's own setting, else the resource's sync policy, else
// the global sync policy, else IGNORE.
func (e *Engine) ConflictResolution(spec *task.SyncSpec, res *resource.Resource) correlation.ConflictResolution {
	if spec.ConflictResolution != "" {
		return spec.ConflictResolution
	}
	if res != nil && res.SyncPolicy != "" {
		if p, err := e.typed(res.SyncPolicy, TypeSync); err == nil && p.Sync.ConflictResolution != "" {
			return p.Sync.ConflictResolution
		}
	}
	if p := e.Global(TypeSync); p != nil && p.Sync.ConflictResolution != "" {
		return p.Sync.ConflictResolution
	}
	return correlation.ConflictIgnore
}

// ValidateSyncSpec fails fast on a sync task that cannot run: unknown
// resource or connector, missing mappings, an unloadable correlation rule or
// template expressions that do not parse. It returns the correlation rule
// the run should use.
func (e *Engine) ValidateSyncSpec(spec *task.SyncSpec) (correlation.Rule, error) {
	if err := spec.Validate(); err != nil {
		return nil, &ConfigurationError{Reason: "invalid sync task", Err: err}
	}
	res, _, err := e.catalog.Binding(spec.Resource)
	if err != nil {
		return nil, &ConfigurationError{Reason: "sync resource", Err: err}
	}
	for _, kind := range spec.KindOrder() {
		m := res.UserMapping
		if kind == anyobject.KindRole {
			m = res.RoleMapping
		}
		if m == nil && len(spec.Kinds) > 0 {
			return nil, &ConfigurationError{Reason: fmt.Sprintf("resource %s has no %s mapping", res.Name, strings.ToLower(string(kind)))}
		}
		tmpl := spec.Template(kind)
		if tmpl == nil {
			continue
		}
		for name, attr := range tmpl.Attrs {
			if _, err := expression.Parse(attr.Expression); err != nil {
				return nil, &ConfigurationError{Reason: "template attribute " + name, Err: err}
			}
		}
	}
	if res.SyncPolicy != "" {
		if _, err := e.typed(res.SyncPolicy, TypeSync); err != nil {
			return nil, &ConfigurationError{Reason: "resource " + res.Name + " sync policy", Err: err}
		}
	}
	rule, err := e.rules.Lookup(spec.CorrelationRule)
	if err != nil {
		return nil, &ConfigurationError{Reason: "correlation rule", Err: err}
	}
	return rule, nil
}
