package anyobject

import (
	"context"
	"errors"
	"fmt"

	"f0oster/idsync/filter"
)

var (
	ErrNotFound  = errors.New("any object not found")
	ErrConflict  = errors.New("any object was modified concurrently")
	ErrDuplicate = errors.New("any object already exists")
)

// UniqueViolationError reports a unique plain attribute value already held by
// another object.
type UniqueViolationError struct {
	Schema string
	Value  string
	Owner  string
}

func (e *UniqueViolationError) Error() string {
	return fmt.Sprintf("value %q of unique schema %s already used by %s", e.Value, e.Schema, e.Owner)
}

func (e *UniqueViolationError) Unwrap() error { return ErrDuplicate }

// Store persists any objects. Every returned object is a private copy.
// Update succeeds only when obj.Version matches the stored version; the
// stored version is then incremented.
type Store interface {
	Get(ctx context.Context, key string) (*AnyObject, error)
	GetByName(ctx context.Context, kind Kind, name string) (*AnyObject, error)
	Create(ctx context.Context, obj *AnyObject) (*AnyObject, error)
	Update(ctx context.Context, obj *AnyObject) (*AnyObject, error)
	Delete(ctx context.Context, key string) error
	Search(ctx context.Context, kind Kind, f filter.Filter) ([]*AnyObject, error)
	ListByResource(ctx context.Context, kind Kind, resource string) ([]*AnyObject, error)
	// Lock serialises mutations of one entity. Call the returned func to release.
	Lock(key string) (unlock func())
}

// Roles returns the role objects the user is a member of. Dangling
// memberships are skipped.
func Roles(ctx context.Context, s Store, obj *AnyObject) ([]*AnyObject, error) {
	var roles []*AnyObject
	for _, key := range obj.RoleKeys() {
		role, err := s.Get(ctx, key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load role %s: %w", key, err)
		}
		roles = append(roles, role)
	}
	return roles, nil
}

// EffectiveResources is the union of direct and role-inherited assignments,
// direct first, without duplicates.
func EffectiveResources(ctx context.Context, s Store, obj *AnyObject) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	add := func(names []string) {
		for _, n := range names {
			if !seen[n] {
				seen[n] = true
				out = append(out, n)
			}
		}
	}
	add(obj.Resources)
	roles, err := Roles(ctx, s, obj)
	if err != nil {
		return nil, err
	}
	for _, r := range roles {
		add(r.Resources)
	}
	return out, nil
}
