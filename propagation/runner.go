package propagation

import (
	"context"
	"errors"
	"fmt"

	"f0oster/idsync/anyobject"
	"f0oster/idsync/task"
)

// Run re-submits a registered propagation task against its resource. It
// implements task.Runner for PROPAGATION tasks. The password of the
// original change is not available and is not sent again.
func (m *Manager) Run(ctx context.Context, t *task.Task, dryRun bool) (task.Result, error) {
	spec := t.Propagation
	if spec == nil {
		return task.Result{}, fmt.Errorf("task %s has no propagation spec", t.Key)
	}
	op := Operation(spec.Operation)

	obj, err := m.store.Get(ctx, spec.AnyKey)
	switch {
	case errors.Is(err, anyobject.ErrNotFound) && op == OpDelete:
		obj = &anyobject.AnyObject{Key: spec.AnyKey, Kind: spec.AnyKind, Status: anyobject.StatusDeleted}
	case errors.Is(err, anyobject.ErrNotFound):
		return task.Result{Status: task.StatusNotAttempted, Message: "entity " + spec.AnyKey + " no longer exists"}, nil
	case err != nil:
		return task.Result{}, err
	}
	if obj.Status == anyobject.StatusPendingApproval {
		return task.Result{Status: task.StatusNotAttempted, Message: "entity is pending approval"}, nil
	}
	if dryRun {
		return task.Result{Status: task.StatusNotAttempted, Message: "dry run"}, nil
	}

	ch := Change{Object: obj, Operation: op, Resources: []string{spec.Resource}}
	if op == OpDelete && spec.AccountID != "" {
		ch.AccountIDs = map[string]string{spec.Resource: spec.AccountID}
	}
	o := m.propagateOne(ctx, ch, spec.Resource)
	return task.Result{Status: o.Status, Message: o.Message}, nil
}
