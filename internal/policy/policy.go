// Package policy holds the per-action authorization rules for tasks.
// Each rule is a pure predicate over the acting identity and the target
// entity; a nil return means allow, a DeniedError carries the reason.
package policy

import (
	"fmt"

	"taskdesk/internal/domain"
)

// Identity is the verified actor for one request, resolved from the
// bearer credential. It is never read from request bodies or queries.
type Identity struct {
	UserID string
	Email  string
}

// DeniedError indicates a valid identity attempted a disallowed action.
type DeniedError struct {
	Action string
	Reason string
}

func (e DeniedError) Error() string {
	return fmt.Sprintf("%s denied: %s", e.Action, e.Reason)
}

// CanUpdateTask allows only the task creator to update it.
func CanUpdateTask(id Identity, t domain.Task) error {
	if t.CreatedByID != id.UserID {
		return DeniedError{Action: "update task", Reason: "only the creator can update this task"}
	}
	return nil
}

// CanDeleteTask allows only the task creator to delete it.
func CanDeleteTask(id Identity, t domain.Task) error {
	if t.CreatedByID != id.UserID {
		return DeniedError{Action: "delete task", Reason: "only the creator can delete this task"}
	}
	return nil
}

// CanCompleteTask allows users whose department matches the task's
// department. The actor record is re-read from storage so a stale token
// cannot smuggle in an old department.
func CanCompleteTask(id Identity, actor domain.User, t domain.Task) error {
	if actor.DepartmentID != t.DepartmentID {
		return DeniedError{Action: "complete task", Reason: "you can only complete tasks in your department"}
	}
	return nil
}

// CanRejectTask applies the same department rule as CanCompleteTask.
func CanRejectTask(id Identity, actor domain.User, t domain.Task) error {
	if actor.DepartmentID != t.DepartmentID {
		return DeniedError{Action: "reject task", Reason: "you can only reject tasks in your department"}
	}
	return nil
}

// CanStartTask allows only the assignee to move a task into progress.
func CanStartTask(id Identity, t domain.Task) error {
	if t.AssignedToID != id.UserID {
		return DeniedError{Action: "start task", Reason: "only the assignee can start this task"}
	}
	return nil
}
