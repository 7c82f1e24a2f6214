package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"taskdesk/internal/domain"
	"taskdesk/internal/events"
	"taskdesk/internal/policy"
	"taskdesk/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time
}

func New(db *sql.DB) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// ErrInvalidCredentials is returned by Authenticate when no user matches
// the supplied email.
var ErrInvalidCredentials = errors.New("invalid credentials")

// ValidationError marks malformed or out-of-range input.
type ValidationError struct {
	Msg string
}

func (e ValidationError) Error() string { return e.Msg }

// Authenticate resolves a user by exact email match. Authentication is
// email-only; there is no password in this system.
func (e Engine) Authenticate(ctx context.Context, email string) (domain.User, domain.Department, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return domain.User{}, domain.Department{}, ValidationError{Msg: "email is required"}
	}
	u, err := e.Repo.GetUserByEmail(ctx, email)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.User{}, domain.Department{}, ErrInvalidCredentials
	}
	if err != nil {
		return domain.User{}, domain.Department{}, err
	}
	dept, err := e.Repo.GetDepartment(ctx, u.DepartmentID)
	if err != nil {
		return domain.User{}, domain.Department{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.User{}, domain.Department{}, err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, "user.login", "user", u.ID, u.ID, events.EventPayload{"email": u.Email}); err != nil {
		return domain.User{}, domain.Department{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.User{}, domain.Department{}, err
	}
	return u, dept, nil
}

// TaskCreateOptions are parameters for creating a task. The creator is
// always the authenticated identity, never a client-supplied id.
type TaskCreateOptions struct {
	Title        string
	Description  string
	DueDate      string
	Priority     string
	AssignedToID string
	DepartmentID string
}

func validateTaskFields(opts TaskCreateOptions, now time.Time) error {
	if strings.TrimSpace(opts.Title) == "" {
		return ValidationError{Msg: "title is required"}
	}
	if len(opts.Title) > 200 {
		return ValidationError{Msg: "title must not exceed 200 characters"}
	}
	if strings.TrimSpace(opts.Description) == "" {
		return ValidationError{Msg: "description is required"}
	}
	if len(opts.Description) > 1000 {
		return ValidationError{Msg: "description must not exceed 1000 characters"}
	}
	if opts.AssignedToID == "" {
		return ValidationError{Msg: "assigned_to_id is required"}
	}
	if opts.DepartmentID == "" {
		return ValidationError{Msg: "department_id is required"}
	}
	if opts.Priority != "" && !domain.ValidPriority(opts.Priority) {
		return ValidationError{Msg: "priority must be one of low, medium, high, critical"}
	}
	due, err := time.Parse(time.RFC3339, opts.DueDate)
	if err != nil {
		return ValidationError{Msg: "due_date must be an RFC 3339 timestamp"}
	}
	if !due.After(now) {
		return ValidationError{Msg: "due_date must be in the future"}
	}
	return nil
}

func (e Engine) CreateTask(ctx context.Context, id policy.Identity, opts TaskCreateOptions) (domain.Task, error) {
	now := e.now().UTC()
	if err := validateTaskFields(opts, now); err != nil {
		return domain.Task{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetUserTx(ctx, tx, id.UserID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Task{}, fmt.Errorf("creator: %w", err)
		}
		return domain.Task{}, err
	}
	if _, err := e.Repo.GetUserTx(ctx, tx, opts.AssignedToID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Task{}, fmt.Errorf("assigned user: %w", err)
		}
		return domain.Task{}, err
	}
	if _, err := e.Repo.GetDepartmentTx(ctx, tx, opts.DepartmentID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Task{}, fmt.Errorf("department: %w", err)
		}
		return domain.Task{}, err
	}

	priority := opts.Priority
	if priority == "" {
		priority = "medium"
	}
	t := domain.Task{
		ID:           uuid.NewString(),
		Title:        opts.Title,
		Description:  opts.Description,
		Status:       domain.StatusCreated,
		Priority:     priority,
		CreatedByID:  id.UserID,
		AssignedToID: opts.AssignedToID,
		DepartmentID: opts.DepartmentID,
		CreatedDate:  now.Format(time.RFC3339),
		DueDate:      opts.DueDate,
	}
	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	if err := e.Events.Append(ctx, tx, "task.created", "task", t.ID, id.UserID, events.EventPayload{
		"title": t.Title, "status": t.Status, "assigned_to": t.AssignedToID,
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// TaskUpdateOptions replaces the mutable fields of a task. Status is not
// updatable here; it only moves through the start/complete/reject actions.
type TaskUpdateOptions struct {
	ID           string
	Title        string
	Description  string
	DueDate      string
	Priority     string
	AssignedToID string
	DepartmentID string
}

func (e Engine) UpdateTask(ctx context.Context, id policy.Identity, opts TaskUpdateOptions) (domain.Task, error) {
	now := e.now().UTC()
	if err := validateTaskFields(TaskCreateOptions{
		Title:        opts.Title,
		Description:  opts.Description,
		DueDate:      opts.DueDate,
		Priority:     opts.Priority,
		AssignedToID: opts.AssignedToID,
		DepartmentID: opts.DepartmentID,
	}, now); err != nil {
		return domain.Task{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, opts.ID)
	if err != nil {
		return domain.Task{}, err
	}
	if err := policy.CanUpdateTask(id, t); err != nil {
		return domain.Task{}, err
	}
	if _, err := e.Repo.GetUserTx(ctx, tx, opts.AssignedToID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Task{}, fmt.Errorf("assigned user: %w", err)
		}
		return domain.Task{}, err
	}
	if _, err := e.Repo.GetDepartmentTx(ctx, tx, opts.DepartmentID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Task{}, fmt.Errorf("department: %w", err)
		}
		return domain.Task{}, err
	}

	t.Title = opts.Title
	t.Description = opts.Description
	t.DueDate = opts.DueDate
	if opts.Priority != "" {
		t.Priority = opts.Priority
	}
	t.AssignedToID = opts.AssignedToID
	t.DepartmentID = opts.DepartmentID
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	if err := e.Events.Append(ctx, tx, "task.updated", "task", t.ID, id.UserID, events.EventPayload{"title": t.Title}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

func (e Engine) DeleteTask(ctx context.Context, id policy.Identity, taskID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return err
	}
	if err := policy.CanDeleteTask(id, t); err != nil {
		return err
	}
	if err := e.Repo.DeleteTask(ctx, tx, taskID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "task.deleted", "task", taskID, id.UserID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// StartTask moves an assigned task into progress. Only the assignee may
// start a task, and terminal tasks stay where they are.
func (e Engine) StartTask(ctx context.Context, id policy.Identity, taskID string) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if err := policy.CanStartTask(id, t); err != nil {
		return domain.Task{}, err
	}
	if domain.Terminal(t.Status) {
		return domain.Task{}, ValidationError{Msg: fmt.Sprintf("task is already %s", t.Status)}
	}
	t.Status = domain.StatusInProgress
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	if err := e.Events.Append(ctx, tx, "task.started", "task", t.ID, id.UserID, nil); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// CompleteTask marks a task completed. The acting user is re-read from
// storage because the department check needs current membership, not
// whatever the token was minted with.
func (e Engine) CompleteTask(ctx context.Context, id policy.Identity, taskID string) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	actor, err := e.Repo.GetUserTx(ctx, tx, id.UserID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Task{}, fmt.Errorf("acting user: %w", err)
		}
		return domain.Task{}, err
	}
	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if err := policy.CanCompleteTask(id, actor, t); err != nil {
		return domain.Task{}, err
	}
	if domain.Terminal(t.Status) {
		return domain.Task{}, ValidationError{Msg: fmt.Sprintf("task is already %s", t.Status)}
	}
	completed := e.now().UTC().Format(time.RFC3339)
	t.Status = domain.StatusCompleted
	t.CompletedDate = &completed
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	if err := e.Events.Append(ctx, tx, "task.completed", "task", t.ID, id.UserID, nil); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// RejectTask marks a task rejected with a mandatory free-text reason.
func (e Engine) RejectTask(ctx context.Context, id policy.Identity, taskID, reason string) (domain.Task, error) {
	if strings.TrimSpace(reason) == "" {
		return domain.Task{}, ValidationError{Msg: "rejection reason is required"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	actor, err := e.Repo.GetUserTx(ctx, tx, id.UserID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Task{}, fmt.Errorf("acting user: %w", err)
		}
		return domain.Task{}, err
	}
	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if err := policy.CanRejectTask(id, actor, t); err != nil {
		return domain.Task{}, err
	}
	if domain.Terminal(t.Status) {
		return domain.Task{}, ValidationError{Msg: fmt.Sprintf("task is already %s", t.Status)}
	}
	t.Status = domain.StatusRejected
	t.RejectionReason = &reason
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	if err := e.Events.Append(ctx, tx, "task.rejected", "task", t.ID, id.UserID, events.EventPayload{"reason": reason}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// ListAssignedTasks returns tasks assigned to the authenticated user.
func (e Engine) ListAssignedTasks(ctx context.Context, id policy.Identity) ([]domain.Task, error) {
	return e.Repo.ListTasks(ctx, repo.TaskFilters{AssignedToID: id.UserID})
}

// ListCreatedTasks returns tasks created by the authenticated user.
func (e Engine) ListCreatedTasks(ctx context.Context, id policy.Identity) ([]domain.Task, error) {
	return e.Repo.ListTasks(ctx, repo.TaskFilters{CreatedByID: id.UserID})
}
