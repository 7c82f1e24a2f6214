package server

import (
	"encoding/json"

	"taskdesk/internal/domain"
)

// Every response body is wrapped in the same envelope. Success carries
// message plus data; failures set success=false and a null data field.
type envelope[T any] struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    T      `json:"data"`
}

func ok[T any](message string, data T) envelope[T] {
	return envelope[T]{Success: true, Message: message, Data: data}
}

// Request payloads

type LoginRequest struct {
	Email string `json:"email" format:"email"`
}

type CreateTaskRequest struct {
	Title        string `json:"title" maxLength:"200"`
	Description  string `json:"description" maxLength:"1000"`
	DueDate      string `json:"due_date" format:"date-time"`
	Priority     string `json:"priority,omitempty" enum:"low,medium,high,critical"`
	AssignedToID string `json:"assigned_to_id" format:"uuid"`
	DepartmentID string `json:"department_id" format:"uuid"`
}

type UpdateTaskRequest struct {
	Title        string `json:"title" maxLength:"200"`
	Description  string `json:"description" maxLength:"1000"`
	DueDate      string `json:"due_date" format:"date-time"`
	Priority     string `json:"priority,omitempty" enum:"low,medium,high,critical"`
	AssignedToID string `json:"assigned_to_id" format:"uuid"`
	DepartmentID string `json:"department_id" format:"uuid"`
}

type RejectTaskRequest struct {
	Reason string `json:"reason"`
}

// Response payloads

type UserResponse struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Email        string `json:"email"`
	DepartmentID string `json:"department_id"`
}

type DepartmentResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type LoginResponse struct {
	Token      string             `json:"token"`
	User       UserResponse       `json:"user"`
	Department DepartmentResponse `json:"department"`
}

type MeResponse struct {
	User       UserResponse       `json:"user"`
	Department DepartmentResponse `json:"department"`
}

type TaskResponse struct {
	ID              string  `json:"id"`
	Title           string  `json:"title"`
	Description     string  `json:"description"`
	Status          string  `json:"status" enum:"created,assigned,in_progress,completed,rejected"`
	Priority        string  `json:"priority"`
	RejectionReason *string `json:"rejection_reason,omitempty"`
	CreatedByID     string  `json:"created_by_id"`
	AssignedToID    string  `json:"assigned_to_id"`
	DepartmentID    string  `json:"department_id"`
	CreatedDate     string  `json:"created_date"`
	DueDate         string  `json:"due_date"`
	CompletedDate   *string `json:"completed_date,omitempty"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

func userResponse(u domain.User) UserResponse {
	return UserResponse{
		ID:           u.ID,
		Name:         u.Name,
		Email:        u.Email,
		DepartmentID: u.DepartmentID,
	}
}

func departmentResponse(d domain.Department) DepartmentResponse {
	return DepartmentResponse{ID: d.ID, Name: d.Name, Description: d.Description}
}

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:              t.ID,
		Title:           t.Title,
		Description:     t.Description,
		Status:          t.Status,
		Priority:        t.Priority,
		RejectionReason: t.RejectionReason,
		CreatedByID:     t.CreatedByID,
		AssignedToID:    t.AssignedToID,
		DepartmentID:    t.DepartmentID,
		CreatedDate:     t.CreatedDate,
		DueDate:         t.DueDate,
		CompletedDate:   t.CompletedDate,
	}
}

func mapTasks(items []domain.Task) []TaskResponse {
	res := make([]TaskResponse, 0, len(items))
	for _, t := range items {
		res = append(res, taskResponse(t))
	}
	return res
}

func mapUsers(items []domain.User) []UserResponse {
	res := make([]UserResponse, 0, len(items))
	for _, u := range items {
		res = append(res, userResponse(u))
	}
	return res
}

func mapDepartments(items []domain.Department) []DepartmentResponse {
	res := make([]DepartmentResponse, 0, len(items))
	for _, d := range items {
		res = append(res, departmentResponse(d))
	}
	return res
}

func eventResponse(evt domain.Event) EventResponse {
	var payload map[string]any
	if evt.Payload != "" {
		_ = json.Unmarshal([]byte(evt.Payload), &payload)
	}
	return EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		Payload:    payload,
	}
}
