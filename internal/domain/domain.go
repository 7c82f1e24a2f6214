package domain

type Department struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type User struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Email        string `json:"email"`
	DepartmentID string `json:"department_id"`
}

type Task struct {
	ID              string  `json:"id"`
	Title           string  `json:"title"`
	Description     string  `json:"description"`
	Status          string  `json:"status" enum:"created,assigned,in_progress,completed,rejected"`
	Priority        string  `json:"priority" enum:"low,medium,high,critical"`
	RejectionReason *string `json:"rejection_reason,omitempty"`
	CreatedByID     string  `json:"created_by_id"`
	AssignedToID    string  `json:"assigned_to_id"`
	DepartmentID    string  `json:"department_id"`
	CreatedDate     string  `json:"created_date" format:"date-time"`
	DueDate         string  `json:"due_date" format:"date-time"`
	CompletedDate   *string `json:"completed_date,omitempty" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// Task status values. The lifecycle runs created -> assigned -> in_progress
// and exits at completed or rejected.
const (
	StatusCreated    = "created"
	StatusAssigned   = "assigned"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusRejected   = "rejected"
)

// Terminal reports whether a status permits no further transitions.
func Terminal(status string) bool {
	return status == StatusCompleted || status == StatusRejected
}

// ValidPriority reports whether p is one of the known priority levels.
func ValidPriority(p string) bool {
	switch p {
	case "low", "medium", "high", "critical":
		return true
	}
	return false
}
