package domain

// CreateTaskCommand is the write request consumed from the HTTP boundary.
// CreatedByID is filled from the authenticated caller, never from the body.
type CreateTaskCommand struct {
	Title          string `json:"title"`
	Description    string `json:"description,omitempty"`
	Priority       string `json:"priority,omitempty"`
	ParentID       string `json:"parentId,omitempty"`
	AssigneeID     string `json:"assigneeId,omitempty"`
	CreatedByID    string `json:"createdById,omitempty"`
	DueDate        string `json:"dueDate,omitempty"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// UpdateTaskCommand carries the fields being changed; nil means untouched.
type UpdateTaskCommand struct {
	TaskID         string  `json:"taskId,omitempty"`
	Title          *string `json:"title,omitempty"`
	Description    *string `json:"description,omitempty"`
	Status         *string `json:"status,omitempty"`
	Priority       *string `json:"priority,omitempty"`
	AssigneeID     *string `json:"assigneeId,omitempty"`
	DueDate        *string `json:"dueDate,omitempty"`
	UserID         string  `json:"userId,omitempty"`
	IdempotencyKey string  `json:"idempotencyKey,omitempty"`
}

type DeleteTaskCommand struct {
	TaskID string `json:"taskId"`
	UserID string `json:"userId,omitempty"`
}
