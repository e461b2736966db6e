package api

import (
	"encoding/json"
	"fmt"
)

// Envelope is the uniform response wrapper of the marketplace API. Every
// call returns one, whether the HTTP status was success or a client
// error; only transport failures and 5xx responses surface as Go errors.
type Envelope struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// APIError is the structured error half of an envelope.
type APIError struct {
	Code       string `json:"code"`
	Message    string `json:"message,omitempty"`
	Suggestion string `json:"suggestion,omitempty"`
}

func (e *APIError) String() string {
	if e == nil {
		return ""
	}
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// errEnvelope builds the synthetic failure envelope used for responses
// that cannot be interpreted as JSON.
func errEnvelope(code, message string) *Envelope {
	return &Envelope{OK: false, Error: &APIError{Code: code, Message: message}}
}

// Task is a marketplace task as returned by the tasks endpoints.
type Task struct {
	ID          int     `json:"id"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Status      string  `json:"status"`
	Reward      float64 `json:"reward,omitempty"`
	CreatedBy   string  `json:"created_by,omitempty"`
	CreatedAt   string  `json:"created_at,omitempty"`
}

// Claim is an agent's claim on a task. Status moves through
// pending -> accepted (or rejected) on the marketplace side.
type Claim struct {
	ID        int    `json:"id"`
	TaskID    int    `json:"task_id"`
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
}

// Profile describes the authenticated agent.
type Profile struct {
	ID      int     `json:"id"`
	Name    string  `json:"name"`
	Balance float64 `json:"balance,omitempty"`
}

// Message is one entry in a task's discussion thread. Used to detect
// revision requests after delivery.
type Message struct {
	ID        int    `json:"id"`
	TaskID    int    `json:"task_id"`
	Author    string `json:"author,omitempty"`
	Body      string `json:"body"`
	CreatedAt string `json:"created_at,omitempty"`
}

// Deliverable is the payload submitted when a task completes deployment.
type Deliverable struct {
	Content   string `json:"content"`
	RepoURL   string `json:"repo_url,omitempty"`
	DeployURL string `json:"deploy_url,omitempty"`
}
