package task

import (
	"encoding/json"
	"fmt"
	"time"

	"scenereel/scene"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// IsTerminal reports whether s can no longer change.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ParseStatus accepts the lower-case status names.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return st, nil
	}
	return "", fmt.Errorf("unknown task status %q", s)
}

type Task struct {
	ID           string        `json:"id"`
	Status       Status        `json:"status"`
	CreatedAt    time.Time     `json:"createdAt"`
	StartedAt    *time.Time    `json:"startedAt,omitempty"`
	CompletedAt  *time.Time    `json:"completedAt,omitempty"`
	SourceName   string        `json:"sourceName"`
	SourceURL    string        `json:"sourceUrl,omitempty"`
	OutputRef    string        `json:"outputRef,omitempty"`
	ErrorMessage string        `json:"errorMessage,omitempty"`
	Stats        *scene.Stats  `json:"stats,omitempty"`
	Scenes       []scene.Scene `json:"scenes,omitempty"`

	SourcePath  string `json:"-"` // local path of the video being analysed
	OwnedSource bool   `json:"-"` // the source is an upload removed on cleanup
}

// Clone returns a deep copy so callers never share mutable state with the
// registry.
func (t Task) Clone() Task {
	c := t
	if t.StartedAt != nil {
		v := *t.StartedAt
		c.StartedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		c.CompletedAt = &v
	}
	if t.Stats != nil {
		v := *t.Stats
		c.Stats = &v
	}
	if t.Scenes != nil {
		c.Scenes = append([]scene.Scene(nil), t.Scenes...)
	}
	return c
}

// record is the persisted form of a Task, including the fields hidden from
// API responses.
type record struct {
	Task
	Source string `json:"sourcePath"`
	Owned  bool   `json:"ownedSource"`
}

// EncodeRecord serialises t for a durable Store.
func EncodeRecord(t Task) ([]byte, error) {
	return json.Marshal(record{Task: t, Source: t.SourcePath, Owned: t.OwnedSource})
}

// DecodeRecord is the inverse of EncodeRecord.
func DecodeRecord(data []byte) (Task, error) {
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return Task{}, fmt.Errorf("decode task record: %w", err)
	}
	t := r.Task
	t.SourcePath, t.OwnedSource = r.Source, r.Owned
	return t, nil
}
