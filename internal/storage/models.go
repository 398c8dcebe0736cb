package storage

import (
	"errors"
	"fmt"
	"time"

	"github.com/kalambet/shareq/internal/share"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrCapacity matches any *CapacityError via errors.Is.
var ErrCapacity = errors.New("queue is full")

// ErrDuplicateID is returned when an id was already issued by this store,
// including ids whose items have since been evicted.
var ErrDuplicateID = errors.New("id already issued")

// CapacityError is returned by Enqueue when the queue holds max items and
// none of them is evictable.
type CapacityError struct {
	Max int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("queue is full (max %d items, none completed)", e.Max)
}

func (e *CapacityError) Is(target error) bool {
	return target == ErrCapacity
}

// Status is the delivery state of a queued item.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSyncing   Status = "syncing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSyncing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether automatic processing has finished with the item.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ItemError is the last failure recorded for an item.
type ItemError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// QueueItem wraps shared content with its delivery state.
type QueueItem struct {
	Content       share.Content `json:"content"`
	Status        Status        `json:"status"`
	AttemptCount  int           `json:"attempt_count"`
	LastAttemptAt *time.Time    `json:"last_attempt_at,omitempty"`
	NextAttemptAt *time.Time    `json:"next_attempt_at,omitempty"`
	LastError     *ItemError    `json:"last_error,omitempty"`
	EnqueuedAt    time.Time     `json:"enqueued_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`
}

// ID is shorthand for the content id.
func (i QueueItem) ID() string { return i.Content.ID }

// Stats is a point-in-time count of items by status.
type Stats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Syncing   int `json:"syncing"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// ListFilter narrows List. Zero values mean no filter.
type ListFilter struct {
	Status Status
	Limit  int
	Offset int
}
