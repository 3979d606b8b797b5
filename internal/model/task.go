package model

import (
	"fmt"
	"time"

	"github.com/swarmforge/taskcore/internal/corerr"
)

// Priority is the coarse priority band a task is submitted at. Numeric
// values break ties among otherwise-equal scores (higher wins).
type Priority int

const (
	PriorityBackground Priority = iota
	PriorityLow
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "CRITICAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityMedium:
		return "MEDIUM"
	case PriorityLow:
		return "LOW"
	default:
		return "BACKGROUND"
	}
}

// Category classifies the kind of work a task represents.
type Category string

const (
	CategoryFeature        Category = "feature"
	CategoryBugFix         Category = "bug_fix"
	CategoryEnhancement    Category = "enhancement"
	CategoryRefactoring    Category = "refactoring"
	CategoryTesting        Category = "testing"
	CategoryDocumentation  Category = "documentation"
	CategorySecurity       Category = "security"
	CategoryPerformance    Category = "performance"
	CategoryMaintenance    Category = "maintenance"
	CategoryResearch       Category = "research"
	CategoryInfrastructure Category = "infrastructure"
)

// TaskStatus is a node in the task state machine described in §4.1.
type TaskStatus string

const (
	StatusCreated    TaskStatus = "CREATED"
	StatusQueued     TaskStatus = "QUEUED"
	StatusAssigned   TaskStatus = "ASSIGNED"
	StatusInProgress TaskStatus = "IN_PROGRESS"
	StatusReview     TaskStatus = "REVIEW"
	StatusBlocked    TaskStatus = "BLOCKED"
	StatusCompleted  TaskStatus = "COMPLETED"
	StatusFailed     TaskStatus = "FAILED"
	StatusCancelled  TaskStatus = "CANCELLED"
	StatusArchived   TaskStatus = "ARCHIVED"
)

// terminalStatuses are the finished states: ARCHIVED is never left, and
// COMPLETED and CANCELLED can only move on to ARCHIVED.
var terminalStatuses = map[TaskStatus]bool{
	StatusCompleted: true,
	StatusCancelled: true,
	StatusArchived:  true,
}

// IsTerminal reports whether s is a terminal state. FAILED is only
// terminal when retries are exhausted; callers check that separately via
// Task.IsTerminal.
func (s TaskStatus) IsTerminal() bool { return terminalStatuses[s] }

// legalTransitions enumerates the state machine edges from §4.1.
var legalTransitions = map[TaskStatus]map[TaskStatus]bool{
	StatusCreated:    {StatusQueued: true, StatusCancelled: true},
	StatusQueued:     {StatusAssigned: true, StatusCancelled: true, StatusFailed: true, StatusBlocked: true},
	StatusAssigned:   {StatusInProgress: true, StatusCancelled: true, StatusQueued: true, StatusFailed: true, StatusBlocked: true},
	StatusInProgress: {StatusReview: true, StatusCompleted: true, StatusFailed: true, StatusBlocked: true, StatusCancelled: true},
	StatusReview:     {StatusCompleted: true, StatusFailed: true, StatusCancelled: true},
	StatusBlocked:    {StatusQueued: true, StatusCancelled: true, StatusFailed: true},
	StatusFailed:     {StatusQueued: true, StatusArchived: true, StatusCancelled: true},
	StatusCompleted:  {StatusArchived: true},
	StatusCancelled:  {StatusArchived: true},
	StatusArchived:   {},
}

// HistoryEntry is one append-only audit record.
type HistoryEntry struct {
	At      time.Time
	Action  string
	Status  TaskStatus
	Message string
}

// EdgeStrength classifies a dependency edge's gating power.
type EdgeStrength int

const (
	EdgeHard EdgeStrength = iota
	EdgeSoft
	EdgeHint
)

// FailureReason is the structured reason recorded on a terminal FAILED task.
type FailureReason struct {
	Kind      corerr.Kind
	Message   string
	Cause     string
	Retriable bool
}

// Task is a unit of work, its dependencies, and its lifecycle.
type Task struct {
	ID          string
	Title       string
	Description string
	Category    Category

	BasePriority Priority
	TieBreak     int64 // lower wins tie-breaks beyond Priority itself

	Complexity        float64
	EstimatedEffortMs int64

	Dependencies         map[string]EdgeStrength // task id -> strength of the edge INTO this task
	RequiredResources    map[string]int
	RequiredCapabilities map[string]bool

	Deadline    *time.Time
	MaxRetries  int
	CurrRetries int

	Status TaskStatus

	CreatedAt   time.Time
	UpdatedAt   time.Time
	QueuedAt    *time.Time
	AssignedAt  *time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time

	AssignedAgent string

	History []HistoryEntry
	Failure *FailureReason

	Metadata Metadata
}

// NewTask constructs a task in CREATED status with sane zero values.
func NewTask(id, title string) *Task {
	now := time.Now()
	return &Task{
		ID:                   id,
		Title:                title,
		BasePriority:         PriorityMedium,
		Dependencies:         map[string]EdgeStrength{},
		RequiredResources:    map[string]int{},
		RequiredCapabilities: map[string]bool{},
		Status:               StatusCreated,
		CreatedAt:            now,
		UpdatedAt:            now,
		Metadata:             Metadata{},
	}
}

// IsTerminal reports whether the task has finished: a terminal status, or
// FAILED with no retries left. Such a task can still be archived (and a
// FAILED one cancelled).
func (t *Task) IsTerminal() bool {
	if t.Status.IsTerminal() {
		return true
	}
	return t.Status == StatusFailed && t.CurrRetries >= t.MaxRetries
}

// Transition validates and applies a state transition, appending a history
// entry. It never mutates state on an illegal transition.
func (t *Task) Transition(to TaskStatus, action, message string) error {
	allowed := legalTransitions[t.Status]
	if !allowed[to] {
		return corerr.New(corerr.KindConflict, fmt.Sprintf("illegal transition %s -> %s for task %s", t.Status, to, t.ID))
	}
	now := time.Now()
	t.Status = to
	t.UpdatedAt = now
	switch to {
	case StatusQueued:
		t.QueuedAt = &now
	case StatusAssigned:
		t.AssignedAt = &now
	case StatusInProgress:
		t.StartedAt = &now
	case StatusCompleted, StatusFailed, StatusCancelled:
		t.CompletedAt = &now
	}
	if to != StatusAssigned && to != StatusInProgress {
		t.AssignedAgent = ""
	}
	t.History = append(t.History, HistoryEntry{At: now, Action: action, Status: to, Message: message})
	return nil
}
