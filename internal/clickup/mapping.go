package clickup

import (
	"strings"

	"github.com/devpulse/devpulse/internal/store"
)

// statusTable maps ClickUp's free-form status names onto the canonical task
// lifecycle. Workspaces rename statuses freely, so the match is
// case-insensitive and unknown names fall back to TODO.
var statusTable = map[string]store.TaskStatus{
	"to do":       store.TaskTodo,
	"todo":        store.TaskTodo,
	"open":        store.TaskTodo,
	"in progress": store.TaskInProgress,
	"review":      store.TaskReview,
	"in review":   store.TaskReview,
	"testing":     store.TaskTesting,
	"qa":          store.TaskTesting,
	"done":        store.TaskDone,
	"complete":    store.TaskDone,
	"closed":      store.TaskClosed,
	"cancelled":   store.TaskCancelled,
	"canceled":    store.TaskCancelled,
}

func mapStatus(s *TaskStatus) store.TaskStatus {
	if s == nil {
		return store.TaskTodo
	}
	if mapped, ok := statusTable[strings.ToLower(strings.TrimSpace(s.Status))]; ok {
		return mapped
	}
	return store.TaskTodo
}

var priorityTable = map[string]store.TaskPriority{
	"low":    store.PriorityLow,
	"normal": store.PriorityNormal,
	"high":   store.PriorityHigh,
	"urgent": store.PriorityUrgent,
}

func mapPriority(p *TaskPriority) store.TaskPriority {
	if p == nil {
		return store.PriorityNone
	}
	if mapped, ok := priorityTable[strings.ToLower(strings.TrimSpace(p.Priority))]; ok {
		return mapped
	}
	return store.PriorityNone
}
