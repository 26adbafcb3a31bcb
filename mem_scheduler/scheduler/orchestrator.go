package scheduler

import (
	"sync"

	"github.com/memstack/memgos/mem_scheduler/schemas"
)

// Orchestrator is the central policy knob mapping task labels to priority
// lanes. Level-1 labels bypass the queue and execute inline on the submitting
// path: user-facing interactive labels must not wait behind multi-second
// reorganization jobs.
type Orchestrator struct {
	mu        sync.RWMutex
	overrides map[string]schemas.TaskPriority
}

func NewOrchestrator() *Orchestrator {
	return &Orchestrator{overrides: make(map[string]schemas.TaskPriority)}
}

// Priority returns the lane for a label.
func (o *Orchestrator) Priority(label string) schemas.TaskPriority {
	o.mu.RLock()
	if p, ok := o.overrides[label]; ok {
		o.mu.RUnlock()
		return p
	}
	o.mu.RUnlock()

	switch label {
	case schemas.LabelQuery, schemas.LabelAnswer, schemas.LabelAdd:
		return schemas.PriorityLevel1
	case schemas.LabelMemReorganize, schemas.LabelPrefAdd:
		return schemas.PriorityLevel3
	default:
		return schemas.PriorityLevel2
	}
}

// SetPriority overrides the lane for a label, used by handler registration.
func (o *Orchestrator) SetPriority(label string, p schemas.TaskPriority) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.overrides[label] = p
}
