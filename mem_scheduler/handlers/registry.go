package handlers

import (
	"time"

	"github.com/memstack/memgos/mem_scheduler/scheduler"
	"github.com/memstack/memgos/mem_scheduler/schemas"
)

// prefAddTTL caps preference extraction, the slowest LLM-bound handler.
const prefAddTTL = 10 * time.Minute

// Registry holds the predefined handlers bound to a shared Context.
type Registry struct {
	Query         *QueryHandler
	Answer        *AnswerHandler
	Add           *AddHandler
	MemoryUpdate  *MemoryUpdateHandler
	MemRead       *MemReadHandler
	MemReorganize *MemReorganizeHandler
	Feedback      *FeedbackHandler
	PrefAdd       *PrefAddHandler
}

// NewRegistry builds all handlers over one context.
func NewRegistry(c *Context) *Registry {
	return &Registry{
		Query:         NewQueryHandler(c),
		Answer:        NewAnswerHandler(c),
		Add:           NewAddHandler(c),
		MemoryUpdate:  NewMemoryUpdateHandler(c),
		MemRead:       NewMemReadHandler(c),
		MemReorganize: NewMemReorganizeHandler(c),
		Feedback:      NewFeedbackHandler(c),
		PrefAdd:       NewPrefAddHandler(c),
	}
}

// BuildDispatchMap returns the label registrations for the dispatcher.
// Query, answer and add run on the priority-1 inline lane.
func (r *Registry) BuildDispatchMap() map[string]scheduler.Registration {
	return map[string]scheduler.Registration{
		schemas.LabelQuery:         {Fn: r.Query.Handle, Priority: schemas.PriorityLevel1},
		schemas.LabelAnswer:        {Fn: r.Answer.Handle, Priority: schemas.PriorityLevel1},
		schemas.LabelAdd:           {Fn: r.Add.Handle, Priority: schemas.PriorityLevel1},
		schemas.LabelMemUpdate:     {Fn: r.MemoryUpdate.Handle},
		schemas.LabelMemRead:       {Fn: r.MemRead.Handle},
		schemas.LabelMemReorganize: {Fn: r.MemReorganize.Handle},
		schemas.LabelMemFeedback:   {Fn: r.Feedback.Handle},
		schemas.LabelPrefAdd:       {Fn: r.PrefAdd.Handle, TTL: prefAddTTL},
	}
}
