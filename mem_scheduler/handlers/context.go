package handlers

import (
	"context"
	"time"

	"github.com/memstack/memgos/mem_scheduler/activation"
	"github.com/memstack/memgos/mem_scheduler/idempotency"
	"github.com/memstack/memgos/mem_scheduler/memcube"
	"github.com/memstack/memgos/mem_scheduler/monitors"
	"github.com/memstack/memgos/mem_scheduler/postprocess"
	"github.com/memstack/memgos/mem_scheduler/schemas"
	"github.com/memstack/memgos/mem_scheduler/searchsvc"
	"github.com/memstack/memgos/mem_scheduler/weblog"
)

// SubmitFunc enqueues follow-up messages back into the scheduler. Set during
// wiring; handlers never hold the scheduler directly.
type SubmitFunc func(ctx context.Context, msgs []schemas.Message) error

// Context bundles the collaborators every handler needs. All references are
// set explicitly during init; there are no lazy back-references.
type Context struct {
	// Cube resolves a mem-cube id to the user's cube. Returns nil when the
	// cube is not registered.
	Cube func(memCubeID string) *memcube.MemCube

	Monitor    *monitors.GeneralMonitor
	Search     *searchsvc.Service
	Post       *postprocess.Processor
	Activation *activation.Manager
	Weblog     *weblog.Plane
	MemReader  memcube.MemReader
	Feedback   memcube.FeedbackProcessor
	Idem       *idempotency.Store

	Submit SubmitFunc

	TopK                   int
	QueryKeyWordsLimit     int
	EnableActivationMemory bool
	ActMemUpdateInterval   time.Duration
	SearchMode             memcube.SearchMode
	CloudEnv               bool
}

// MapMemCubeName resolves the display name for a cube id.
func (c *Context) MapMemCubeName(memCubeID string) string {
	if cube := c.Cube(memCubeID); cube != nil && cube.Name != "" {
		return cube.Name
	}
	return memCubeID
}

// emit publishes events through the web-log plane when one is wired.
func (c *Context) emit(ctx context.Context, events ...schemas.WebLogEvent) {
	if c.Weblog != nil {
		c.Weblog.Submit(ctx, events...)
	}
}
