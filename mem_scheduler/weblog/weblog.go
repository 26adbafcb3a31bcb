package weblog

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/memstack/memgos/mem_scheduler/logx"
	"github.com/memstack/memgos/mem_scheduler/observability"
	"github.com/memstack/memgos/mem_scheduler/schemas"
)

// External web-log vocabulary. Internal task labels normalize onto these
// before an event leaves the process.
const (
	LabelAddMessage          = "addMessage"
	LabelAddMemory           = "addMemory"
	LabelUpdateMemory        = "updateMemory"
	LabelKnowledgeBaseUpdate = "knowledgeBaseUpdate"
	LabelMergeMemory         = "mergeMemory"
	LabelArchiveMemory       = "archiveMemory"
)

var labelMapping = map[string]string{
	schemas.LabelQuery:         LabelAddMessage,
	schemas.LabelAnswer:        LabelAddMessage,
	schemas.LabelAdd:           LabelAddMemory,
	schemas.LabelMemUpdate:     LabelUpdateMemory,
	schemas.LabelMemReorganize: LabelMergeMemory,
	"mem_archive":              LabelArchiveMemory,
}

// NormalizeLabel maps an internal label onto the external vocabulary.
// Labels already in the vocabulary pass through unchanged.
func NormalizeLabel(label string) string {
	if mapped, ok := labelMapping[label]; ok {
		return mapped
	}
	return label
}

// Publisher delivers events to an external broker. Publishing is advisory:
// errors are logged and the event dropped.
type Publisher interface {
	Publish(ctx context.Context, ev schemas.WebLogEvent) error
	Close() error
}

// LogPublisher writes events to the structured log, used until a broker is
// configured.
type LogPublisher struct {
	log zerolog.Logger
}

func NewLogPublisher() *LogPublisher {
	return &LogPublisher{log: logx.WithComponent("weblog-publisher")}
}

func (p *LogPublisher) Publish(_ context.Context, ev schemas.WebLogEvent) error {
	p.log.Info().
		Str("label", ev.Label).
		Str("user_id", ev.UserID).
		Str("mem_cube_id", ev.MemCubeID).
		Str("task_id", ev.TaskID).
		Int("memory_len", ev.MemoryLen).
		Interface("memcube_log_content", ev.MemCubeLogContent).
		Msg("weblog event")
	return nil
}

func (p *LogPublisher) Close() error { return nil }

// ring is a bounded event buffer dropping the oldest entry on overflow.
type ring struct {
	mu    sync.Mutex
	buf   []schemas.WebLogEvent
	max   int
	drops int
}

func (r *ring) push(ev schemas.WebLogEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf = append(r.buf, ev)
	if len(r.buf) > r.max {
		r.buf = r.buf[1:]
		r.drops++
	}
}

func (r *ring) drain() []schemas.WebLogEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.buf
	r.buf = nil
	return out
}

// Plane is the web-log plane: normalization, bounded in-memory queueing when
// no broker is configured, broker publishing when one is, and live fan-out to
// websocket subscribers.
type Plane struct {
	pub            Publisher
	hub            *Hub
	queue          ring
	mapMemCubeName func(memCubeID string) string
	log            zerolog.Logger
}

// NewPlane builds the plane. pub and hub may be nil; mapMemCubeName may be
// nil, in which case the cube id doubles as its name.
func NewPlane(pub Publisher, hub *Hub, maxQueueSize int, mapMemCubeName func(string) string) *Plane {
	if maxQueueSize <= 0 {
		maxQueueSize = 1000
	}
	if mapMemCubeName == nil {
		mapMemCubeName = func(id string) string { return id }
	}
	return &Plane{
		pub:            pub,
		hub:            hub,
		queue:          ring{max: maxQueueSize},
		mapMemCubeName: mapMemCubeName,
		log:            logx.WithComponent("weblog"),
	}
}

// normalize stamps identity fields, maps the label, and fills derived fields
// the external consumers expect.
func (p *Plane) normalize(ev schemas.WebLogEvent) schemas.WebLogEvent {
	if ev.ItemID == "" {
		ev.ItemID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	ev.Label = NormalizeLabel(ev.Label)
	if ev.MemCubeName == "" {
		ev.MemCubeName = p.mapMemCubeName(ev.MemCubeID)
	}
	if ev.MemoryLen == 0 {
		switch {
		case ev.Label == LabelMergeMemory:
			for _, c := range ev.MemCubeLogContent {
				if t, _ := c["type"].(string); t != "postMerge" {
					ev.MemoryLen++
				}
			}
		case len(ev.MemCubeLogContent) > 0:
			ev.MemoryLen = len(ev.MemCubeLogContent)
		case ev.LogContent != "":
			ev.MemoryLen = 1
		}
	}
	if ev.MemCubeLogContent == nil {
		ev.MemCubeLogContent = []map[string]any{}
	}
	enriched := make([]map[string]any, 0, len(ev.Metadata))
	for _, meta := range ev.Metadata {
		m := make(map[string]any, len(meta)+1)
		for k, v := range meta {
			m[k] = v
		}
		if _, ok := m["memory_time"]; !ok {
			if v, ok := m["updated_at"]; ok {
				m["memory_time"] = v
			} else if v, ok := m["update_at"]; ok {
				m["memory_time"] = v
			}
		}
		enriched = append(enriched, m)
	}
	ev.Metadata = enriched
	return ev
}

// Submit normalizes and emits events. With a broker configured the event is
// published; otherwise it queues into the bounded ring. Live subscribers
// always receive a copy.
func (p *Plane) Submit(ctx context.Context, events ...schemas.WebLogEvent) {
	for _, ev := range events {
		ev = p.normalize(ev)
		if p.pub != nil {
			if err := p.pub.Publish(ctx, ev); err != nil {
				observability.WebLogPublishFailures.WithLabelValues(ev.Label).Inc()
				p.log.Error().Err(err).Str("label", ev.Label).Str("item_id", ev.ItemID).
					Msg("weblog publish failed, event dropped")
			}
		} else {
			p.queue.push(ev)
		}
		if p.hub != nil {
			p.hub.Broadcast(ev)
		}
	}
}

// GetWebLogMessages drains the queued events.
func (p *Plane) GetWebLogMessages() []schemas.WebLogEvent {
	return p.queue.drain()
}
