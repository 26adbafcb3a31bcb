package schemas

import "time"

// MemoryType determines which search lane an item participates in.
type MemoryType string

const (
	WorkingMemory    MemoryType = "WorkingMemory"
	LongTermMemory   MemoryType = "LongTermMemory"
	UserMemory       MemoryType = "UserMemory"
	ToolSchemaMemory MemoryType = "ToolSchemaMemory"
	SkillMemory      MemoryType = "SkillMemory"
	RawFileMemory    MemoryType = "RawFileMemory"
)

// MemoryStatus is the lifecycle state of a memory item. "resolving" hides an
// item from normal search but keeps it visible to reconciliation; "archived"
// is terminal aside from explicit reactivation.
type MemoryStatus string

const (
	StatusActivated MemoryStatus = "activated"
	StatusResolving MemoryStatus = "resolving"
	StatusArchived  MemoryStatus = "archived"
	StatusDeleted   MemoryStatus = "deleted"
)

// MemoryMetadata carries everything about an item except its text.
type MemoryMetadata struct {
	UserID     string         `json:"user_id,omitempty"`
	SessionID  string         `json:"session_id,omitempty"`
	MemoryType MemoryType     `json:"memory_type"`
	Key        string         `json:"key,omitempty"`
	Status     MemoryStatus   `json:"status,omitempty"`
	Tags       []string       `json:"tags,omitempty"`
	Confidence float64        `json:"confidence,omitempty"`
	CreatedAt  time.Time      `json:"created_at,omitempty"`
	UpdatedAt  time.Time      `json:"updated_at,omitempty"`
	Sources    []string       `json:"sources,omitempty"`
	Embedding  []float32      `json:"embedding,omitempty"`
	FileIDs    []string       `json:"file_ids,omitempty"`
	MergedFrom []string       `json:"merged_from,omitempty"`
	Info       map[string]any `json:"info,omitempty"`
}

// HasTag reports whether the metadata carries the given tag.
func (m *MemoryMetadata) HasTag(tag string) bool {
	for _, t := range m.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// MemoryItem is a single textual memory as consumed and produced by handlers.
type MemoryItem struct {
	ID       string         `json:"id"`
	Memory   string         `json:"memory"`
	Metadata MemoryMetadata `json:"metadata"`
}

// MemoryMonitorItem tracks one entry of a per-(user, cube) working set.
// MappingKey is unique within a working set; duplicate texts collapse.
type MemoryMonitorItem struct {
	MemoryText     string     `json:"memory_text"`
	Item           MemoryItem `json:"tree_memory_item"`
	MappingKey     string     `json:"mapping_key"`
	SortingScore   float64    `json:"sorting_score"`
	KeywordsScore  float64    `json:"keywords_score"`
	RecordingCount int        `json:"recording_count"`
}

// QueryMonitorItem is one observed query in the bounded per-(user, cube)
// query history.
type QueryMonitorItem struct {
	QueryText string    `json:"query_text"`
	Keywords  []string  `json:"keywords"`
	Timestamp time.Time `json:"timestamp"`
}
