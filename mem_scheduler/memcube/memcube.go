package memcube

import (
	"context"
	"time"

	"github.com/memstack/memgos/mem_scheduler/schemas"
)

// SearchMode selects between the cheap vector pass and the LLM-assisted pass.
type SearchMode string

const (
	SearchFast SearchMode = "fast"
	SearchFine SearchMode = "fine"
)

// SearchRequest carries the narrow query surface the scheduler needs from a
// text-memory store.
type SearchRequest struct {
	Query      string
	UserName   string
	TopK       int
	Mode       SearchMode
	MemoryType schemas.MemoryType
	Filter     map[string]any
	Priority   map[string]any
	Info       map[string]any
}

// TextMemory is the text-memory graph behind a mem-cube. Implementations own
// their locking; handlers treat this as a thread-safe facade.
type TextMemory interface {
	Search(ctx context.Context, req SearchRequest) ([]schemas.MemoryItem, error)
	Get(ctx context.Context, id, userName string) (*schemas.MemoryItem, error)
	Add(ctx context.Context, items []schemas.MemoryItem, userName string) ([]string, error)
	Delete(ctx context.Context, ids []string, userName string) error
	GetWorkingMemory(ctx context.Context, userName string) ([]schemas.MemoryItem, error)
	ReplaceWorkingMemory(ctx context.Context, items []schemas.MemoryItem) error
	AddRawFileNodes(ctx context.Context, rawItems []schemas.MemoryItem, enhancedIDs []string, userID, userName string) error
	RemoveAndRefresh(ctx context.Context, userName string) error
}

// MetadataFilter is one predicate of a graph-store metadata lookup.
type MetadataFilter struct {
	Field string
	Op    string
	Value any
}

// Edge is a typed, directed relation between two graph nodes.
type Edge struct {
	From string
	To   string
	Type string
}

// GraphStore is the key/value + edge store beneath a text memory.
type GraphStore interface {
	GetByMetadata(ctx context.Context, filters []MetadataFilter) ([]string, error)
	GetEdges(ctx context.Context, id, edgeType, direction string) ([]Edge, error)
	UpdateNode(ctx context.Context, id string, fields map[string]any, userName string) error
}

// CacheItem is one entry of an activation cache.
type CacheItem struct {
	ID           string    `json:"id"`
	ComposedText string    `json:"composed_text"`
	TextMemories []string  `json:"text_memories"`
	Timestamp    time.Time `json:"timestamp"`
}

// ActivationCache is the precomputed-prompt cache attached to a mem-cube.
type ActivationCache interface {
	GetAll(ctx context.Context) ([]CacheItem, error)
	DeleteAll(ctx context.Context) error
	Extract(ctx context.Context, composedText string) (*CacheItem, error)
	Add(ctx context.Context, items []CacheItem) error
}

// PreferenceMemory extracts and stores user-preference memories.
type PreferenceMemory interface {
	ExtractPreferences(ctx context.Context, messages []schemas.ChatMessage, info map[string]any, userContext map[string]any) ([]schemas.MemoryItem, error)
	Add(ctx context.Context, items []schemas.MemoryItem) ([]string, error)
}

// FineTransferOptions parameterizes a mem-reader fine transfer.
type FineTransferOptions struct {
	Type        string
	CustomTags  []string
	UserName    string
	ChatHistory []schemas.ChatMessage
	UserContext map[string]any
}

// MemReader turns raw fast-memory chunks into enriched items. Each input item
// maps to zero or more outputs.
type MemReader interface {
	FineTransfer(ctx context.Context, items []schemas.MemoryItem, opts FineTransferOptions) ([][]schemas.MemoryItem, error)
	SaveRawFile() bool
}

// FeedbackRequest is the payload handed to the external feedback processor.
type FeedbackRequest struct {
	UserID             string
	UserName           string
	SessionID          string
	ChatHistory        []schemas.ChatMessage
	RetrievedMemoryIDs []string
	FeedbackContent    string
	FeedbackTime       string
	TaskID             string
	Info               map[string]any
}

// FeedbackItem is one add/update record of a feedback result.
type FeedbackItem struct {
	ID           string `json:"id"`
	Memory       string `json:"memory"`
	OriginMemory string `json:"origin_memory,omitempty"`
	SourceDocID  string `json:"source_doc_id,omitempty"`
}

// FeedbackRecord partitions a feedback result into adds and updates.
type FeedbackRecord struct {
	Add    []FeedbackItem `json:"add"`
	Update []FeedbackItem `json:"update"`
}

// FeedbackResult is what the feedback processor returns.
type FeedbackResult struct {
	Record FeedbackRecord `json:"record"`
}

// FeedbackProcessor applies user feedback to long-term memory.
type FeedbackProcessor interface {
	ProcessFeedback(ctx context.Context, req FeedbackRequest) (*FeedbackResult, error)
}

// MemCube bundles a user's text-memory graph, optional activation cache and
// optional preference memory. The scheduler never mutates memory directly;
// everything goes through these collaborators.
type MemCube struct {
	ID      string
	Name    string
	TextMem TextMemory
	Graph   GraphStore
	ActMem  ActivationCache
	PrefMem PreferenceMemory
}
