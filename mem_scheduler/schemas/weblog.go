package schemas

import "time"

// Memory-type markers used in web-log events.
const (
	UserInputType     = "UserInput"
	LongTermType      = "LongTermMemory"
	NotApplicableType = "NotApplicable"
)

// WebLogEvent is a structured record emitted to the web-log plane. Labels are
// normalized to the external vocabulary (addMessage, addMemory, updateMemory,
// knowledgeBaseUpdate, mergeMemory, archiveMemory) before leaving the process.
type WebLogEvent struct {
	ItemID            string           `json:"item_id"`
	TaskID            string           `json:"task_id,omitempty"`
	Label             string           `json:"label"`
	FromMemoryType    string           `json:"from_memory_type"`
	ToMemoryType      string           `json:"to_memory_type"`
	UserID            string           `json:"user_id"`
	MemCubeID         string           `json:"mem_cube_id"`
	LogContent        string           `json:"log_content,omitempty"`
	LogTitle          string           `json:"log_title"`
	MemCubeLogContent []map[string]any `json:"memcube_log_content"`
	Metadata          []map[string]any `json:"metadata"`
	MemoryLen         int              `json:"memory_len"`
	MemCubeName       string           `json:"memcube_name"`
	Status            string           `json:"status,omitempty"`
	Timestamp         time.Time        `json:"timestamp"`
}
