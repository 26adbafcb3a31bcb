package memcube

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/memstack/memgos/mem_scheduler/schemas"
)

// Section titles used when related memories are appended to an item's text.
const (
	ConflictMemoryTitle  = "[possibly conflicting memories]"
	DuplicateMemoryTitle = "[possibly duplicate memories]"
)

const (
	maxRelatedItemLen    = 200
	maxRelatedSectionLen = 1000
)

func formatRelatedSection(title string, items []string) string {
	if len(items) == 0 {
		return ""
	}
	var content strings.Builder
	for _, mem := range items {
		snippet := mem
		if len(snippet) > maxRelatedItemLen {
			snippet = snippet[:maxRelatedItemLen] + "..."
		}
		if content.Len()+len(snippet)+5 > maxRelatedSectionLen {
			content.WriteString("\n- ... (more items truncated)")
			break
		}
		content.WriteString("\n- ")
		content.WriteString(snippet)
	}
	return fmt.Sprintf("\n\n%s:%s", title, content.String())
}

// AppendRelatedContent appends duplicate and conflict memory contents to the
// item's text, truncated to bounded length. DetachRelatedContent reverses it.
func AppendRelatedContent(item *schemas.MemoryItem, duplicates, conflicts []string) {
	appendText := formatRelatedSection(ConflictMemoryTitle, conflicts) +
		formatRelatedSection(DuplicateMemoryTitle, duplicates)
	item.Memory += appendText
}

// DetachRelatedContent strips any related-content sections appended by
// AppendRelatedContent, restoring the original memory text exactly.
func DetachRelatedContent(item *schemas.MemoryItem) {
	markers := []string{
		"\n\n" + ConflictMemoryTitle + ":",
		"\n\n" + DuplicateMemoryTitle + ":",
	}
	cut := -1
	for _, marker := range markers {
		if idx := strings.Index(item.Memory, marker); idx != -1 && (cut == -1 || idx < cut) {
			cut = idx
		}
	}
	if cut != -1 {
		item.Memory = item.Memory[:cut]
	}
}

// MarkMemoryStatus updates the status of every item in the graph store.
// Marking "resolving" hides items from search while keeping them visible to
// reconciliation; marking "activated" restores visibility.
func MarkMemoryStatus(ctx context.Context, graph GraphStore, items []schemas.MemoryItem, status schemas.MemoryStatus, userName string) error {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for _, item := range items {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := graph.UpdateNode(ctx, id, map[string]any{"status": string(status)}, userName); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("update node %s: %w", id, err)
				}
				mu.Unlock()
			}
		}(item.ID)
	}
	wg.Wait()
	return firstErr
}
