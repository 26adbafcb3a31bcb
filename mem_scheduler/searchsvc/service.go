package searchsvc

import (
	"context"

	"github.com/memstack/memgos/mem_scheduler/logx"
	"github.com/memstack/memgos/mem_scheduler/memcube"
	"github.com/memstack/memgos/mem_scheduler/schemas"
)

// Service is the unified facade over long-term and user memory search. One
// call fans out to both lanes and concatenates the results; deduplication is
// the post-processor's job.
type Service struct{}

func New() *Service { return &Service{} }

// Request parameterizes a scheduler search.
type Request struct {
	Query     string
	UserID    string
	MemCubeID string
	SessionID string
	TopK      int
	Mode      memcube.SearchMode
	Filter    map[string]any
	Priority  map[string]any
}

// Search queries LongTermMemory and UserMemory and merges the results. Errors
// are logged and produce an empty lane rather than failing the turn: a search
// that returns fewer items is the user-visible failure mode.
func (s *Service) Search(ctx context.Context, cube *memcube.MemCube, req Request) []schemas.MemoryItem {
	if cube == nil || cube.TextMem == nil {
		log := logx.WithComponent("search-service")
		log.Error().
			Str("user_id", req.UserID).Str("mem_cube_id", req.MemCubeID).
			Msg("search requested without a text memory")
		return nil
	}
	userName := req.MemCubeID
	if userName == "" {
		userName = req.UserID
	}
	info := map[string]any{
		"user_id":    req.UserID,
		"session_id": req.SessionID,
	}

	var merged []schemas.MemoryItem
	for _, memType := range []schemas.MemoryType{schemas.LongTermMemory, schemas.UserMemory} {
		results, err := cube.TextMem.Search(ctx, memcube.SearchRequest{
			Query:      req.Query,
			UserName:   userName,
			TopK:       req.TopK,
			Mode:       req.Mode,
			MemoryType: memType,
			Filter:     req.Filter,
			Priority:   req.Priority,
			Info:       info,
		})
		if err != nil {
			log := logx.WithComponent("search-service")
			log.Error().Err(err).
				Str("query", req.Query).Str("memory_type", string(memType)).
				Msg("search lane failed")
			continue
		}
		merged = append(merged, results...)
	}
	return merged
}
