package handlers

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/memstack/memgos/mem_scheduler/schemas"
)

// batchFunc processes all messages of one (user, cube) group.
type batchFunc func(ctx context.Context, userID, memCubeID string, batch []schemas.Message) error

// processGrouped splits a single-label batch by (user, cube) and runs the
// batch function per group. A failing group is logged and reported but never
// poisons the others; the first error is returned so the dispatcher can mark
// the invocation failed.
func processGrouped(ctx context.Context, log zerolog.Logger, msgs []schemas.Message, fn batchFunc) error {
	var firstErr error
	for key, batch := range schemas.GroupByUserCube(msgs) {
		if len(batch) == 0 {
			continue
		}
		if err := runGroup(ctx, key, batch, fn); err != nil {
			log.Error().Err(err).Str("user_id", key.UserID).Str("mem_cube_id", key.MemCubeID).
				Msg("error processing batch")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func runGroup(ctx context.Context, key schemas.GroupKey, batch []schemas.Message, fn batchFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler batch panic: %v", r)
		}
	}()
	return fn(ctx, key.UserID, key.MemCubeID, batch)
}

// forEachConcurrent runs fn over msgs with at most maxWorkers goroutines,
// collecting per-message errors into the log. Used by handlers whose
// messages are independent units (mem_read, mem_reorganize, pref_add).
func forEachConcurrent(ctx context.Context, log zerolog.Logger, msgs []schemas.Message, maxWorkers int, fn func(ctx context.Context, msg schemas.Message) error) {
	if maxWorkers > len(msgs) {
		maxWorkers = len(msgs)
	}
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	sem := make(chan struct{}, maxWorkers)
	var wg sync.WaitGroup
	for _, msg := range msgs {
		sem <- struct{}{}
		wg.Add(1)
		go func(m schemas.Message) {
			defer func() {
				if r := recover(); r != nil {
					log.Error().Interface("panic", r).Str("item_id", m.ItemID).
						Msg("message task panicked")
				}
				<-sem
				wg.Done()
			}()
			if err := fn(ctx, m); err != nil {
				log.Error().Err(err).Str("item_id", m.ItemID).Msg("message task failed")
			}
		}(msg)
	}
	wg.Wait()
}
