package monitors

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/memstack/memgos/mem_scheduler/schemas"
)

// Store persists per-(user, cube) monitor state at sync boundaries.
// Concurrent handlers for the same user observe a consistent snapshot at
// each Sync call.
type Store interface {
	SaveQueries(ctx context.Context, userID, memCubeID string, items []schemas.QueryMonitorItem) error
	LoadQueries(ctx context.Context, userID, memCubeID string) ([]schemas.QueryMonitorItem, error)
	SaveWorking(ctx context.Context, userID, memCubeID string, items []schemas.MemoryMonitorItem) error
	LoadWorking(ctx context.Context, userID, memCubeID string) ([]schemas.MemoryMonitorItem, error)
}

type monitorKey struct{ user, cube string }

// MemoryStore keeps monitor snapshots in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	queries map[monitorKey][]schemas.QueryMonitorItem
	working map[monitorKey][]schemas.MemoryMonitorItem
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		queries: make(map[monitorKey][]schemas.QueryMonitorItem),
		working: make(map[monitorKey][]schemas.MemoryMonitorItem),
	}
}

func (s *MemoryStore) SaveQueries(_ context.Context, userID, memCubeID string, items []schemas.QueryMonitorItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]schemas.QueryMonitorItem, len(items))
	copy(cp, items)
	s.queries[monitorKey{userID, memCubeID}] = cp
	return nil
}

func (s *MemoryStore) LoadQueries(_ context.Context, userID, memCubeID string) ([]schemas.QueryMonitorItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := s.queries[monitorKey{userID, memCubeID}]
	cp := make([]schemas.QueryMonitorItem, len(items))
	copy(cp, items)
	return cp, nil
}

func (s *MemoryStore) SaveWorking(_ context.Context, userID, memCubeID string, items []schemas.MemoryMonitorItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]schemas.MemoryMonitorItem, len(items))
	copy(cp, items)
	s.working[monitorKey{userID, memCubeID}] = cp
	return nil
}

func (s *MemoryStore) LoadWorking(_ context.Context, userID, memCubeID string) ([]schemas.MemoryMonitorItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := s.working[monitorKey{userID, memCubeID}]
	cp := make([]schemas.MemoryMonitorItem, len(items))
	copy(cp, items)
	return cp, nil
}

const createMonitorTable = `
CREATE TABLE IF NOT EXISTS scheduler_monitor_state (
	user_id     TEXT NOT NULL,
	mem_cube_id TEXT NOT NULL,
	kind        TEXT NOT NULL,
	payload     JSONB NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (user_id, mem_cube_id, kind)
)`

const upsertMonitorState = `
INSERT INTO scheduler_monitor_state (user_id, mem_cube_id, kind, payload, updated_at)
VALUES ($1, $2, $3, $4, now())
ON CONFLICT (user_id, mem_cube_id, kind)
DO UPDATE SET payload = EXCLUDED.payload, updated_at = now()`

const selectMonitorState = `
SELECT payload FROM scheduler_monitor_state
WHERE user_id = $1 AND mem_cube_id = $2 AND kind = $3`

// PostgresStore persists monitor snapshots as JSONB rows.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects and ensures the state table exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect monitor store: %w", err)
	}
	if _, err := pool.Exec(ctx, createMonitorTable); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure monitor table: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() { s.pool.Close() }

func (s *PostgresStore) save(ctx context.Context, userID, memCubeID, kind string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s monitor state: %w", kind, err)
	}
	if _, err := s.pool.Exec(ctx, upsertMonitorState, userID, memCubeID, kind, data); err != nil {
		return fmt.Errorf("upsert %s monitor state: %w", kind, err)
	}
	return nil
}

func (s *PostgresStore) load(ctx context.Context, userID, memCubeID, kind string, out any) error {
	var data []byte
	err := s.pool.QueryRow(ctx, selectMonitorState, userID, memCubeID, kind).Scan(&data)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil
		}
		return fmt.Errorf("select %s monitor state: %w", kind, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unmarshal %s monitor state: %w", kind, err)
	}
	return nil
}

func (s *PostgresStore) SaveQueries(ctx context.Context, userID, memCubeID string, items []schemas.QueryMonitorItem) error {
	return s.save(ctx, userID, memCubeID, "queries", items)
}

func (s *PostgresStore) LoadQueries(ctx context.Context, userID, memCubeID string) ([]schemas.QueryMonitorItem, error) {
	var items []schemas.QueryMonitorItem
	if err := s.load(ctx, userID, memCubeID, "queries", &items); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *PostgresStore) SaveWorking(ctx context.Context, userID, memCubeID string, items []schemas.MemoryMonitorItem) error {
	return s.save(ctx, userID, memCubeID, "working", items)
}

func (s *PostgresStore) LoadWorking(ctx context.Context, userID, memCubeID string) ([]schemas.MemoryMonitorItem, error) {
	var items []schemas.MemoryMonitorItem
	if err := s.load(ctx, userID, memCubeID, "working", &items); err != nil {
		return nil, err
	}
	return items, nil
}
