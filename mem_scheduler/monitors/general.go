package monitors

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/memstack/memgos/mem_scheduler/llm"
	"github.com/memstack/memgos/mem_scheduler/logx"
	"github.com/memstack/memgos/mem_scheduler/schemas"
)

// IntentResult is the monitor's judgement of whether a session turn needs
// retrieval and what evidence is missing.
type IntentResult struct {
	TriggerRetrieval bool     `json:"trigger_retrieval"`
	MissingEvidences []string `json:"missing_evidences"`
}

// GeneralMonitor owns all per-(user, cube) monitor state: query histories,
// working-set mirrors, and the timers gating forced retrieval and activation
// refresh. State crosses the durability boundary at Sync calls.
type GeneralMonitor struct {
	processLLM llm.Client
	prompts    llm.PromptStore
	store      Store

	mu              sync.Mutex
	queryMonitors   map[monitorKey]*QueryMonitor
	workingMonitors map[monitorKey]*WorkingMemoryMonitor

	maxQueryHistory int

	// QueryTriggerInterval forces retrieval when intent detection declines
	// for too long; ActMemUpdateInterval gates activation refresh.
	QueryTriggerInterval time.Duration
	ActMemUpdateInterval time.Duration

	timeMu                    sync.Mutex
	LastQueryConsumeTime      time.Time
	LastActivationUpdateTime  time.Time

	log zerolog.Logger
}

// NewGeneralMonitor wires the monitor. store may be nil for in-memory state.
func NewGeneralMonitor(processLLM llm.Client, prompts llm.PromptStore, store Store, queryTriggerInterval, actMemUpdateInterval time.Duration, maxQueryHistory int) *GeneralMonitor {
	if store == nil {
		store = NewMemoryStore()
	}
	if maxQueryHistory <= 0 {
		maxQueryHistory = 100
	}
	return &GeneralMonitor{
		processLLM:           processLLM,
		prompts:              prompts,
		store:                store,
		queryMonitors:        make(map[monitorKey]*QueryMonitor),
		workingMonitors:      make(map[monitorKey]*WorkingMemoryMonitor),
		maxQueryHistory:      maxQueryHistory,
		QueryTriggerInterval: queryTriggerInterval,
		ActMemUpdateInterval: actMemUpdateInterval,
		log:                  logx.WithComponent("general-monitor"),
	}
}

// RegisterQueryMonitor ensures monitors exist for (user, cube), loading any
// persisted state on first sight.
func (m *GeneralMonitor) RegisterQueryMonitor(ctx context.Context, userID, memCubeID string) {
	key := monitorKey{userID, memCubeID}
	m.mu.Lock()
	_, exists := m.queryMonitors[key]
	if !exists {
		m.queryMonitors[key] = NewQueryMonitor(m.maxQueryHistory)
		m.workingMonitors[key] = NewWorkingMemoryMonitor()
	}
	qm := m.queryMonitors[key]
	wm := m.workingMonitors[key]
	m.mu.Unlock()

	if exists {
		return
	}
	if items, err := m.store.LoadQueries(ctx, userID, memCubeID); err == nil && len(items) > 0 {
		qm.Restore(items)
	} else if err != nil {
		m.log.Warn().Err(err).Str("user_id", userID).Msg("failed to load query monitor state")
	}
	if items, err := m.store.LoadWorking(ctx, userID, memCubeID); err == nil && len(items) > 0 {
		wm.Restore(items)
	} else if err != nil {
		m.log.Warn().Err(err).Str("user_id", userID).Msg("failed to load working monitor state")
	}
}

// QueryMonitor returns the query monitor for (user, cube), registering if
// needed.
func (m *GeneralMonitor) QueryMonitor(ctx context.Context, userID, memCubeID string) *QueryMonitor {
	m.RegisterQueryMonitor(ctx, userID, memCubeID)
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queryMonitors[monitorKey{userID, memCubeID}]
}

// WorkingMonitor returns the working-memory monitor for (user, cube).
func (m *GeneralMonitor) WorkingMonitor(ctx context.Context, userID, memCubeID string) *WorkingMemoryMonitor {
	m.RegisterQueryMonitor(ctx, userID, memCubeID)
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.workingMonitors[monitorKey{userID, memCubeID}]
}

// SyncQueries serializes the query history through the durable store.
func (m *GeneralMonitor) SyncQueries(ctx context.Context, userID, memCubeID string) {
	qm := m.QueryMonitor(ctx, userID, memCubeID)
	if err := m.store.SaveQueries(ctx, userID, memCubeID, qm.Snapshot()); err != nil {
		m.log.Warn().Err(err).Str("user_id", userID).Str("mem_cube_id", memCubeID).
			Msg("failed to persist query monitor state")
	}
}

// SyncWorking serializes the working-set mirror through the durable store.
func (m *GeneralMonitor) SyncWorking(ctx context.Context, userID, memCubeID string) {
	wm := m.WorkingMonitor(ctx, userID, memCubeID)
	if err := m.store.SaveWorking(ctx, userID, memCubeID, wm.Snapshot()); err != nil {
		m.log.Warn().Err(err).Str("user_id", userID).Str("mem_cube_id", memCubeID).
			Msg("failed to persist working monitor state")
	}
}

type keywordsResponse struct {
	Keywords []string `json:"keywords"`
}

// ExtractQueryKeywords asks the process LLM for salient keywords. Failures
// return an empty slice; callers apply the split fallback.
func (m *GeneralMonitor) ExtractQueryKeywords(ctx context.Context, query string) []string {
	if m.processLLM == nil {
		return nil
	}
	prompt, err := m.prompts.Build(llm.PromptKeywordExtraction, map[string]any{"query": query})
	if err != nil {
		m.log.Error().Err(err).Msg("failed to build keyword prompt")
		return nil
	}
	response, err := m.processLLM.Generate(ctx, []schemas.ChatMessage{{Role: "user", Content: prompt}})
	if err != nil {
		m.log.Warn().Err(err).Str("query", query).Msg("keyword extraction call failed")
		return nil
	}
	var parsed keywordsResponse
	if !llm.ExtractJSON(response, &parsed) {
		m.log.Warn().Str("query", query).Msg("unparseable keyword response")
		return nil
	}
	return parsed.Keywords
}

// DetectIntent judges whether the queries need retrieval beyond the current
// working memory. Failures never trigger retrieval on their own; the timed
// trigger covers that path.
func (m *GeneralMonitor) DetectIntent(ctx context.Context, queries, workingTexts []string) IntentResult {
	if m.processLLM == nil {
		return IntentResult{}
	}
	prompt, err := m.prompts.Build(llm.PromptIntentRecognition, map[string]any{
		"queries":        queries,
		"working_memory": workingTexts,
	})
	if err != nil {
		m.log.Error().Err(err).Msg("failed to build intent prompt")
		return IntentResult{}
	}
	response, err := m.processLLM.Generate(ctx, []schemas.ChatMessage{{Role: "user", Content: prompt}})
	if err != nil {
		m.log.Warn().Err(err).Msg("intent detection call failed")
		return IntentResult{}
	}
	var parsed IntentResult
	if !llm.ExtractJSON(response, &parsed) {
		m.log.Warn().Str("raw", response).Msg("unparseable intent response")
		return IntentResult{}
	}
	return parsed
}

// TimedTrigger reports whether interval has elapsed since last. A zero last
// time always triggers.
func (m *GeneralMonitor) TimedTrigger(last time.Time, interval time.Duration) bool {
	if last.IsZero() {
		return true
	}
	return time.Since(last) >= interval
}

// TouchQueryConsumeTime records the moment the latest retrieval ran, whether
// intent-triggered or timer-forced.
func (m *GeneralMonitor) TouchQueryConsumeTime() {
	m.timeMu.Lock()
	defer m.timeMu.Unlock()
	m.LastQueryConsumeTime = time.Now()
}

// QueryConsumeTime returns the last retrieval time.
func (m *GeneralMonitor) QueryConsumeTime() time.Time {
	m.timeMu.Lock()
	defer m.timeMu.Unlock()
	return m.LastQueryConsumeTime
}

// TouchActivationUpdateTime records a completed activation refresh.
func (m *GeneralMonitor) TouchActivationUpdateTime() {
	m.timeMu.Lock()
	defer m.timeMu.Unlock()
	m.LastActivationUpdateTime = time.Now()
}

// ActivationUpdateTime returns the last activation refresh time.
func (m *GeneralMonitor) ActivationUpdateTime() time.Time {
	m.timeMu.Lock()
	defer m.timeMu.Unlock()
	return m.LastActivationUpdateTime
}
