// Package metrics provides SQLite-backed usage tracking for the routing
// engine: one row per completed turn, plus daily aggregates for dashboards.
package metrics

import (
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// TurnMetric records one completed orchestration turn.
type TurnMetric struct {
	ID              int64     `json:"id"`
	SessionID       string    `json:"session_id"`
	Model           string    `json:"model"`
	Shape           string    `json:"shape"`
	LatencyMs       int64     `json:"latency_ms"`
	ModelCalls      int       `json:"model_calls"`
	Retries         int       `json:"retries"`
	CacheHit        bool      `json:"cache_hit"`
	TokensEstimated int       `json:"tokens_estimated"`
	CreatedAt       time.Time `json:"created_at"`
}

// DailyStats contains aggregated metrics for a single day.
type DailyStats struct {
	Date            string  `json:"date"` // YYYY-MM-DD
	TotalTurns      int64   `json:"total_turns"`
	TotalModelCalls int64   `json:"total_model_calls"`
	TotalRetries    int64   `json:"total_retries"`
	CacheHits       int64   `json:"cache_hits"`
	AvgLatencyMs    float64 `json:"avg_latency_ms"`
	TotalTokens     int64   `json:"total_tokens"`
	CacheHitRate    float64 `json:"cache_hit_rate"` // % turns answered from cache
}

// ModelStats contains per-model metrics.
type ModelStats struct {
	Model        string  `json:"model"`
	TurnCount    int64   `json:"turn_count"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	TotalRetries int64   `json:"total_retries"`
	TotalTokens  int64   `json:"total_tokens"`
}

// Store provides SQLite-backed metrics storage.
type Store struct {
	db *sql.DB
	mu sync.RWMutex

	// In-memory counters for cheap summaries
	turnCount      int64
	totalLatencyMs int64
	totalRetries   int64
	cacheHits      int64
	totalTokens    int64
}

// NewStore creates a metrics store on the provided database connection.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}

	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS metrics_turns (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		model TEXT NOT NULL,
		shape TEXT NOT NULL,
		latency_ms INTEGER NOT NULL,
		model_calls INTEGER DEFAULT 0,
		retries INTEGER DEFAULT 0,
		cache_hit BOOLEAN NOT NULL DEFAULT 0,
		tokens_estimated INTEGER DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_metrics_turns_created_at ON metrics_turns(created_at);
	CREATE INDEX IF NOT EXISTS idx_metrics_turns_model ON metrics_turns(model);

	CREATE TABLE IF NOT EXISTS metrics_daily (
		date TEXT PRIMARY KEY,
		total_turns INTEGER DEFAULT 0,
		total_model_calls INTEGER DEFAULT 0,
		total_retries INTEGER DEFAULT 0,
		cache_hits INTEGER DEFAULT 0,
		total_latency_ms INTEGER DEFAULT 0,
		total_tokens INTEGER DEFAULT 0,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// RecordTurn records one completed turn.
func (s *Store) RecordTurn(metric *TurnMetric) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO metrics_turns (session_id, model, shape, latency_ms, model_calls, retries, cache_hit, tokens_estimated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, metric.SessionID, metric.Model, metric.Shape, metric.LatencyMs,
		metric.ModelCalls, metric.Retries, metric.CacheHit, metric.TokensEstimated)
	if err != nil {
		return fmt.Errorf("failed to record turn: %w", err)
	}

	s.turnCount++
	s.totalLatencyMs += metric.LatencyMs
	s.totalRetries += int64(metric.Retries)
	s.totalTokens += int64(metric.TokensEstimated)
	if metric.CacheHit {
		s.cacheHits++
	}

	return s.updateDailyStats(metric)
}

func (s *Store) updateDailyStats(metric *TurnMetric) error {
	date := time.Now().Format("2006-01-02")

	_, err := s.db.Exec(`
		INSERT INTO metrics_daily (date, total_turns, total_model_calls, total_retries, cache_hits, total_latency_ms, total_tokens)
		VALUES (?, 1, ?, ?, ?, ?, ?)
		ON CONFLICT(date) DO UPDATE SET
			total_turns = total_turns + 1,
			total_model_calls = total_model_calls + ?,
			total_retries = total_retries + ?,
			cache_hits = cache_hits + ?,
			total_latency_ms = total_latency_ms + ?,
			total_tokens = total_tokens + ?,
			updated_at = CURRENT_TIMESTAMP
	`,
		date, metric.ModelCalls, metric.Retries, boolToInt(metric.CacheHit),
		metric.LatencyMs, metric.TokensEstimated,
		metric.ModelCalls, metric.Retries, boolToInt(metric.CacheHit),
		metric.LatencyMs, metric.TokensEstimated,
	)

	return err
}

// GetDailyStats returns aggregates for the specified date (YYYY-MM-DD).
func (s *Store) GetDailyStats(date string) (*DailyStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &DailyStats{Date: date}

	var totalLatencyMs int64
	err := s.db.QueryRow(`
		SELECT total_turns, total_model_calls, total_retries, cache_hits, total_latency_ms, total_tokens
		FROM metrics_daily WHERE date = ?
	`, date).Scan(
		&stats.TotalTurns, &stats.TotalModelCalls, &stats.TotalRetries,
		&stats.CacheHits, &totalLatencyMs, &stats.TotalTokens,
	)
	if err == sql.ErrNoRows {
		return stats, nil
	}
	if err != nil {
		return nil, err
	}

	if stats.TotalTurns > 0 {
		stats.AvgLatencyMs = float64(totalLatencyMs) / float64(stats.TotalTurns)
		stats.CacheHitRate = float64(stats.CacheHits) / float64(stats.TotalTurns) * 100
	}
	return stats, nil
}

// GetTodayStats returns aggregates for today.
func (s *Store) GetTodayStats() (*DailyStats, error) {
	return s.GetDailyStats(time.Now().Format("2006-01-02"))
}

// GetModelStats returns per-model statistics for the last N days.
func (s *Store) GetModelStats(days int) ([]ModelStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	since := time.Now().AddDate(0, 0, -days).Format("2006-01-02 15:04:05")

	rows, err := s.db.Query(`
		SELECT model,
		       COUNT(*) as turn_count,
		       AVG(latency_ms) as avg_latency,
		       SUM(retries) as total_retries,
		       SUM(tokens_estimated) as total_tokens
		FROM metrics_turns
		WHERE created_at >= ?
		GROUP BY model
		ORDER BY turn_count DESC
	`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []ModelStats
	for rows.Next() {
		var m ModelStats
		if err := rows.Scan(&m.Model, &m.TurnCount, &m.AvgLatencyMs,
			&m.TotalRetries, &m.TotalTokens); err != nil {
			return nil, err
		}
		stats = append(stats, m)
	}
	return stats, rows.Err()
}

// GetRecentTurns returns the most recent N turns.
func (s *Store) GetRecentTurns(limit int) ([]TurnMetric, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, session_id, model, shape, latency_ms, model_calls, retries, cache_hit, tokens_estimated, created_at
		FROM metrics_turns
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var metrics []TurnMetric
	for rows.Next() {
		var m TurnMetric
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Model, &m.Shape,
			&m.LatencyMs, &m.ModelCalls, &m.Retries, &m.CacheHit,
			&m.TokensEstimated, &m.CreatedAt); err != nil {
			return nil, err
		}
		metrics = append(metrics, m)
	}
	return metrics, rows.Err()
}

// GetSummary returns a quick summary of the in-memory counters.
func (s *Store) GetSummary() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	avgLatency := float64(0)
	if s.turnCount > 0 {
		avgLatency = float64(s.totalLatencyMs) / float64(s.turnCount)
	}

	cacheHitRate := float64(0)
	if s.turnCount > 0 {
		cacheHitRate = float64(s.cacheHits) / float64(s.turnCount) * 100
	}

	return map[string]interface{}{
		"total_turns":      s.turnCount,
		"avg_latency_ms":   avgLatency,
		"total_retries":    s.totalRetries,
		"cache_hits":       s.cacheHits,
		"cache_hit_rate":   cacheHitRate,
		"tokens_estimated": s.totalTokens,
	}
}

// Reset clears in-memory counters (for testing).
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turnCount = 0
	s.totalLatencyMs = 0
	s.totalRetries = 0
	s.cacheHits = 0
	s.totalTokens = 0
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
