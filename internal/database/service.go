package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/TongWu/JAVDB-AutoSpider/internal/logger"
)

const timeFormat = "2006-01-02 15:04:05"

// Service handles persistence operations for proxy check history.
type Service struct {
	db *DB
}

// NewService creates a database service on top of an open DB.
func NewService(db *DB) *Service {
	return &Service{db: db}
}

// Proxy is one persisted proxy row.
type Proxy struct {
	ID             int64
	Name           string
	URL            string
	Status         string
	ResponseTimeMs sql.NullInt64
	FailCount      int
	FirstSeenAt    string
	LastCheckedAt  sql.NullString
	LastHealthyAt  sql.NullString
}

// CheckRecord is one persisted probe outcome.
type CheckRecord struct {
	ID             int64
	ProxyID        int64
	Status         string
	ResponseTimeMs int64
	ErrorMessage   string
	CheckedAt      string
}

// UpsertProxy inserts the proxy or refreshes its URL, preserving existing
// health counters, and returns the row ID.
func (s *Service) UpsertProxy(ctx context.Context, name, url string) (int64, error) {
	query := `
		INSERT INTO proxies (name, url, first_seen_at)
		VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET url = excluded.url
	`
	if _, err := s.db.ExecContext(ctx, query, name, url, time.Now().Format(timeFormat)); err != nil {
		return 0, fmt.Errorf("failed to upsert proxy: %w", err)
	}

	var id int64
	if err := s.db.QueryRowContext(ctx, "SELECT id FROM proxies WHERE name = ?", name).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to look up proxy id: %w", err)
	}
	return id, nil
}

// RecordCheck stores one probe outcome: the proxies row is updated in place
// and a history row is appended, in one transaction.
func (s *Service) RecordCheck(ctx context.Context, proxyID int64, status string, healthy bool, responseTime time.Duration, errMsg string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	nowStr := time.Now().Format(timeFormat)
	ms := responseTime.Milliseconds()

	if healthy {
		_, err = tx.ExecContext(ctx, `
			UPDATE proxies
			SET status = ?, last_checked_at = ?, response_time_ms = ?, last_healthy_at = ?, fail_count = 0
			WHERE id = ?
		`, status, nowStr, ms, nowStr, proxyID)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE proxies
			SET status = ?, last_checked_at = ?, response_time_ms = ?, fail_count = fail_count + 1
			WHERE id = ?
		`, status, nowStr, ms, proxyID)
	}
	if err != nil {
		return fmt.Errorf("failed to update proxy %d: %w", proxyID, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO proxy_checks (proxy_id, status, response_time_ms, error_message, checked_at)
		VALUES (?, ?, ?, ?, ?)
	`, proxyID, status, ms, errMsg, nowStr)
	if err != nil {
		return fmt.Errorf("failed to insert check record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetProxyByName finds a proxy row by pool name; nil when absent.
func (s *Service) GetProxyByName(ctx context.Context, name string) (*Proxy, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, url, status, response_time_ms, fail_count, first_seen_at, last_checked_at, last_healthy_at
		FROM proxies WHERE name = ?
	`, name)

	var p Proxy
	err := row.Scan(&p.ID, &p.Name, &p.URL, &p.Status, &p.ResponseTimeMs,
		&p.FailCount, &p.FirstSeenAt, &p.LastCheckedAt, &p.LastHealthyAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get proxy: %w", err)
	}
	return &p, nil
}

// RecentChecks returns up to limit history rows for the named proxy, newest
// first.
func (s *Service) RecentChecks(ctx context.Context, name string, limit int) ([]CheckRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.proxy_id, c.status, COALESCE(c.response_time_ms, 0), COALESCE(c.error_message, ''), c.checked_at
		FROM proxy_checks c
		JOIN proxies p ON p.id = c.proxy_id
		WHERE p.name = ?
		ORDER BY c.checked_at DESC, c.id DESC
		LIMIT ?
	`, name, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get check history: %w", err)
	}
	defer rows.Close()

	var records []CheckRecord
	for rows.Next() {
		var r CheckRecord
		if err := rows.Scan(&r.ID, &r.ProxyID, &r.Status, &r.ResponseTimeMs, &r.ErrorMessage, &r.CheckedAt); err != nil {
			return nil, fmt.Errorf("failed to scan check record: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// CleanupOldChecks deletes history rows older than maxAge.
func (s *Service) CleanupOldChecks(ctx context.Context, maxAge time.Duration) error {
	cutoff := time.Now().Add(-maxAge).Format(timeFormat)

	res, err := s.db.ExecContext(ctx, `DELETE FROM proxy_checks WHERE checked_at < ?`, cutoff)
	if err != nil {
		return fmt.Errorf("failed to cleanup old checks: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		l := logger.WithComponent("database")
		l.Info().Int64("rows", n).Msg("Removed old check records")
	}
	return nil
}

// Stats summarizes the proxy table.
type Stats struct {
	Total    int            `json:"total"`
	Healthy  int            `json:"healthy"`
	ByStatus map[string]int `json:"by_status"`
}

// GetStats returns counts over the proxy table.
func (s *Service) GetStats(ctx context.Context) (Stats, error) {
	var stats Stats

	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM proxies").Scan(&stats.Total); err != nil {
		return stats, fmt.Errorf("failed to count proxies: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM proxies WHERE status = 'healthy'").Scan(&stats.Healthy); err != nil {
		return stats, fmt.Errorf("failed to count healthy proxies: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM proxies GROUP BY status")
	if err != nil {
		return stats, fmt.Errorf("failed to group by status: %w", err)
	}
	defer rows.Close()

	stats.ByStatus = make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return stats, fmt.Errorf("failed to scan status row: %w", err)
		}
		stats.ByStatus[status] = count
	}
	return stats, rows.Err()
}
