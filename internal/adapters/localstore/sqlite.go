package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"storytime/internal/domain"
	"storytime/internal/infra/metrics"
)

const schema = `
CREATE TABLE IF NOT EXISTS ad_unlocks (
    device_id     TEXT NOT NULL,
    story_id      TEXT NOT NULL,
    day           TEXT NOT NULL,
    ads_completed INTEGER NOT NULL,
    updated_at    TEXT NOT NULL,
    PRIMARY KEY (device_id, story_id, day)
);
CREATE INDEX IF NOT EXISTS ad_unlocks_day_idx ON ad_unlocks (day);
`

// SQLite хранит счётчики рекламы в локальном файле. Подходит для одного
// процесса: разработки и операторского CLI.
type SQLite struct {
	db   *sql.DB
	path string
}

var _ domain.UnlockStore = (*SQLite)(nil)

// Open открывает или создаёт базу по пути path.
func Open(path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("ensure directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLite{db: db, path: path}, nil
}

// Close закрывает соединение.
func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path возвращает путь к файлу базы.
func (s *SQLite) Path() string {
	return s.path
}

// AdsCompleted возвращает счётчик для ключа, ноль если записи нет.
func (s *SQLite) AdsCompleted(ctx context.Context, deviceID, storyID string, day domain.Day) (int, error) {
	var n int
	start := time.Now()
	err := s.db.QueryRowContext(ctx, `
SELECT ads_completed FROM ad_unlocks WHERE device_id = ? AND story_id = ? AND day = ?
`, deviceID, storyID, string(day)).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		err = nil
	}
	metrics.ObserveNetworkRequest("sqlite", "unlock_get", "ad_unlocks", start, err)
	return n, err
}

// IncrementAds атомарно увеличивает счётчик, не превышая limit.
func (s *SQLite) IncrementAds(ctx context.Context, deviceID, storyID string, day domain.Day, limit int) (int, bool, error) {
	var n int
	start := time.Now()
	err := s.db.QueryRowContext(ctx, `
INSERT INTO ad_unlocks (device_id, story_id, day, ads_completed, updated_at)
VALUES (?, ?, ?, 1, ?)
ON CONFLICT (device_id, story_id, day) DO UPDATE
    SET ads_completed = ads_completed + 1,
        updated_at = excluded.updated_at
    WHERE ads_completed < ?
RETURNING ads_completed
`, deviceID, storyID, string(day), time.Now().UTC().Format(time.RFC3339), limit).Scan(&n)
	metrics.ObserveNetworkRequest("sqlite", "unlock_increment", "ad_unlocks", start, err)
	if errors.Is(err, sql.ErrNoRows) {
		current, err := s.AdsCompleted(ctx, deviceID, storyID, day)
		return current, false, err
	}
	if err != nil {
		return 0, false, err
	}
	return n, true, nil
}

// Purge удаляет записи за дни раньше before.
func (s *SQLite) Purge(ctx context.Context, before domain.Day) (int64, error) {
	start := time.Now()
	res, err := s.db.ExecContext(ctx, `DELETE FROM ad_unlocks WHERE day < ?`, string(before))
	metrics.ObserveNetworkRequest("sqlite", "unlock_purge", "ad_unlocks", start, err)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
