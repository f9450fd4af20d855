package quota

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"lumina-backend/internal/model"

	_ "modernc.org/sqlite"
)

// SQLiteStore 基于sqlite的每用户配额文档存储。
// updated_at由数据库侧的CURRENT_TIMESTAMP赋值，与客户端
// 计算的last_generated_at是两个独立的时间来源。
type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open quota db: %w", err)
	}

	const schema = `
CREATE TABLE IF NOT EXISTS user_quota (
	user_id           TEXT PRIMARY KEY,
	count             INTEGER NOT NULL DEFAULT 0,
	last_generated_at TEXT,
	updated_at        TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init quota schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, userID string) (*model.QuotaRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT count, last_generated_at FROM user_quota WHERE user_id = ?`, userID)

	var count int
	var lastGenerated sql.NullString
	if err := row.Scan(&count, &lastGenerated); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get quota record: %w", err)
	}

	rec := &model.QuotaRecord{Count: count}
	if lastGenerated.Valid && lastGenerated.String != "" {
		t, err := time.Parse(time.RFC3339Nano, lastGenerated.String)
		if err != nil {
			return nil, fmt.Errorf("parse quota timestamp: %w", err)
		}
		rec.LastGeneratedAt = model.NewFlexTime(t)
	}

	return rec, nil
}

// Set 合并写：只覆盖本次更新携带的字段，其余字段保留，
// updated_at由数据库赋当前时间。
func (s *SQLiteStore) Set(ctx context.Context, userID string, rec model.QuotaRecord) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO user_quota (user_id, count, last_generated_at)
VALUES (?, ?, ?)
ON CONFLICT(user_id) DO UPDATE SET
	count             = excluded.count,
	last_generated_at = excluded.last_generated_at,
	updated_at        = CURRENT_TIMESTAMP`,
		userID, rec.Count, rec.LastGeneratedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("set quota record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
