package quota

import (
	"context"
	"errors"
	"sync"
	"time"

	"lumina-backend/internal/model"
	"lumina-backend/pkg/logger"
)

var ErrQuotaExceeded = errors.New("daily image quota exceeded")

// CurrentCount 返回记录在now所在本地日历日内的有效计数。
// LastGeneratedAt不落在当日时计数视为0，存储值不作数。
func CurrentCount(rec model.QuotaRecord, now time.Time) int {
	if rec.LastGeneratedAt.IsZero() {
		return 0
	}
	if !sameLocalDay(rec.LastGeneratedAt.Time, now) {
		return 0
	}
	return rec.Count
}

// TryConsume 消费一次当日配额。超限时返回ErrQuotaExceeded且不产生新记录。
func TryConsume(rec model.QuotaRecord, now time.Time, limit int) (model.QuotaRecord, error) {
	current := CurrentCount(rec, now)
	if current >= limit {
		return model.QuotaRecord{}, ErrQuotaExceeded
	}

	return model.QuotaRecord{
		Count:           current + 1,
		LastGeneratedAt: model.NewFlexTime(now),
	}, nil
}

func sameLocalDay(a, b time.Time) bool {
	ay, am, ad := a.Local().Date()
	by, bm, bd := b.Local().Date()
	return ay == by && am == bm && ad == bd
}

// Store 外部的每用户配额文档存储
type Store interface {
	Get(ctx context.Context, userID string) (*model.QuotaRecord, error)
	Set(ctx context.Context, userID string, rec model.QuotaRecord) error
	Close() error
}

// Tracker 配额跟踪器。内存副本只是缓存：登录时整体刷新，
// 每次成功生成后乐观推进，不回读权威存储——与另一设备并发
// 时可能短暂偏差，属于有意接受的陈旧容忍。
type Tracker struct {
	store Store
	limit int
	mu    sync.Mutex
	cache map[string]model.QuotaRecord
}

func NewTracker(store Store, limit int) *Tracker {
	return &Tracker{
		store: store,
		limit: limit,
		cache: make(map[string]model.QuotaRecord),
	}
}

func (t *Tracker) Limit() int {
	return t.limit
}

// Refresh 从权威存储重新拉取用户记录（登录时调用）
func (t *Tracker) Refresh(ctx context.Context, userID string) error {
	rec, err := t.store.Get(ctx, userID)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if rec == nil {
		delete(t.cache, userID)
	} else {
		t.cache[userID] = *rec
	}
	return nil
}

// Current 返回用户在now所在当日的已用计数
func (t *Tracker) Current(userID string, now time.Time) int {
	t.mu.Lock()
	rec := t.cache[userID]
	t.mu.Unlock()
	return CurrentCount(rec, now)
}

// Consume 消费一次配额并把新记录合并写回外部存储。
// 写回失败只告警：计数已在内存推进，下次登录刷新时校正。
func (t *Tracker) Consume(ctx context.Context, userID string, now time.Time) (model.QuotaRecord, error) {
	t.mu.Lock()
	rec := t.cache[userID]
	newRec, err := TryConsume(rec, now, t.limit)
	if err != nil {
		t.mu.Unlock()
		return model.QuotaRecord{}, err
	}
	t.cache[userID] = newRec
	t.mu.Unlock()

	if err := t.store.Set(ctx, userID, newRec); err != nil {
		logger.Warnf("Failed to persist quota record for user %s: %v", userID, err)
	}

	return newRec, nil
}
