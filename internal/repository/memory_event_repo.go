package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/stillokay/internal/model"
)

// MemoryEventRepo はプロセス内メモリに保持する追記専用の台帳。
// ユーザー別のインデックスを持ち、AppendIfAbsentはミューテックス下で判定と追記を行う。
// テストおよびDBなしでのシミュレーションに使用する。
type MemoryEventRepo struct {
	mu     sync.RWMutex
	events []*model.Event
	byUser map[string][]int

	lockMu    sync.Mutex
	userLocks map[string]*sync.Mutex

	now func() time.Time
}

// NewMemoryEventRepo はMemoryEventRepoを生成する。
func NewMemoryEventRepo() *MemoryEventRepo {
	return &MemoryEventRepo{
		byUser:    make(map[string][]int),
		userLocks: make(map[string]*sync.Mutex),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithNow はCreatedAt未設定イベントに付与する時刻の供給元を差し替える。
func (r *MemoryEventRepo) WithNow(now func() time.Time) *MemoryEventRepo {
	r.now = now
	return r
}

// Append はイベントを追記する。
func (r *MemoryEventRepo) Append(ctx context.Context, event *model.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appendLocked(event)
	return nil
}

// AppendIfAbsent は同一ユーザー・種別・DedupKeyのイベントが存在しない場合のみ追記する。
func (r *MemoryEventRepo) AppendIfAbsent(ctx context.Context, event *model.Event) (bool, error) {
	if event.DedupKey == "" {
		return false, fmt.Errorf("dedup key is required for conditional append")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, idx := range r.byUser[event.UserID] {
		e := r.events[idx]
		if e.Kind == event.Kind && e.DedupKey == event.DedupKey {
			return false, nil
		}
	}
	r.appendLocked(event)
	return true, nil
}

func (r *MemoryEventRepo) appendLocked(event *model.Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = r.now()
	}
	event.CreatedAt = event.CreatedAt.UTC()

	stored := cloneEvent(event)
	r.events = append(r.events, stored)
	r.byUser[event.UserID] = append(r.byUser[event.UserID], len(r.events)-1)
}

// Query は条件に一致するイベントをcreated_at昇順で返す。
func (r *MemoryEventRepo) Query(ctx context.Context, q EventQuery) ([]*model.Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*model.Event
	for _, idx := range r.byUser[q.UserID] {
		e := r.events[idx]
		if !matches(e, q) {
			continue
		}
		result = append(result, cloneEvent(e))
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// ListByUser はユーザーのイベントをcreated_at降順で最大limit件返す。
func (r *MemoryEventRepo) ListByUser(ctx context.Context, userID string, limit int) ([]*model.Event, error) {
	events, err := r.Query(ctx, EventQuery{UserID: userID})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

// All は全イベントを追記順で返す。テスト用。
func (r *MemoryEventRepo) All() []*model.Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*model.Event, len(r.events))
	for i, e := range r.events {
		result[i] = cloneEvent(e)
	}
	return result
}

// LockUser はユーザー単位のミューテックスを取得する。
// ctxはそのまま返す。
func (r *MemoryEventRepo) LockUser(ctx context.Context, userID string) (context.Context, func(), error) {
	r.lockMu.Lock()
	m, ok := r.userLocks[userID]
	if !ok {
		m = &sync.Mutex{}
		r.userLocks[userID] = m
	}
	r.lockMu.Unlock()

	m.Lock()
	return ctx, m.Unlock, nil
}

func matches(e *model.Event, q EventQuery) bool {
	if len(q.Kinds) > 0 {
		found := false
		for _, k := range q.Kinds {
			if e.Kind == k {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !q.From.IsZero() && e.CreatedAt.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && !e.CreatedAt.Before(q.To) {
		return false
	}
	if q.DedupKey != "" && e.DedupKey != q.DedupKey {
		return false
	}
	return true
}

// cloneEvent は呼び出し側の変更が台帳に波及しないようイベントを複製する。
func cloneEvent(e *model.Event) *model.Event {
	c := *e
	if e.Data != nil {
		c.Data = make(map[string]any, len(e.Data))
		for k, v := range e.Data {
			c.Data[k] = v
		}
	}
	if e.FeelingLevel != nil {
		v := *e.FeelingLevel
		c.FeelingLevel = &v
	}
	if e.Note != nil {
		v := *e.Note
		c.Note = &v
	}
	return &c
}

// compile-time interface check
var (
	_ EventRepository = (*MemoryEventRepo)(nil)
	_ UserLocker      = (*MemoryEventRepo)(nil)
)
