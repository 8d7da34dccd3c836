package repository

import (
	"context"
	"sort"
	"sync"

	"github.com/hitoshi/stillokay/internal/model"
)

// MemoryUserRepo はユーザーと担当者をメモリ上に保持するリポジトリ。
// テストおよびDBなしでのシミュレーションに使用する。
type MemoryUserRepo struct {
	mu         sync.RWMutex
	users      map[string]model.User
	caregivers map[string]model.Caregiver // user_id -> caregiver
}

// NewMemoryUserRepo はMemoryUserRepoを生成する。
func NewMemoryUserRepo() *MemoryUserRepo {
	return &MemoryUserRepo{
		users:      make(map[string]model.User),
		caregivers: make(map[string]model.Caregiver),
	}
}

// Put はユーザーと（任意の）担当者を登録または置き換える。
func (r *MemoryUserRepo) Put(user model.User, caregiver *model.Caregiver) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.users[user.ID] = user
	if caregiver != nil {
		cg := *caregiver
		cg.UserID = user.ID
		r.caregivers[user.ID] = cg
	}
}

// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (r *MemoryUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.users[id]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

// ListMonitored は通知可能な担当者を持つユーザーをID順で返す。
func (r *MemoryUserRepo) ListMonitored(ctx context.Context) ([]model.MonitoredUser, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []model.MonitoredUser
	for userID, cg := range r.caregivers {
		if !cg.Eligible() {
			continue
		}
		u, ok := r.users[userID]
		if !ok {
			continue
		}
		result = append(result, model.MonitoredUser{User: u, Caregiver: cg})
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].User.ID < result[j].User.ID
	})
	return result, nil
}

// FindByUserID はユーザーの担当者を取得する。見つからない場合はnilを返す。
func (r *MemoryUserRepo) FindByUserID(ctx context.Context, userID string) (*model.Caregiver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cg, ok := r.caregivers[userID]
	if !ok {
		return nil, nil
	}
	return &cg, nil
}

// FindByToken は確認トークンで担当者を検索する。見つからない場合はnilを返す。
func (r *MemoryUserRepo) FindByToken(ctx context.Context, token string) (*model.Caregiver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, cg := range r.caregivers {
		if cg.Token != nil && *cg.Token == token {
			c := cg
			return &c, nil
		}
	}
	return nil, nil
}

// ConsumeToken はトークンが一致する場合のみ確認状態を更新し、トークンをクリアする。
func (r *MemoryUserRepo) ConsumeToken(ctx context.Context, caregiverID, token string, confirmed, optedIn bool) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for userID, cg := range r.caregivers {
		if cg.ID != caregiverID || cg.Token == nil || *cg.Token != token {
			continue
		}
		cg.EmailConfirmed = confirmed
		cg.OptedIn = optedIn
		cg.Token = nil
		r.caregivers[userID] = cg
		return true, nil
	}
	return false, nil
}

// SetToken は新しい確認トークンを設定する。
func (r *MemoryUserRepo) SetToken(ctx context.Context, caregiverID, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for userID, cg := range r.caregivers {
		if cg.ID == caregiverID {
			t := token
			cg.Token = &t
			r.caregivers[userID] = cg
			return nil
		}
	}
	return nil
}

// compile-time interface check
var (
	_ UserRepository      = (*MemoryUserRepo)(nil)
	_ CaregiverRepository = (*MemoryUserRepo)(nil)
)
