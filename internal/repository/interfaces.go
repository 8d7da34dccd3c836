// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/stillokay/internal/model"
)

// EventQuery は台帳イベントの検索条件を表す。
// ゼロ値のフィールドは条件に含めない。
type EventQuery struct {
	UserID string
	// Kinds が空の場合は全種別を対象とする。
	Kinds []model.EventKind
	// From, To は created_at の半開区間 [From, To)。
	From time.Time
	To   time.Time
	// DedupKey はウィンドウ境界に紐づくイベントの重複判定キー。
	DedupKey string
}

// EventRepository は追記専用の台帳の永続化インターフェース。
// 更新・削除の操作は存在しない。
type EventRepository interface {
	// Append はイベントを追記する。IDとCreatedAtが未設定の場合は補完する。
	Append(ctx context.Context, event *model.Event) error

	// AppendIfAbsent は同一ユーザー・同一種別・同一DedupKeyのイベントが存在しない場合のみ追記する。
	// 追記した場合はtrue、既に存在した場合はfalseを返す。DedupKeyが空の場合はエラー。
	AppendIfAbsent(ctx context.Context, event *model.Event) (bool, error)

	// Query は条件に一致するイベントをcreated_at昇順で返す。
	Query(ctx context.Context, q EventQuery) ([]*model.Event, error)

	// ListByUser はユーザーのイベントをcreated_at降順で最大limit件返す。履歴表示用。
	ListByUser(ctx context.Context, userID string, limit int) ([]*model.Event, error)
}

// UserLocker はユーザー単位のクリティカルセクションを提供する。
// 「存在確認してから追記」の一連の処理を同一ユーザーについて直列化する。
type UserLocker interface {
	// LockUser はユーザーのロックを取得し、ロック区間用のctxと解放関数を返す。
	// 返されたctxで行うリポジトリ操作はロックと同じコネクションで実行される。
	// 返されたctxは解放後に使用してはならない。
	LockUser(ctx context.Context, userID string) (lockedCtx context.Context, unlock func(), err error)
}

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// ListMonitored は通知可能な担当者（確認済み・オプトイン済み・メールあり）を持つユーザーを返す。
	ListMonitored(ctx context.Context) ([]model.MonitoredUser, error)
}

// CaregiverRepository は担当者データの永続化インターフェース。
type CaregiverRepository interface {
	// FindByUserID はユーザーの担当者を取得する。見つからない場合はnilを返す。
	FindByUserID(ctx context.Context, userID string) (*model.Caregiver, error)

	// FindByToken は確認トークンで担当者を検索する。見つからない場合はnilを返す。
	FindByToken(ctx context.Context, token string) (*model.Caregiver, error)

	// ConsumeToken はトークンが一致する場合のみ確認状態を更新し、トークンをクリアする。
	// 更新した場合はtrue、トークンが既に使用済み・不一致の場合はfalseを返す。
	ConsumeToken(ctx context.Context, caregiverID, token string, confirmed, optedIn bool) (bool, error)

	// SetToken は新しい確認トークンを設定する。
	SetToken(ctx context.Context, caregiverID, token string) error
}
