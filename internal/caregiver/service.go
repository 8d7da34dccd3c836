// Package caregiver は担当者の登録確認（オプトイン・オプトアウト）のドメインロジックを提供する。
// エンジンは担当者の通知可否を参照するだけで、確認フローの結果は台帳の管理用イベントとして残る。
package caregiver

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/hitoshi/stillokay/internal/clock"
	"github.com/hitoshi/stillokay/internal/model"
	"github.com/hitoshi/stillokay/internal/notify"
	"github.com/hitoshi/stillokay/internal/repository"
)

// Action は確認リンクで選択された操作。
type Action string

const (
	ActionOptIn  Action = "optin"
	ActionOptOut Action = "optout"
)

// ParseAction は確認リンクのactionパラメータを解釈する。
func ParseAction(raw string) (Action, error) {
	switch Action(raw) {
	case ActionOptIn, ActionOptOut:
		return Action(raw), nil
	default:
		return "", model.NewInvalidConfirmActionError(raw)
	}
}

// Service は担当者確認のサービス層。
type Service struct {
	userRepo      repository.UserRepository
	caregiverRepo repository.CaregiverRepository
	eventRepo     repository.EventRepository
	notifier      notify.Notifier
	composer      *notify.Composer
	clock         clock.Clock
	logger        *slog.Logger
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	userRepo repository.UserRepository,
	caregiverRepo repository.CaregiverRepository,
	eventRepo repository.EventRepository,
	notifier notify.Notifier,
	composer *notify.Composer,
	clk clock.Clock,
	logger *slog.Logger,
) *Service {
	return &Service{
		userRepo:      userRepo,
		caregiverRepo: caregiverRepo,
		eventRepo:     eventRepo,
		notifier:      notifier,
		composer:      composer,
		clock:         clk,
		logger:        logger,
	}
}

// Confirm は確認トークンを消費して担当者の確認状態を更新する。
// optinは確認済み・オプトイン、optoutは未確認・オプトアウトに設定する。
// トークンは1回限りで、使用済み・不一致の場合はINVALID_CONFIRMATION_TOKENを返す。
func (s *Service) Confirm(ctx context.Context, token, rawAction string) (Action, error) {
	action, err := ParseAction(rawAction)
	if err != nil {
		return "", err
	}
	if token == "" {
		return "", model.NewInvalidConfirmationTokenError()
	}

	cg, err := s.caregiverRepo.FindByToken(ctx, token)
	if err != nil {
		return "", fmt.Errorf("%w: 担当者の取得に失敗しました: %w", model.ErrLedgerFailure, err)
	}
	if cg == nil {
		return "", model.NewInvalidConfirmationTokenError()
	}

	optIn := action == ActionOptIn
	consumed, err := s.caregiverRepo.ConsumeToken(ctx, cg.ID, token, optIn, optIn)
	if err != nil {
		return "", fmt.Errorf("%w: 確認状態の更新に失敗しました: %w", model.ErrLedgerFailure, err)
	}
	if !consumed {
		return "", model.NewInvalidConfirmationTokenError()
	}

	kind := model.EventCaregiverOptOut
	if optIn {
		kind = model.EventCaregiverOptIn
	}
	err = s.eventRepo.Append(ctx, &model.Event{
		UserID:    cg.UserID,
		Kind:      kind,
		Data:      map[string]any{"caregiver_id": cg.ID},
		CreatedAt: s.clock.Now(),
	})
	if err != nil {
		return "", fmt.Errorf("%w: 確認結果の記録に失敗しました: %w", model.ErrLedgerFailure, err)
	}

	s.logger.InfoContext(ctx, "担当者の確認状態を更新しました",
		slog.String("user_id", cg.UserID),
		slog.String("caregiver_id", cg.ID),
		slog.String("action", string(action)),
	)
	return action, nil
}

// SendConfirmation は新しい確認トークンを発行し、担当者へ確認メールを送る。
// 以前のトークンは無効になる。
func (s *Service) SendConfirmation(ctx context.Context, userID string) error {
	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("%w: ユーザーの取得に失敗しました: %w", model.ErrLedgerFailure, err)
	}
	if user == nil {
		return model.NewUserNotFoundError()
	}

	cg, err := s.caregiverRepo.FindByUserID(ctx, userID)
	if err != nil {
		return fmt.Errorf("%w: 担当者の取得に失敗しました: %w", model.ErrLedgerFailure, err)
	}
	if cg == nil || cg.Email == "" {
		return model.NewCaregiverNotFoundError()
	}

	token, err := generateToken()
	if err != nil {
		return fmt.Errorf("確認トークンの生成に失敗しました: %w", err)
	}
	if err := s.caregiverRepo.SetToken(ctx, cg.ID, token); err != nil {
		return fmt.Errorf("%w: 確認トークンの保存に失敗しました: %w", model.ErrLedgerFailure, err)
	}

	msg, err := s.composer.Confirmation(user, cg, token)
	if err != nil {
		return fmt.Errorf("%w: %w", model.ErrNotifierFailure, err)
	}
	if err := s.notifier.Send(ctx, msg); err != nil {
		s.logger.ErrorContext(ctx, "確認メールの送信に失敗しました",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("%w: %w", model.ErrNotifierFailure, err)
	}

	err = s.eventRepo.Append(ctx, &model.Event{
		UserID: userID,
		Kind:   model.EventCaregiverEmailSent,
		Data: map[string]any{
			"caregiver_name":  cg.Name,
			"caregiver_email": cg.Email,
		},
		CreatedAt: s.clock.Now(),
	})
	if err != nil {
		return fmt.Errorf("%w: 確認メール送信の記録に失敗しました: %w", model.ErrLedgerFailure, err)
	}
	return nil
}

// generateToken は暗号的に安全な確認トークンを生成する。
func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
