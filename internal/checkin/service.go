// Package checkin はチェックインの記録と、それに伴う担当者通知のドメインロジックを提供する。
package checkin

import (
	"context"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/hitoshi/stillokay/internal/clock"
	"github.com/hitoshi/stillokay/internal/escalation"
	"github.com/hitoshi/stillokay/internal/interval"
	"github.com/hitoshi/stillokay/internal/metrics"
	"github.com/hitoshi/stillokay/internal/model"
	"github.com/hitoshi/stillokay/internal/notify"
	"github.com/hitoshi/stillokay/internal/repository"
	"github.com/hitoshi/stillokay/internal/security"
)

// Input はチェックイン時の任意入力。
type Input struct {
	FeelingLevel *int
	Note         *string
}

// Notification はチェックインに伴って担当者へ行った通知の結果。
type Notification string

const (
	NotificationNone     Notification = "none"
	NotificationCheckin  Notification = "checkin"
	NotificationRecovery Notification = "recovery"
	NotificationFailed   Notification = "failed"
)

// Result はチェックインの記録結果。
type Result struct {
	Event        *model.Event
	Window       interval.Window
	Notification Notification
}

// Status は現在のウィンドウに対するチェックイン状況。
type Status struct {
	CheckedIn bool
	Window    interval.Window
	Next      interval.Window
	// State は直前ウィンドウのエスカレーション状態。
	State escalation.State
}

// Service はチェックインのサービス層。
// 同一ユーザーに対する「存在確認と追記、通知」はUserLockerで直列化する。
type Service struct {
	userRepo      repository.UserRepository
	caregiverRepo repository.CaregiverRepository
	eventRepo     repository.EventRepository
	locker        repository.UserLocker
	notifier      notify.Notifier
	composer      *notify.Composer
	sanitizer     security.NoteSanitizer
	clock         clock.Clock
	metrics       metrics.MetricsCollector
	logger        *slog.Logger
}

// NewService はServiceの新しいインスタンスを生成する。
// metricsCollectorがnilの場合はメトリクスを記録しない。
func NewService(
	userRepo repository.UserRepository,
	caregiverRepo repository.CaregiverRepository,
	eventRepo repository.EventRepository,
	locker repository.UserLocker,
	notifier notify.Notifier,
	composer *notify.Composer,
	clk clock.Clock,
	metricsCollector metrics.MetricsCollector,
	logger *slog.Logger,
) *Service {
	if metricsCollector == nil {
		metricsCollector = metrics.Nop{}
	}
	return &Service{
		userRepo:      userRepo,
		caregiverRepo: caregiverRepo,
		eventRepo:     eventRepo,
		locker:        locker,
		notifier:      notifier,
		composer:      composer,
		sanitizer:     security.NewNoteSanitizer(),
		clock:         clk,
		metrics:       metricsCollector,
		logger:        logger,
	}
}

// Validate は入力値を検証する。
func Validate(in Input) error {
	if in.FeelingLevel != nil && (*in.FeelingLevel < 1 || *in.FeelingLevel > 10) {
		return model.NewInvalidFeelingLevelError(*in.FeelingLevel)
	}
	if in.Note != nil && utf8.RuneCountInString(*in.Note) > model.MaxNoteLength {
		return model.NewNoteTooLongError()
	}
	return nil
}

// Record は現在のウィンドウにチェックインを記録し、必要に応じて担当者へ通知する。
//
// 現在時刻は呼び出しごとに1回だけ取得し、ウィンドウ計算と記録時刻の両方に使う。
// 直前ウィンドウの見逃しが未解決の場合は「無事」通知を送り、通常通知は送らない。
// 通知の送信は最大1回で、送信に失敗した場合も記録済みのチェックインは取り消さない。
func (s *Service) Record(ctx context.Context, userID string, in Input) (*Result, error) {
	if err := Validate(in); err != nil {
		return nil, err
	}

	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: ユーザーの取得に失敗しました: %w", model.ErrLedgerFailure, err)
	}
	if user == nil {
		return nil, model.NewUserNotFoundError()
	}

	now := s.clock.Now()
	current := s.windowFor(ctx, user, now)

	ctx, unlock, err := s.locker.LockUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: ユーザーロックの取得に失敗しました: %w", model.ErrLedgerFailure, err)
	}
	defer unlock()

	existing, err := s.eventRepo.Query(ctx, repository.EventQuery{
		UserID: userID,
		Kinds:  []model.EventKind{model.EventCheckin},
		From:   current.Start,
		To:     current.End,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: チェックインの確認に失敗しました: %w", model.ErrLedgerFailure, err)
	}
	if len(existing) > 0 {
		s.metrics.RecordCheckin(metrics.CheckinDuplicate)
		return nil, model.NewAlreadyCheckedInError(current.End.Format(time.RFC3339))
	}

	details := notify.CheckinDetails{FeelingLevel: in.FeelingLevel, Note: s.sanitizeNote(in.Note)}
	event := &model.Event{
		UserID:       userID,
		Kind:         model.EventCheckin,
		Data:         windowPayload(current),
		FeelingLevel: details.FeelingLevel,
		Note:         details.Note,
		DedupKey:     model.BoundaryKey(current.End),
		CreatedAt:    now,
	}
	inserted, err := s.eventRepo.AppendIfAbsent(ctx, event)
	if err != nil {
		return nil, fmt.Errorf("%w: チェックインの記録に失敗しました: %w", model.ErrLedgerFailure, err)
	}
	if !inserted {
		s.metrics.RecordCheckin(metrics.CheckinDuplicate)
		return nil, model.NewAlreadyCheckedInError(current.End.Format(time.RFC3339))
	}
	s.metrics.RecordCheckin(metrics.CheckinRecorded)

	s.logger.InfoContext(ctx, "チェックインを記録しました",
		slog.String("user_id", userID),
		slog.String("interval_end", current.End.Format(time.RFC3339)),
	)

	notification := s.notifyCaregiver(ctx, user, current, now, details)

	return &Result{Event: event, Window: current, Notification: notification}, nil
}

// notifyCaregiver は直前ウィンドウの状態に応じて回復通知または通常通知を送る。
// チェックインは記録済みのため、ここでの失敗はログに残して結果で示すだけにとどめる。
func (s *Service) notifyCaregiver(
	ctx context.Context,
	user *model.User,
	current interval.Window,
	now time.Time,
	details notify.CheckinDetails,
) Notification {
	previous := current.Previous()
	logger := s.logger.With(slog.String("user_id", user.ID))

	incident, err := escalation.Load(ctx, s.eventRepo, user.ID, previous, now)
	if err != nil {
		logger.ErrorContext(ctx, "直前ウィンドウの読み込みに失敗しました", slog.String("error", err.Error()))
		return NotificationFailed
	}
	decision := incident.OnCheckin()

	caregiver, err := s.caregiverRepo.FindByUserID(ctx, user.ID)
	if err != nil {
		logger.ErrorContext(ctx, "担当者の取得に失敗しました", slog.String("error", err.Error()))
		return NotificationFailed
	}
	eligible := caregiver != nil && caregiver.Eligible()

	var (
		msg      notify.Message
		kind     model.EventKind
		boundary time.Time
		outcome  Notification
	)
	switch {
	case decision.SendRecovery && eligible:
		msg, err = s.composer.Recovery(user, caregiver, details)
		kind, boundary, outcome = model.EventCaregiverImOkSent, previous.End, NotificationRecovery
	case decision.SuppressRoutine:
		logger.InfoContext(ctx, "担当者が通知対象外のため回復通知を送信しません",
			slog.String("interval_end", previous.End.Format(time.RFC3339)),
		)
		return NotificationNone
	case eligible && caregiver.SendCheckinEmail:
		msg, err = s.composer.Checkin(user, caregiver, details)
		kind, boundary, outcome = model.EventCaregiverCheckinSent, current.End, NotificationCheckin
	default:
		return NotificationNone
	}
	if err != nil {
		logger.ErrorContext(ctx, "通知メッセージの生成に失敗しました", slog.String("error", err.Error()))
		return NotificationFailed
	}

	if !s.send(ctx, user.ID, msg) {
		return NotificationFailed
	}

	_, err = s.eventRepo.AppendIfAbsent(ctx, &model.Event{
		UserID:    user.ID,
		Kind:      kind,
		Data:      sentPayload(caregiver.Email, boundary, now),
		DedupKey:  model.BoundaryKey(boundary),
		CreatedAt: now,
	})
	if err != nil {
		logger.ErrorContext(ctx, "通知送信の記録に失敗しました",
			slog.String("event_type", string(kind)),
			slog.String("error", err.Error()),
		)
		return NotificationFailed
	}
	return outcome
}

// send は通知を送信し、成否をメトリクスとログに記録する。
func (s *Service) send(ctx context.Context, userID string, msg notify.Message) bool {
	err := s.notifier.Send(ctx, msg)
	s.metrics.RecordNotification(string(msg.Kind), err == nil)
	if err != nil {
		s.logger.ErrorContext(ctx, "通知の送信に失敗しました",
			slog.String("user_id", userID),
			slog.String("kind", string(msg.Kind)),
			slog.String("error", fmt.Errorf("%w: %w", model.ErrNotifierFailure, err).Error()),
		)
		return false
	}
	return true
}

// Status は現在のウィンドウのチェックイン状況と直前ウィンドウの状態を返す。
func (s *Service) Status(ctx context.Context, userID string) (*Status, error) {
	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: ユーザーの取得に失敗しました: %w", model.ErrLedgerFailure, err)
	}
	if user == nil {
		return nil, model.NewUserNotFoundError()
	}

	now := s.clock.Now()
	current := s.windowFor(ctx, user, now)

	checkins, err := s.eventRepo.Query(ctx, repository.EventQuery{
		UserID: userID,
		Kinds:  []model.EventKind{model.EventCheckin},
		From:   current.Start,
		To:     current.End,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: チェックインの確認に失敗しました: %w", model.ErrLedgerFailure, err)
	}

	incident, err := escalation.Load(ctx, s.eventRepo, userID, current.Previous(), now)
	if err != nil {
		return nil, fmt.Errorf("%w: 直前ウィンドウの読み込みに失敗しました: %w", model.ErrLedgerFailure, err)
	}

	return &Status{
		CheckedIn: len(checkins) > 0,
		Window:    current,
		Next:      current.Next(),
		State:     incident.State(),
	}, nil
}

// LastCheckin は最後のチェックインイベントを返す。存在しない場合はnilを返す。
func (s *Service) LastCheckin(ctx context.Context, userID string) (*model.Event, error) {
	events, err := s.eventRepo.Query(ctx, repository.EventQuery{
		UserID: userID,
		Kinds:  []model.EventKind{model.EventCheckin},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: チェックイン履歴の取得に失敗しました: %w", model.ErrLedgerFailure, err)
	}
	if len(events) == 0 {
		return nil, nil
	}
	return events[len(events)-1], nil
}

// History はユーザーの台帳イベントを新しい順に返す。
func (s *Service) History(ctx context.Context, userID string, limit int) ([]*model.Event, error) {
	events, err := s.eventRepo.ListByUser(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: 履歴の取得に失敗しました: %w", model.ErrLedgerFailure, err)
	}
	return events, nil
}

func (s *Service) windowFor(ctx context.Context, user *model.User, now time.Time) interval.Window {
	w, err := interval.ForUser(user, now)
	if err != nil {
		s.logger.WarnContext(ctx, "タイムゾーンを解決できないため既定値を使用します",
			slog.String("user_id", user.ID),
			slog.String("timezone", user.Timezone),
			slog.String("error", err.Error()),
		)
	}
	return w
}

func (s *Service) sanitizeNote(note *string) *string {
	if note == nil {
		return nil
	}
	clean := s.sanitizer.Sanitize(*note)
	if clean == "" {
		return nil
	}
	return &clean
}

func windowPayload(w interval.Window) map[string]any {
	return map[string]any{
		"interval_start":         w.Start.Format(time.RFC3339),
		model.PayloadIntervalEnd: w.End.Format(time.RFC3339),
		"interval_hours":         w.Hours,
	}
}

func sentPayload(caregiverEmail string, boundary, sentAt time.Time) map[string]any {
	return map[string]any{
		"caregiver_email":        caregiverEmail,
		model.PayloadIntervalEnd: boundary.Format(time.RFC3339),
		"sent_at":                sentAt.UTC().Format(time.RFC3339),
	}
}
