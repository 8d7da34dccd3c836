// Package sweep は全ユーザーを定期的に走査し、見逃しアラートとリマインダーを送るバックグラウンド処理を提供する。
package sweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"

	"github.com/hitoshi/stillokay/internal/clock"
	"github.com/hitoshi/stillokay/internal/escalation"
	"github.com/hitoshi/stillokay/internal/interval"
	"github.com/hitoshi/stillokay/internal/metrics"
	"github.com/hitoshi/stillokay/internal/model"
	"github.com/hitoshi/stillokay/internal/notify"
	"github.com/hitoshi/stillokay/internal/repository"
)

// DefaultSchedule はスイープのデフォルトのcron式。
const DefaultSchedule = "@hourly"

// detectionWindow はアラート・リマインダーの判定幅。スイープの実行間隔と一致させる。
const detectionWindow = time.Hour

// アクション種別
const (
	ActionAlert    = "alert"
	ActionReminder = "reminder"
)

// Action はスイープが実施した1件の通知。
type Action struct {
	Type           string `json:"type"`
	UserID         string `json:"userId"`
	UserName       string `json:"userName"`
	UserEmail      string `json:"userEmail"`
	Timezone       string `json:"timezone"`
	CaregiverEmail string `json:"caregiverEmail"`
	Interval       int    `json:"interval"`
	IntervalEnd    string `json:"intervalEnd"`
	Datetime       string `json:"datetime"`
	LocalDatetime  string `json:"localDatetime"`
}

// UserError はユーザー単位の処理失敗。
type UserError struct {
	UserID string `json:"userId"`
	Error  string `json:"error"`
}

// Summary はスイープ1回分の結果。
// 一部のユーザーで失敗しても、処理済みユーザーの結果は含まれる。
type Summary struct {
	Datetime      string      `json:"datetime"`
	AlertsSent    int         `json:"alertsSent"`
	RemindersSent int         `json:"remindersSent"`
	Actions       []Action    `json:"actions"`
	Errors        []UserError `json:"errors,omitempty"`

	err error
}

// Err はユーザー単位の失敗をまとめたエラーを返す。失敗がなければnil。
func (s *Summary) Err() error {
	return s.err
}

// Scheduler は監視対象ユーザーのスイープと、そのcron起動を行う。
// ユーザーごとの処理はsemaphoreパターンで並列化し、各ユーザーはUserLockerで直列化する。
type Scheduler struct {
	userRepo       repository.UserRepository
	eventRepo      repository.EventRepository
	locker         repository.UserLocker
	notifier       notify.Notifier
	composer       *notify.Composer
	clock          clock.Clock
	metrics        metrics.MetricsCollector
	logger         *slog.Logger
	maxConcurrency int
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
// maxConcurrencyが0以下の場合はデフォルト値10を使用する。
func NewScheduler(
	userRepo repository.UserRepository,
	eventRepo repository.EventRepository,
	locker repository.UserLocker,
	notifier notify.Notifier,
	composer *notify.Composer,
	clk clock.Clock,
	metricsCollector metrics.MetricsCollector,
	logger *slog.Logger,
	maxConcurrency int,
) *Scheduler {
	if maxConcurrency <= 0 {
		maxConcurrency = 10
	}
	if metricsCollector == nil {
		metricsCollector = metrics.Nop{}
	}
	return &Scheduler{
		userRepo:       userRepo,
		eventRepo:      eventRepo,
		locker:         locker,
		notifier:       notifier,
		composer:       composer,
		clock:          clk,
		metrics:        metricsCollector,
		logger:         logger,
		maxConcurrency: maxConcurrency,
	}
}

// Align はスイープの基準時刻を時間単位に切り捨てる。
func Align(now time.Time) time.Time {
	return now.UTC().Truncate(time.Hour)
}

// Start はcron式に従ってスイープを定期実行する。
// コンテキストがキャンセルされるまでブロックし、実行中のスイープの完了を待ってから戻る。
func (s *Scheduler) Start(ctx context.Context, schedule string) error {
	if schedule == "" {
		schedule = DefaultSchedule
	}

	c := cron.New(cron.WithLocation(time.UTC), cron.WithLogger(cron.DiscardLogger))
	if _, err := c.AddFunc(schedule, func() { s.runScheduled(ctx) }); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}

	s.logger.Info("スイープスケジューラを開始しました",
		slog.String("schedule", schedule),
		slog.Int("max_concurrency", s.maxConcurrency),
	)
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()
	s.logger.Info("スイープスケジューラを停止しました")
	return nil
}

func (s *Scheduler) runScheduled(ctx context.Context) {
	summary, err := s.RunOnce(ctx, s.clock.Now())
	if err != nil {
		s.logger.Error("スイープの実行に失敗しました", slog.String("error", err.Error()))
		return
	}
	if summary.Err() != nil {
		s.logger.Warn("一部のユーザーでスイープ処理に失敗しました",
			slog.Int("failed_users", len(summary.Errors)),
			slog.String("error", summary.Err().Error()),
		)
	}
}

// RunOnce はnowを基準に全監視対象ユーザーを1回走査する。
//
// nowは時間単位に切り捨てたうえで使用する。直前ウィンドウの終了から1時間以内であれば
// 見逃しを記録して担当者へアラートを送り、現在ウィンドウの終了まで1時間以内であれば
// ユーザーへリマインダーを送る。重複判定は台帳の内容のみで行うため、同じnowで
// 繰り返し実行しても通知は増えない。
//
// 返すerrorは監視対象ユーザーの取得に失敗した場合のみ。ユーザー単位の失敗は
// Summary.ErrorsとSummary.Errに集約され、他のユーザーの処理は継続する。
func (s *Scheduler) RunOnce(ctx context.Context, now time.Time) (*Summary, error) {
	start := time.Now()
	now = Align(now)

	users, err := s.userRepo.ListMonitored(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: 監視対象ユーザーの取得に失敗しました: %w", model.ErrLedgerFailure, err)
	}

	s.logger.Info("スイープを開始します",
		slog.String("datetime", now.Format(time.RFC3339)),
		slog.Int("user_count", len(users)),
	)

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		actions []Action
		errs    []UserError
		combErr error
	)
	// semaphoreパターンで並列数を制御
	sem := make(chan struct{}, s.maxConcurrency)

	for _, u := range users {
		wg.Add(1)
		sem <- struct{}{}

		go func(target model.MonitoredUser) {
			defer wg.Done()
			defer func() { <-sem }()

			got, err := s.processUser(ctx, target, now)

			mu.Lock()
			defer mu.Unlock()
			actions = append(actions, got...)
			if err != nil {
				errs = append(errs, UserError{UserID: target.User.ID, Error: err.Error()})
				combErr = multierr.Append(combErr, fmt.Errorf("user %s: %w", target.User.ID, err))
				s.logger.Error("ユーザーのスイープ処理に失敗しました",
					slog.String("user_id", target.User.ID),
					slog.String("error", err.Error()),
				)
			}
		}(u)
	}

	wg.Wait()

	sortActions(actions)
	sort.Slice(errs, func(i, j int) bool { return errs[i].UserID < errs[j].UserID })

	summary := &Summary{
		Datetime: now.Format(time.RFC3339),
		Actions:  actions,
		Errors:   errs,
		err:      combErr,
	}
	if summary.Actions == nil {
		summary.Actions = []Action{}
	}
	for _, a := range actions {
		switch a.Type {
		case ActionAlert:
			summary.AlertsSent++
		case ActionReminder:
			summary.RemindersSent++
		}
	}

	duration := time.Since(start)
	s.metrics.RecordSweep(duration, summary.AlertsSent, summary.RemindersSent, len(errs))
	s.logger.Info("スイープが完了しました",
		slog.String("datetime", summary.Datetime),
		slog.Int("alerts_sent", summary.AlertsSent),
		slog.Int("reminders_sent", summary.RemindersSent),
		slog.Int("failed_users", len(errs)),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return summary, nil
}

// processUser は1ユーザー分のアラート判定とリマインダー判定を行う。
// 台帳の失敗はその時点で打ち切り、配送の失敗は記録して残りの判定を続ける。
func (s *Scheduler) processUser(ctx context.Context, target model.MonitoredUser, now time.Time) ([]Action, error) {
	user, caregiver := &target.User, &target.Caregiver

	current, err := interval.ForUser(user, now)
	if err != nil {
		s.logger.Warn("タイムゾーンを解決できないため既定値を使用します",
			slog.String("user_id", user.ID),
			slog.String("timezone", user.Timezone),
		)
	}
	previous := current.Previous()

	ctx, unlock, err := s.locker.LockUser(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: ユーザーロックの取得に失敗しました: %w", model.ErrLedgerFailure, err)
	}
	defer unlock()

	var (
		actions []Action
		errs    error
	)

	if !now.Before(previous.End) && now.Before(previous.End.Add(detectionWindow)) {
		action, err := s.alert(ctx, user, caregiver, previous, current, now)
		if err != nil {
			if !errors.Is(err, model.ErrNotifierFailure) {
				return actions, err
			}
			errs = multierr.Append(errs, err)
		}
		if action != nil {
			actions = append(actions, *action)
		}
	}

	if remaining := current.End.Sub(now); remaining > 0 && remaining <= detectionWindow {
		action, err := s.remind(ctx, user, caregiver, current, now)
		if err != nil {
			errs = multierr.Append(errs, err)
		}
		if action != nil {
			actions = append(actions, *action)
		}
	}

	return actions, errs
}

// alert は直前ウィンドウの見逃しを記録し、担当者へアラートを送る。
// missed_checkin は送信前に記録し、アラート送信済みの記録は送信成功時のみ追記する。
// 現在ウィンドウに既にチェックインがある場合（スイープの遅延）は見逃しの記録のみ行い、
// 回復通知の機会がないアラートは送らない。
func (s *Scheduler) alert(
	ctx context.Context,
	user *model.User,
	caregiver *model.Caregiver,
	previous interval.Window,
	current interval.Window,
	now time.Time,
) (*Action, error) {
	incident, err := escalation.Load(ctx, s.eventRepo, user.ID, previous, now)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrLedgerFailure, err)
	}
	decision := incident.OnSweep()

	if decision.RecordMissed {
		_, err := s.eventRepo.AppendIfAbsent(ctx, &model.Event{
			UserID: user.ID,
			Kind:   model.EventMissedCheckin,
			Data: map[string]any{
				model.PayloadIntervalEnd: previous.End.Format(time.RFC3339),
				"interval_start":         previous.Start.Format(time.RFC3339),
				"caregiver_email":        caregiver.Email,
				"sweep_datetime":         now.Format(time.RFC3339),
			},
			DedupKey:  incident.BoundaryKey(),
			CreatedAt: s.clock.Now(),
		})
		if err != nil {
			return nil, fmt.Errorf("%w: 見逃しの記録に失敗しました: %w", model.ErrLedgerFailure, err)
		}
	}
	if !decision.SendAlert {
		return nil, nil
	}

	latest, err := escalation.Load(ctx, s.eventRepo, user.ID, current, now)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrLedgerFailure, err)
	}
	if latest.CheckedIn {
		s.logger.Info("現在のウィンドウでチェックイン済みのためアラートを送信しません",
			slog.String("user_id", user.ID),
			slog.String("interval_end", previous.End.Format(time.RFC3339)),
		)
		return nil, nil
	}

	msg, err := s.composer.Alert(user, caregiver, previous)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrNotifierFailure, err)
	}
	if err := s.send(ctx, user.ID, msg); err != nil {
		return nil, err
	}

	_, err = s.eventRepo.AppendIfAbsent(ctx, &model.Event{
		UserID:    user.ID,
		Kind:      model.EventCaregiverAlertSent,
		Data:      sentPayload(caregiver.Email, previous.End, now),
		DedupKey:  incident.BoundaryKey(),
		CreatedAt: s.clock.Now(),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: アラート送信の記録に失敗しました: %w", model.ErrLedgerFailure, err)
	}

	s.logger.Info("担当者へ見逃しアラートを送信しました",
		slog.String("user_id", user.ID),
		slog.String("interval_end", previous.End.Format(time.RFC3339)),
	)
	return newAction(ActionAlert, user, caregiver, previous, now), nil
}

// remind は現在ウィンドウの終了前にユーザーへリマインダーを送る。
func (s *Scheduler) remind(
	ctx context.Context,
	user *model.User,
	caregiver *model.Caregiver,
	current interval.Window,
	now time.Time,
) (*Action, error) {
	incident, err := escalation.Load(ctx, s.eventRepo, user.ID, current, now)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrLedgerFailure, err)
	}
	if !incident.NeedsReminder() {
		return nil, nil
	}

	msg, err := s.composer.Reminder(user, current)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrNotifierFailure, err)
	}
	if err := s.send(ctx, user.ID, msg); err != nil {
		return nil, err
	}

	_, err = s.eventRepo.AppendIfAbsent(ctx, &model.Event{
		UserID: user.ID,
		Kind:   model.EventReminderSent,
		Data: map[string]any{
			model.PayloadIntervalEnd: current.End.Format(time.RFC3339),
			"user_email":             user.Email,
			"sweep_datetime":         now.Format(time.RFC3339),
		},
		DedupKey:  incident.BoundaryKey(),
		CreatedAt: s.clock.Now(),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: リマインダー送信の記録に失敗しました: %w", model.ErrLedgerFailure, err)
	}

	return newAction(ActionReminder, user, caregiver, current, now), nil
}

func (s *Scheduler) send(ctx context.Context, userID string, msg notify.Message) error {
	err := s.notifier.Send(ctx, msg)
	s.metrics.RecordNotification(string(msg.Kind), err == nil)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", model.ErrNotifierFailure, msg.Kind, err)
	}
	return nil
}

func newAction(kind string, user *model.User, caregiver *model.Caregiver, w interval.Window, now time.Time) *Action {
	return &Action{
		Type:           kind,
		UserID:         user.ID,
		UserName:       user.Name,
		UserEmail:      user.Email,
		Timezone:       w.Location().String(),
		CaregiverEmail: caregiver.Email,
		Interval:       w.Hours,
		IntervalEnd:    w.End.Format(time.RFC3339),
		Datetime:       now.Format(time.RFC3339),
		LocalDatetime:  now.In(w.Location()).Format(time.RFC3339),
	}
}

// sentPayload は送信記録のペイロード。sweep_datetimeは切り捨て後の基準時刻で、
// 記録時刻はイベントのcreated_atに持つ。
func sentPayload(caregiverEmail string, boundary, sweepAt time.Time) map[string]any {
	return map[string]any{
		"caregiver_email":        caregiverEmail,
		model.PayloadIntervalEnd: boundary.Format(time.RFC3339),
		"sweep_datetime":         sweepAt.UTC().Format(time.RFC3339),
	}
}

// sortActions はアクションをユーザーID順、同一ユーザー内はアラート、リマインダーの順に並べる。
func sortActions(actions []Action) {
	sort.SliceStable(actions, func(i, j int) bool {
		if actions[i].UserID != actions[j].UserID {
			return actions[i].UserID < actions[j].UserID
		}
		return actions[i].Type == ActionAlert && actions[j].Type != ActionAlert
	})
}
