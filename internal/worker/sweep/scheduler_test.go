package sweep

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	_ "time/tzdata"

	"github.com/hitoshi/stillokay/internal/checkin"
	"github.com/hitoshi/stillokay/internal/clock"
	"github.com/hitoshi/stillokay/internal/model"
	"github.com/hitoshi/stillokay/internal/notify"
	"github.com/hitoshi/stillokay/internal/repository"
)

// --- モック定義 ---

// mockUserRepo はUserRepositoryのテスト用モック。
type mockUserRepo struct {
	findByIDFunc      func(ctx context.Context, id string) (*model.User, error)
	listMonitoredFunc func(ctx context.Context) ([]model.MonitoredUser, error)
}

func (m *mockUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	if m.findByIDFunc != nil {
		return m.findByIDFunc(ctx, id)
	}
	return nil, nil
}

func (m *mockUserRepo) ListMonitored(ctx context.Context) ([]model.MonitoredUser, error) {
	if m.listMonitoredFunc != nil {
		return m.listMonitoredFunc(ctx)
	}
	return nil, nil
}

// recordingNotifier は送信されたメッセージを記録し、宛先ごとに失敗を注入できるNotifier。
type recordingNotifier struct {
	mu     sync.Mutex
	sent   []notify.Message
	failTo map[string]error
}

func (n *recordingNotifier) Send(_ context.Context, msg notify.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.failTo[msg.To]; err != nil {
		return err
	}
	n.sent = append(n.sent, msg)
	return nil
}

func (n *recordingNotifier) count(kind notify.Kind) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, m := range n.sent {
		if m.Kind == kind {
			c++
		}
	}
	return c
}

type fixture struct {
	scheduler *Scheduler
	users     *repository.MemoryUserRepo
	events    *repository.MemoryEventRepo
	notifier  *recordingNotifier
	composer  *notify.Composer
	clock     *clock.Fixed
	logger    *slog.Logger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		users:    repository.NewMemoryUserRepo(),
		events:   repository.NewMemoryEventRepo(),
		notifier: &recordingNotifier{failTo: map[string]error{}},
		composer: notify.NewComposer("https://stillokay.example.com"),
		clock:    &clock.Fixed{},
		logger:   slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil)),
	}
	f.scheduler = NewScheduler(f.users, f.events, f.events, f.notifier, f.composer,
		f.clock, nil, f.logger, 4)
	return f
}

func la(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("America/Los_Angeles")
	if err != nil {
		t.Fatalf("failed to load location: %v", err)
	}
	return loc
}

func putUser(f *fixture, id string, hours int) {
	f.users.Put(
		model.User{ID: id, Email: id + "@example.com", Name: id, Timezone: "America/Los_Angeles", IntervalHours: hours},
		&model.Caregiver{ID: "cg-" + id, Name: "Carol", Email: "cg-" + id + "@example.com", EmailConfirmed: true, OptedIn: true, SendCheckinEmail: true},
	)
}

func eventsOf(f *fixture, kind model.EventKind) []*model.Event {
	var out []*model.Event
	for _, e := range f.events.All() {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func checkinAt(t *testing.T, f *fixture, userID string, at time.Time, end time.Time) {
	t.Helper()
	_, err := f.events.AppendIfAbsent(context.Background(), &model.Event{
		UserID: userID, Kind: model.EventCheckin, DedupKey: model.BoundaryKey(end), CreatedAt: at,
	})
	if err != nil {
		t.Fatalf("failed to seed check-in: %v", err)
	}
}

// --- テスト ---

func TestAlign_TruncatesToHour(t *testing.T) {
	tests := []struct {
		in   time.Time
		want time.Time
	}{
		{time.Date(2025, 6, 1, 7, 0, 0, 0, time.UTC), time.Date(2025, 6, 1, 7, 0, 0, 0, time.UTC)},
		{time.Date(2025, 6, 1, 7, 29, 59, 0, time.UTC), time.Date(2025, 6, 1, 7, 0, 0, 0, time.UTC)},
		{time.Date(2025, 6, 1, 7, 30, 0, 0, time.UTC), time.Date(2025, 6, 1, 7, 0, 0, 0, time.UTC)},
		{time.Date(2025, 6, 1, 7, 59, 59, 999, time.UTC), time.Date(2025, 6, 1, 7, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		if got := Align(tt.in); !got.Equal(tt.want) {
			t.Errorf("Align(%s) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestRunOnce_MissedWindowRecordsOnceAcrossSweeps(t *testing.T) {
	f := newFixture(t)
	loc := la(t)
	putUser(f, "u1", 24)

	summary, err := f.scheduler.RunOnce(context.Background(), time.Date(2025, 6, 1, 0, 30, 0, 0, loc))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.AlertsSent != 1 || summary.RemindersSent != 0 {
		t.Errorf("alerts = %d, reminders = %d", summary.AlertsSent, summary.RemindersSent)
	}

	missed := eventsOf(f, model.EventMissedCheckin)
	if len(missed) != 1 {
		t.Fatalf("missed_checkin events = %d, want 1", len(missed))
	}
	if got := missed[0].Data[model.PayloadIntervalEnd]; got != "2025-06-01T00:00:00-07:00" {
		t.Errorf("interval_end = %v", got)
	}
	if n := f.notifier.count(notify.KindAlert); n != 1 {
		t.Errorf("alerts instructed = %d, want 1", n)
	}
	if len(summary.Actions) != 1 || summary.Actions[0].IntervalEnd != "2025-06-01T00:00:00-07:00" {
		t.Errorf("actions = %+v", summary.Actions)
	}
	if summary.Datetime != "2025-06-01T07:00:00Z" {
		t.Errorf("datetime = %s", summary.Datetime)
	}

	before := len(f.events.All())
	summary, err = f.scheduler.RunOnce(context.Background(), time.Date(2025, 6, 1, 0, 45, 0, 0, loc))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if after := len(f.events.All()); after != before {
		t.Errorf("second sweep added %d events", after-before)
	}
	if summary.AlertsSent != 0 || f.notifier.count(notify.KindAlert) != 1 {
		t.Errorf("second sweep must not alert again")
	}
}

func TestRunOnce_IdempotentForSameNow(t *testing.T) {
	f := newFixture(t)
	loc := la(t)
	putUser(f, "u1", 2)
	putUser(f, "u2", 24)
	now := time.Date(2025, 6, 1, 9, 10, 0, 0, loc)

	if _, err := f.scheduler.RunOnce(context.Background(), now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	first := len(f.events.All())
	if first == 0 {
		t.Fatal("first sweep should record something for the 2h user")
	}
	summary, err := f.scheduler.RunOnce(context.Background(), now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(f.events.All()) != first || len(summary.Actions) != 0 {
		t.Errorf("second sweep changed the ledger: %d -> %d, actions %v", first, len(f.events.All()), summary.Actions)
	}
}

func TestRunOnce_ReminderBoundary(t *testing.T) {
	loc := la(t)
	tests := []struct {
		name         string
		now          time.Time
		wantReminder int
	}{
		{"終了59分前は送る", time.Date(2025, 6, 1, 9, 1, 0, 0, loc), 1},
		{"終了61分前は送らない", time.Date(2025, 6, 1, 8, 59, 0, 0, loc), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			putUser(f, "u1", 2)

			summary, err := f.scheduler.RunOnce(context.Background(), tt.now)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if summary.RemindersSent != tt.wantReminder {
				t.Errorf("reminders = %d, want %d", summary.RemindersSent, tt.wantReminder)
			}
			if got := len(eventsOf(f, model.EventReminderSent)); got != tt.wantReminder {
				t.Errorf("reminder_email_sent events = %d, want %d", got, tt.wantReminder)
			}
		})
	}
}

func TestRunOnce_ReminderGoesToUserAndSkipsCheckedIn(t *testing.T) {
	f := newFixture(t)
	loc := la(t)
	putUser(f, "u1", 2)
	putUser(f, "u2", 2)
	checkinAt(t, f, "u2", time.Date(2025, 6, 1, 8, 30, 0, 0, loc), time.Date(2025, 6, 1, 10, 0, 0, 0, loc))

	summary, err := f.scheduler.RunOnce(context.Background(), time.Date(2025, 6, 1, 9, 5, 0, 0, loc))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.RemindersSent != 1 || summary.Actions[0].UserID != "u1" {
		t.Fatalf("only u1 should be reminded: %+v", summary.Actions)
	}
	f.notifier.mu.Lock()
	defer f.notifier.mu.Unlock()
	if f.notifier.sent[0].To != "u1@example.com" {
		t.Errorf("reminder recipient = %s", f.notifier.sent[0].To)
	}
}

func TestRunOnce_Escalation24hThenRecovery(t *testing.T) {
	f := newFixture(t)
	loc := la(t)
	putUser(f, "u1", 24)

	lastCheckin := time.Date(2025, 5, 30, 23, 0, 0, 0, loc)
	checkinAt(t, f, "u1", lastCheckin, time.Date(2025, 5, 31, 0, 0, 0, 0, loc))

	summary, err := f.scheduler.RunOnce(context.Background(), lastCheckin.Add(25*time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.AlertsSent != 1 {
		t.Errorf("alerts = %d, want 1", summary.AlertsSent)
	}
	if len(eventsOf(f, model.EventMissedCheckin)) != 1 || len(eventsOf(f, model.EventCaregiverAlertSent)) != 1 {
		t.Fatal("expected exactly one missed_checkin and one alert record")
	}

	svc := checkin.NewService(f.users, f.users, f.events, f.events, f.notifier, f.composer,
		clock.Fixed{T: time.Date(2025, 6, 1, 7, 0, 0, 0, loc)}, nil, f.logger)
	res, err := svc.Record(context.Background(), "u1", checkin.Input{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Notification != checkin.NotificationRecovery {
		t.Errorf("notification = %s, want recovery", res.Notification)
	}
	if f.notifier.count(notify.KindRecovery) != 1 || f.notifier.count(notify.KindCheckin) != 0 {
		t.Errorf("recovery = %d, routine = %d; want 1, 0",
			f.notifier.count(notify.KindRecovery), f.notifier.count(notify.KindCheckin))
	}
}

func TestRunOnce_NotifierFailureRetriesWithoutDuplicateMissed(t *testing.T) {
	f := newFixture(t)
	loc := la(t)
	putUser(f, "u1", 24)
	f.notifier.failTo["cg-u1@example.com"] = errors.New("connection refused")

	summary, err := f.scheduler.RunOnce(context.Background(), time.Date(2025, 6, 1, 0, 10, 0, 0, loc))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !errors.Is(summary.Err(), model.ErrNotifierFailure) {
		t.Errorf("summary error should wrap ErrNotifierFailure, got %v", summary.Err())
	}
	if len(summary.Errors) != 1 || summary.Errors[0].UserID != "u1" {
		t.Errorf("errors = %+v", summary.Errors)
	}
	if len(eventsOf(f, model.EventMissedCheckin)) != 1 {
		t.Error("missed_checkin should be recorded before delivery")
	}
	if len(eventsOf(f, model.EventCaregiverAlertSent)) != 0 {
		t.Error("alert must not be recorded when delivery failed")
	}

	delete(f.notifier.failTo, "cg-u1@example.com")
	summary, err = f.scheduler.RunOnce(context.Background(), time.Date(2025, 6, 1, 0, 40, 0, 0, loc))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.AlertsSent != 1 || summary.Err() != nil {
		t.Errorf("retry should send the alert: %+v", summary)
	}
	if len(eventsOf(f, model.EventMissedCheckin)) != 1 || len(eventsOf(f, model.EventCaregiverAlertSent)) != 1 {
		t.Error("retry must not duplicate missed_checkin")
	}
}

func TestRunOnce_PerUserFailureDoesNotAbortOthers(t *testing.T) {
	f := newFixture(t)
	loc := la(t)
	for _, id := range []string{"u1", "u2", "u3"} {
		putUser(f, id, 24)
	}
	f.notifier.failTo["cg-u2@example.com"] = errors.New("mailbox full")

	summary, err := f.scheduler.RunOnce(context.Background(), time.Date(2025, 6, 1, 0, 5, 0, 0, loc))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.AlertsSent != 2 {
		t.Errorf("alerts = %d, want 2", summary.AlertsSent)
	}
	if summary.Actions[0].UserID != "u1" || summary.Actions[1].UserID != "u3" {
		t.Errorf("actions should be ordered by user: %+v", summary.Actions)
	}
	if len(summary.Errors) != 1 || summary.Errors[0].UserID != "u2" {
		t.Errorf("errors = %+v", summary.Errors)
	}
}

func TestRunOnce_SkipsIneligibleCaregivers(t *testing.T) {
	f := newFixture(t)
	loc := la(t)
	f.users.Put(
		model.User{ID: "u1", Email: "u1@example.com", Timezone: "America/Los_Angeles", IntervalHours: 24},
		&model.Caregiver{ID: "c1", Email: "c@example.com", EmailConfirmed: true, OptedIn: false},
	)

	summary, err := f.scheduler.RunOnce(context.Background(), time.Date(2025, 6, 1, 0, 5, 0, 0, loc))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(summary.Actions) != 0 || len(f.events.All()) != 0 {
		t.Errorf("ineligible user should be skipped entirely: %+v", summary.Actions)
	}
}

func TestRunOnce_ListFailureIsLedgerFailure(t *testing.T) {
	f := newFixture(t)
	users := &mockUserRepo{
		listMonitoredFunc: func(ctx context.Context) ([]model.MonitoredUser, error) {
			return nil, errors.New("connection reset")
		},
	}
	s := NewScheduler(users, f.events, f.events, f.notifier, f.composer, clock.Fixed{}, nil, f.logger, 0)

	_, err := s.RunOnce(context.Background(), time.Now())
	if !errors.Is(err, model.ErrLedgerFailure) {
		t.Errorf("expected ErrLedgerFailure, got %v", err)
	}
}

func TestSummary_JSONShape(t *testing.T) {
	f := newFixture(t)
	loc := la(t)
	putUser(f, "u1", 24)

	summary, err := f.scheduler.RunOnce(context.Background(), time.Date(2025, 6, 1, 0, 30, 0, 0, loc))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	raw, err := json.Marshal(summary)
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	for _, key := range []string{"datetime", "alertsSent", "remindersSent", "actions"} {
		if _, ok := decoded[key]; !ok {
			t.Errorf("summary JSON missing %q: %s", key, raw)
		}
	}
	if _, ok := decoded["errors"]; ok {
		t.Errorf("errors should be omitted when empty: %s", raw)
	}
	action := decoded["actions"].([]any)[0].(map[string]any)
	for _, key := range []string{"type", "userId", "intervalEnd", "localDatetime", "caregiverEmail"} {
		if _, ok := action[key]; !ok {
			t.Errorf("action JSON missing %q", key)
		}
	}
	if action["localDatetime"] != "2025-06-01T00:00:00-07:00" {
		t.Errorf("localDatetime = %v", action["localDatetime"])
	}
}

func TestStart_InvalidSchedule(t *testing.T) {
	f := newFixture(t)
	if err := f.scheduler.Start(context.Background(), "not a schedule"); err == nil {
		t.Error("expected error for invalid schedule")
	}
}

func TestStart_StopsOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- f.scheduler.Start(ctx, "@every 1h") }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop after cancel")
	}
}

func TestRunOnce_ConcurrentSweepsAlertOnce(t *testing.T) {
	f := newFixture(t)
	loc := la(t)
	for i := 0; i < 20; i++ {
		putUser(f, fmt.Sprintf("u%02d", i), 24)
	}
	now := time.Date(2025, 6, 1, 0, 30, 0, 0, loc)

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		alerts int
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			summary, err := f.scheduler.RunOnce(context.Background(), now)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			mu.Lock()
			alerts += summary.AlertsSent
			mu.Unlock()
		}()
	}
	wg.Wait()

	if alerts != 20 {
		t.Errorf("alerts across sweeps = %d, want 20", alerts)
	}
	if n := f.notifier.count(notify.KindAlert); n != 20 {
		t.Errorf("notifier alerts = %d, want 20", n)
	}
	perUser := map[string][2]int{}
	for _, e := range f.events.All() {
		c := perUser[e.UserID]
		switch e.Kind {
		case model.EventMissedCheckin:
			c[0]++
		case model.EventCaregiverAlertSent:
			c[1]++
		}
		perUser[e.UserID] = c
	}
	for userID, c := range perUser {
		if c != [2]int{1, 1} {
			t.Errorf("%s: missed_checkin = %d, alert_sent = %d; want 1, 1", userID, c[0], c[1])
		}
	}
	if len(perUser) != 20 {
		t.Errorf("users with events = %d, want 20", len(perUser))
	}
}

func TestRunOnce_OverlappingCheckinNeverLeavesAlertUnresolved(t *testing.T) {
	loc := la(t)
	sweepAt := time.Date(2025, 6, 1, 0, 30, 0, 0, loc)
	checkinAtTime := time.Date(2025, 6, 1, 0, 20, 0, 0, loc)

	for i := 0; i < 50; i++ {
		f := newFixture(t)
		putUser(f, "u1", 24)
		svc := checkin.NewService(f.users, f.users, f.events, f.events, f.notifier, f.composer,
			clock.Fixed{T: checkinAtTime}, nil, f.logger)

		var (
			wg  sync.WaitGroup
			res *checkin.Result
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, err := f.scheduler.RunOnce(context.Background(), sweepAt); err != nil {
				t.Errorf("sweep: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			var err error
			if res, err = svc.Record(context.Background(), "u1", checkin.Input{}); err != nil {
				t.Errorf("record: %v", err)
			}
		}()
		wg.Wait()
		if t.Failed() {
			return
		}

		if got := len(eventsOf(f, model.EventCheckin)); got != 1 {
			t.Fatalf("checkin events = %d, want 1", got)
		}
		if got := len(eventsOf(f, model.EventMissedCheckin)); got != 1 {
			t.Fatalf("missed_checkin events = %d, want 1", got)
		}
		alerts := f.notifier.count(notify.KindAlert)
		if alerts != len(eventsOf(f, model.EventCaregiverAlertSent)) || alerts > 1 {
			t.Fatalf("alerts sent = %d, alert records = %d", alerts, len(eventsOf(f, model.EventCaregiverAlertSent)))
		}

		// どちらの順序でも、担当者がアラートだけを受け取って終わることはない
		switch res.Notification {
		case checkin.NotificationRecovery:
			if alerts != 1 || f.notifier.count(notify.KindRecovery) != 1 {
				t.Fatalf("recovery without a preceding alert: alerts = %d", alerts)
			}
		case checkin.NotificationCheckin:
			if alerts != 0 {
				t.Fatalf("alert sent after the user had already checked in")
			}
		default:
			t.Fatalf("notification = %s", res.Notification)
		}
	}
}

func TestRunOnce_LateSweepSkipsAlertWhenAlreadyCheckedIn(t *testing.T) {
	f := newFixture(t)
	loc := la(t)
	putUser(f, "u1", 24)
	checkinAt(t, f, "u1", time.Date(2025, 6, 1, 0, 10, 0, 0, loc), time.Date(2025, 6, 2, 0, 0, 0, 0, loc))

	f.clock.T = time.Date(2025, 6, 1, 0, 45, 0, 0, loc)
	summary, err := f.scheduler.RunOnce(context.Background(), f.clock.T)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if summary.AlertsSent != 0 || f.notifier.count(notify.KindAlert) != 0 {
		t.Errorf("alerts = %d, want 0", summary.AlertsSent)
	}
	if got := len(eventsOf(f, model.EventCaregiverAlertSent)); got != 0 {
		t.Errorf("caregiver_alert_email_sent events = %d, want 0", got)
	}
	if got := len(eventsOf(f, model.EventMissedCheckin)); got != 1 {
		t.Errorf("missed_checkin events = %d, want 1", got)
	}
}

func TestRunOnce_RecordsAtClockTimeNotAlignedTime(t *testing.T) {
	f := newFixture(t)
	loc := la(t)
	putUser(f, "u1", 24)
	f.clock.T = time.Date(2025, 6, 1, 0, 45, 0, 0, loc)

	if _, err := f.scheduler.RunOnce(context.Background(), f.clock.T); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, kind := range []model.EventKind{model.EventMissedCheckin, model.EventCaregiverAlertSent} {
		events := eventsOf(f, kind)
		if len(events) != 1 {
			t.Fatalf("%s events = %d, want 1", kind, len(events))
		}
		if !events[0].CreatedAt.Equal(f.clock.T) {
			t.Errorf("%s created_at = %v, want %v", kind, events[0].CreatedAt, f.clock.T)
		}
		if got := events[0].Data["sweep_datetime"]; got != "2025-06-01T07:00:00Z" {
			t.Errorf("%s sweep_datetime = %v, want the aligned instant", kind, got)
		}
	}

	// 履歴では 00:10 のチェックインより後に並ぶ
	checkinAt(t, f, "u1", time.Date(2025, 6, 1, 0, 10, 0, 0, loc), time.Date(2025, 6, 2, 0, 0, 0, 0, loc))
	history, err := f.events.ListByUser(context.Background(), "u1", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if history[len(history)-1].Kind != model.EventCheckin {
		t.Errorf("oldest history entry = %s, want checkin", history[len(history)-1].Kind)
	}
}
