package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	_ "time/tzdata"

	"github.com/hitoshi/stillokay/internal/caregiver"
	"github.com/hitoshi/stillokay/internal/checkin"
	"github.com/hitoshi/stillokay/internal/clock"
	"github.com/hitoshi/stillokay/internal/model"
	"github.com/hitoshi/stillokay/internal/notify"
	"github.com/hitoshi/stillokay/internal/repository"
	"github.com/hitoshi/stillokay/internal/worker/sweep"
)

func newDiscardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func newBufferLogger(w io.Writer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, nil))
}

// recordingNotifier は送信されたメッセージを記録するNotifier。
type recordingNotifier struct {
	mu   sync.Mutex
	sent []notify.Message
}

func (n *recordingNotifier) Send(ctx context.Context, msg notify.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
	return nil
}

func (n *recordingNotifier) kinds() []notify.Kind {
	n.mu.Lock()
	defer n.mu.Unlock()
	kinds := make([]notify.Kind, 0, len(n.sent))
	for _, m := range n.sent {
		kinds = append(kinds, m.Kind)
	}
	return kinds
}

// integrationEnv はメモリ上の台帳と実サービスで構成したルーター。
type integrationEnv struct {
	router   http.Handler
	events   *repository.MemoryEventRepo
	notifier *recordingNotifier
	now      *time.Time
}

func newIntegrationEnv(t *testing.T, now time.Time) *integrationEnv {
	t.Helper()
	logger := newDiscardLogger()
	env := &integrationEnv{notifier: &recordingNotifier{}, now: &now}
	clk := clock.Func(func() time.Time { return *env.now })

	token := "confirm-token"
	users := repository.NewMemoryUserRepo()
	users.Put(model.User{
		ID:            "u1",
		Email:         "user@example.com",
		Name:          "Aki",
		Timezone:      "America/Los_Angeles",
		IntervalHours: 24,
	}, &model.Caregiver{
		ID:             "cg1",
		UserID:         "u1",
		Name:           "Mika",
		Email:          "caregiver@example.com",
		EmailConfirmed: true,
		OptedIn:        true,
		Token:          &token,
	})
	env.events = repository.NewMemoryEventRepo().WithNow(clk.Now)
	composer := notify.NewComposer("https://stillokay.example.com")

	checkinSvc := checkin.NewService(users, users, env.events, env.events, env.notifier, composer, clk, nil, logger)
	caregiverSvc := caregiver.NewService(users, users, env.events, env.notifier, composer, clk, logger)
	sweeper := sweep.NewScheduler(users, env.events, env.events, env.notifier, composer, clk, nil, logger, 2)

	env.router = newTestRouter(t, func(d *RouterDeps) {
		d.Logger = logger
		d.CheckinService = checkinSvc
		d.CaregiverService = caregiverSvc
		d.Sweeper = sweeper
		d.Clock = clk
	})
	return env
}

func (e *integrationEnv) do(t *testing.T, method, target, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

var (
	asUser = map[string]string{"X-User-ID": "u1"}
	asCron = map[string]string{"Authorization": "Bearer " + testCronSecret}
)

// 見逃し → アラート → 遅れてチェックイン → 「無事」通知 の一連の流れ。
func TestIntegration_MissedAlertThenRecovery(t *testing.T) {
	// 2025-06-02 00:30 PDT。直前ウィンドウ（6/1）はチェックインなしで終了している
	env := newIntegrationEnv(t, time.Date(2025, 6, 2, 7, 30, 0, 0, time.UTC))

	w := env.do(t, http.MethodPost, "/api/cron/sweep", "", asCron)
	if w.Code != http.StatusOK {
		t.Fatalf("sweep: status = %d body = %s", w.Code, w.Body.String())
	}
	var summary sweep.Summary
	if err := json.NewDecoder(w.Body).Decode(&summary); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if summary.AlertsSent != 1 || summary.RemindersSent != 0 {
		t.Fatalf("summary = %+v, want 1 alert", summary)
	}
	if summary.Datetime != "2025-06-02T07:00:00Z" {
		t.Errorf("datetime = %s, want aligned to the hour", summary.Datetime)
	}

	// 同じ時刻で再実行してもアラートは増えない
	w = env.do(t, http.MethodPost, "/api/cron/sweep", "", asCron)
	if err := json.NewDecoder(w.Body).Decode(&summary); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if summary.AlertsSent != 0 {
		t.Errorf("repeated sweep sent %d alerts, want 0", summary.AlertsSent)
	}

	w = env.do(t, http.MethodGet, "/api/checkin/status", "", asUser)
	var st statusResponse
	if err := json.NewDecoder(w.Body).Decode(&st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.CheckedIn || st.State != "alerted" {
		t.Errorf("status before checkin = %+v, want not checked in and alerted", st)
	}

	w = env.do(t, http.MethodPost, "/api/checkin", `{"feelingLevel":6}`, asUser)
	if w.Code != http.StatusOK {
		t.Fatalf("checkin: status = %d body = %s", w.Code, w.Body.String())
	}
	var res checkinResponse
	if err := json.NewDecoder(w.Body).Decode(&res); err != nil {
		t.Fatalf("decode checkin: %v", err)
	}
	if res.Notification != string(checkin.NotificationRecovery) {
		t.Errorf("notification = %q, want recovery", res.Notification)
	}
	if res.IntervalStart != "2025-06-02T00:00:00-07:00" || res.IntervalEnd != "2025-06-03T00:00:00-07:00" {
		t.Errorf("interval = %s..%s", res.IntervalStart, res.IntervalEnd)
	}

	// 同じウィンドウでの2回目は409
	if w := env.do(t, http.MethodPost, "/api/checkin", "", asUser); w.Code != http.StatusConflict {
		t.Errorf("second checkin: status = %d, want %d", w.Code, http.StatusConflict)
	}

	w = env.do(t, http.MethodGet, "/api/checkin/status", "", asUser)
	if err := json.NewDecoder(w.Body).Decode(&st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if !st.CheckedIn || st.State != "recovered" {
		t.Errorf("status after checkin = %+v, want checked in and recovered", st)
	}

	got := env.notifier.kinds()
	want := []notify.Kind{notify.KindAlert, notify.KindRecovery}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("sent = %v, want %v", got, want)
	}

	w = env.do(t, http.MethodGet, "/api/history", "", asUser)
	var hist historyResponse
	if err := json.NewDecoder(w.Body).Decode(&hist); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	types := map[string]int{}
	for _, e := range hist.Events {
		types[e.EventType]++
	}
	for _, kind := range []model.EventKind{
		model.EventMissedCheckin,
		model.EventCaregiverAlertSent,
		model.EventCheckin,
		model.EventCaregiverImOkSent,
	} {
		if types[string(kind)] != 1 {
			t.Errorf("history has %d %s events, want 1", types[string(kind)], kind)
		}
	}
}

// ウィンドウ終了の1時間前にリマインダーが送られ、チェックイン後は送られない。
func TestIntegration_ReminderBeforeWindowEnd(t *testing.T) {
	// 2025-06-01 23:00 PDT。ウィンドウ終了まで1時間
	env := newIntegrationEnv(t, time.Date(2025, 6, 2, 6, 0, 0, 0, time.UTC))

	w := env.do(t, http.MethodPost, "/api/cron/sweep", "", asCron)
	var summary sweep.Summary
	if err := json.NewDecoder(w.Body).Decode(&summary); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if summary.RemindersSent != 1 {
		t.Fatalf("reminders = %d, want 1", summary.RemindersSent)
	}

	// delayHoursで2時間前を判定するとリマインダー対象外
	w = env.do(t, http.MethodPost, "/api/cron/sweep?delayHours=-2", "", asCron)
	if err := json.NewDecoder(w.Body).Decode(&summary); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if summary.RemindersSent != 0 || summary.AlertsSent != 0 {
		t.Errorf("summary at -2h = %+v, want no actions", summary)
	}

	if w := env.do(t, http.MethodPost, "/api/checkin", "", asUser); w.Code != http.StatusOK {
		t.Fatalf("checkin: status = %d", w.Code)
	}

	// 次の時間のスイープ（ウィンドウ終了直後）ではアラートを送らない
	*env.now = time.Date(2025, 6, 2, 7, 10, 0, 0, time.UTC)
	w = env.do(t, http.MethodPost, "/api/cron/sweep", "", asCron)
	if err := json.NewDecoder(w.Body).Decode(&summary); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if summary.AlertsSent != 0 {
		t.Errorf("alerts = %d, want 0 after checkin", summary.AlertsSent)
	}
}

// 確認リンクは1回限りで、使用後は無効になる。
func TestIntegration_CaregiverConfirmLinkIsSingleUse(t *testing.T) {
	env := newIntegrationEnv(t, time.Date(2025, 6, 1, 16, 0, 0, 0, time.UTC))

	w := env.do(t, http.MethodGet, "/api/caregiver-confirm?token=confirm-token&action=optout", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("first confirm: status = %d body = %s", w.Code, w.Body.String())
	}
	w = env.do(t, http.MethodGet, "/api/caregiver-confirm?token=confirm-token&action=optin", "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("reused token: status = %d, want %d", w.Code, http.StatusNotFound)
	}

	// 再送すると新しいトークンがメールで届く
	w = env.do(t, http.MethodPost, "/api/caregiver/confirmation", "", asUser)
	if w.Code != http.StatusAccepted {
		t.Fatalf("resend: status = %d body = %s", w.Code, w.Body.String())
	}
	if got := env.notifier.kinds(); len(got) != 1 || got[0] != notify.KindConfirmation {
		t.Errorf("sent = %v, want one confirmation", got)
	}

	var optOuts int
	for _, e := range env.events.All() {
		if e.Kind == model.EventCaregiverOptOut {
			optOuts++
		}
	}
	if optOuts != 1 {
		t.Errorf("caregiver_optout events = %d, want 1", optOuts)
	}
}
