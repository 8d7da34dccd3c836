package handler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/stillokay/internal/checkin"
	"github.com/hitoshi/stillokay/internal/clock"
	"github.com/hitoshi/stillokay/internal/metrics"
	"github.com/hitoshi/stillokay/internal/middleware"
	"github.com/hitoshi/stillokay/internal/worker/sweep"
)

type mockHealthChecker struct {
	err error
}

func (m *mockHealthChecker) PingContext(ctx context.Context) error {
	return m.err
}

const testCronSecret = "cron-secret"

// newTestRouter はモックサービスでルーターを構成する。
func newTestRouter(t *testing.T, override func(d *RouterDeps)) http.Handler {
	t.Helper()
	rl := middleware.NewRateLimiter(middleware.NewRateLimiterConfig(60, 60))
	t.Cleanup(rl.Stop)

	deps := &RouterDeps{
		HealthChecker:     &mockHealthChecker{},
		CORSAllowedOrigin: "https://stillokay.example.com",
		RateLimiter:       rl,
		CronSecret:        testCronSecret,
		Logger:            newDiscardLogger(),
		CheckinService:    &mockCheckinService{},
		CaregiverService:  &mockCaregiverService{},
		Sweeper:           &mockSweepRunner{},
		Clock:             clock.Fixed{T: sweepNow},
	}
	if override != nil {
		override(deps)
	}
	return NewRouter(deps)
}

func serve(h http.Handler, method, target string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestRouter_UserRoutesRequireIdentity(t *testing.T) {
	router := newTestRouter(t, nil)
	routes := []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/api/checkin"},
		{http.MethodGet, "/api/checkin/status"},
		{http.MethodGet, "/api/checkin/last"},
		{http.MethodGet, "/api/history"},
		{http.MethodPost, "/api/caregiver/confirmation"},
	}
	for _, rt := range routes {
		t.Run(rt.method+" "+rt.path, func(t *testing.T) {
			if w := serve(router, rt.method, rt.path, nil); w.Code != http.StatusUnauthorized {
				t.Errorf("without header: status = %d, want %d", w.Code, http.StatusUnauthorized)
			}
			if w := serve(router, rt.method, rt.path, map[string]string{"X-User-ID": "u1"}); w.Code == http.StatusUnauthorized {
				t.Errorf("with header: status = %d, should pass identity", w.Code)
			}
		})
	}
}

func TestRouter_CustomUserIDHeader(t *testing.T) {
	var gotUserID string
	router := newTestRouter(t, func(d *RouterDeps) {
		d.UserIDHeader = "X-Auth-Subject"
		d.CheckinService = &mockCheckinService{
			statusFn: func(ctx context.Context, userID string) (*checkin.Status, error) {
				gotUserID = userID
				return &checkin.Status{}, nil
			},
		}
	})

	if w := serve(router, http.MethodGet, "/api/checkin/status", map[string]string{"X-User-ID": "u1"}); w.Code != http.StatusUnauthorized {
		t.Errorf("default header should be ignored: status = %d", w.Code)
	}
	w := serve(router, http.MethodGet, "/api/checkin/status", map[string]string{"X-Auth-Subject": "u9"})
	if w.Code != http.StatusOK || gotUserID != "u9" {
		t.Errorf("status = %d userID = %q, want 200 and u9", w.Code, gotUserID)
	}
}

func TestRouter_CronSweepRequiresSecret(t *testing.T) {
	called := 0
	router := newTestRouter(t, func(d *RouterDeps) {
		d.Sweeper = &mockSweepRunner{
			runOnceFn: func(ctx context.Context, now time.Time) (*sweep.Summary, error) {
				called++
				return &sweep.Summary{}, nil
			},
		}
	})

	tests := []struct {
		name   string
		header map[string]string
		want   int
	}{
		{"ヘッダーなし", nil, http.StatusUnauthorized},
		{"不一致", map[string]string{"Authorization": "Bearer wrong"}, http.StatusUnauthorized},
		{"ユーザーIDでは不可", map[string]string{"X-User-ID": "u1"}, http.StatusUnauthorized},
		{"一致", map[string]string{"Authorization": "Bearer " + testCronSecret}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := serve(router, http.MethodPost, "/api/cron/sweep", tt.header); w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
	if called != 1 {
		t.Errorf("sweep called %d times, want 1", called)
	}
}

func TestRouter_Health(t *testing.T) {
	t.Run("DB正常", func(t *testing.T) {
		w := serve(newTestRouter(t, nil), http.MethodGet, "/health", nil)
		if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"ok"`) {
			t.Errorf("status = %d body = %s", w.Code, w.Body.String())
		}
	})

	t.Run("DB停止", func(t *testing.T) {
		router := newTestRouter(t, func(d *RouterDeps) {
			d.HealthChecker = &mockHealthChecker{err: errors.New("connection refused")}
		})
		w := serve(router, http.MethodGet, "/health", nil)
		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
		}
	})
}

func TestRouter_Metrics(t *testing.T) {
	t.Run("ハンドラー未設定なら公開しない", func(t *testing.T) {
		if w := serve(newTestRouter(t, nil), http.MethodGet, "/metrics", nil); w.Code != http.StatusNotFound {
			t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
		}
	})

	t.Run("HTTPステータスを記録して公開する", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		router := newTestRouter(t, func(d *RouterDeps) {
			d.Metrics = metrics.NewCollector(reg)
			d.MetricsHandler = metrics.Handler(reg)
		})

		serve(router, http.MethodGet, "/health", nil)
		w := serve(router, http.MethodGet, "/metrics", nil)

		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
		}
		if !strings.Contains(w.Body.String(), `stillokay_http_status_total{status_code="200"}`) {
			t.Errorf("metrics output missing http status counter:\n%s", w.Body.String())
		}
	})
}

func TestRouter_CaregiverConfirmIsPublic(t *testing.T) {
	w := serve(newTestRouter(t, nil), http.MethodGet, "/api/caregiver-confirm?token=abc&action=optin", nil)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestRouter_CheckinRateLimit(t *testing.T) {
	rl := middleware.NewRateLimiter(middleware.RateLimiterConfig{
		GeneralRate:  100,
		GeneralBurst: 100,
		CheckinRate:  0.001,
		CheckinBurst: 1,
	})
	t.Cleanup(rl.Stop)
	router := newTestRouter(t, func(d *RouterDeps) { d.RateLimiter = rl })
	header := map[string]string{"X-User-ID": "u1"}

	if w := serve(router, http.MethodPost, "/api/checkin", header); w.Code != http.StatusOK {
		t.Fatalf("first checkin: status = %d, want %d", w.Code, http.StatusOK)
	}
	w := serve(router, http.MethodPost, "/api/checkin", header)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second checkin: status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("Retry-After header should be set")
	}

	// チェックイン専用の制限は他のエンドポイントに影響しない
	if w := serve(router, http.MethodGet, "/api/checkin/status", header); w.Code != http.StatusOK {
		t.Errorf("status endpoint: status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestRouter_CORSPreflight(t *testing.T) {
	router := newTestRouter(t, nil)
	w := serve(router, http.MethodOptions, "/api/checkin", map[string]string{
		"Origin":                        "https://stillokay.example.com",
		"Access-Control-Request-Method": "POST",
	})

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://stillokay.example.com" {
		t.Errorf("Allow-Origin = %q", got)
	}
	if got := w.Header().Get("Access-Control-Allow-Headers"); !strings.Contains(got, "X-User-ID") {
		t.Errorf("Allow-Headers = %q, want contains X-User-ID", got)
	}
}

func TestRouter_SetsRequestID(t *testing.T) {
	var buf strings.Builder
	router := newTestRouter(t, func(d *RouterDeps) { d.Logger = newBufferLogger(&buf) })

	serve(router, http.MethodGet, "/health", nil)

	if !strings.Contains(buf.String(), `"request_id"`) {
		t.Errorf("request log should include request_id: %s", buf.String())
	}
}
