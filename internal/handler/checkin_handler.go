// Package handler はHTTPハンドラーとルーティングを提供する。
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/hitoshi/stillokay/internal/checkin"
	"github.com/hitoshi/stillokay/internal/model"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 500
)

// CheckinServiceInterface はチェックインハンドラーが必要とするサービスインターフェース。
type CheckinServiceInterface interface {
	Record(ctx context.Context, userID string, in checkin.Input) (*checkin.Result, error)
	Status(ctx context.Context, userID string) (*checkin.Status, error)
	LastCheckin(ctx context.Context, userID string) (*model.Event, error)
	History(ctx context.Context, userID string, limit int) ([]*model.Event, error)
}

// CheckinHandler はチェックインと履歴のHTTPハンドラー。
type CheckinHandler struct {
	service CheckinServiceInterface
}

// NewCheckinHandler はCheckinHandlerを生成する。
func NewCheckinHandler(service CheckinServiceInterface) *CheckinHandler {
	return &CheckinHandler{service: service}
}

type checkinRequest struct {
	FeelingLevel *int    `json:"feelingLevel"`
	Note         *string `json:"note"`
}

type checkinResponse struct {
	Success       bool   `json:"success"`
	IntervalStart string `json:"intervalStart"`
	IntervalEnd   string `json:"intervalEnd"`
	Notification  string `json:"notification"`
}

type statusResponse struct {
	CheckedIn         bool   `json:"checkedIn"`
	IntervalStart     string `json:"intervalStart"`
	IntervalEnd       string `json:"intervalEnd"`
	NextIntervalStart string `json:"nextIntervalStart"`
	IntervalHours     int    `json:"intervalHours"`
	State             string `json:"state"`
}

type lastCheckinResponse struct {
	LastCheckIn *string `json:"lastCheckIn"`
}

type eventResponse struct {
	ID           string         `json:"id"`
	EventType    string         `json:"event_type"`
	EventData    map[string]any `json:"event_data"`
	FeelingLevel *int           `json:"feeling_level,omitempty"`
	Note         *string        `json:"note,omitempty"`
	CreatedAt    string         `json:"created_at"`
}

type historyResponse struct {
	Events []eventResponse `json:"events"`
}

// Checkin は現在のウィンドウへのチェックインを記録する。
// POST /api/checkin
func (h *CheckinHandler) Checkin(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	var req checkinRequest
	// ボディなしのチェックインも受け付ける
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		handleServiceError(w, r, model.NewInvalidRequestBodyError())
		return
	}

	result, err := h.service.Record(r.Context(), userID, checkin.Input{
		FeelingLevel: req.FeelingLevel,
		Note:         req.Note,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, checkinResponse{
		Success:       true,
		IntervalStart: result.Window.Start.Format(time.RFC3339),
		IntervalEnd:   result.Window.End.Format(time.RFC3339),
		Notification:  string(result.Notification),
	})
}

// Status は現在のウィンドウのチェックイン状況を返す。
// GET /api/checkin/status
func (h *CheckinHandler) Status(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	st, err := h.service.Status(r.Context(), userID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, statusResponse{
		CheckedIn:         st.CheckedIn,
		IntervalStart:     st.Window.Start.Format(time.RFC3339),
		IntervalEnd:       st.Window.End.Format(time.RFC3339),
		NextIntervalStart: st.Next.Start.Format(time.RFC3339),
		IntervalHours:     st.Window.Hours,
		State:             string(st.State),
	})
}

// Last は最後のチェックイン日時を返す。チェックインがない場合はnull。
// GET /api/checkin/last
func (h *CheckinHandler) Last(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	event, err := h.service.LastCheckin(r.Context(), userID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	var resp lastCheckinResponse
	if event != nil {
		at := event.CreatedAt.UTC().Format(time.RFC3339)
		resp.LastCheckIn = &at
	}
	writeJSON(w, http.StatusOK, resp)
}

// History は台帳イベントを新しい順に返す。
// GET /api/history?limit=
// limitが数値でない、または0以下の場合はデフォルト件数を使用する。
func (h *CheckinHandler) History(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	limit := defaultHistoryLimit
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 {
		limit = min(n, maxHistoryLimit)
	}

	events, err := h.service.History(r.Context(), userID, limit)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	resp := historyResponse{Events: make([]eventResponse, 0, len(events))}
	for _, e := range events {
		resp.Events = append(resp.Events, eventResponse{
			ID:           e.ID,
			EventType:    string(e.Kind),
			EventData:    e.Data,
			FeelingLevel: e.FeelingLevel,
			Note:         e.Note,
			CreatedAt:    e.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}
