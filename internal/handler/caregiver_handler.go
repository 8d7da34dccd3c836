package handler

import (
	"context"
	"errors"
	"html/template"
	"log/slog"
	"net/http"

	"github.com/hitoshi/stillokay/internal/caregiver"
	"github.com/hitoshi/stillokay/internal/model"
)

// CaregiverServiceInterface は担当者ハンドラーが必要とするサービスインターフェース。
type CaregiverServiceInterface interface {
	Confirm(ctx context.Context, token, rawAction string) (caregiver.Action, error)
	SendConfirmation(ctx context.Context, userID string) error
}

// CaregiverHandler は担当者確認のHTTPハンドラー。
type CaregiverHandler struct {
	service CaregiverServiceInterface
}

// NewCaregiverHandler はCaregiverHandlerを生成する。
func NewCaregiverHandler(service CaregiverServiceInterface) *CaregiverHandler {
	return &CaregiverHandler{service: service}
}

var confirmPage = template.Must(template.New("confirm").Parse(
	`<html><body><h2>Still Okay</h2><p>{{.}}</p></body></html>`,
))

var confirmMessages = map[caregiver.Action]string{
	caregiver.ActionOptIn:  "Thank you for confirming! You are now listed as the caregiver.",
	caregiver.ActionOptOut: "You have opted out. You will not receive any notifications.",
}

// Confirm はメール内の確認リンクを処理し、結果をHTMLで返す。
// 担当者はブラウザから直接開くため、エラーもプレーンテキストで返す。
// GET /api/caregiver-confirm?token=&action=optin|optout
func (h *CaregiverHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	rawAction := r.URL.Query().Get("action")
	if token == "" || rawAction == "" {
		http.Error(w, "Missing token or action.", http.StatusBadRequest)
		return
	}

	action, err := h.service.Confirm(r.Context(), token, rawAction)
	if err != nil {
		var apiErr *model.APIError
		if errors.As(err, &apiErr) {
			switch apiErr.Code {
			case model.ErrCodeInvalidConfirmAction:
				http.Error(w, "Invalid action.", http.StatusBadRequest)
				return
			case model.ErrCodeInvalidConfirmationToken:
				http.Error(w, "Invalid or expired confirmation link.", http.StatusNotFound)
				return
			}
		}
		slog.ErrorContext(r.Context(), "caregiver confirmation failed",
			slog.String("error", err.Error()),
		)
		http.Error(w, "Database error.", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	confirmPage.Execute(w, confirmMessages[action])
}

// SendConfirmation は担当者へ確認メールを再送する。
// POST /api/caregiver/confirmation
func (h *CaregiverHandler) SendConfirmation(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	if err := h.service.SendConfirmation(r.Context(), userID); err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"sent": true})
}
