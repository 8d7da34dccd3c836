// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, checkin, caregiver, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeUserNotFound             = "USER_NOT_FOUND"
	ErrCodeAlreadyCheckedIn         = "ALREADY_CHECKED_IN"
	ErrCodeInvalidFeelingLevel      = "INVALID_FEELING_LEVEL"
	ErrCodeNoteTooLong              = "NOTE_TOO_LONG"
	ErrCodeInvalidRequestBody       = "INVALID_REQUEST_BODY"
	ErrCodeCaregiverNotFound        = "CAREGIVER_NOT_FOUND"
	ErrCodeInvalidConfirmationToken = "INVALID_CONFIRMATION_TOKEN"
	ErrCodeInvalidConfirmAction     = "INVALID_CONFIRMATION_ACTION"
	ErrCodeInvalidDelayHours        = "INVALID_DELAY_HOURS"
	ErrCodeUnauthorized             = "UNAUTHORIZED"
	ErrCodeRateLimitExceeded        = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal                 = "INTERNAL_ERROR"
	ErrCodeNotificationFailed       = "NOTIFICATION_FAILED"
)

// MaxNoteLength はチェックインに添えるメモの最大文字数。
const MaxNoteLength = 1000

// ErrNotifierFailure は通知の配送に失敗したことを表す。
// 台帳には送信済みイベントを書き込まないため、後続の処理で再送される。
var ErrNotifierFailure = errors.New("notifier failure")

// ErrLedgerFailure は台帳の読み書きに失敗したことを表す。
var ErrLedgerFailure = errors.New("ledger failure")

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "ユーザーが見つかりません。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewAlreadyCheckedInError は現在のウィンドウで既にチェックイン済みの場合のエラーを生成する。
// エラー状態ではなく、次のウィンドウで再試行すべきことを示す想定内の結果。
func NewAlreadyCheckedInError(nextWindowStart string) *APIError {
	return &APIError{
		Code:     ErrCodeAlreadyCheckedIn,
		Message:  "この時間帯は既にチェックイン済みです。",
		Category: "checkin",
		Action:   fmt.Sprintf("次の時間帯（%s 以降）に再度チェックインしてください。", nextWindowStart),
	}
}

// NewInvalidFeelingLevelError は気分レベルが範囲外の場合のエラーを生成する。
func NewInvalidFeelingLevelError(level int) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidFeelingLevel,
		Message:  fmt.Sprintf("無効な気分レベルです: %d", level),
		Category: "validation",
		Action:   "気分レベルは1から10の範囲で指定してください。",
	}
}

// NewNoteTooLongError はメモが長すぎる場合のエラーを生成する。
func NewNoteTooLongError() *APIError {
	return &APIError{
		Code:     ErrCodeNoteTooLong,
		Message:  fmt.Sprintf("メモは%d文字以内で入力してください。", MaxNoteLength),
		Category: "validation",
		Action:   "メモを短くしてから再度お試しください。",
	}
}

// NewInvalidRequestBodyError はリクエストボディを解釈できない場合のエラーを生成する。
func NewInvalidRequestBodyError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequestBody,
		Message:  "リクエストボディが不正です。",
		Category: "validation",
		Action:   "正しいJSON形式でリクエストを送信してください。",
	}
}

// NewCaregiverNotFoundError は担当者が未登録の場合のエラーを生成する。
func NewCaregiverNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeCaregiverNotFound,
		Message:  "担当者が登録されていません。",
		Category: "caregiver",
		Action:   "設定画面から担当者を登録してください。",
	}
}

// NewInvalidConfirmationTokenError は確認トークンが無効または使用済みの場合のエラーを生成する。
func NewInvalidConfirmationTokenError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidConfirmationToken,
		Message:  "確認リンクが無効か、期限切れです。",
		Category: "caregiver",
		Action:   "ユーザーに確認メールの再送を依頼してください。",
	}
}

// NewInvalidConfirmActionError は確認アクションが不正な場合のエラーを生成する。
func NewInvalidConfirmActionError(action string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidConfirmAction,
		Message:  fmt.Sprintf("無効なアクションです: %s", action),
		Category: "validation",
		Action:   "action には optin または optout を指定してください。",
	}
}

// NewInvalidDelayHoursError はスイープの時刻オフセット指定が不正な場合のエラーを生成する。
func NewInvalidDelayHoursError(raw string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidDelayHours,
		Message:  fmt.Sprintf("無効なdelayHoursです: %s", raw),
		Category: "validation",
		Action:   "delayHours には数値（時間単位）を指定してください。",
	}
}

// NewUnauthorizedError は認証情報がない、または一致しない場合のエラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewRateLimitExceededError はレート制限を超過した場合のエラーを生成する。
func NewRateLimitExceededError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimitExceeded,
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "Retry-Afterヘッダーの秒数だけ待ってから再度お試しください。",
	}
}

// NewNotificationFailedError はメール送信に失敗した場合のエラーを生成する。
func NewNotificationFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeNotificationFailed,
		Message:  "メールを送信できませんでした。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
