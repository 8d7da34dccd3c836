// Package model はドメインモデルを定義する。
package model

import "time"

// EventKind は台帳イベントの種別を表す。
// 値は履歴画面などの他コンポーネントが依存するワイヤ契約。
type EventKind string

const (
	// EventCheckin はユーザーのチェックイン。
	EventCheckin EventKind = "checkin"
	// EventMissedCheckin はウィンドウ内にチェックインがなかったことの記録。
	EventMissedCheckin EventKind = "missed_checkin"
	// EventCaregiverAlertSent は担当者へのアラート送信済みの記録。
	EventCaregiverAlertSent EventKind = "caregiver_alert_email_sent"
	// EventReminderSent はユーザーへのリマインダー送信済みの記録。
	EventReminderSent EventKind = "reminder_email_sent"
	// EventCaregiverCheckinSent は担当者への通常チェックイン通知の記録。
	EventCaregiverCheckinSent EventKind = "caregiver_checkin_email_sent"
	// EventCaregiverImOkSent は見逃し後のチェックインを担当者へ知らせた記録。
	EventCaregiverImOkSent EventKind = "caregiver_im_ok_email_sent"

	// 以下はエンジンが参照しない管理用の種別。
	EventCaregiverUpdated   EventKind = "caregiver_updated"
	EventCaregiverEmailSent EventKind = "caregiver_email_sent"
	EventCaregiverOptIn     EventKind = "caregiver_optin"
	EventCaregiverOptOut    EventKind = "caregiver_optout"
)

// PayloadIntervalEnd はウィンドウ境界を保持するペイロードのキー。
const PayloadIntervalEnd = "interval_end"

// Event は追記専用台帳のイベントを表す。作成後に変更・削除されることはない。
type Event struct {
	ID           string
	UserID       string
	Kind         EventKind
	Data         map[string]any
	FeelingLevel *int
	Note         *string
	// DedupKey は同一ユーザー・同一種別での重複を防ぐキー。
	// ウィンドウ境界に紐づくイベントではBoundaryKeyの値を持ち、それ以外は空。
	DedupKey  string
	CreatedAt time.Time // UTC
}

// BoundaryKey はウィンドウ境界の瞬間から重複判定キーを生成する。
// タイムゾーン表記に依存しないようUTCに正規化する。
func BoundaryKey(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// IntervalEnd はペイロードのinterval_endを解釈して返す。
// 存在しないか解釈できない場合はfalseを返す。
func (e *Event) IntervalEnd() (time.Time, bool) {
	if e == nil || e.Data == nil {
		return time.Time{}, false
	}
	raw, ok := e.Data[PayloadIntervalEnd].(string)
	if !ok || raw == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// IsBoundary はイベントが指定境界に紐づくかを返す。
func (e *Event) IsBoundary(boundary time.Time) bool {
	if e.DedupKey != "" {
		return e.DedupKey == BoundaryKey(boundary)
	}
	end, ok := e.IntervalEnd()
	return ok && end.Equal(boundary)
}
