// Package notify は担当者・ユーザーへの通知メッセージの組み立てと配送を提供する。
// エンジンは「送るかどうか」と「何を送るか」だけを決め、配送方法はNotifierに委ねる。
package notify

import (
	"context"
	"errors"
)

// Kind は通知の種類を表す。ログとメトリクスのラベルに使用する。
type Kind string

const (
	KindAlert        Kind = "alert"
	KindReminder     Kind = "reminder"
	KindRecovery     Kind = "recovery"
	KindCheckin      Kind = "checkin"
	KindConfirmation Kind = "confirmation"
)

// Message は送信する通知メッセージ。
type Message struct {
	Kind    Kind
	To      string
	Subject string
	Body    string
}

// Notifier は通知の配送インターフェース。
// エンジンから見ると投げっぱなしで、失敗はログに記録され同期的な再試行は行わない。
type Notifier interface {
	Send(ctx context.Context, msg Message) error
}

// ErrDeliveryDisabled は設定により配送が無効化されていることを表す。
var ErrDeliveryDisabled = errors.New("notify: delivery disabled")

// NotifierFunc は関数をNotifierとして扱うアダプタ。
type NotifierFunc func(ctx context.Context, msg Message) error

// Send は関数を呼び出す。
func (f NotifierFunc) Send(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}
