// Package escalation はユーザーごとのエスカレーション状態を台帳から導出する。
//
// 状態はどこにも保存されず、ウィンドウ境界に紐づく台帳イベントに対する純粋関数として求める。
//
//	normal → missed    スイープがウィンドウ終了後もチェックインがないことを検出
//	missed → alerted   スイープが担当者へアラートを送信（missed_checkin と同じ処理内）
//	alerted → recovered チェックイン記録時に未解決のアラートを検出し「無事」通知を送信
//
// recovered はインシデント単位の終端で、再度トリガーされることはない。
// いずれの状態もユーザーのチェックインによって抜けることができる。
package escalation

import (
	"context"
	"fmt"
	"time"

	"github.com/hitoshi/stillokay/internal/interval"
	"github.com/hitoshi/stillokay/internal/model"
	"github.com/hitoshi/stillokay/internal/repository"
)

// State はウィンドウ単位のエスカレーション状態を表す。
type State string

const (
	// StateNormal は期限内にチェックイン済み、またはまだ判定できない状態。
	StateNormal State = "normal"
	// StateMissed はウィンドウがチェックインなしで終了し、アラートが未送信の状態。
	StateMissed State = "missed"
	// StateAlerted は missed_checkin と担当者アラートが記録済みの状態。
	StateAlerted State = "alerted"
	// StateRecovered は見逃し後にチェックインし、「無事」通知が送信済みの状態。
	StateRecovered State = "recovered"
)

// boundaryKinds はウィンドウ境界（interval_end）に紐づくイベント種別。
var boundaryKinds = []model.EventKind{
	model.EventMissedCheckin,
	model.EventCaregiverAlertSent,
	model.EventCaregiverImOkSent,
	model.EventReminderSent,
}

// Incident は1つのウィンドウについて台帳から読み取った事実の集合。
type Incident struct {
	Window         interval.Window
	Closed         bool // 評価時刻がウィンドウ終了以降か
	CheckedIn      bool
	MissedRecorded bool
	AlertSent      bool
	RecoverySent   bool
	ReminderSent   bool
}

// SweepDecision はスイープがこのウィンドウについて行うべき処理。
type SweepDecision struct {
	RecordMissed bool
	SendAlert    bool
}

// Derive はウィンドウと評価時刻、関連イベントからIncidentを導出する。
// チェックインはcreated_atの包含で、その他のイベントは境界キーの一致で判定する。
func Derive(w interval.Window, now time.Time, events []*model.Event) Incident {
	inc := Incident{
		Window: w,
		Closed: !now.Before(w.End),
	}

	for _, e := range events {
		if e.Kind == model.EventCheckin {
			if w.Contains(e.CreatedAt) {
				inc.CheckedIn = true
			}
			continue
		}
		if !e.IsBoundary(w.End) {
			continue
		}
		switch e.Kind {
		case model.EventMissedCheckin:
			inc.MissedRecorded = true
		case model.EventCaregiverAlertSent:
			inc.AlertSent = true
		case model.EventCaregiverImOkSent:
			inc.RecoverySent = true
		case model.EventReminderSent:
			inc.ReminderSent = true
		}
	}

	return inc
}

// EventReader はIncidentの読み込みに必要な台帳の読み取りインターフェース。
type EventReader interface {
	Query(ctx context.Context, q repository.EventQuery) ([]*model.Event, error)
}

// Load は台帳からウィンドウに関するイベントを読み込み、Incidentを導出する。
func Load(ctx context.Context, r EventReader, userID string, w interval.Window, now time.Time) (Incident, error) {
	checkins, err := r.Query(ctx, repository.EventQuery{
		UserID: userID,
		Kinds:  []model.EventKind{model.EventCheckin},
		From:   w.Start,
		To:     w.End,
	})
	if err != nil {
		return Incident{}, fmt.Errorf("failed to query check-ins: %w", err)
	}

	marks, err := r.Query(ctx, repository.EventQuery{
		UserID:   userID,
		Kinds:    boundaryKinds,
		DedupKey: model.BoundaryKey(w.End),
	})
	if err != nil {
		return Incident{}, fmt.Errorf("failed to query boundary events: %w", err)
	}

	return Derive(w, now, append(checkins, marks...)), nil
}

// State はIncidentの論理状態を返す。
func (i Incident) State() State {
	switch {
	case i.RecoverySent:
		return StateRecovered
	case i.AlertSent:
		return StateAlerted
	case i.MissedRecorded:
		return StateMissed
	case i.Closed && !i.CheckedIn:
		return StateMissed
	default:
		return StateNormal
	}
}

// OnSweep はスイープ時に行うべき処理を返す。
// ウィンドウが終了済みでチェックインがなく、アラートが未送信の場合のみアラートを送る。
// missed_checkin が既に記録済み（前回の送信失敗）の場合は記録を重ねず送信のみ再試行する。
func (i Incident) OnSweep() SweepDecision {
	if !i.Closed || i.CheckedIn || i.AlertSent || i.RecoverySent {
		return SweepDecision{}
	}
	return SweepDecision{
		RecordMissed: !i.MissedRecorded,
		SendAlert:    true,
	}
}

// CheckinDecision はチェックイン記録時に直前ウィンドウについて行うべき処理。
type CheckinDecision struct {
	// SendRecovery は「無事」通知を送るべきか。
	SendRecovery bool
	// SuppressRoutine は通常のチェックイン通知を抑止すべきか。
	// 回復通知の対象となるチェックインでは、担当者が通知不可でも通常通知を送らない。
	SuppressRoutine bool
}

// OnCheckin はチェックイン記録時に直前ウィンドウのIncidentから行うべき処理を返す。
// 担当者の通知可否は呼び出し側で判定する。
func (i Incident) OnCheckin() CheckinDecision {
	if !i.NeedsRecovery() {
		return CheckinDecision{}
	}
	return CheckinDecision{SendRecovery: true, SuppressRoutine: true}
}

// NeedsRecovery はチェックイン時に「無事」通知を送るべきかを返す。
// 見逃しが記録済みで、まだ回復通知を送っていない場合のみtrue。
func (i Incident) NeedsRecovery() bool {
	return i.MissedRecorded && !i.RecoverySent
}

// NeedsReminder はウィンドウ内でリマインダーを送るべきかを返す。
// 送信タイミング（終了1時間前）の判定は呼び出し側で行う。
func (i Incident) NeedsReminder() bool {
	return !i.Closed && !i.CheckedIn && !i.ReminderSent
}

// BoundaryKey はこのウィンドウ境界の重複判定キーを返す。
func (i Incident) BoundaryKey() string {
	return model.BoundaryKey(i.Window.End)
}
