// Package model はドメインモデルを定義する。
package model

import "time"

// DefaultTimezone はユーザーのタイムゾーンが未設定の場合に使用するIANA名。
const DefaultTimezone = "America/Los_Angeles"

// DefaultIntervalHours はチェックイン間隔が未設定の場合に使用する時間数。
const DefaultIntervalHours = 24

// User は見守り対象のサービス利用ユーザーを表す。
// タイムゾーンと間隔の変更は次回の境界計算から反映され、過去のウィンドウは再計算しない。
type User struct {
	ID            string
	Email         string
	Name          string
	Timezone      string // IANAタイムゾーン名
	IntervalHours int    // 2, 4, 6, 8, 10, 24 のいずれか
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Caregiver はユーザーが指定した見守り担当者を表す。
type Caregiver struct {
	ID               string
	UserID           string
	Name             string
	Email            string
	EmailConfirmed   bool
	OptedIn          bool
	SendCheckinEmail bool    // チェックインごとの通知を希望するか
	Token            *string // 確認トークン（1回限り、使用後にクリア）
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Eligible は担当者への通知が許可されているかを返す。
// メールアドレスが確認済みかつオプトイン済みの場合のみtrue。
func (c *Caregiver) Eligible() bool {
	if c == nil {
		return false
	}
	return c.Email != "" && c.EmailConfirmed && c.OptedIn
}

// MonitoredUser はスイープ対象となるユーザーと担当者の組を表す。
type MonitoredUser struct {
	User      User
	Caregiver Caregiver
}
