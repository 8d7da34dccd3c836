package notify

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"
	"text/template"
	"time"

	"github.com/hitoshi/stillokay/internal/interval"
	"github.com/hitoshi/stillokay/internal/model"
)

// displayLayout はメール本文に表示する日時の書式。
const displayLayout = "Jan 2, 2006, 3:04 PM"

var templates = template.Must(template.New("notify").Parse(`
{{define "alert"}}Hello {{.CaregiverName}},

{{.UserName}} did not check in during their interval ending at {{.IntervalEnd}} ({{.Timezone}}).

This is an automated alert from Still Okay.
{{template "footer"}}{{end}}

{{define "reminder"}}Hello {{.UserName}},

This is a reminder to check in before your interval ends at {{.IntervalEnd}} ({{.Timezone}}).

If you do not check in, your caregiver will be notified.
{{end}}

{{define "recovery"}}Hello {{.CaregiverName}},

{{.UserName}} just checked in after missing their last interval.
This means they are okay now. No further action is needed.
{{template "details" .}}{{template "footer"}}{{end}}

{{define "checkin"}}Hello {{.CaregiverName}},

{{.UserName}} just checked in using Still Okay.
No action is needed. This is just a notification for your peace of mind.
{{template "details" .}}{{template "footer"}}{{end}}

{{define "confirmation"}}Hello {{.CaregiverName}},

{{.UserName}} has listed you as their caregiver in Still Okay.
If they miss a check-in, you will receive an email alert.

To accept, open: {{.OptInURL}}
To decline, open: {{.OptOutURL}}
{{end}}

{{define "details"}}{{if .FeelingLevel}}
How they're feeling: {{.FeelingLevel}}/10
{{end}}{{if .Note}}
Note: "{{.Note}}"
{{end}}{{end}}

{{define "footer"}}
--
You are receiving this because you are listed as a caregiver in Still Okay.
{{end}}
`))

// CheckinDetails はチェックイン時にユーザーが入力した任意項目。
type CheckinDetails struct {
	FeelingLevel *int
	Note         *string
}

// Composer は通知メッセージを組み立てる。
type Composer struct {
	baseURL string
}

// NewComposer はComposerを生成する。baseURLは確認リンクの生成に使用する。
func NewComposer(baseURL string) *Composer {
	return &Composer{baseURL: strings.TrimRight(baseURL, "/")}
}

type messageData struct {
	UserName      string
	CaregiverName string
	Timezone      string
	IntervalEnd   string
	FeelingLevel  int
	Note          string
	OptInURL      string
	OptOutURL     string
}

func newMessageData(user *model.User, caregiver *model.Caregiver) messageData {
	d := messageData{
		UserName: displayName(user),
		Timezone: user.Timezone,
	}
	if d.Timezone == "" {
		d.Timezone = model.DefaultTimezone
	}
	if caregiver != nil {
		d.CaregiverName = caregiver.Name
	}
	return d
}

// Alert は見逃しを担当者に知らせるメッセージを組み立てる。
func (c *Composer) Alert(user *model.User, caregiver *model.Caregiver, missed interval.Window) (Message, error) {
	d := newMessageData(user, caregiver)
	d.IntervalEnd = missed.End.Format(displayLayout)
	return c.render(KindAlert, caregiver.Email, fmt.Sprintf("Missed check-in alert for %s", d.UserName), d)
}

// Reminder はウィンドウ終了前にユーザーへチェックインを促すメッセージを組み立てる。
func (c *Composer) Reminder(user *model.User, current interval.Window) (Message, error) {
	d := newMessageData(user, nil)
	d.IntervalEnd = current.End.Format(displayLayout)
	return c.render(KindReminder, user.Email, "Reminder: Please check in with Still Okay", d)
}

// Recovery は見逃し後のチェックインを担当者に知らせるメッセージを組み立てる。
func (c *Composer) Recovery(user *model.User, caregiver *model.Caregiver, details CheckinDetails) (Message, error) {
	d := newMessageData(user, caregiver)
	applyDetails(&d, details)
	return c.render(KindRecovery, caregiver.Email,
		fmt.Sprintf("Still Okay: %s checked in after missed interval", d.UserName), d)
}

// Checkin は通常のチェックインを担当者に知らせるメッセージを組み立てる。
func (c *Composer) Checkin(user *model.User, caregiver *model.Caregiver, details CheckinDetails) (Message, error) {
	d := newMessageData(user, caregiver)
	applyDetails(&d, details)
	return c.render(KindCheckin, caregiver.Email, fmt.Sprintf("Still Okay: %s checked in", d.UserName), d)
}

// Confirmation は担当者への登録確認メッセージを組み立てる。
func (c *Composer) Confirmation(user *model.User, caregiver *model.Caregiver, token string) (Message, error) {
	d := newMessageData(user, caregiver)
	d.OptInURL = c.confirmURL(token, "optin")
	d.OptOutURL = c.confirmURL(token, "optout")
	return c.render(KindConfirmation, caregiver.Email,
		fmt.Sprintf("Still Okay: %s listed you as a caregiver", d.UserName), d)
}

func (c *Composer) confirmURL(token, action string) string {
	q := url.Values{}
	q.Set("token", token)
	q.Set("action", action)
	return c.baseURL + "/api/caregiver-confirm?" + q.Encode()
}

func (c *Composer) render(kind Kind, to, subject string, d messageData) (Message, error) {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, string(kind), d); err != nil {
		return Message{}, fmt.Errorf("failed to render %s message: %w", kind, err)
	}
	return Message{
		Kind:    kind,
		To:      to,
		Subject: subject,
		Body:    strings.TrimLeft(buf.String(), "\n"),
	}, nil
}

func applyDetails(d *messageData, details CheckinDetails) {
	if details.FeelingLevel != nil {
		d.FeelingLevel = *details.FeelingLevel
	}
	if details.Note != nil {
		d.Note = *details.Note
	}
}

func displayName(user *model.User) string {
	if user.Name != "" {
		return user.Name
	}
	return user.Email
}

// FormatLocal は時刻をメール本文と同じ書式で返す。
func FormatLocal(t time.Time) string {
	return t.Format(displayLayout)
}
