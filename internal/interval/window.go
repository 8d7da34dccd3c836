// Package interval はユーザーのタイムゾーンに基づく繰り返しウィンドウを計算する。
//
// ウィンドウは半開区間 [Start, End) で、開始時刻はローカル日付の0時から数えて
// 間隔時間の倍数のうち基準時刻以下で最大のもの。境界の導出にのみローカルの
// 壁時計を使い、包含判定は常に絶対時刻（UTC正規化）で行う。
//
// 夏時間の切り替え日にはウィンドウの実時間長が間隔時間と一致しないことがある。
// これはローカル時刻の floor に整合した境界を優先した結果であり、許容する近似である。
package interval

import (
	"fmt"
	"time"

	"github.com/hitoshi/stillokay/internal/model"
)

// DefaultHours は間隔未設定・不正時に使用する時間数。
const DefaultHours = model.DefaultIntervalHours

// AllowedHours は設定可能な間隔時間の一覧。
var AllowedHours = []int{2, 4, 6, 8, 10, 24}

// ValidHours は間隔時間が設定可能な値かを返す。
func ValidHours(hours int) bool {
	for _, h := range AllowedHours {
		if h == hours {
			return true
		}
	}
	return false
}

// NormalizeHours は不正な間隔時間をDefaultHoursに丸める。
func NormalizeHours(hours int) int {
	if ValidHours(hours) {
		return hours
	}
	return DefaultHours
}

// LoadLocation はIANAタイムゾーン名からLocationを読み込む。
// 空文字列の場合はmodel.DefaultTimezoneを使用する。
func LoadLocation(tz string) (*time.Location, error) {
	if tz == "" {
		tz = model.DefaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("failed to load timezone %q: %w", tz, err)
	}
	return loc, nil
}

// Window はユーザーのタイムゾーンにおける1つのチェックイン期間を表す。
// StartとEndはユーザーのLocationで表現される。
type Window struct {
	Start time.Time
	End   time.Time
	Hours int
}

// For はlocとhoursで定義される区切りのうち、instantを含むウィンドウを返す。
// hoursが不正な場合はDefaultHoursを使用する。
func For(loc *time.Location, hours int, instant time.Time) Window {
	hours = NormalizeHours(hours)
	if loc == nil {
		loc = time.UTC
	}

	local := instant.In(loc)
	y, m, d := local.Date()
	startHour := (local.Hour() / hours) * hours

	start := wallClock(y, m, d, startHour, loc)
	end := wallClock(y, m, d, startHour+hours, loc)

	// 1日の最後のスロットは翌日0時で打ち切り、ウィンドウが日を跨がないようにする（10時間間隔の20:00-24:00など）
	if nextMidnight := wallClock(y, m, d+1, 0, loc); end.After(nextMidnight) {
		end = nextMidnight
	}

	// 想定外のタイムゾーン規則でも instant を含むことだけは保証する
	for start.After(instant) {
		start = start.Add(-time.Hour)
	}
	for !end.After(instant) {
		end = end.Add(time.Hour)
	}

	return Window{Start: start, End: end, Hours: hours}
}

// wallClock はlocにおけるローカル時刻 y-m-d hour:00 の時刻を返す。
// 壁時計がその時刻以上になる最初の瞬間を返すため、夏時間の開始や日付変更線の移動で
// 存在しない時刻はギャップ直後に、重複する時刻は1回目に解決する。
// 同じ引数に対して常に同じ時刻を返すため、隣接ウィンドウの境界は一致する。
func wallClock(y int, m time.Month, d, hour int, loc *time.Location) time.Time {
	want := time.Date(y, m, d, hour, 0, 0, 0, time.UTC)

	// UTCオフセットは±14時間以内のため、2日前なら壁時計は必ずwantより前
	t := want.Add(-48 * time.Hour).In(loc)
	for i := 0; i < 16; i++ {
		_, offset := t.Zone()
		zoneStart, zoneEnd := t.ZoneBounds()

		// この区間のオフセットで壁時計がwantになる瞬間
		candidate := want.Add(-time.Duration(offset) * time.Second)
		if !zoneStart.IsZero() && candidate.Before(zoneStart) {
			candidate = zoneStart
		}
		if zoneEnd.IsZero() || candidate.Before(zoneEnd) {
			return candidate.In(loc)
		}
		t = zoneEnd.In(loc)
	}
	return time.Date(y, m, d, hour, 0, 0, 0, loc)
}

// naive はtの壁時計表示をそのままUTCとして解釈した時刻を返す。
func naive(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, time.UTC)
}

// ForZone はIANAタイムゾーン名を受け取るForのラッパー。
func ForZone(tz string, hours int, instant time.Time) (Window, error) {
	loc, err := LoadLocation(tz)
	if err != nil {
		return Window{}, err
	}
	return For(loc, hours, instant), nil
}

// ForUser はユーザーのタイムゾーンと間隔設定でinstantを含むウィンドウを返す。
// タイムゾーンが解決できない場合はmodel.DefaultTimezoneのウィンドウとエラーの両方を返す。
// 呼び出し側はエラーを記録した上でウィンドウを使い続けてよい。
func ForUser(u *model.User, instant time.Time) (Window, error) {
	w, err := ForZone(u.Timezone, u.IntervalHours, instant)
	if err == nil {
		return w, nil
	}
	fallback, ferr := LoadLocation(model.DefaultTimezone)
	if ferr != nil {
		fallback = time.UTC
	}
	return For(fallback, u.IntervalHours, instant), err
}

// Location はウィンドウのタイムゾーンを返す。
func (w Window) Location() *time.Location {
	return w.Start.Location()
}

// Contains は t が [Start, End) に含まれるかを返す。比較は絶対時刻で行う。
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Previous は直前のウィンドウを返す。
func (w Window) Previous() Window {
	return For(w.Location(), w.Hours, w.Start.Add(-time.Nanosecond))
}

// Next は直後のウィンドウを返す。
func (w Window) Next() Window {
	return For(w.Location(), w.Hours, w.End)
}

// Duration はウィンドウの実時間長を返す。
func (w Window) Duration() time.Duration {
	return w.End.Sub(w.Start)
}

// IsZero はウィンドウが未設定かを返す。
func (w Window) IsZero() bool {
	return w.Start.IsZero() && w.End.IsZero()
}

// String はローカル時刻のRFC3339表記で区間を返す。
func (w Window) String() string {
	return fmt.Sprintf("[%s, %s)", w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339))
}
