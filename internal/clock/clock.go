// Package clock は現在時刻の供給元を提供する。
// エンジンは time.Now を直接呼ばず、プロセス起動時に1回生成したClockを注入して使う。
package clock

import "time"

// Clock は現在時刻を返すインターフェース。
type Clock interface {
	Now() time.Time
}

// System は実時間にOffsetを加えた時刻を返すClock。
// Offsetはシミュレーション・テスト用で、実時間そのものは変更しない。
type System struct {
	Offset time.Duration
}

// Now は現在時刻（UTC）にOffsetを加えて返す。
func (s System) Now() time.Time {
	return time.Now().UTC().Add(s.Offset)
}

// Fixed は常に同じ時刻を返すClock。決定的なテスト用。
type Fixed struct {
	T time.Time
}

// Now は固定時刻を返す。
func (f Fixed) Now() time.Time {
	return f.T
}

// Func は関数をClockとして扱うアダプタ。
type Func func() time.Time

// Now は関数を呼び出した結果を返す。
func (f Func) Now() time.Time {
	return f()
}

// WithOffset はbaseの時刻をdだけずらすClockを返す。
// dが0の場合はbaseをそのまま返す。
func WithOffset(base Clock, d time.Duration) Clock {
	if d == 0 {
		return base
	}
	return Func(func() time.Time {
		return base.Now().Add(d)
	})
}
