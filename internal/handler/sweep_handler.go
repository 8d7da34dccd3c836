package handler

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/hitoshi/stillokay/internal/clock"
	"github.com/hitoshi/stillokay/internal/model"
	"github.com/hitoshi/stillokay/internal/worker/sweep"
)

// maxDelayHours はtime.Durationで表せないdelayHoursの下限。±Infもこれで弾く。
const maxDelayHours = math.MaxInt64 / float64(time.Hour)

// SweepRunner はスイープを1回実行するインターフェース。
type SweepRunner interface {
	RunOnce(ctx context.Context, now time.Time) (*sweep.Summary, error)
}

// SweepHandler は外部スケジューラからスイープを起動するHTTPハンドラー。
type SweepHandler struct {
	runner SweepRunner
	clock  clock.Clock
}

// NewSweepHandler はSweepHandlerを生成する。
func NewSweepHandler(runner SweepRunner, clk clock.Clock) *SweepHandler {
	if clk == nil {
		clk = clock.System{}
	}
	return &SweepHandler{runner: runner, clock: clk}
}

// Run はスイープを実行し、サマリーを返す。
// delayHours を指定すると現在時刻をその時間数だけずらして判定する（検証用）。
// ユーザー単位の失敗はサマリーのerrorsに含め、ステータスは200のまま返す。
// POST /api/cron/sweep?delayHours=
func (h *SweepHandler) Run(w http.ResponseWriter, r *http.Request) {
	now := h.clock.Now()
	if raw := r.URL.Query().Get("delayHours"); raw != "" {
		hours, err := strconv.ParseFloat(raw, 64)
		if err != nil || math.IsNaN(hours) || math.Abs(hours) >= maxDelayHours {
			handleServiceError(w, r, model.NewInvalidDelayHoursError(raw))
			return
		}
		now = now.Add(time.Duration(hours * float64(time.Hour)))
	}

	summary, err := h.runner.RunOnce(r.Context(), now)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
