// Package cleanup は担当者確認トークンの失効ジョブを提供する。
// 発行から保持期間（デフォルト7日）を超えた未使用トークンをクリアし、
// 古い確認リンクでのオプトイン・オプトアウトを受け付けないようにする。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/stillokay/internal/clock"
)

// DefaultTokenRetention は確認トークンの保持期間のデフォルト値。
const DefaultTokenRetention = 7 * 24 * time.Hour

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

const clearStaleTokensSQL = `UPDATE caregivers
	SET token = NULL, token_issued_at = NULL, updated_at = now()
	WHERE token IS NOT NULL AND token_issued_at < $1`

// TokenCleanupJob は期限切れの確認トークンをクリアするジョブ。
// caregiversテーブルのみを更新し、台帳（history）には触れない。
type TokenCleanupJob struct {
	db        Executor
	clock     clock.Clock
	logger    *slog.Logger
	Retention time.Duration
}

// NewTokenCleanupJob は新しいTokenCleanupJobを生成する。
func NewTokenCleanupJob(db Executor, clk clock.Clock, logger *slog.Logger) *TokenCleanupJob {
	if clk == nil {
		clk = clock.System{}
	}
	return &TokenCleanupJob{
		db:        db,
		clock:     clk,
		logger:    logger,
		Retention: DefaultTokenRetention,
	}
}

// Run は発行日時が保持期間より古いトークンをクリアする。
// 冪等: 対象がない場合でもエラーにならない。
func (j *TokenCleanupJob) Run(ctx context.Context) error {
	start := time.Now()
	cutoff := j.clock.Now().Add(-j.Retention).UTC()

	result, err := j.db.ExecContext(ctx, clearStaleTokensSQL, cutoff)
	if err != nil {
		j.logger.Error("確認トークンの失効処理に失敗しました",
			slog.String("error", err.Error()),
			slog.Duration("retention", j.Retention),
		)
		return fmt.Errorf("確認トークンの失効処理に失敗: %w", err)
	}

	cleared, err := result.RowsAffected()
	if err != nil {
		j.logger.Error("更新件数の取得に失敗しました",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("更新件数の取得に失敗: %w", err)
	}

	j.logger.Info("確認トークンの失効処理が完了しました",
		slog.Int64("cleared_count", cleared),
		slog.String("cutoff", cutoff.Format(time.RFC3339)),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

// Start は起動直後に1回実行し、以降intervalごとにRunを呼び出す。
// ctxがキャンセルされるまでブロックする。失敗はログに記録して次回に持ち越す。
func (j *TokenCleanupJob) Start(ctx context.Context, interval time.Duration) {
	_ = j.Run(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = j.Run(ctx)
		}
	}
}
