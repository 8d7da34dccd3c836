package repository

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/hitoshi/stillokay/internal/model"
)

// PostgresEventRepo はPostgreSQLのhistoryテーブルを使用した追記専用台帳。
// (user_id, event_type, dedup_key) の部分ユニークインデックスにより、
// AppendIfAbsentの重複防止をストレージ層で保証する。
type PostgresEventRepo struct {
	db       *sql.DB
	lockWait time.Duration
}

// defaultLockWait はユーザーロックの取得待ちの上限。
const defaultLockWait = 30 * time.Second

// NewPostgresEventRepo はPostgresEventRepoを生成する。
func NewPostgresEventRepo(db *sql.DB) *PostgresEventRepo {
	return &PostgresEventRepo{db: db, lockWait: defaultLockWait}
}

const insertEventSQL = `INSERT INTO history (id, user_id, event_type, event_data, feeling_level, note, dedup_key, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

// Append はイベントを追記する。
func (r *PostgresEventRepo) Append(ctx context.Context, event *model.Event) error {
	args, err := insertArgs(event)
	if err != nil {
		return err
	}
	if _, err := querierFor(ctx, r.db).ExecContext(ctx, insertEventSQL, args...); err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// AppendIfAbsent は同一ユーザー・種別・DedupKeyのイベントが存在しない場合のみ追記する。
// ON CONFLICT DO NOTHING により同時実行時も1件のみが書き込まれる。
func (r *PostgresEventRepo) AppendIfAbsent(ctx context.Context, event *model.Event) (bool, error) {
	if event.DedupKey == "" {
		return false, fmt.Errorf("dedup key is required for conditional append")
	}
	args, err := insertArgs(event)
	if err != nil {
		return false, err
	}

	result, err := querierFor(ctx, r.db).ExecContext(ctx,
		insertEventSQL+` ON CONFLICT (user_id, event_type, dedup_key) WHERE dedup_key IS NOT NULL DO NOTHING`,
		args...,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert event: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected == 1, nil
}

// insertArgs はINSERT用のパラメータを構築する。IDとCreatedAtが未設定の場合は補完する。
func insertArgs(event *model.Event) ([]any, error) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	event.CreatedAt = event.CreatedAt.UTC()

	data := event.Data
	if data == nil {
		data = map[string]any{}
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event data: %w", err)
	}

	var dedupKey sql.NullString
	if event.DedupKey != "" {
		dedupKey = sql.NullString{String: event.DedupKey, Valid: true}
	}

	return []any{
		event.ID, event.UserID, string(event.Kind), payload,
		event.FeelingLevel, event.Note, dedupKey, event.CreatedAt,
	}, nil
}

const selectEventColumns = `SELECT id, user_id, event_type, event_data, feeling_level, note, dedup_key, created_at FROM history`

// Query は条件に一致するイベントをcreated_at昇順で返す。
func (r *PostgresEventRepo) Query(ctx context.Context, q EventQuery) ([]*model.Event, error) {
	where := []string{"user_id = $1"}
	args := []any{q.UserID}

	if len(q.Kinds) > 0 {
		kinds := make([]string, len(q.Kinds))
		for i, k := range q.Kinds {
			kinds[i] = string(k)
		}
		args = append(args, pq.Array(kinds))
		where = append(where, fmt.Sprintf("event_type = ANY($%d)", len(args)))
	}
	if !q.From.IsZero() {
		args = append(args, q.From.UTC())
		where = append(where, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if !q.To.IsZero() {
		args = append(args, q.To.UTC())
		where = append(where, fmt.Sprintf("created_at < $%d", len(args)))
	}
	if q.DedupKey != "" {
		args = append(args, q.DedupKey)
		where = append(where, fmt.Sprintf("dedup_key = $%d", len(args)))
	}

	query := selectEventColumns + " WHERE " + strings.Join(where, " AND ") + " ORDER BY created_at ASC, id ASC"
	return r.queryEvents(ctx, query, args...)
}

// ListByUser はユーザーのイベントをcreated_at降順で最大limit件返す。
func (r *PostgresEventRepo) ListByUser(ctx context.Context, userID string, limit int) ([]*model.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryEvents(ctx,
		selectEventColumns+` WHERE user_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`,
		userID, limit,
	)
}

func (r *PostgresEventRepo) queryEvents(ctx context.Context, query string, args ...any) ([]*model.Event, error) {
	rows, err := querierFor(ctx, r.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []*model.Event
	for rows.Next() {
		var (
			e            model.Event
			kind         string
			payload      []byte
			feelingLevel sql.NullInt64
			note         sql.NullString
			dedupKey     sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.UserID, &kind, &payload, &feelingLevel, &note, &dedupKey, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Kind = model.EventKind(kind)
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &e.Data); err != nil {
				return nil, fmt.Errorf("failed to unmarshal event data: %w", err)
			}
		}
		if feelingLevel.Valid {
			v := int(feelingLevel.Int64)
			e.FeelingLevel = &v
		}
		if note.Valid {
			v := note.String
			e.Note = &v
		}
		e.DedupKey = dedupKey.String
		e.CreatedAt = e.CreatedAt.UTC()
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}

	return events, nil
}

// LockUser はPostgreSQLのセッションレベルadvisory lockでユーザー単位の排他を取得する。
// ロックを取得したコネクションを返却するctxに載せ、ロック区間内のクエリは同じコネクションで実行する。
// ロック待ちはlockWaitで打ち切る。解放時にコネクションをプールへ返却する。
func (r *PostgresEventRepo) LockUser(ctx context.Context, userID string) (context.Context, func(), error) {
	waitCtx, cancel := context.WithTimeout(ctx, r.lockWait)
	defer cancel()

	conn, err := r.db.Conn(waitCtx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to acquire connection: %w", err)
	}

	if _, err := conn.ExecContext(waitCtx, `SELECT pg_advisory_lock(hashtext($1))`, userID); err != nil {
		// 取得済みかどうか不明なロックを持ち越さないようコネクションを破棄する
		discardConn(conn)
		return nil, nil, fmt.Errorf("failed to acquire advisory lock: %w", err)
	}

	unlock := func() {
		if _, err := conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock(hashtext($1))`, userID); err != nil {
			slog.Error("failed to release advisory lock",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
			discardConn(conn)
			return
		}
		conn.Close()
	}
	return withLockedConn(ctx, conn), unlock, nil
}

// discardConn はコネクションをプールへ戻さずに破棄する。
// セッションロックが残っている可能性のあるコネクションを再利用させない。
func discardConn(conn *sql.Conn) {
	_ = conn.Raw(func(any) error { return driver.ErrBadConn })
	conn.Close()
}

// compile-time interface check
var (
	_ EventRepository = (*PostgresEventRepo)(nil)
	_ UserLocker      = (*PostgresEventRepo)(nil)
)
