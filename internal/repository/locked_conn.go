package repository

import (
	"context"
	"database/sql"
)

// querier はsql.DBとsql.Connに共通するクエリ操作。
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type lockedConnKey struct{}

// withLockedConn はユーザーロックを保持するコネクションをctxに載せる。
func withLockedConn(ctx context.Context, conn *sql.Conn) context.Context {
	return context.WithValue(ctx, lockedConnKey{}, conn)
}

// querierFor はctxにロック保持中のコネクションがあればそれを返し、なければdbを返す。
// ロック区間内の読み書きがプールから2本目のコネクションを要求しないようにする。
func querierFor(ctx context.Context, db *sql.DB) querier {
	if conn, ok := ctx.Value(lockedConnKey{}).(*sql.Conn); ok {
		return conn
	}
	return db
}
