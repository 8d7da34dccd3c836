package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/stillokay/internal/model"
)

// PostgresUserRepo はPostgreSQLを使用したユーザーリポジトリ。
type PostgresUserRepo struct {
	db *sql.DB
}

// NewPostgresUserRepo はPostgresUserRepoを生成する。
func NewPostgresUserRepo(db *sql.DB) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	user := &model.User{}
	err := querierFor(ctx, r.db).QueryRowContext(ctx,
		`SELECT id, email, name, timezone, interval_hours, created_at, updated_at FROM users WHERE id = $1`,
		id,
	).Scan(&user.ID, &user.Email, &user.Name, &user.Timezone, &user.IntervalHours, &user.CreatedAt, &user.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user by ID: %w", err)
	}

	return user, nil
}

// ListMonitored は通知可能な担当者を持つユーザーを返す。
// 担当者のメールアドレスが設定済みかつ確認済み・オプトイン済みのもののみを対象とする。
func (r *PostgresUserRepo) ListMonitored(ctx context.Context) ([]model.MonitoredUser, error) {
	rows, err := querierFor(ctx, r.db).QueryContext(ctx,
		`SELECT u.id, u.email, u.name, u.timezone, u.interval_hours, u.created_at, u.updated_at,
		        c.id, c.name, c.email, c.email_confirmed, c.opted_in, c.send_checkin_email
		 FROM users u
		 JOIN caregivers c ON c.user_id = u.id
		 WHERE c.email IS NOT NULL AND c.email <> ''
		   AND c.email_confirmed = TRUE AND c.opted_in = TRUE
		 ORDER BY u.id`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list monitored users: %w", err)
	}
	defer rows.Close()

	var result []model.MonitoredUser
	for rows.Next() {
		var m model.MonitoredUser
		if err := rows.Scan(
			&m.User.ID, &m.User.Email, &m.User.Name, &m.User.Timezone, &m.User.IntervalHours,
			&m.User.CreatedAt, &m.User.UpdatedAt,
			&m.Caregiver.ID, &m.Caregiver.Name, &m.Caregiver.Email,
			&m.Caregiver.EmailConfirmed, &m.Caregiver.OptedIn, &m.Caregiver.SendCheckinEmail,
		); err != nil {
			return nil, fmt.Errorf("failed to scan monitored user: %w", err)
		}
		m.Caregiver.UserID = m.User.ID
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate monitored users: %w", err)
	}

	return result, nil
}

// compile-time interface check
var _ UserRepository = (*PostgresUserRepo)(nil)
