package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/stillokay/internal/model"
)

// PostgresCaregiverRepo はPostgreSQLを使用した担当者リポジトリ。
type PostgresCaregiverRepo struct {
	db *sql.DB
}

// NewPostgresCaregiverRepo はPostgresCaregiverRepoを生成する。
func NewPostgresCaregiverRepo(db *sql.DB) *PostgresCaregiverRepo {
	return &PostgresCaregiverRepo{db: db}
}

const selectCaregiverColumns = `SELECT id, user_id, name, COALESCE(email, ''), email_confirmed, opted_in,
	send_checkin_email, token, created_at, updated_at FROM caregivers`

// FindByUserID はユーザーの担当者を取得する。見つからない場合はnilを返す。
func (r *PostgresCaregiverRepo) FindByUserID(ctx context.Context, userID string) (*model.Caregiver, error) {
	return r.findOne(ctx, selectCaregiverColumns+` WHERE user_id = $1`, userID)
}

// FindByToken は確認トークンで担当者を検索する。見つからない場合はnilを返す。
func (r *PostgresCaregiverRepo) FindByToken(ctx context.Context, token string) (*model.Caregiver, error) {
	return r.findOne(ctx, selectCaregiverColumns+` WHERE token = $1`, token)
}

func (r *PostgresCaregiverRepo) findOne(ctx context.Context, query string, arg any) (*model.Caregiver, error) {
	cg := &model.Caregiver{}
	var token sql.NullString
	err := querierFor(ctx, r.db).QueryRowContext(ctx, query, arg).Scan(
		&cg.ID, &cg.UserID, &cg.Name, &cg.Email, &cg.EmailConfirmed, &cg.OptedIn,
		&cg.SendCheckinEmail, &token, &cg.CreatedAt, &cg.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find caregiver: %w", err)
	}
	if token.Valid {
		t := token.String
		cg.Token = &t
	}
	return cg, nil
}

// ConsumeToken はトークンが一致する場合のみ確認状態を更新し、トークンをクリアする。
// WHERE句でトークンを照合するため、同じトークンの同時使用でも更新は1回のみ。
func (r *PostgresCaregiverRepo) ConsumeToken(ctx context.Context, caregiverID, token string, confirmed, optedIn bool) (bool, error) {
	result, err := querierFor(ctx, r.db).ExecContext(ctx,
		`UPDATE caregivers
		 SET email_confirmed = $3, opted_in = $4, token = NULL, token_issued_at = NULL, updated_at = now()
		 WHERE id = $1 AND token = $2`,
		caregiverID, token, confirmed, optedIn,
	)
	if err != nil {
		return false, fmt.Errorf("failed to consume caregiver token: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected == 1, nil
}

// SetToken は新しい確認トークンを設定する。
func (r *PostgresCaregiverRepo) SetToken(ctx context.Context, caregiverID, token string) error {
	_, err := querierFor(ctx, r.db).ExecContext(ctx,
		`UPDATE caregivers SET token = $2, token_issued_at = now(), updated_at = now() WHERE id = $1`,
		caregiverID, token,
	)
	if err != nil {
		return fmt.Errorf("failed to set caregiver token: %w", err)
	}
	return nil
}

// compile-time interface check
var _ CaregiverRepository = (*PostgresCaregiverRepo)(nil)
