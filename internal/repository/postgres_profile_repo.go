package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/dishfeed/internal/model"
)

// PostgresProfileRepo はPostgreSQLを使用したユーザープロフィールリポジトリ。
type PostgresProfileRepo struct {
	db *sql.DB
}

// NewPostgresProfileRepo はPostgresProfileRepoを生成する。
func NewPostgresProfileRepo(db *sql.DB) *PostgresProfileRepo {
	return &PostgresProfileRepo{db: db}
}

// FindByID は指定IDのプロフィールを取得する。見つからない場合はnilを返す。
func (r *PostgresProfileRepo) FindByID(ctx context.Context, id string) (*model.UserProfile, error) {
	p := &model.UserProfile{}
	var avatarURL sql.NullString

	err := r.db.QueryRowContext(ctx,
		`SELECT id, display_name, avatar_url, verified, updated_at
		 FROM user_profiles WHERE id = $1`,
		id,
	).Scan(&p.ID, &p.DisplayName, &avatarURL, &p.Verified, &p.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("プロフィールの取得に失敗しました: %w", classifyError(err))
	}

	p.AvatarURL = nullStringValue(avatarURL)
	return p, nil
}

// PostgresFollowRepo はPostgreSQLを使用したフォロー関係リポジトリ。
type PostgresFollowRepo struct {
	db *sql.DB
}

// NewPostgresFollowRepo はPostgresFollowRepoを生成する。
func NewPostgresFollowRepo(db *sql.DB) *PostgresFollowRepo {
	return &PostgresFollowRepo{db: db}
}

// ListFolloweeIDs は指定ユーザーがフォローしているユーザーIDを返す。
func (r *PostgresFollowRepo) ListFolloweeIDs(ctx context.Context, userID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT followee_id FROM follows WHERE follower_id = $1`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("フォロー一覧の取得に失敗しました: %w", classifyError(err))
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("フォロー行の読み取りに失敗しました: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("フォロー一覧の走査に失敗しました: %w", err)
	}
	return ids, nil
}

// compile-time interface check
var _ ProfileRepository = (*PostgresProfileRepo)(nil)
var _ FollowRepository = (*PostgresFollowRepo)(nil)
