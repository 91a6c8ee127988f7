package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/dishfeed/internal/model"
)

// PostgresRestaurantRepo はPostgreSQLを使用した店舗リポジトリ。
type PostgresRestaurantRepo struct {
	db *sql.DB
}

// NewPostgresRestaurantRepo はPostgresRestaurantRepoを生成する。
func NewPostgresRestaurantRepo(db *sql.DB) *PostgresRestaurantRepo {
	return &PostgresRestaurantRepo{db: db}
}

// FindByID は指定IDの店舗を取得する。見つからない場合はnilを返す。
func (r *PostgresRestaurantRepo) FindByID(ctx context.Context, id string) (*model.Restaurant, error) {
	rest := &model.Restaurant{}
	var score sql.NullInt64
	var scoredAt sql.NullTime

	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, verified, quality_score, scored_at, updated_at
		 FROM restaurants WHERE id = $1`,
		id,
	).Scan(&rest.ID, &rest.Name, &rest.Verified, &score, &scoredAt, &rest.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("店舗の取得に失敗しました: %w", classifyError(err))
	}

	if score.Valid {
		v := int(score.Int64)
		rest.PrecomputedQualityScore = &v
	}
	if scoredAt.Valid {
		rest.ScoredAt = &scoredAt.Time
	}

	return rest, nil
}

// UpdateQualityScore は店舗の品質スコアを更新する。scoreがnilの場合はNULLを書き込む。
func (r *PostgresRestaurantRepo) UpdateQualityScore(ctx context.Context, id string, score *int, scoredAt time.Time) error {
	var v sql.NullInt64
	if score != nil {
		v = sql.NullInt64{Int64: int64(*score), Valid: true}
	}

	_, err := r.db.ExecContext(ctx,
		`UPDATE restaurants SET quality_score = $2, scored_at = $3, updated_at = now()
		 WHERE id = $1`,
		id, v, scoredAt,
	)
	if err != nil {
		return fmt.Errorf("品質スコアの更新に失敗しました: %w", classifyError(err))
	}
	return nil
}

// PostgresMenuItemRepo はPostgreSQLを使用したメニュー項目リポジトリ。
type PostgresMenuItemRepo struct {
	db *sql.DB
}

// NewPostgresMenuItemRepo はPostgresMenuItemRepoを生成する。
func NewPostgresMenuItemRepo(db *sql.DB) *PostgresMenuItemRepo {
	return &PostgresMenuItemRepo{db: db}
}

// FindByID は指定IDのメニュー項目を取得する。見つからない場合はnilを返す。
func (r *PostgresMenuItemRepo) FindByID(ctx context.Context, id string) (*model.MenuItem, error) {
	item := &model.MenuItem{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, restaurant_id, name, category FROM menu_items WHERE id = $1`,
		id,
	).Scan(&item.ID, &item.RestaurantID, &item.Name, &item.Category)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("メニュー項目の取得に失敗しました: %w", classifyError(err))
	}
	return item, nil
}

// compile-time interface check
var _ RestaurantRepository = (*PostgresRestaurantRepo)(nil)
var _ MenuItemRepository = (*PostgresMenuItemRepo)(nil)
