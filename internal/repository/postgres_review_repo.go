package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/dishfeed/internal/model"
)

// PostgresReviewRepo はPostgreSQLを使用したレビューリポジトリ。
type PostgresReviewRepo struct {
	db *sql.DB
}

// NewPostgresReviewRepo はPostgresReviewRepoを生成する。
func NewPostgresReviewRepo(db *sql.DB) *PostgresReviewRepo {
	return &PostgresReviewRepo{db: db}
}

// List はis_deleted = falseのレビューをcreated_at DESC, id DESCで取得する。
// q.Limitが0以下の場合は件数を制限しない。
func (r *PostgresReviewRepo) List(ctx context.Context, q model.ReviewQuery) ([]model.RawReview, error) {
	query := `SELECT id, created_at, is_deleted, visibility, doc FROM reviews WHERE is_deleted = false`

	args := []interface{}{}
	argIndex := 1

	if q.AuthorID != "" {
		query += fmt.Sprintf(" AND user_id = $%d", argIndex)
		args = append(args, q.AuthorID)
		argIndex++
	}
	if q.RestaurantID != "" {
		query += fmt.Sprintf(" AND restaurant_id = $%d", argIndex)
		args = append(args, q.RestaurantID)
		argIndex++
	}

	// カーソルベースページネーション
	if q.After != nil {
		query += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", argIndex, argIndex+1)
		args = append(args, q.After.CreatedAt, q.After.ID)
		argIndex += 2
	}

	query += " ORDER BY created_at DESC, id DESC"
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIndex)
		args = append(args, q.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("レビュー一覧の取得に失敗しました: %w", classifyError(err))
	}
	defer rows.Close()

	return scanRawReviews(rows)
}

// ListByIDs は指定IDのレビューを論理削除済みも含めて取得する。
func (r *PostgresReviewRepo) ListByIDs(ctx context.Context, q model.ReviewQuery, ids []string) ([]model.RawReview, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query := `SELECT id, created_at, is_deleted, visibility, doc FROM reviews WHERE id = ANY($1)`
	args := []interface{}{pq.Array(ids)}
	argIndex := 2

	if q.AuthorID != "" {
		query += fmt.Sprintf(" AND user_id = $%d", argIndex)
		args = append(args, q.AuthorID)
		argIndex++
	}
	if q.RestaurantID != "" {
		query += fmt.Sprintf(" AND restaurant_id = $%d", argIndex)
		args = append(args, q.RestaurantID)
	}
	query += " ORDER BY created_at DESC, id DESC"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ID指定によるレビューの取得に失敗しました: %w", classifyError(err))
	}
	defer rows.Close()

	return scanRawReviews(rows)
}

// ListByVisitIDs は指定した来店に属する論理削除されていないレビューを取得する。
func (r *PostgresReviewRepo) ListByVisitIDs(ctx context.Context, q model.ReviewQuery, visitIDs []string) ([]model.RawReview, error) {
	if len(visitIDs) == 0 {
		return nil, nil
	}

	query := `SELECT id, created_at, is_deleted, visibility, doc FROM reviews WHERE is_deleted = false AND visit_id = ANY($1)`
	args := []interface{}{pq.Array(visitIDs)}
	argIndex := 2

	if q.AuthorID != "" {
		query += fmt.Sprintf(" AND user_id = $%d", argIndex)
		args = append(args, q.AuthorID)
		argIndex++
	}
	if q.RestaurantID != "" {
		query += fmt.Sprintf(" AND restaurant_id = $%d", argIndex)
		args = append(args, q.RestaurantID)
	}
	query += " ORDER BY created_at DESC, id DESC"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("来店単位のレビューの取得に失敗しました: %w", classifyError(err))
	}
	defer rows.Close()

	return scanRawReviews(rows)
}

// ListByRestaurant は店舗に紐づく論理削除されていない全レビューを取得する。
func (r *PostgresReviewRepo) ListByRestaurant(ctx context.Context, restaurantID string) ([]model.RawReview, error) {
	return r.List(ctx, model.ReviewQuery{RestaurantID: restaurantID})
}

// ListRestaurantsChangedSince はsince以降にレビューが更新された店舗IDを返す。
func (r *PostgresReviewRepo) ListRestaurantsChangedSince(ctx context.Context, since time.Time) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT DISTINCT restaurant_id FROM reviews
		 WHERE restaurant_id IS NOT NULL AND updated_at >= $1
		 ORDER BY restaurant_id`,
		since,
	)
	if err != nil {
		return nil, fmt.Errorf("再計算対象店舗の取得に失敗しました: %w", classifyError(err))
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("店舗IDの読み取りに失敗しました: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("再計算対象店舗の走査に失敗しました: %w", err)
	}
	return ids, nil
}

func scanRawReviews(rows *sql.Rows) ([]model.RawReview, error) {
	var reviews []model.RawReview
	for rows.Next() {
		var rv model.RawReview
		if err := rows.Scan(&rv.ID, &rv.CreatedAt, &rv.IsDeleted, &rv.Visibility, &rv.Doc); err != nil {
			return nil, fmt.Errorf("レビュー行の読み取りに失敗しました: %w", err)
		}
		reviews = append(reviews, rv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("レビュー一覧の走査に失敗しました: %w", err)
	}
	return reviews, nil
}

// compile-time interface check
var _ ReviewRepository = (*PostgresReviewRepo)(nil)
