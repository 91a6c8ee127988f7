package repository

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/lib/pq"

	"github.com/hitoshi/dishfeed/internal/model"
)

// TestPostgresRepos_ImplementInterfaces は各Postgresリポジトリがインターフェースを満たすことを検証する。
func TestPostgresRepos_ImplementInterfaces(t *testing.T) {
	var _ ReviewRepository = (*PostgresReviewRepo)(nil)
	var _ RestaurantRepository = (*PostgresRestaurantRepo)(nil)
	var _ MenuItemRepository = (*PostgresMenuItemRepo)(nil)
	var _ ProfileRepository = (*PostgresProfileRepo)(nil)
	var _ FollowRepository = (*PostgresFollowRepo)(nil)
	var _ ReviewChangeSource = (*PostgresChangeSource)(nil)
}

// TestNewPostgresReviewRepo_Initializes はNewPostgresReviewRepoが正しく初期化されることを検証する。
func TestNewPostgresReviewRepo_Initializes(t *testing.T) {
	repo := NewPostgresReviewRepo(nil)
	if repo == nil {
		t.Fatal("expected non-nil repo")
	}
}

// TestClassifyError_AuthorizationClass はSQLSTATE 28xxxがErrUnauthenticatedに分類されることを検証する。
func TestClassifyError_AuthorizationClass(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantAuth bool
	}{
		{"invalid_password", &pq.Error{Code: "28P01", Message: "password authentication failed"}, true},
		{"invalid_authorization", &pq.Error{Code: "28000", Message: "role is not permitted to log in"}, true},
		{"wrapped_auth", fmt.Errorf("query: %w", &pq.Error{Code: "28P01"}), true},
		{"insufficient_privilege", &pq.Error{Code: "42501", Message: "permission denied"}, false},
		{"plain", errors.New("connection reset"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyError(tt.err)
			if errors.Is(got, model.ErrUnauthenticated) != tt.wantAuth {
				t.Errorf("errors.Is(ErrUnauthenticated) = %v, want %v (err=%v)", !tt.wantAuth, tt.wantAuth, got)
			}
		})
	}
}

// TestPostgresReviewRepo_EmptyIDsSkipQuery はID指定が空の場合にクエリを発行せず空を返すことを検証する。
func TestPostgresReviewRepo_EmptyIDsSkipQuery(t *testing.T) {
	repo := NewPostgresReviewRepo(nil)

	rows, err := repo.ListByVisitIDs(context.Background(), model.ReviewQuery{}, nil)
	if err != nil || rows != nil {
		t.Errorf("ListByVisitIDs(nil) = %v, %v, want nil, nil", rows, err)
	}
	rows, err = repo.ListByIDs(context.Background(), model.ReviewQuery{}, []string{})
	if err != nil || rows != nil {
		t.Errorf("ListByIDs([]) = %v, %v, want nil, nil", rows, err)
	}
}
