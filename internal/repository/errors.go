package repository

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/dishfeed/internal/model"
)

// classInvalidAuthorization はSQLSTATEの認証エラークラス（28xxx）。
const classInvalidAuthorization pq.ErrorClass = "28"

// classifyError は認証・セッション系のドライバエラーをmodel.ErrUnauthenticatedでラップする。
// それ以外のエラーはそのまま返す。
func classifyError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code.Class() == classInvalidAuthorization {
		return fmt.Errorf("%w: %s", model.ErrUnauthenticated, pqErr.Message)
	}
	return err
}

// nullStringValue はsql.NullStringから文字列を取得する。
func nullStringValue(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}
