package handler

import (
	"encoding/base64"
	"time"

	"github.com/goccy/go-json"

	"github.com/hitoshi/dishfeed/internal/model"
)

// cursorToken はページングカーソルの中身。クライアントには不透明な文字列として渡す。
type cursorToken struct {
	CreatedAt time.Time `json:"t"`
	ID        string    `json:"id"`
}

// encodeCursor はカーソルを不透明な文字列に変換する。nilの場合は空文字を返す。
func encodeCursor(c *model.Cursor) string {
	if c == nil {
		return ""
	}
	data, err := json.Marshal(cursorToken{CreatedAt: c.CreatedAt.UTC(), ID: c.ID})
	if err != nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(data)
}

// decodeCursor はencodeCursorで生成した文字列をカーソルに戻す。
// 形式が不正な場合はINVALID_CURSORのAPIErrorを返す。
func decodeCursor(s string) (*model.Cursor, error) {
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, model.NewInvalidCursorError(s)
	}
	var tok cursorToken
	if err := json.Unmarshal(data, &tok); err != nil || tok.ID == "" || tok.CreatedAt.IsZero() {
		return nil, model.NewInvalidCursorError(s)
	}
	return &model.Cursor{CreatedAt: tok.CreatedAt, ID: tok.ID}, nil
}
