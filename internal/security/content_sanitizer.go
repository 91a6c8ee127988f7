// Package security はアプリケーションのセキュリティ機能を提供する。
//
// CaptionSanitizer はレビューのキャプションからHTMLを取り除き、
// フィードにプレーンテキストとして表示できる形にする。
// bluemondayのStrictPolicyで全てのタグと属性を除去する。
package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// CaptionSanitizer はキャプションのサニタイズ機能のインターフェースを定義する。
type CaptionSanitizer interface {
	// Sanitize はHTMLを含みうる文字列をプレーンテキストに変換する。
	// 全てのタグを除去し、連続する空白を1つにまとめ、前後の空白を取り除く。
	// script, styleタグは中身ごと除去される。
	// 同一入力に対して常に同一出力を返す（冪等）。
	Sanitize(raw string) string
}

// captionSanitizer はCaptionSanitizerの実装。
// bluemondayのポリシーはスレッドセーフなので共有して使う。
type captionSanitizer struct {
	policy *bluemonday.Policy
}

// NewCaptionSanitizer はCaptionSanitizerの新しいインスタンスを生成する。
func NewCaptionSanitizer() *captionSanitizer {
	return &captionSanitizer{
		policy: bluemonday.StrictPolicy(),
	}
}

// Sanitize はキャプションをプレーンテキストに変換する。
func (s *captionSanitizer) Sanitize(raw string) string {
	if raw == "" {
		return ""
	}
	// StrictPolicyは文字参照をエスケープして返すため、表示用に戻す
	text := html.UnescapeString(s.policy.Sanitize(raw))
	return strings.Join(strings.Fields(text), " ")
}
