// Package security はアプリケーションのセキュリティ機能を提供する。
//
// NoteSanitizer はチェックイン時にユーザーが入力したメモからマークアップを取り除き、
// 担当者宛てメールや履歴APIにそのまま埋め込める平文に整える。
// bluemondayのStrictPolicyで全てのタグを除去する。
package security

import (
	"html"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
)

// NoteSanitizer はメモのサニタイズ機能のインターフェースを定義する。
type NoteSanitizer interface {
	// Sanitize はメモから全てのHTMLタグと制御文字を除去し、前後の空白を取り除いた平文を返す。
	// 改行とタブは保持する。
	// 同一入力に対して常に同一出力を返す（冪等）。
	Sanitize(raw string) string
}

// noteSanitizer はNoteSanitizerの実装。
// bluemondayのポリシーはスレッドセーフに共有できる。
type noteSanitizer struct {
	policy *bluemonday.Policy
}

// NewNoteSanitizer はNoteSanitizerの新しいインスタンスを生成する。
func NewNoteSanitizer() *noteSanitizer {
	return &noteSanitizer{policy: bluemonday.StrictPolicy()}
}

// Sanitize はメモを平文に整える。
func (s *noteSanitizer) Sanitize(raw string) string {
	if raw == "" {
		return ""
	}
	// StrictPolicyはテキストをHTMLエスケープして返すため、平文に戻す
	text := html.UnescapeString(s.policy.Sanitize(raw))
	text = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, text)
	return strings.TrimSpace(text)
}
