// Package security はアプリケーションのセキュリティ機能を提供する。
//
// ContentSanitizerService はユーザー投稿テキスト（プロフィールの自己紹介文、
// 動画タイトルなど）をサニタイズし、XSS攻撃などのセキュリティリスクから
// ユーザーを保護する。リレー由来のイベントは誰でも発行できるため、
// テキストは信頼できない入力として扱う。
// bluemondayライブラリを使用した許可リストベースのポリシーで、
// 安全なタグと属性のみを通過させる。
package security

import (
	"net/url"

	"github.com/microcosm-cc/bluemonday"
)

// ContentSanitizerService はユーザー投稿テキストのサニタイズ機能のインターフェースを定義する。
// 正規化レコードの構築時（REST・リレー両経路）に使用される。
type ContentSanitizerService interface {
	// Sanitize はテキストをサニタイズして安全なHTMLを返す。
	// 許可タグ（p, br, a, strong, em）のみを通過させ、
	// script, iframe, img, styleタグおよびon*イベント属性を除去する。
	// aタグにはtarget="_blank"とrel="noopener noreferrer"が自動付与される。
	// 空文字列の入力には空文字列を返す。
	// 同一入力に対して常に同一出力を返す（冪等）。
	Sanitize(rawHTML string) string
}

// contentSanitizer はContentSanitizerServiceの実装。
// bluemondayのポリシーを保持し、スレッドセーフにサニタイズ処理を行う。
type contentSanitizer struct {
	policy *bluemonday.Policy
}

// NewContentSanitizer はContentSanitizerServiceの新しいインスタンスを生成する。
// 初期化時にbluemondayのカスタムポリシーを構築する。
// ポリシーの内容:
//   - 許可タグ: p, br, a, strong, em
//   - 禁止タグ: script, iframe, img, style および全てのon*イベント属性
//   - aタグ: href属性はhttpsスキームのみ許可し、
//     target="_blank" と rel="noreferrer noopener" を強制付与
func NewContentSanitizer() *contentSanitizer {
	p := bluemonday.NewPolicy()

	// プロフィール自己紹介文向けの最小限のインライン装飾のみ許可する。
	// 動画タイトルにも同じポリシーを適用する（装飾タグが来ること自体まれ）。
	p.AllowElements("p", "br", "strong", "em")

	p.AllowAttrs("href").OnElements("a")
	p.AllowRelativeURLs(false)
	p.AddTargetBlankToFullyQualifiedLinks(true)
	p.RequireNoReferrerOnLinks(true)
	p.AllowURLSchemeWithCustomPolicy("https", func(u *url.URL) bool {
		return true
	})

	return &contentSanitizer{
		policy: p,
	}
}

// Sanitize はテキストをサニタイズして安全なHTMLを返す。
func (s *contentSanitizer) Sanitize(rawHTML string) string {
	return s.policy.Sanitize(rawHTML)
}
