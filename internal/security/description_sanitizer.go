package security

import (
	"html"
	"net/url"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// DescriptionSanitizerService はイベント説明文のサニタイズ機能のインターフェース。
// JSON APIの応答時とiCalendar出力時に使用される。
type DescriptionSanitizerService interface {
	// Sanitize は説明文を表示可能な安全なHTMLに変換する。
	// 許可タグ（p, br, a, ul, ol, li, strong, em）のみを通過させ、
	// aタグにはtarget="_blank"とrel="noopener noreferrer"が付与される。
	Sanitize(description string) string

	// PlainText は説明文からすべてのタグを除去したプレーンテキストを返す。
	PlainText(description string) string
}

// DescriptionSanitizer はDescriptionSanitizerServiceの実装。
// bluemondayのポリシーはスレッドセーフなため、インスタンスは共有してよい。
type DescriptionSanitizer struct {
	html   *bluemonday.Policy
	strict *bluemonday.Policy
}

// NewDescriptionSanitizer はDescriptionSanitizerの新しいインスタンスを生成する。
func NewDescriptionSanitizer() *DescriptionSanitizer {
	p := bluemonday.NewPolicy()
	p.AllowElements("p", "br", "ul", "ol", "li", "strong", "em")

	p.AllowAttrs("href").OnElements("a")
	p.AllowURLSchemes("http", "https", "mailto")
	p.AllowRelativeURLs(false)
	p.AddTargetBlankToFullyQualifiedLinks(true)
	p.RequireNoReferrerOnLinks(true)

	return &DescriptionSanitizer{
		html:   p,
		strict: bluemonday.StrictPolicy(),
	}
}

// Sanitize は説明文を安全なHTMLに変換する。
// タグを含まない説明文は改行を<br>に置き換える。
func (s *DescriptionSanitizer) Sanitize(description string) string {
	if description == "" {
		return ""
	}
	if !strings.ContainsAny(description, "<>") {
		escaped := html.EscapeString(description)
		return strings.ReplaceAll(escaped, "\n", "<br>")
	}
	return s.html.Sanitize(description)
}

// PlainText はタグを除去し、文字参照を展開したテキストを返す。
func (s *DescriptionSanitizer) PlainText(description string) string {
	if description == "" {
		return ""
	}
	withBreaks := strings.NewReplacer("<br>", "\n", "<br/>", "\n", "<br />", "\n", "</p>", "\n").Replace(description)
	return strings.TrimSpace(html.UnescapeString(s.strict.Sanitize(withBreaks)))
}

// SafeLink はhttp/httpsの絶対URLのみを返し、それ以外は空文字列を返す。
func SafeLink(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return ""
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return u.String()
	default:
		return ""
	}
}
