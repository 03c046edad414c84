package source

import (
	"bytes"
	"context"
	"errors"
	"mime"
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

// CalendarCandidate はHTMLから検出されたiCalendarリンク候補を表す。
type CalendarCandidate struct {
	URL string
	// FromLinkTag はheadの<link rel="alternate">由来であればtrue。
	FromLinkTag bool
}

// ErrCalendarNotDetected はページからiCalendarへのリンクが見つからない場合のエラー。
var ErrCalendarNotDetected = errors.New("iCalendarへのリンクを検出できませんでした")

// calendarContentTypes はiCalendarとして認識するContent-Typeのリスト。
var calendarContentTypes = []string{
	"text/calendar",
	"application/ics",
	"text/x-vcalendar",
}

// Detector はイベントページからiCalendar文書のURLを検出する。
type Detector struct {
	getter *getter
}

// IsDirectCalendar はContent-Typeとボディを解析して、
// レスポンスがiCalendar文書かどうかを判定する。
func IsDirectCalendar(contentType string, body []byte) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.TrimSpace(strings.Split(contentType, ";")[0])
	}
	mediaType = strings.ToLower(mediaType)

	for _, ct := range calendarContentTypes {
		if mediaType == ct {
			return true
		}
	}

	// text/plainやoctet-streamで配信されるICSもある
	prefix := bytes.TrimSpace(body)
	if len(prefix) > 64 {
		prefix = prefix[:64]
	}
	return bytes.HasPrefix(bytes.ToUpper(prefix), []byte("BEGIN:VCALENDAR"))
}

// IsCalendarType はエンクロージャなどのMIMEタイプがiCalendarかを判定する。
func IsCalendarType(mediaType string) bool {
	mt, _, err := mime.ParseMediaType(mediaType)
	if err != nil {
		mt = mediaType
	}
	mt = strings.ToLower(strings.TrimSpace(mt))
	for _, ct := range calendarContentTypes {
		if mt == ct {
			return true
		}
	}
	return false
}

// ParseCalendarLinksFromHTML はHTMLからiCalendarへのリンクを解析・検出する。
// headの<link rel="alternate" type="text/calendar">と、
// 本文中の.icsまたはwebcal://を指す<a href>を対象とする。
// 相対URLはbaseURLを基準に絶対URLに解決される。
func ParseCalendarLinksFromHTML(htmlBody []byte, baseURL string) []CalendarCandidate {
	var candidates []CalendarCandidate

	baseU, err := url.Parse(baseURL)
	if err != nil {
		return candidates
	}

	seen := make(map[string]bool)
	add := func(href string, fromLink bool) {
		resolved := resolveURL(baseU, normalizeWebcal(href))
		if resolved == "" || seen[resolved] {
			return
		}
		seen[resolved] = true
		candidates = append(candidates, CalendarCandidate{URL: resolved, FromLinkTag: fromLink})
	}

	tokenizer := html.NewTokenizer(bytes.NewReader(htmlBody))
	for {
		tt := tokenizer.Next()
		switch tt {
		case html.ErrorToken:
			return candidates

		case html.StartTagToken, html.SelfClosingTagToken:
			tn, hasAttr := tokenizer.TagName()
			tagName := string(tn)
			if !hasAttr || (tagName != "link" && tagName != "a") {
				continue
			}

			var rel, linkType, href string
			for {
				key, val, more := tokenizer.TagAttr()
				switch strings.ToLower(string(key)) {
				case "rel":
					rel = strings.ToLower(string(val))
				case "type":
					linkType = strings.ToLower(string(val))
				case "href":
					href = strings.TrimSpace(string(val))
				}
				if !more {
					break
				}
			}
			if href == "" {
				continue
			}

			switch tagName {
			case "link":
				if rel == "alternate" && IsCalendarType(linkType) {
					add(href, true)
				}
			case "a":
				if IsCalendarType(linkType) || looksLikeCalendarHref(href) {
					add(href, false)
				}
			}
		}
	}
}

// looksLikeCalendarHref はhrefがiCalendar文書を指していそうかを判定する。
func looksLikeCalendarHref(href string) bool {
	lower := strings.ToLower(href)
	if strings.HasPrefix(lower, "webcal://") {
		return true
	}
	u, err := url.Parse(lower)
	if err != nil {
		return false
	}
	return strings.HasSuffix(u.Path, ".ics") || strings.HasSuffix(u.Path, "/ics_view")
}

// normalizeWebcal はwebcal://スキームをhttps://に置き換える。
func normalizeWebcal(href string) string {
	if len(href) >= 9 && strings.EqualFold(href[:9], "webcal://") {
		return "https://" + href[9:]
	}
	return href
}

// resolveURL は相対URLをベースURLを基準に絶対URLに解決する。
func resolveURL(base *url.URL, rawRef string) string {
	ref, err := url.Parse(rawRef)
	if err != nil {
		return ""
	}
	return base.ResolveReference(ref).String()
}

// SelectBestCalendar は複数の候補から優先順位に従って最適なURLを選択する。
// 優先順位: 同一ホスト > <link>タグ > 先頭
func SelectBestCalendar(candidates []CalendarCandidate, pageURL string) *CalendarCandidate {
	if len(candidates) == 0 {
		return nil
	}

	pageHost := extractHost(pageURL)
	bestIdx := 0
	bestScore := -1

	for i, c := range candidates {
		score := 0
		if extractHost(c.URL) == pageHost {
			score += 100
		}
		if c.FromLinkTag {
			score += 10
		}
		if score > bestScore {
			bestScore = score
			bestIdx = i
		}
	}

	return &candidates[bestIdx]
}

// extractHost はURLからホスト名を抽出する。
func extractHost(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// DetectCalendarURL はイベントページを取得し、iCalendar文書のURLを返す。
// ページ自体がiCalendarであればそのURLを返し、
// HTMLであればリンクを検出して優先順位で選択する。
func (d *Detector) DetectCalendarURL(ctx context.Context, pageURL string) (string, error) {
	resp, err := d.getter.get(ctx, pageURL, "text/calendar, text/html;q=0.9, */*;q=0.5")
	if err != nil {
		return "", err
	}

	if IsDirectCalendar(resp.contentType, resp.body) {
		return pageURL, nil
	}

	mediaType, _, _ := mime.ParseMediaType(resp.contentType)
	if !strings.Contains(strings.ToLower(mediaType), "html") {
		return "", ErrCalendarNotDetected
	}

	best := SelectBestCalendar(ParseCalendarLinksFromHTML(resp.body, resp.finalURL), pageURL)
	if best == nil {
		return "", ErrCalendarNotDetected
	}
	return best.URL, nil
}
