// Package catalog はフィードカタログ（YAML）の読み込みと検証を行う。
// カタログは起動時に一度だけ読み込まれ、以後は読み取り専用として共有される。
package catalog

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hitoshi/seminarcal/internal/staleness"
)

// feedNamePattern はURLパスに埋め込めるフィード名の形式。
var feedNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Feed はカタログ上の1フィードを表す。
type Feed struct {
	Name      string
	Title     string
	FeedURL   string
	Webpage   string
	ICSSuffix string

	// 個別の再取得間隔。ゼロの場合はグローバル設定を使う。
	FeedRefreshInterval  time.Duration
	EventRefreshInterval time.Duration
}

// Policy はグローバル設定にフィード個別の間隔を上書きしたPolicyを返す。
func (f Feed) Policy(defaults staleness.Policy) staleness.Policy {
	return defaults.Override(f.FeedRefreshInterval, f.EventRefreshInterval)
}

// Catalog は名前で引けるフィード一覧。
type Catalog struct {
	feeds  []Feed
	byName map[string]int
}

type fileFeed struct {
	Name                 string `yaml:"name"`
	Title                string `yaml:"title"`
	Feed                 string `yaml:"feed"`
	Webpage              string `yaml:"webpage"`
	ICSSuffix            string `yaml:"ics_suffix"`
	FeedRefreshInterval  string `yaml:"feed_refresh_interval"`
	EventRefreshInterval string `yaml:"event_refresh_interval"`
}

type file struct {
	Feeds []fileFeed `yaml:"feeds"`
}

// LoadFile はYAMLファイルからカタログを読み込む。
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("フィードカタログの読み込みに失敗しました: %w", err)
	}
	return Parse(data)
}

// Parse はYAMLバイト列からカタログを構築し、全エントリを検証する。
// 検証エラーはまとめて返す。
func Parse(data []byte) (*Catalog, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("フィードカタログの解析に失敗しました: %w", err)
	}

	var errs []string
	feeds := make([]Feed, 0, len(f.Feeds))
	seen := make(map[string]bool, len(f.Feeds))

	for i, ff := range f.Feeds {
		name := strings.TrimSpace(ff.Name)
		label := fmt.Sprintf("feeds[%d]", i)
		if name != "" {
			label = fmt.Sprintf("feeds[%d] (%s)", i, name)
		}

		switch {
		case name == "":
			errs = append(errs, label+": nameは必須です")
		case !feedNamePattern.MatchString(name):
			errs = append(errs, label+": nameには英数字、'_'、'-'のみ使用できます")
		case seen[name]:
			errs = append(errs, label+": nameが重複しています")
		}
		seen[name] = true

		feedURL := strings.TrimSpace(ff.Feed)
		if feedURL == "" {
			errs = append(errs, label+": feedは必須です")
		}

		feedInterval, err := parseInterval(ff.FeedRefreshInterval)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: feed_refresh_intervalが不正です: %v", label, err))
		}
		eventInterval, err := parseInterval(ff.EventRefreshInterval)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: event_refresh_intervalが不正です: %v", label, err))
		}

		title := strings.TrimSpace(ff.Title)
		if title == "" {
			title = name
		}

		feeds = append(feeds, Feed{
			Name:                 name,
			Title:                title,
			FeedURL:              feedURL,
			Webpage:              strings.TrimSpace(ff.Webpage),
			ICSSuffix:            strings.TrimSpace(ff.ICSSuffix),
			FeedRefreshInterval:  feedInterval,
			EventRefreshInterval: eventInterval,
		})
	}

	if len(errs) > 0 {
		return nil, errors.New("フィードカタログが不正です: " + strings.Join(errs, "; "))
	}
	return New(feeds), nil
}

func parseInterval(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("正の値を指定してください: %s", s)
	}
	return d, nil
}

// New は検証済みのフィード一覧からカタログを構築する。
func New(feeds []Feed) *Catalog {
	c := &Catalog{
		feeds:  make([]Feed, len(feeds)),
		byName: make(map[string]int, len(feeds)),
	}
	copy(c.feeds, feeds)
	for i, f := range c.feeds {
		c.byName[f.Name] = i
	}
	return c
}

// Lookup は名前でフィードを検索する。
func (c *Catalog) Lookup(name string) (Feed, bool) {
	i, ok := c.byName[name]
	if !ok {
		return Feed{}, false
	}
	return c.feeds[i], true
}

// Feeds はカタログ順のフィード一覧を返す。
func (c *Catalog) Feeds() []Feed {
	out := make([]Feed, len(c.feeds))
	copy(out, c.feeds)
	return out
}

// Len はフィード数を返す。
func (c *Catalog) Len() int {
	return len(c.feeds)
}
