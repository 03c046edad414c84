// Package ical はiCalendar文書とドメインのイベントとの相互変換を行う。
// 解析にはgithub.com/arran4/golang-ical、繰り返し展開にはgithub.com/teambition/rrule-goを使う。
package ical

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	ics "github.com/arran4/golang-ical"
	"github.com/teambition/rrule-go"

	"github.com/hitoshi/seminarcal/internal/clock"
	"github.com/hitoshi/seminarcal/internal/model"
)

const (
	// DefaultHorizon は繰り返しイベントを展開する現在時刻からの前後の範囲。
	DefaultHorizon = 180 * 24 * time.Hour
	// DefaultMaxOccurrences は1つの繰り返しイベントから生成する最大件数。
	DefaultMaxOccurrences = 500

	occurrenceKeyLayout = "20060102T150405Z"
)

// ErrEmptyBody は本文が空の場合のエラー。
var ErrEmptyBody = errors.New("iCalendarの本文が空です")

// Parser はiCalendar文書をイベント列に変換する。
type Parser struct {
	clock          clock.Clock
	horizon        time.Duration
	maxOccurrences int
	logger         *slog.Logger
}

// NewParser は新しいParserを生成する。
// horizonが0以下の場合はDefaultHorizonを使う。
func NewParser(clk clock.Clock, horizon time.Duration, logger *slog.Logger) *Parser {
	if horizon <= 0 {
		horizon = DefaultHorizon
	}
	return &Parser{
		clock:          clk,
		horizon:        horizon,
		maxOccurrences: DefaultMaxOccurrences,
		logger:         logger,
	}
}

// vevent は解析途中のVEVENT。
// startはDTSTARTのタイムゾーンを保持し、繰り返しの展開に使う。
type vevent struct {
	event      model.Event
	start      time.Time
	rrule      string
	exdates    []time.Time
	recurrence *time.Time
}

// Parse はiCalendar文書を解析し、UTCに正規化したイベント列を返す。
// UIDや開始時刻を持たないVEVENTはログに残してスキップする。
// RRULEを持つイベントは範囲内の各回に展開し、ユニークIDを "UID#開始時刻(UTC)" とする。
func (p *Parser) Parse(r io.Reader) ([]model.Event, error) {
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("iCalendarの読み込みに失敗しました: %w", err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, ErrEmptyBody
	}

	cal, err := ics.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("iCalendarの解析に失敗しました: %w", err)
	}

	var bases []vevent
	overrides := make(map[string][]vevent)

	for _, ve := range cal.Events() {
		v, err := parseVEvent(ve)
		if err != nil {
			p.logger.Warn("VEVENTをスキップしました", slog.String("error", err.Error()))
			continue
		}
		if v.recurrence != nil {
			overrides[v.event.UniqueID] = append(overrides[v.event.UniqueID], v)
			continue
		}
		bases = append(bases, v)
	}

	now := p.clock.Now()
	events := make([]model.Event, 0, len(bases))
	for _, v := range bases {
		if v.rrule == "" {
			events = append(events, v.event)
			continue
		}
		occ, err := p.expand(v, overrides[v.event.UniqueID], now)
		if err != nil {
			p.logger.Warn("RRULEの展開に失敗しました",
				slog.String("uid", v.event.UniqueID),
				slog.String("rrule", v.rrule),
				slog.String("error", err.Error()),
			)
			events = append(events, v.event)
			continue
		}
		events = append(events, occ...)
	}

	return events, nil
}

func parseVEvent(ve *ics.VEvent) (vevent, error) {
	var out vevent

	uid := propValue(ve, ics.ComponentPropertyUniqueId)
	if uid == "" {
		return out, errors.New("UIDがありません")
	}

	begin, allDay, err := startAt(ve)
	if err != nil {
		return out, fmt.Errorf("UID %s: DTSTARTが不正です: %w", uid, err)
	}

	end, err := endAt(ve, begin, allDay)
	if err != nil {
		return out, fmt.Errorf("UID %s: 終了時刻が不正です: %w", uid, err)
	}
	if end.Before(begin) {
		end = begin
	}

	out.start = begin
	out.event = model.Event{
		UniqueID:    model.CleanText(uid),
		Name:        model.CleanText(propValue(ve, ics.ComponentPropertySummary)),
		Description: model.CleanText(propValue(ve, ics.ComponentPropertyDescription)),
		Location:    model.CleanText(propValue(ve, ics.ComponentPropertyLocation)),
		URL:         model.CleanText(propValue(ve, ics.ComponentPropertyUrl)),
		Begin:       begin.UTC(),
		End:         end.UTC(),
		Transparent: strings.EqualFold(propValue(ve, ics.ComponentPropertyTransp), "TRANSPARENT"),
	}
	if created := propValue(ve, ics.ComponentPropertyCreated); created != "" {
		if t, err := parseICSTime(created, time.UTC); err == nil {
			out.event.Created = t.UTC()
		}
	}

	out.rrule = propValue(ve, ics.ComponentPropertyRrule)
	for _, p := range ve.GetProperties(ics.ComponentPropertyExdate) {
		loc := propLocation(&p.BaseProperty, begin.Location())
		for _, part := range strings.Split(p.Value, ",") {
			if t, err := parseICSTime(part, loc); err == nil {
				out.exdates = append(out.exdates, t)
			}
		}
	}
	if p := ve.GetProperty(ics.ComponentPropertyRecurrenceId); p != nil {
		if t, err := parseICSTime(p.Value, propLocation(&p.BaseProperty, begin.Location())); err == nil {
			utc := t.UTC()
			out.recurrence = &utc
		}
	}

	return out, nil
}

// startAt はDTSTARTをTZIDのタイムゾーンで解析し、終日イベントかどうかも返す。
func startAt(ve *ics.VEvent) (time.Time, bool, error) {
	p := ve.GetProperty(ics.ComponentPropertyDtStart)
	if p == nil {
		return time.Time{}, false, errors.New("DTSTARTがありません")
	}
	t, err := ve.GetStartAt()
	if err != nil {
		return time.Time{}, false, err
	}
	return t, isDateValue(&p.BaseProperty), nil
}

// endAt はDTEND、DURATIONの順に終了時刻を求める。
// どちらもない場合、終日イベントは翌日、それ以外は開始時刻と同じとする。
func endAt(ve *ics.VEvent, begin time.Time, allDay bool) (time.Time, error) {
	if ve.GetProperty(ics.ComponentPropertyDtEnd) != nil {
		return ve.GetEndAt()
	}
	if raw := propValue(ve, ics.ComponentPropertyDuration); raw != "" {
		return AddDuration(begin, raw)
	}
	if allDay {
		return begin.AddDate(0, 0, 1), nil
	}
	return begin, nil
}

// isDateValue は日付のみ（VALUE=DATE）の値かどうかを返す。
func isDateValue(p *ics.BaseProperty) bool {
	if vs := p.ICalParameters["VALUE"]; len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
		return true
	}
	return !strings.Contains(p.Value, "T")
}

// propLocation はTZIDパラメータのタイムゾーンを返す。指定がなければfallbackを返す。
func propLocation(p *ics.BaseProperty, fallback *time.Location) *time.Location {
	tz := p.ICalParameters["TZID"]
	if len(tz) != 1 {
		return fallback
	}
	loc, err := time.LoadLocation(tz[0])
	if err != nil {
		return fallback
	}
	return loc
}

func propValue(ve *ics.VEvent, prop ics.ComponentProperty) string {
	p := ve.GetProperty(prop)
	if p == nil {
		return ""
	}
	return strings.TrimSpace(p.Value)
}

// AddDuration はRFC 5545のDURATION値（例: PT1H30M, P1D, P2W）をbeginに加算する。
// 日と週はbeginのタイムゾーンの暦日として加算するため、夏時間の切り替えをまたいでも同じ時刻になる。
func AddDuration(begin time.Time, raw string) (time.Time, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	sign := 1
	switch {
	case strings.HasPrefix(s, "-"):
		sign, s = -1, s[1:]
	case strings.HasPrefix(s, "+"):
		s = s[1:]
	}
	if !strings.HasPrefix(s, "P") || len(s) == 1 {
		return time.Time{}, fmt.Errorf("不正なDURATION: %q", raw)
	}

	var (
		days    int
		elapsed time.Duration
		num     string
		inTime  bool
		seen    bool
	)
	for _, c := range s[1:] {
		switch {
		case c >= '0' && c <= '9':
			num += string(c)
			continue
		case c == 'T':
			if inTime || num != "" {
				return time.Time{}, fmt.Errorf("不正なDURATION: %q", raw)
			}
			inTime = true
			continue
		}

		n, err := strconv.Atoi(num)
		if err != nil {
			return time.Time{}, fmt.Errorf("不正なDURATION: %q", raw)
		}
		num, seen = "", true
		switch {
		case !inTime && c == 'W':
			days += 7 * n
		case !inTime && c == 'D':
			days += n
		case inTime && c == 'H':
			elapsed += time.Duration(n) * time.Hour
		case inTime && c == 'M':
			elapsed += time.Duration(n) * time.Minute
		case inTime && c == 'S':
			elapsed += time.Duration(n) * time.Second
		default:
			return time.Time{}, fmt.Errorf("不正なDURATION: %q", raw)
		}
	}
	if num != "" || !seen {
		return time.Time{}, fmt.Errorf("不正なDURATION: %q", raw)
	}

	return begin.AddDate(0, 0, sign*days).Add(time.Duration(sign) * elapsed), nil
}

// expand はRRULEを持つイベントを[now-horizon, now+horizon]の範囲で展開する。
// 展開はDTSTARTのタイムゾーンで行い、各回をUTCに変換する。
func (p *Parser) expand(v vevent, overrides []vevent, now time.Time) ([]model.Event, error) {
	r, err := rrule.StrToRRule(v.rrule)
	if err != nil {
		return nil, err
	}
	r.DTStart(v.start)

	var set rrule.Set
	set.RRule(r)
	for _, ex := range v.exdates {
		set.ExDate(ex)
	}

	starts := set.Between(now.Add(-p.horizon), now.Add(p.horizon), true)
	if len(starts) > p.maxOccurrences {
		p.logger.Warn("繰り返しイベントの件数が上限に達しました",
			slog.String("uid", v.event.UniqueID),
			slog.Int("count", len(starts)),
			slog.Int("max", p.maxOccurrences),
		)
		starts = starts[:p.maxOccurrences]
	}

	duration := v.event.Duration()
	out := make([]model.Event, 0, len(starts))
	for _, s := range starts {
		s = s.UTC()
		occ := v.event
		occ.Begin = s
		occ.End = s.Add(duration)
		for _, o := range overrides {
			if o.recurrence.Equal(s) {
				occ = o.event
				break
			}
		}
		occ.UniqueID = OccurrenceID(v.event.UniqueID, s)
		out = append(out, occ)
	}
	return out, nil
}

// OccurrenceID は繰り返しイベントの各回に割り当てるユニークIDを返す。
func OccurrenceID(uid string, start time.Time) string {
	return uid + "#" + start.UTC().Format(occurrenceKeyLayout)
}

// parseICSTime はEXDATEやRECURRENCE-IDなどの日時値を解析する。
// 末尾がZの値はUTC、それ以外はlocの時刻として扱う。
func parseICSTime(v string, loc *time.Location) (time.Time, error) {
	v = strings.TrimSpace(v)
	switch {
	case v == "":
		return time.Time{}, errors.New("日時が空です")
	case strings.HasSuffix(v, "Z"):
		return time.Parse("20060102T150405Z", v)
	case strings.Contains(v, "T"):
		return time.ParseInLocation("20060102T150405", v, loc)
	default:
		return time.ParseInLocation("20060102", v, loc)
	}
}
