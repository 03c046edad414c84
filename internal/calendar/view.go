// Package calendar はフィード単位のイベント集合を読み取り専用ビューとして提供する。
package calendar

import (
	"sort"
	"time"

	"github.com/hitoshi/seminarcal/internal/model"
)

// View は1フィード分のイベント集合。
// 開始時刻順（同時刻はユニークID順）の列と、ユニークIDによる索引を持つ。
type View struct {
	FeedName string
	events   []model.Event
	byID     map[string]int
}

// NewView はイベント列からViewを構築する。
// 同じユニークIDが複数ある場合は後に現れたものを採用する。
func NewView(feedName string, events []model.Event) *View {
	latest := make(map[string]model.Event, len(events))
	for _, e := range events {
		latest[e.UniqueID] = e
	}

	ordered := make([]model.Event, 0, len(latest))
	for _, e := range latest {
		ordered = append(ordered, e)
	}
	Sort(ordered)

	byID := make(map[string]int, len(ordered))
	for i, e := range ordered {
		byID[e.UniqueID] = i
	}

	return &View{FeedName: feedName, events: ordered, byID: byID}
}

// Sort はイベント列を開始時刻、ユニークIDの順に並べ替える。
func Sort(events []model.Event) {
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].Begin.Equal(events[j].Begin) {
			return events[i].Begin.Before(events[j].Begin)
		}
		return events[i].UniqueID < events[j].UniqueID
	})
}

// Events は全イベントのコピーを順序どおりに返す。
func (v *View) Events() []model.Event {
	out := make([]model.Event, len(v.events))
	copy(out, v.events)
	return out
}

// Len はイベント数を返す。
func (v *View) Len() int {
	return len(v.events)
}

// Get はユニークIDでイベントを取得する。
func (v *View) Get(uniqueID string) (model.Event, bool) {
	i, ok := v.byID[uniqueID]
	if !ok {
		return model.Event{}, false
	}
	return v.events[i], true
}

// Contains はユニークIDのイベントが含まれるかを返す。
func (v *View) Contains(uniqueID string) bool {
	_, ok := v.byID[uniqueID]
	return ok
}

// Past はnow時点で終了済みのイベントを返す。名前と説明が空のイベントは除外する。
func (v *View) Past(now time.Time) []model.Event {
	return v.filter(func(e model.Event) bool { return e.End.Before(now) })
}

// Upcoming はnow時点で終了していないイベントを返す。名前と説明が空のイベントは除外する。
func (v *View) Upcoming(now time.Time) []model.Event {
	return v.filter(func(e model.Event) bool { return !e.End.Before(now) })
}

func (v *View) filter(keep func(model.Event) bool) []model.Event {
	out := make([]model.Event, 0, len(v.events))
	for _, e := range v.events {
		if e.IsBlank() {
			continue
		}
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}
