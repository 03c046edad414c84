package ical

import (
	"fmt"
	"io"
	"time"

	ics "github.com/arran4/golang-ical"

	"github.com/hitoshi/seminarcal/internal/model"
)

const productID = "-//seminarcal//seminarcal//EN"

// Encode はイベント列をiCalendar文書としてwに書き出す。
// stampはDTSTAMPに使う時刻で、Createdが未設定のイベントのCREATEDにも使う。
func Encode(w io.Writer, title string, events []model.Event, stamp time.Time) error {
	cal := ics.NewCalendar()
	cal.SetMethod(ics.MethodPublish)
	cal.SetProductId(productID)
	if title != "" {
		cal.SetXWRCalName(title)
	}

	for _, e := range events {
		ve := cal.AddEvent(e.UniqueID)
		ve.SetDtStampTime(stamp.UTC())
		created := e.Created
		if created.IsZero() {
			created = stamp
		}
		ve.SetCreatedTime(created.UTC())
		ve.SetStartAt(e.Begin.UTC())
		ve.SetEndAt(e.End.UTC())
		if e.Name != "" {
			ve.SetSummary(e.Name)
		}
		if e.Description != "" {
			ve.SetDescription(e.Description)
		}
		if e.Location != "" {
			ve.SetLocation(e.Location)
		}
		if e.URL != "" {
			ve.SetURL(e.URL)
		}
		if e.Transparent {
			ve.SetProperty(ics.ComponentPropertyTransp, "TRANSPARENT")
		}
	}

	if _, err := io.WriteString(w, cal.Serialize()); err != nil {
		return fmt.Errorf("iCalendarの書き出しに失敗しました: %w", err)
	}
	return nil
}
