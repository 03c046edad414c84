package clock

import (
	"testing"
	"time"
)

func TestSystem_Now_ReturnsUTC(t *testing.T) {
	now := System{}.Now()
	if now.Location() != time.UTC {
		t.Errorf("Location = %v, want UTC", now.Location())
	}
}

func TestFixed_ReturnsSameInstantInUTC(t *testing.T) {
	tokyo := time.FixedZone("JST", 9*60*60)
	base := time.Date(2025, 4, 1, 9, 0, 0, 0, tokyo)

	c := Fixed(base)
	got := c.Now()

	if !got.Equal(base) {
		t.Errorf("Now() = %v, want %v", got, base)
	}
	if got.Location() != time.UTC {
		t.Errorf("Location = %v, want UTC", got.Location())
	}
	if !c.Now().Equal(got) {
		t.Error("Fixed clock should return the same instant on every call")
	}
}
