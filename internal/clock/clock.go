// Package clock は現在時刻の取得を抽象化する。
// 鮮度判定をテスト可能にするため、time.Nowを直接呼ばずにClockを注入する。
package clock

import "time"

// Clock は現在のUTC時刻を返すインターフェース。
type Clock interface {
	Now() time.Time
}

// System はシステム時計を使うClock。
type System struct{}

// Now は現在時刻をUTCで返す。
func (System) Now() time.Time {
	return time.Now().UTC()
}

// Func は関数をClockとして扱うアダプタ。
type Func func() time.Time

// Now はラップした関数の結果をUTCで返す。
func (f Func) Now() time.Time {
	return f().UTC()
}

// Fixed は常に同じ時刻を返すClockを生成する。
func Fixed(t time.Time) Func {
	return func() time.Time { return t }
}
