// Package staleness はキャッシュの鮮度判定を提供する。
// フィード単位とイベント単位の2つの純粋な述語のみを持ち、I/Oは行わない。
package staleness

import "time"

// Policy はフィードとイベントの再取得間隔を保持する。
// 値は設定から構築され、フィードカタログの個別設定で上書きされる。
type Policy struct {
	FeedRefreshInterval  time.Duration
	EventRefreshInterval time.Duration
}

// FeedIsStale はフィードのソース一覧を再取得すべきかを判定する。
// lastDownloadがnil（未取得）の場合は常にtrueを返す。
func FeedIsStale(now time.Time, lastDownload *time.Time, feedRefreshInterval time.Duration) bool {
	if lastDownload == nil {
		return true
	}
	return lastDownload.Before(now.Add(-feedRefreshInterval))
}

// EventNeedsUpdating はキャッシュ済みイベントを再取得すべきかを判定する。
// 終了時刻を過ぎたイベントは凍結され、キャッシュの古さに関わらずfalseを返す。
func EventNeedsUpdating(now, end, lastDownload time.Time, eventRefreshInterval time.Duration) bool {
	if end.Before(now) {
		return false
	}
	return lastDownload.Before(now.Add(-eventRefreshInterval))
}

// FeedIsStale はPolicyのフィード間隔でFeedIsStaleを評価する。
func (p Policy) FeedIsStale(now time.Time, lastDownload *time.Time) bool {
	return FeedIsStale(now, lastDownload, p.FeedRefreshInterval)
}

// EventNeedsUpdating はPolicyのイベント間隔でEventNeedsUpdatingを評価する。
func (p Policy) EventNeedsUpdating(now, end, lastDownload time.Time) bool {
	return EventNeedsUpdating(now, end, lastDownload, p.EventRefreshInterval)
}

// Override はゼロでない値だけを上書きした新しいPolicyを返す。
func (p Policy) Override(feedInterval, eventInterval time.Duration) Policy {
	if feedInterval > 0 {
		p.FeedRefreshInterval = feedInterval
	}
	if eventInterval > 0 {
		p.EventRefreshInterval = eventInterval
	}
	return p
}
