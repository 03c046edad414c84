// Package source は外部のフィードとiCalendar文書を取得する。
// すべてのHTTPアクセスはSSRF防止付きクライアントを経由し、
// タイムアウトとレスポンスサイズの上限が適用される。
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const userAgent = "seminarcal/1.0 (+calendar aggregator)"

// ErrURLBlocked はSSRF検証で拒否されたURLを表す。
var ErrURLBlocked = errors.New("SSRF検証により拒否されたURL")

// ErrParse は取得した文書の解析失敗を表す。
var ErrParse = errors.New("文書の解析に失敗")

// SSRFValidator はSSRF検証のインターフェース。
// security.SSRFGuardServiceを抽象化してテスタビリティを向上させる。
type SSRFValidator interface {
	ValidateURL(rawURL string) error
	NewSafeClient(timeout time.Duration, maxResponseSize int64) *http.Client
}

// ErrBodyTooLarge はレスポンス本文がサイズ上限を超えたことを表す。
// 途中で切り詰めた文書を完全なものとして扱わないよう、取得失敗として扱う。
var ErrBodyTooLarge = errors.New("レスポンスがサイズ上限を超えています")

// StatusError は200以外のHTTPステータスを表す。
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("予期しないHTTPステータス: %d", e.StatusCode)
}

// response は取得したレスポンスの本文とContent-Type。
type response struct {
	body        []byte
	contentType string
	finalURL    string
}

// getter はSSRF検証とサイズ制限付きでGETリクエストを送信する。
type getter struct {
	guard       SSRFValidator
	timeout     time.Duration
	maxBodySize int64
}

func (g *getter) get(ctx context.Context, rawURL, accept string) (*response, error) {
	if err := g.guard.ValidateURL(rawURL); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrURLBlocked, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("リクエスト作成に失敗: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", accept)

	client := g.guard.NewSafeClient(g.timeout, g.maxBodySize)
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエスト失敗: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, g.maxBodySize+1))
	if err != nil {
		return nil, fmt.Errorf("レスポンス読み取り失敗: %w", err)
	}
	if int64(len(body)) > g.maxBodySize {
		return nil, fmt.Errorf("%w: 上限 %d バイト", ErrBodyTooLarge, g.maxBodySize)
	}

	finalURL := rawURL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}

	return &response{
		body:        body,
		contentType: resp.Header.Get("Content-Type"),
		finalURL:    finalURL,
	}, nil
}
