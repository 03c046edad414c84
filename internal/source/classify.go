package source

import (
	"context"
	"errors"
	"net"

	"github.com/hitoshi/seminarcal/internal/model"
)

// 取得失敗の分類。メトリクスのラベルとログに使用する。
const (
	ReasonTimeout     = "timeout"
	ReasonCanceled    = "canceled"
	ReasonBlocked     = "blocked"
	ReasonNotFound    = "not_found"
	ReasonForbidden   = "forbidden"
	ReasonRateLimited = "rate_limited"
	ReasonServerError = "server_error"
	ReasonHTTPStatus  = "http_status"
	ReasonParse       = "parse"
	ReasonNetwork     = "network"
	ReasonUnstorable  = "unstorable"
	ReasonTooLarge    = "too_large"
)

// ClassifyHTTPStatus は200以外のHTTPステータスコードを失敗理由に分類する。
func ClassifyHTTPStatus(statusCode int) string {
	switch {
	case statusCode == 404 || statusCode == 410:
		return ReasonNotFound
	case statusCode == 401 || statusCode == 403:
		return ReasonForbidden
	case statusCode == 429:
		return ReasonRateLimited
	case statusCode >= 500:
		return ReasonServerError
	default:
		return ReasonHTTPStatus
	}
}

// FailureReason は取得エラーを失敗理由に分類する。
func FailureReason(err error) string {
	var statusErr *StatusError
	var netErr net.Error

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	case errors.Is(err, context.Canceled):
		return ReasonCanceled
	case errors.Is(err, ErrURLBlocked):
		return ReasonBlocked
	case errors.Is(err, model.ErrUnstorable):
		return ReasonUnstorable
	case errors.Is(err, ErrBodyTooLarge):
		return ReasonTooLarge
	case errors.Is(err, ErrParse):
		return ReasonParse
	case errors.As(err, &statusErr):
		return ClassifyHTTPStatus(statusErr.StatusCode)
	case errors.As(err, &netErr) && netErr.Timeout():
		return ReasonTimeout
	default:
		return ReasonNetwork
	}
}
