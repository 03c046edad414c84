package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/seminarcal/internal/middleware"
	"github.com/hitoshi/seminarcal/internal/model"
)

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

// handleServiceError はストアやリコンサイラーから返されたエラーをレスポンスに変換する。
// APIErrorはそのコードに対応するステータスで返し、それ以外は詳細をログに残して500を返す。
func handleServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		middleware.WriteErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	// クライアントが切断した場合は書き込み先がないためログのみ
	if errors.Is(err, context.Canceled) && r.Context().Err() != nil {
		logger.Debug("request canceled",
			slog.String("path", r.URL.Path),
		)
		return
	}

	logger.Error("internal server error",
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
		slog.Bool("invariant_violation", errors.Is(err, model.ErrInvariantViolation)),
	)
	middleware.WriteInternalServerError(w)
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeFeedNotFound, model.ErrCodeEventNotFound:
		return http.StatusNotFound
	case model.ErrCodeInvalidScope:
		return http.StatusBadRequest
	case model.ErrCodeRateLimit:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
