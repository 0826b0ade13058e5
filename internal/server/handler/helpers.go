package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/alanyoungcy/listingarb/internal/domain"
)

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain-text 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError sends a JSON-formatted error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps domain sentinels onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrUnavailable):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrTransient), errors.Is(err, domain.ErrRateLimited):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// parseListOpts extracts pagination and time-window parameters from the
// query string. Defaults: limit=50 (max 500), offset=0. since and until
// accept RFC3339 timestamps; malformed values are reported as errors.
func parseListOpts(r *http.Request) (domain.ListOpts, error) {
	q := r.URL.Query()

	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}

	offset := 0
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	opts := domain.ListOpts{Limit: limit, Offset: offset}
	var err error
	if opts.Since, err = parseTimeParam(q.Get("since")); err != nil {
		return opts, err
	}
	if opts.Until, err = parseTimeParam(q.Get("until")); err != nil {
		return opts, err
	}
	return opts, nil
}

func parseTimeParam(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, errors.New("timestamps must be RFC3339")
	}
	return &t, nil
}

// pathParam extracts a named path parameter from the request using Go 1.22+
// built-in routing (http.Request.PathValue).
func pathParam(r *http.Request, name string) string {
	return r.PathValue(name)
}

// logHandler is a convenience to attach slog fields in handler code.
func logHandler(logger *slog.Logger, handler string) *slog.Logger {
	return logger.With(slog.String("handler", handler))
}
