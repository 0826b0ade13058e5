package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/listingarb/internal/domain"
)

// PositionReader defines the reads the position handler requires. It is
// satisfied by the live tracker and by the Postgres position store.
type PositionReader interface {
	List(ctx context.Context, opts domain.ListOpts) ([]domain.Position, error)
	Get(ctx context.Context, id string) (domain.Position, error)
}

// PositionHandler serves position-related HTTP endpoints.
type PositionHandler struct {
	positions PositionReader
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler with the given reader and logger.
func NewPositionHandler(positions PositionReader, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		positions: positions,
		logger:    logHandler(logger, "positions"),
	}
}

type listPositionsResponse struct {
	Positions []domain.Position `json:"positions"`
}

// ListPositions returns positions newest first.
// GET /api/positions?limit=&offset=&since=&until=&state=
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	positions, err := h.positions.List(r.Context(), opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list positions failed", slog.String("error", err.Error()))
		writeError(w, statusFor(err), "failed to list positions")
		return
	}

	if state := domain.PositionState(r.URL.Query().Get("state")); state != "" {
		filtered := positions[:0]
		for _, p := range positions {
			if p.State == state {
				filtered = append(filtered, p)
			}
		}
		positions = filtered
	}
	if positions == nil {
		positions = []domain.Position{}
	}

	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: positions})
}

// GetPosition returns one position by ID.
// GET /api/positions/{id}
func (h *PositionHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	pos, err := h.positions.Get(r.Context(), id)
	if err != nil {
		code := statusFor(err)
		if code == http.StatusInternalServerError {
			h.logger.ErrorContext(r.Context(), "get position failed",
				slog.String("position_id", id),
				slog.String("error", err.Error()),
			)
		}
		writeError(w, code, "position not available")
		return
	}
	writeJSON(w, http.StatusOK, pos)
}
