package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/listingarb/internal/domain"
)

// BalanceFunc returns the current per-exchange ledger entries.
type BalanceFunc func(ctx context.Context) ([]domain.LedgerEntry, error)

// BalanceHandler serves ledger balances.
type BalanceHandler struct {
	balances BalanceFunc
	logger   *slog.Logger
}

// NewBalanceHandler creates a BalanceHandler.
func NewBalanceHandler(balances BalanceFunc, logger *slog.Logger) *BalanceHandler {
	return &BalanceHandler{balances: balances, logger: logHandler(logger, "balances")}
}

type balancesResponse struct {
	Balances []domain.LedgerEntry `json:"balances"`
	Total    decimal.Decimal      `json:"total"`
}

// GetBalances returns every exchange balance plus the total capital,
// reserved funds included.
// GET /api/balances
func (h *BalanceHandler) GetBalances(w http.ResponseWriter, r *http.Request) {
	entries, err := h.balances(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "load balances failed", slog.String("error", err.Error()))
		writeError(w, statusFor(err), "failed to load balances")
		return
	}
	total := decimal.Zero
	for _, e := range entries {
		total = total.Add(e.Balance).Add(e.Reserved)
	}
	if entries == nil {
		entries = []domain.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, balancesResponse{Balances: entries, Total: total})
}
