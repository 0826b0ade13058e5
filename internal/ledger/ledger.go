// Package ledger is the single authority over per-exchange capital.
package ledger

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/listingarb/internal/domain"
)

// account is one exchange's balance and its outstanding reservations.
// Every field is guarded by mu.
type account struct {
	mu       sync.Mutex
	balance  decimal.Decimal
	reserved map[string]decimal.Decimal
	realized decimal.Decimal
	feesPaid decimal.Decimal
}

// Ledger holds available capital per exchange. Operations on one exchange
// are serialized; different exchanges never contend.
type Ledger struct {
	accounts map[string]*account
	logger   *slog.Logger
}

// New creates a Ledger seeded with starting balances. The set of exchanges is
// fixed for the ledger's lifetime.
func New(starting map[string]decimal.Decimal, logger *slog.Logger) *Ledger {
	l := &Ledger{
		accounts: make(map[string]*account, len(starting)),
		logger:   logger.With(slog.String("component", "ledger")),
	}
	for ex, bal := range starting {
		l.accounts[ex] = &account{
			balance:  bal,
			reserved: make(map[string]decimal.Decimal),
		}
	}
	return l
}

func (l *Ledger) account(exchange string) (*account, error) {
	a, ok := l.accounts[exchange]
	if !ok {
		return nil, fmt.Errorf("ledger: unknown exchange %q: %w", exchange, domain.ErrLedgerInvariant)
	}
	return a, nil
}

// Reserve debits amount from exchange's available balance and returns the
// claim. It returns domain.ErrInsufficientFunds without mutating state when
// the balance does not cover amount.
func (l *Ledger) Reserve(exchange string, amount decimal.Decimal) (domain.Allocation, error) {
	if !amount.IsPositive() {
		return domain.Allocation{}, fmt.Errorf("ledger: reserve %s on %s: non-positive amount: %w", amount, exchange, domain.ErrLedgerInvariant)
	}
	a, err := l.account(exchange)
	if err != nil {
		return domain.Allocation{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.balance.LessThan(amount) {
		return domain.Allocation{}, fmt.Errorf("ledger: reserve %s on %s (available %s): %w",
			amount, exchange, a.balance, domain.ErrInsufficientFunds)
	}
	alloc := domain.Allocation{
		ID:       uuid.NewString(),
		Exchange: exchange,
		Amount:   amount,
	}
	a.balance = a.balance.Sub(amount)
	a.reserved[alloc.ID] = amount
	l.logger.Debug("reserved",
		slog.String("exchange", exchange),
		slog.String("allocation", alloc.ID),
		slog.String("amount", amount.String()),
		slog.String("balance", a.balance.String()),
	)
	return alloc, nil
}

// Release returns an unused reservation in full.
func (l *Ledger) Release(alloc domain.Allocation) error {
	a, err := l.account(alloc.Exchange)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	amount, err := a.take(alloc)
	if err != nil {
		return err
	}
	a.balance = a.balance.Add(amount)
	l.logger.Debug("released",
		slog.String("exchange", alloc.Exchange),
		slog.String("allocation", alloc.ID),
		slog.String("balance", a.balance.String()),
	)
	return nil
}

// Settle closes a reservation, crediting the reserved amount plus realized
// PnL minus fees. It returns the balance after settlement.
func (l *Ledger) Settle(alloc domain.Allocation, realizedPnL, fees decimal.Decimal) (decimal.Decimal, error) {
	a, err := l.account(alloc.Exchange)
	if err != nil {
		return decimal.Zero, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	amount, ok := a.reserved[alloc.ID]
	if !ok {
		return decimal.Zero, fmt.Errorf("ledger: settle unknown allocation %s on %s: %w", alloc.ID, alloc.Exchange, domain.ErrLedgerInvariant)
	}
	next := a.balance.Add(amount).Add(realizedPnL).Sub(fees)
	if next.IsNegative() {
		return decimal.Zero, fmt.Errorf("ledger: settle %s on %s would leave balance %s: %w",
			alloc.ID, alloc.Exchange, next, domain.ErrLedgerInvariant)
	}
	delete(a.reserved, alloc.ID)
	a.balance = next
	a.realized = a.realized.Add(realizedPnL)
	a.feesPaid = a.feesPaid.Add(fees)
	l.logger.Info("settled",
		slog.String("exchange", alloc.Exchange),
		slog.String("allocation", alloc.ID),
		slog.String("pnl", realizedPnL.String()),
		slog.String("fees", fees.String()),
		slog.String("balance", a.balance.String()),
	)
	return a.balance, nil
}

// take removes alloc from the reservation table. Callers hold a.mu.
func (a *account) take(alloc domain.Allocation) (decimal.Decimal, error) {
	amount, ok := a.reserved[alloc.ID]
	if !ok {
		return decimal.Zero, fmt.Errorf("ledger: release unknown allocation %s on %s: %w", alloc.ID, alloc.Exchange, domain.ErrLedgerInvariant)
	}
	delete(a.reserved, alloc.ID)
	return amount, nil
}

// Available returns the unreserved balance on exchange.
func (l *Ledger) Available(exchange string) (decimal.Decimal, error) {
	a, err := l.account(exchange)
	if err != nil {
		return decimal.Zero, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.balance, nil
}

// Entries returns a snapshot of every account sorted by exchange.
func (l *Ledger) Entries() []domain.LedgerEntry {
	out := make([]domain.LedgerEntry, 0, len(l.accounts))
	for ex, a := range l.accounts {
		a.mu.Lock()
		reserved := decimal.Zero
		for _, amt := range a.reserved {
			reserved = reserved.Add(amt)
		}
		out = append(out, domain.LedgerEntry{Exchange: ex, Balance: a.balance, Reserved: reserved})
		a.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Exchange < out[j].Exchange })
	return out
}

// Total is the sum of balances and open reservations across exchanges.
func (l *Ledger) Total() decimal.Decimal {
	total := decimal.Zero
	for _, e := range l.Entries() {
		total = total.Add(e.Balance).Add(e.Reserved)
	}
	return total
}

// Realized returns cumulative realized PnL and fees across exchanges.
func (l *Ledger) Realized() (pnl, fees decimal.Decimal) {
	pnl, fees = decimal.Zero, decimal.Zero
	for _, a := range l.accounts {
		a.mu.Lock()
		pnl = pnl.Add(a.realized)
		fees = fees.Add(a.feesPaid)
		a.mu.Unlock()
	}
	return pnl, fees
}

// Exchanges returns the ledger's exchanges in lexical order.
func (l *Ledger) Exchanges() []string {
	out := make([]string, 0, len(l.accounts))
	for ex := range l.accounts {
		out = append(out, ex)
	}
	sort.Strings(out)
	return out
}
