package apikey

import (
	"fmt"
	"sync"
	"time"

	"github.com/jordanhubbard/modelplane/internal/clock"
)

// BudgetExceededError is returned when a key has exceeded its monthly budget.
type BudgetExceededError struct {
	BudgetEuro float64
	SpentEuro  float64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("monthly budget exceeded: budget=%.2f, spent=%.4f", e.BudgetEuro, e.SpentEuro)
}

// Ledger tracks per-key spend within the current calendar month. The spend
// counters reset when the month rolls over; a restart also resets them, which
// errs on the permissive side.
type Ledger struct {
	clk clock.Clock

	mu    sync.Mutex
	month time.Time // first instant of the month the counters cover
	spend map[string]float64
}

// LedgerOption configures a Ledger.
type LedgerOption func(*Ledger)

// WithLedgerClock overrides the ledger's time source.
func WithLedgerClock(c clock.Clock) LedgerOption {
	return func(l *Ledger) {
		if c != nil {
			l.clk = c
		}
	}
}

// NewLedger creates an empty spend ledger.
func NewLedger(opts ...LedgerOption) *Ledger {
	l := &Ledger{clk: clock.Real(), spend: make(map[string]float64)}
	for _, o := range opts {
		o(l)
	}
	l.month = monthOf(l.clk.Now())
	return l
}

// Charge adds euro to the key's spend for the current month.
func (l *Ledger) Charge(keyID string, euro float64) {
	if euro <= 0 {
		return
	}
	l.mu.Lock()
	l.rollLocked()
	l.spend[keyID] += euro
	l.mu.Unlock()
}

// Spent returns the key's spend so far this month.
func (l *Ledger) Spent(keyID string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollLocked()
	return l.spend[keyID]
}

// Check verifies the record against its monthly limit. A zero or negative
// budget means unlimited.
func (l *Ledger) Check(rec *Record) error {
	if rec == nil || rec.MonthlyBudgetEuro <= 0 {
		return nil
	}
	spent := l.Spent(rec.ID)
	if spent >= rec.MonthlyBudgetEuro {
		return &BudgetExceededError{BudgetEuro: rec.MonthlyBudgetEuro, SpentEuro: spent}
	}
	return nil
}

func (l *Ledger) rollLocked() {
	now := monthOf(l.clk.Now())
	if !now.Equal(l.month) {
		l.month = now
		l.spend = make(map[string]float64)
	}
}

func monthOf(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
