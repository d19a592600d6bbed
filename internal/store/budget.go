package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrBudgetExhausted is returned when a spend would exceed a daily cap
var ErrBudgetExhausted = errors.New("daily budget exhausted")

// globalBudgetKey is the pseudo-client row holding the server-wide total
const globalBudgetKey = "__global__"

// BudgetTracker accrues per-client and global USD spend against daily caps.
// Days roll over at UTC midnight.
type BudgetTracker struct {
	db             *sql.DB
	globalDailyUSD float64
	clientDailyUSD float64
}

// NewBudgetTracker creates a budget tracker with the configured daily caps.
// A zero cap disables that check.
func NewBudgetTracker(s *Store, globalDailyUSD, clientDailyUSD float64) *BudgetTracker {
	return &BudgetTracker{db: s.db, globalDailyUSD: globalDailyUSD, clientDailyUSD: clientDailyUSD}
}

// Check reports whether the client may start a new request today. A
// non-nil override replaces the configured per-client cap (token claims
// carry one). The check is advisory: an in-flight request that crosses
// the cap still records its full cost.
func (bt *BudgetTracker) Check(clientName string, override *float64, now time.Time) error {
	date := budgetDate(now)

	if bt.globalDailyUSD > 0 {
		spent, err := bt.spent(date, globalBudgetKey)
		if err != nil {
			return err
		}
		if spent >= bt.globalDailyUSD {
			return fmt.Errorf("global %w: $%.4f of $%.2f spent today", ErrBudgetExhausted, spent, bt.globalDailyUSD)
		}
	}

	cap := bt.clientDailyUSD
	if override != nil {
		cap = *override
	}
	if cap > 0 && clientName != "" {
		spent, err := bt.spent(date, clientName)
		if err != nil {
			return err
		}
		if spent >= cap {
			return fmt.Errorf("client %w: $%.4f of $%.2f spent today", ErrBudgetExhausted, spent, cap)
		}
	}
	return nil
}

// RecordCost adds a completed request's cost to today's client and global
// totals. Zero-cost results are still recorded to keep message accounting
// cheap to audit.
func (bt *BudgetTracker) RecordCost(clientName string, costUSD float64, now time.Time) error {
	date := budgetDate(now)
	if err := bt.accrue(date, globalBudgetKey, costUSD); err != nil {
		return err
	}
	if clientName != "" {
		return bt.accrue(date, clientName, costUSD)
	}
	return nil
}

// SpentToday returns a client's accrued spend for the current UTC day
func (bt *BudgetTracker) SpentToday(clientName string, now time.Time) (float64, error) {
	return bt.spent(budgetDate(now), clientName)
}

// GlobalSpentToday returns the server-wide spend for the current UTC day
func (bt *BudgetTracker) GlobalSpentToday(now time.Time) (float64, error) {
	return bt.spent(budgetDate(now), globalBudgetKey)
}

func (bt *BudgetTracker) spent(date, client string) (float64, error) {
	var spent float64
	err := bt.db.QueryRow(`SELECT spent_usd FROM budget_records WHERE date = ? AND client_name = ?`,
		date, client).Scan(&spent)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read budget record: %w", err)
	}
	return spent, nil
}

func (bt *BudgetTracker) accrue(date, client string, costUSD float64) error {
	_, err := bt.db.Exec(`
		INSERT INTO budget_records (date, client_name, spent_usd) VALUES (?, ?, ?)
		ON CONFLICT(date, client_name) DO UPDATE SET spent_usd = spent_usd + excluded.spent_usd`,
		date, client, costUSD)
	if err != nil {
		return fmt.Errorf("failed to record cost: %w", err)
	}
	return nil
}

func budgetDate(now time.Time) string {
	return now.UTC().Format("2006-01-02")
}
