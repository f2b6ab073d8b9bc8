// Package credit implements the admission-control policy in front of paid
// generation: a free-tier hourly counter backed by countstore, falling
// through to a persistent per-account credit balance.
package credit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/topiary-social/topiary/dispatch"
	"github.com/topiary-social/topiary/smartmedia/countstore"
)

const freeTierCounter = "smartmedia-free"

// ErrInsufficientCredits rejects paid work before any generation begins.
var ErrInsufficientCredits = errors.New("insufficient credits")

// Balance is one account's persistent credit balance.
type Balance struct {
	gorm.Model
	Account string `gorm:"uniqueIndex"`
	Credits float64
}

type LedgerConfig struct {
	// FreeTierPerHour is the number of free generations per creator per
	// rolling hour window. 0 disables the free tier entirely.
	FreeTierPerHour int
	// PremiumTemplates never draw from the free tier.
	PremiumTemplates []string
	Costs            *CostTable
}

type Ledger struct {
	db      *gorm.DB
	counts  countstore.CountStore
	logger  *slog.Logger
	cap     int
	premium map[string]bool
	costs   *CostTable
}

func NewLedger(db *gorm.DB, counts countstore.CountStore, logger *slog.Logger, config LedgerConfig) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	costs := config.Costs
	if costs == nil {
		costs = DefaultCostTable()
	}
	premium := make(map[string]bool, len(config.PremiumTemplates))
	for _, t := range config.PremiumTemplates {
		premium[t] = true
	}
	return &Ledger{
		db:      db,
		counts:  counts,
		logger:  logger.With("component", "credit"),
		cap:     config.FreeTierPerHour,
		premium: premium,
		costs:   costs,
	}
}

// CanAfford gates a full (non-preview) update. Checked before any
// generation work; a false return means no work is performed at all. Free
// tier and paid updates share one admission policy, so a rejected creator
// can never accrue debt through the sweep loop.
func (l *Ledger) CanAfford(ctx context.Context, creator, templateName string) (allowed, free bool, err error) {
	return l.admit(ctx, creator, templateName)
}

// PreviewAdmission gates preview generation.
func (l *Ledger) PreviewAdmission(ctx context.Context, creator, templateName string) (allowed, free bool, err error) {
	return l.admit(ctx, creator, templateName)
}

// admit consumes one free-tier slot for non-premium templates when any
// remain; the increment itself is the admission check, so two racing
// requests cannot share a slot. Past the cap (or for premium templates)
// admission requires a positive credit balance and the eventual debit is
// real.
//
// The returned free flag tells the caller whether to skip the post-hoc
// debit: a free-tier run is covered by the tier, not billed.
func (l *Ledger) admit(ctx context.Context, creator, templateName string) (allowed, free bool, err error) {
	if !l.premium[templateName] && l.cap > 0 {
		n, err := l.counts.Increment(ctx, freeTierCounter, creator, time.Hour)
		if err != nil {
			return false, false, fmt.Errorf("incrementing free-tier counter: %w", err)
		}
		if n <= l.cap {
			return true, true, nil
		}
		// over the cap; the overshoot increment is harmless, the
		// counter expires with the window either way
	}
	bal, err := l.BalanceOf(ctx, creator)
	if err != nil {
		return false, false, err
	}
	return bal > 0, false, nil
}

// Debit bills the creator for resources actually consumed. Called only
// after successful generation; there is no reservation or refund protocol.
// The decrement runs as a single SQL expression so concurrent debits to one
// account cannot lose updates.
func (l *Ledger) Debit(ctx context.Context, creator, modelID string, usage *dispatch.Usage) error {
	cost := l.costs.Cost(modelID, usage)
	if cost <= 0 {
		return nil
	}

	res := l.db.WithContext(ctx).Model(&Balance{}).
		Where("account = ?", creator).
		Update("credits", gorm.Expr("credits - ?", cost))
	if res.Error != nil {
		return fmt.Errorf("debiting %s: %w", creator, res.Error)
	}
	if res.RowsAffected == 0 {
		// no balance row: account only ever used the free tier. Record
		// the debt so the next top-up settles it.
		if err := l.db.WithContext(ctx).Create(&Balance{Account: creator, Credits: -cost}).Error; err != nil {
			return fmt.Errorf("recording debit for %s: %w", creator, err)
		}
	}

	creditsDebited.Add(cost)
	l.logger.Debug("debited credits", "creator", creator, "model", modelID, "cost", cost)
	return nil
}

// Credit tops up an account, creating the balance row if needed.
func (l *Ledger) Credit(ctx context.Context, account string, amount float64) error {
	if amount <= 0 {
		return fmt.Errorf("credit amount must be positive")
	}
	return l.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "account"}},
		DoUpdates: clause.Assignments(map[string]any{"credits": gorm.Expr("credits + ?", amount)}),
	}).Create(&Balance{Account: account, Credits: amount}).Error
}

// BalanceOf returns the account's current balance, 0 for unknown accounts.
func (l *Ledger) BalanceOf(ctx context.Context, account string) (float64, error) {
	var b Balance
	err := l.db.WithContext(ctx).Where("account = ?", account).First(&b).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading balance for %s: %w", account, err)
	}
	return b.Credits, nil
}
