// Package sweeper ages out overdue escrows and stale consent requests.
// Locked escrows whose deadline passed without delivery are refunded;
// pending ones flip to expired. Runs are safe to overlap: every mutation
// goes through guarded conditional updates.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"agora/escrow"
	"agora/models"
	"agora/observability/metrics"
	"agora/vault"
)

const batchSize = 50

// Report summarizes one sweep.
type Report struct {
	Checked         int   `json:"checked"`
	Refunded        int   `json:"refunded"`
	Failed          int   `json:"failed"`
	Skipped         int   `json:"skipped"`
	Expired         int   `json:"expired"`
	ConsentsExpired int64 `json:"consents_expired"`
}

// Sweeper pages through overdue escrows and attempts automatic refunds.
type Sweeper struct {
	db     *gorm.DB
	engine *escrow.Engine
	vault  *vault.Gateway
	log    *slog.Logger
	nowFn  func() time.Time
}

func New(db *gorm.DB, engine *escrow.Engine, vaultGW *vault.Gateway, log *slog.Logger) *Sweeper {
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{db: db, engine: engine, vault: vaultGW, log: log, nowFn: time.Now}
}

// SetNowFunc overrides the clock for tests.
func (s *Sweeper) SetNowFunc(now func() time.Time) {
	if now == nil {
		s.nowFn = time.Now
		return
	}
	s.nowFn = now
}

// Run processes one batch of at most 50 locked escrows past their deadline,
// then ages out overdue pending escrows and stale consent requests. A refund
// transfer failure bumps the retry counter and leaves the status untouched;
// the next run picks the escrow up again.
func (s *Sweeper) Run(ctx context.Context) (*Report, error) {
	now := s.nowFn().UTC()
	var overdue []models.Escrow
	err := s.db.Where("status = ? AND expires_at < ?", models.EscrowLocked, now).
		Order("expires_at ASC").Limit(batchSize).Find(&overdue).Error
	if err != nil {
		return nil, err
	}

	report := &Report{Checked: len(overdue)}
	for i := range overdue {
		record := &overdue[i]
		if ctx.Err() != nil {
			report.Skipped += len(overdue) - i
			break
		}
		if record.BuyerWallet == "" || record.Amount <= 0 {
			s.log.Warn("sweep skipping malformed escrow", "escrow", record.ID)
			report.Skipped++
			continue
		}
		if _, err := s.engine.Refund(ctx, record.ID, "auto_expired"); err != nil {
			s.log.Warn("sweep refund failed",
				"escrow", record.ID, "attempts", record.RefundAttempts+1, "error", err)
			metrics.SweeperRefunds.WithLabelValues("failure").Inc()
			report.Failed++
			continue
		}
		metrics.SweeperRefunds.WithLabelValues("success").Inc()
		report.Refunded++
	}

	report.Expired = s.expirePending(ctx, now)
	if s.vault != nil {
		expired, err := s.vault.ExpireStale()
		if err != nil {
			s.log.Warn("consent expiry sweep failed", "error", err)
		}
		report.ConsentsExpired = expired
	}

	if report.Checked > 0 || report.Expired > 0 || report.ConsentsExpired > 0 {
		s.log.Info("expiry sweep complete",
			"checked", report.Checked, "refunded", report.Refunded,
			"failed", report.Failed, "skipped", report.Skipped,
			"expired", report.Expired, "consents_expired", report.ConsentsExpired)
	}
	return report, nil
}

// expirePending flips one batch of overdue pending escrows to expired. They
// hold no funds, so this never touches the settlement network.
func (s *Sweeper) expirePending(ctx context.Context, now time.Time) int {
	var stale []models.Escrow
	err := s.db.Select("id").
		Where("status = ? AND expires_at < ?", models.EscrowPending, now).
		Order("expires_at ASC").Limit(batchSize).Find(&stale).Error
	if err != nil {
		s.log.Warn("pending expiry query failed", "error", err)
		return 0
	}
	expired := 0
	for i := range stale {
		if ctx.Err() != nil {
			break
		}
		if err := s.engine.Expire(stale[i].ID); err != nil {
			continue
		}
		expired++
	}
	return expired
}
