package abuse

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"agora/models"
	"agora/observability/metrics"
)

// Detection thresholds. Flags are advisory; a detection never blocks the
// transaction that triggered it.
const (
	washTradeThreshold     = 3
	collusionWalletsPerIP  = 5
	rapidFireCount         = 10
	rapidFireWindow        = 5 * time.Minute
	rapidFireMinSpacing    = 30 * time.Second
	washTradeLookback      = 7 * 24 * time.Hour
	severityHigh           = "high"
	severityMedium         = "medium"
	actionRecommendFlag    = "flag"
	actionRecommendMonitor = "monitor"
)

// Detector scans recent activity for wash trading, collusion rings and
// rapid-fire bursts. Dispatch is asynchronous, after the trigger commits.
type Detector struct {
	db      *gorm.DB
	auditor *Auditor
	log     *slog.Logger
	nowFn   func() time.Time
}

func NewDetector(db *gorm.DB, auditor *Auditor, log *slog.Logger) *Detector {
	if log == nil {
		log = slog.Default()
	}
	return &Detector{db: db, auditor: auditor, log: log, nowFn: time.Now}
}

// SetNowFunc overrides the clock for tests.
func (d *Detector) SetNowFunc(now func() time.Time) {
	if now == nil {
		d.nowFn = time.Now
		return
	}
	d.nowFn = now
}

// Dispatch runs every detector for the acting wallet/agent pair in a
// goroutine. Errors are logged and swallowed.
func (d *Detector) Dispatch(buyerWallet, sellerAgent, actorIP string) {
	go func() {
		if err := d.CheckWashTrading(buyerWallet, sellerAgent); err != nil {
			d.log.Warn("wash trading check failed", "error", err)
		}
		if err := d.CheckCollusion(actorIP, buyerWallet); err != nil {
			d.log.Warn("collusion check failed", "error", err)
		}
		if err := d.CheckRapidFire(buyerWallet); err != nil {
			d.log.Warn("rapid fire check failed", "error", err)
		}
	}()
}

// CheckWashTrading flags a buyer/seller pair that settles repeatedly within
// the lookback window.
func (d *Detector) CheckWashTrading(buyerWallet, sellerAgent string) error {
	since := d.nowFn().UTC().Add(-washTradeLookback)
	var count int64
	err := d.db.Model(&models.Escrow{}).
		Where("buyer_wallet = ? AND seller_agent = ? AND status = ? AND released_at > ?",
			buyerWallet, sellerAgent, models.EscrowReleased, since).
		Count(&count).Error
	if err != nil {
		return err
	}
	if count < washTradeThreshold {
		return nil
	}
	return d.flag(models.AbuseFlag{
		Kind:     "wash_trading",
		Severity: severityHigh,
		Actors:   []string{buyerWallet, sellerAgent},
		Evidence: map[string]any{
			"released_count": count,
			"window_hours":   washTradeLookback.Hours(),
		},
		RecommendedAction: actionRecommendFlag,
	}, sellerAgent)
}

// CheckCollusion flags an IP hash that fronts many distinct buyer wallets.
func (d *Detector) CheckCollusion(actorIP, buyerWallet string) error {
	ipHash := HashIP(actorIP)
	if ipHash == "" {
		return nil
	}
	var wallets []string
	err := d.db.Model(&models.AuditEvent{}).
		Where("actor_ip = ? AND action = ?", ipHash, "escrow.create").
		Distinct("actor_id").Pluck("actor_id", &wallets).Error
	if err != nil {
		return err
	}
	if len(wallets) < collusionWalletsPerIP {
		return nil
	}
	return d.flag(models.AbuseFlag{
		Kind:     "collusion",
		Severity: severityHigh,
		Actors:   wallets,
		Evidence: map[string]any{
			"ip_hash":      ipHash,
			"wallet_count": len(wallets),
		},
		RecommendedAction: actionRecommendFlag,
	}, "")
}

// CheckRapidFire flags a wallet creating escrows in bursts.
func (d *Detector) CheckRapidFire(buyerWallet string) error {
	since := d.nowFn().UTC().Add(-rapidFireWindow)
	var recent []models.Escrow
	err := d.db.Select("created_at").
		Where("buyer_wallet = ? AND created_at > ?", buyerWallet, since).
		Order("created_at ASC").Find(&recent).Error
	if err != nil {
		return err
	}
	burst := len(recent) >= rapidFireCount
	if !burst && len(recent) >= 2 {
		last := recent[len(recent)-1]
		prev := recent[len(recent)-2]
		burst = last.CreatedAt.Sub(prev.CreatedAt) < rapidFireMinSpacing
	}
	if !burst {
		return nil
	}
	return d.flag(models.AbuseFlag{
		Kind:     "rapid_fire",
		Severity: severityMedium,
		Actors:   []string{buyerWallet},
		Evidence: map[string]any{
			"tx_in_window":   len(recent),
			"window_minutes": rapidFireWindow.Minutes(),
		},
		RecommendedAction: actionRecommendMonitor,
	}, "")
}

// Flags lists recorded flags, newest first.
func (d *Detector) Flags(kind string, limit int) ([]models.AbuseFlag, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := d.db.Order("created_at DESC").Limit(limit)
	if kind != "" {
		query = query.Where("kind = ?", kind)
	}
	var flags []models.AbuseFlag
	err := query.Find(&flags).Error
	return flags, err
}

func (d *Detector) flag(flag models.AbuseFlag, escalateAgent string) error {
	flag.ID = uuid.New()
	flag.CreatedAt = d.nowFn().UTC()
	if err := d.db.Create(&flag).Error; err != nil {
		return err
	}
	metrics.AbuseFlags.WithLabelValues(flag.Kind).Inc()
	d.log.Warn("abuse flag recorded", "kind", flag.Kind, "severity", flag.Severity)
	if flag.RecommendedAction == actionRecommendFlag && escalateAgent != "" {
		if err := d.db.Model(&models.Agent{}).
			Where("name = ?", escalateAgent).
			Update("flagged", true).Error; err != nil {
			return err
		}
	}
	return nil
}
