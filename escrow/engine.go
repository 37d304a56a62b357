// Package escrow implements the custodial settlement lifecycle. Every escrow
// moves pending -> locked -> confirmed -> released on the happy path, with
// refund, dispute and expiry branches. Transitions are enforced with
// conditional updates so two racing callers can never both win a flip.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"agora/fault"
	"agora/models"
	"agora/observability/metrics"
	"agora/reputation"
	"agora/settlement"
	"agora/verify"
)

const (
	// Custody must have received at least this fraction of amount+fee for a
	// lock to be accepted. Absorbs network transfer fees on the buyer side.
	lockTolerance = 0.95

	defaultEscrowTTL = 24 * time.Hour
)

// CreateInput carries a new escrow request. Amount excludes the fee; the fee
// is derived from the seller's trust tier at creation time and never changes.
type CreateInput struct {
	BuyerWallet   string
	SellerAgent   string
	Amount        float64
	Category      string
	ServiceDetail map[string]any
	TTL           time.Duration
}

// Engine drives the escrow state machine against the database and the
// settlement network.
type Engine struct {
	db         *gorm.DB
	network    settlement.Client
	registry   *verify.Registry
	reputation *reputation.Engine
	custody    string
	defaultTTL time.Duration
	nowFn      func() time.Time
}

// NewEngine wires the escrow engine. custodyWallet is the settlement-network
// address that holds locked funds.
func NewEngine(db *gorm.DB, network settlement.Client, registry *verify.Registry, rep *reputation.Engine, custodyWallet string) *Engine {
	return &Engine{
		db:         db,
		network:    network,
		registry:   registry,
		reputation: rep,
		custody:    custodyWallet,
		defaultTTL: defaultEscrowTTL,
		nowFn:      time.Now,
	}
}

// SetDefaultTTL overrides the expiry window applied when a create request
// does not name one.
func (e *Engine) SetDefaultTTL(ttl time.Duration) {
	if ttl > 0 {
		e.defaultTTL = ttl
	}
}

// SetNowFunc overrides the clock for tests.
func (e *Engine) SetNowFunc(now func() time.Time) {
	if now == nil {
		e.nowFn = time.Now
		return
	}
	e.nowFn = now
}

// Create opens a pending escrow. The seller must exist and not be banned;
// the fee is fixed here from the seller's current trust tier.
func (e *Engine) Create(input CreateInput) (*models.Escrow, error) {
	if input.Amount <= 0 {
		return nil, fault.New(fault.CodeInvalidInput, "amount must be positive")
	}
	var seller models.Agent
	if err := e.db.First(&seller, "name = ?", input.SellerAgent).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fault.New(fault.CodeNotFound, "seller agent not found: %s", input.SellerAgent)
		}
		return nil, err
	}
	if seller.Banned {
		return nil, fault.New(fault.CodeForbidden, "seller agent is banned")
	}
	if strings.TrimSpace(seller.PayoutWallet) == "" {
		return nil, fault.New(fault.CodeInvalidInput, "seller agent has no payout wallet")
	}

	tier := reputation.TierFor(seller.TrustScore)
	fee := input.Amount * reputation.FeeRate(tier)

	ttl := input.TTL
	if ttl <= 0 {
		ttl = e.defaultTTL
	}
	now := e.nowFn().UTC()
	record := models.Escrow{
		ID:            uuid.New(),
		BuyerWallet:   input.BuyerWallet,
		SellerAgent:   seller.Name,
		SellerWallet:  seller.PayoutWallet,
		Amount:        input.Amount,
		Fee:           fee,
		Status:        models.EscrowPending,
		Category:      input.Category,
		ServiceDetail: input.ServiceDetail,
		CreatedAt:     now,
		ExpiresAt:     now.Add(ttl),
	}
	if err := e.db.Create(&record).Error; err != nil {
		return nil, err
	}
	metrics.EscrowTransitions.WithLabelValues(string(models.EscrowPending)).Inc()
	return &record, nil
}

// Get fetches one escrow by id.
func (e *Engine) Get(escrowID uuid.UUID) (*models.Escrow, error) {
	var record models.Escrow
	if err := e.db.First(&record, "id = ?", escrowID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fault.New(fault.CodeNotFound, "escrow not found")
		}
		return nil, err
	}
	return &record, nil
}

// ListByWallet returns escrows where the wallet is the buyer, newest first.
func (e *Engine) ListByWallet(wallet string, limit int) ([]models.Escrow, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	var records []models.Escrow
	err := e.db.Where("buyer_wallet = ?", wallet).
		Order("created_at DESC").Limit(limit).Find(&records).Error
	return records, err
}

// ListByAgent returns escrows naming the agent as seller, newest first.
func (e *Engine) ListByAgent(agentName string, limit int) ([]models.Escrow, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	var records []models.Escrow
	err := e.db.Where("seller_agent = ?", agentName).
		Order("created_at DESC").Limit(limit).Find(&records).Error
	return records, err
}

// Lock validates that the referenced settlement transaction funded the
// custody wallet with at least 95% of amount+fee, consumes the reference so
// it can never lock a second escrow, and flips pending -> locked. Locking an
// already-locked escrow is idempotent and performs no second balance check.
func (e *Engine) Lock(ctx context.Context, escrowID uuid.UUID, txRef string) (*models.Escrow, error) {
	if strings.TrimSpace(txRef) == "" {
		return nil, fault.New(fault.CodeInvalidInput, "transaction reference is required")
	}
	record, err := e.Get(escrowID)
	if err != nil {
		return nil, err
	}
	if record.Status == models.EscrowLocked {
		return record, nil
	}
	if record.Status != models.EscrowPending {
		return nil, fault.New(fault.CodeInvalidState, "cannot lock escrow in status %s", record.Status)
	}
	if e.nowFn().UTC().After(record.ExpiresAt) {
		return nil, fault.New(fault.CodeInvalidState, "escrow has expired")
	}

	tx, err := e.network.GetTransaction(ctx, txRef)
	if err != nil {
		if errors.Is(err, settlement.ErrTransactionNotFound) {
			return nil, fault.New(fault.CodeNotFound, "settlement transaction not found: %s", txRef)
		}
		return nil, fault.New(fault.CodeExternalUnavailable, "settlement network unavailable: %v", err)
	}
	expected := settlement.ToBaseUnits(record.Amount + record.Fee)
	received := tx.Received(e.custody)
	if float64(received) < float64(expected)*lockTolerance {
		return nil, fault.New(fault.CodePaymentMismatch,
			"custody received %d base units, expected at least %d",
			received, int64(float64(expected)*lockTolerance))
	}

	now := e.nowFn().UTC()
	err = e.db.Transaction(func(dbtx *gorm.DB) error {
		consumed := models.ConsumedRef{
			RefHash:   RefHash(txRef),
			EscrowID:  record.ID,
			CreatedAt: now,
		}
		if err := dbtx.Create(&consumed).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return fault.New(fault.CodePaymentMismatch, "transaction reference already consumed")
			}
			return err
		}
		result := dbtx.Model(&models.Escrow{}).
			Where("id = ? AND status = ?", record.ID, models.EscrowPending).
			Updates(map[string]any{
				"status":      models.EscrowLocked,
				"locked_at":   now,
				"lock_tx_ref": txRef,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return fault.New(fault.CodeInvalidState, "escrow is no longer pending")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.EscrowTransitions.WithLabelValues(string(models.EscrowLocked)).Inc()
	record.Status = models.EscrowLocked
	record.LockedAt = &now
	record.LockTxRef = txRef
	return record, nil
}

// Confirm verifies the seller's delivery proof through the category adapter
// and flips locked -> confirmed. The stored proof is whatever the seller
// submitted, kept even when verification changes shape later.
func (e *Engine) Confirm(ctx context.Context, escrowID uuid.UUID, proof map[string]any) (*models.Escrow, error) {
	record, err := e.Get(escrowID)
	if err != nil {
		return nil, err
	}
	if record.Status != models.EscrowLocked {
		return nil, fault.New(fault.CodeInvalidState, "cannot confirm escrow in status %s", record.Status)
	}

	var seller models.Agent
	if err := e.db.First(&seller, "name = ?", record.SellerAgent).Error; err != nil {
		return nil, err
	}

	adapter := e.registry.Resolve(record.Category)
	if !adapter.ValidateFormat(proof) {
		return nil, fault.New(fault.CodeVerificationFailed, "proof is missing required fields for category %s", record.Category)
	}
	result := adapter.Verify(ctx, seller.VerifyURL, seller.APICredential, proof, record.ServiceDetail)
	if !result.Valid {
		return nil, fault.New(fault.CodeVerificationFailed, "delivery verification failed: %s", result.Reason)
	}

	now := e.nowFn().UTC()
	update := e.db.Model(&models.Escrow{}).
		Where("id = ? AND status = ?", record.ID, models.EscrowLocked).
		Updates(models.Escrow{
			Status:        models.EscrowConfirmed,
			ConfirmedAt:   &now,
			DeliveryProof: proof,
		})
	if update.Error != nil {
		return nil, update.Error
	}
	if update.RowsAffected == 0 {
		return nil, fault.New(fault.CodeInvalidState, "escrow is no longer locked")
	}
	metrics.EscrowTransitions.WithLabelValues(string(models.EscrowConfirmed)).Inc()
	record.Status = models.EscrowConfirmed
	record.ConfirmedAt = &now
	record.DeliveryProof = proof
	return record, nil
}

// BuyerConfirm lets the buyer acknowledge delivery directly, skipping adapter
// verification. Only the escrow's buyer may do this.
func (e *Engine) BuyerConfirm(escrowID uuid.UUID, buyerWallet string) (*models.Escrow, error) {
	record, err := e.Get(escrowID)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(record.BuyerWallet, buyerWallet) {
		return nil, fault.New(fault.CodeForbidden, "only the buyer may confirm delivery")
	}
	if record.Status != models.EscrowLocked {
		return nil, fault.New(fault.CodeInvalidState, "cannot confirm escrow in status %s", record.Status)
	}
	now := e.nowFn().UTC()
	update := e.db.Model(&models.Escrow{}).
		Where("id = ? AND status = ?", record.ID, models.EscrowLocked).
		Updates(models.Escrow{Status: models.EscrowConfirmed, ConfirmedAt: &now})
	if update.Error != nil {
		return nil, update.Error
	}
	if update.RowsAffected == 0 {
		return nil, fault.New(fault.CodeInvalidState, "escrow is no longer locked")
	}
	metrics.EscrowTransitions.WithLabelValues(string(models.EscrowConfirmed)).Inc()
	record.Status = models.EscrowConfirmed
	record.ConfirmedAt = &now
	return record, nil
}

// Release pays the seller the escrow amount, keeping the fee, and flips
// confirmed -> released. The escrow is claimed with a guarded flip to
// releasing before any funds move, so concurrent callers settle at most one
// transfer; losers observe InvalidState. If the final flip fails after the
// transfer went out the escrow is marked Inconsistent and left for manual
// reconciliation, never retried automatically.
func (e *Engine) Release(ctx context.Context, escrowID uuid.UUID) (*models.Escrow, error) {
	record, err := e.Get(escrowID)
	if err != nil {
		return nil, err
	}
	if record.Status != models.EscrowConfirmed {
		return nil, fault.New(fault.CodeInvalidState, "cannot release escrow in status %s", record.Status)
	}

	claim := e.db.Model(&models.Escrow{}).
		Where("id = ? AND status = ?", record.ID, models.EscrowConfirmed).
		Update("status", models.EscrowReleasing)
	if claim.Error != nil {
		return nil, claim.Error
	}
	if claim.RowsAffected == 0 {
		return nil, fault.New(fault.CodeInvalidState, "escrow is no longer confirmed")
	}

	receipt, err := e.network.SubmitTransfer(ctx, settlement.Transfer{
		From:   e.custody,
		To:     record.SellerWallet,
		Amount: settlement.ToBaseUnits(record.Amount),
		Memo:   fmt.Sprintf("escrow release %s", record.ID),
	})
	if err != nil {
		e.releaseClaim(record.ID, models.EscrowReleasing, models.EscrowConfirmed)
		return nil, fault.New(fault.CodeExternalUnavailable, "release transfer failed: %v", err)
	}

	now := e.nowFn().UTC()
	update := e.db.Model(&models.Escrow{}).
		Where("id = ? AND status = ?", record.ID, models.EscrowReleasing).
		Updates(map[string]any{
			"status":         models.EscrowReleased,
			"released_at":    now,
			"release_tx_ref": receipt.Reference,
		})
	if update.Error != nil || update.RowsAffected == 0 {
		e.markInconsistent(record.ID, receipt.Reference)
		return nil, fault.New(fault.CodeInconsistent,
			"funds released as %s but escrow state update failed", receipt.Reference)
	}
	metrics.EscrowTransitions.WithLabelValues(string(models.EscrowReleased)).Inc()

	if e.reputation != nil {
		if err := e.reputation.RecordTransaction(record.SellerAgent, true, record.Amount); err != nil {
			// Reputation lag is tolerable; the settlement itself succeeded.
			_ = err
		}
	}

	record.Status = models.EscrowReleased
	record.ReleasedAt = &now
	record.ReleaseTxRef = receipt.Reference
	return record, nil
}

// Refund returns the full amount plus fee to the buyer. Allowed from
// pending, locked and expired. A pending escrow holds no funds, so its
// refund is a pure status flip.
func (e *Engine) Refund(ctx context.Context, escrowID uuid.UUID, reason string) (*models.Escrow, error) {
	record, err := e.Get(escrowID)
	if err != nil {
		return nil, err
	}
	switch record.Status {
	case models.EscrowPending, models.EscrowLocked, models.EscrowExpired:
	default:
		return nil, fault.New(fault.CodeInvalidState, "cannot refund escrow in status %s", record.Status)
	}
	priorStatus := record.Status

	claim := e.db.Model(&models.Escrow{}).
		Where("id = ? AND status = ?", record.ID, priorStatus).
		Update("status", models.EscrowRefunding)
	if claim.Error != nil {
		return nil, claim.Error
	}
	if claim.RowsAffected == 0 {
		return nil, fault.New(fault.CodeInvalidState, "escrow status changed during refund")
	}

	// Funds sit in custody only once a lock succeeded. An expired escrow
	// that was never funded refunds as a pure status flip.
	holdsFunds := record.LockTxRef != ""

	var refundRef string
	if holdsFunds {
		receipt, err := e.network.SubmitTransfer(ctx, settlement.Transfer{
			From:   e.custody,
			To:     record.BuyerWallet,
			Amount: settlement.ToBaseUnits(record.Amount + record.Fee),
			Memo:   fmt.Sprintf("escrow refund %s", record.ID),
		})
		if err != nil {
			e.releaseClaim(record.ID, models.EscrowRefunding, priorStatus)
			e.recordRefundAttempt(record.ID)
			return nil, fault.New(fault.CodeExternalUnavailable, "refund transfer failed: %v", err)
		}
		refundRef = receipt.Reference
	}

	now := e.nowFn().UTC()
	update := e.db.Model(&models.Escrow{}).
		Where("id = ? AND status = ?", record.ID, models.EscrowRefunding).
		Updates(map[string]any{
			"status":        models.EscrowRefunded,
			"refunded_at":   now,
			"refund_tx_ref": refundRef,
			"notes":         appendNote(record.Notes, reason),
		})
	if update.Error != nil || update.RowsAffected == 0 {
		if refundRef != "" {
			e.markInconsistent(record.ID, refundRef)
			return nil, fault.New(fault.CodeInconsistent,
				"funds refunded as %s but escrow state update failed", refundRef)
		}
		if update.Error != nil {
			return nil, update.Error
		}
		return nil, fault.New(fault.CodeInvalidState, "escrow status changed during refund")
	}
	metrics.EscrowTransitions.WithLabelValues(string(models.EscrowRefunded)).Inc()

	if e.reputation != nil && holdsFunds {
		_ = e.reputation.RecordTransaction(record.SellerAgent, false, record.Amount)
	}

	record.Status = models.EscrowRefunded
	record.RefundedAt = &now
	record.RefundTxRef = refundRef
	return record, nil
}

// Dispute freezes automatic settlement until manual resolution. Allowed from
// locked and confirmed.
func (e *Engine) Dispute(escrowID uuid.UUID, actorWallet, reason string) (*models.Escrow, error) {
	record, err := e.Get(escrowID)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(record.BuyerWallet, actorWallet) {
		return nil, fault.New(fault.CodeForbidden, "only the buyer may open a dispute")
	}
	switch record.Status {
	case models.EscrowLocked, models.EscrowConfirmed:
	default:
		return nil, fault.New(fault.CodeInvalidState, "cannot dispute escrow in status %s", record.Status)
	}
	update := e.db.Model(&models.Escrow{}).
		Where("id = ? AND status = ?", record.ID, record.Status).
		Updates(map[string]any{
			"status": models.EscrowDisputed,
			"notes":  appendNote(record.Notes, reason),
		})
	if update.Error != nil {
		return nil, update.Error
	}
	if update.RowsAffected == 0 {
		return nil, fault.New(fault.CodeInvalidState, "escrow status changed during dispute")
	}
	metrics.EscrowTransitions.WithLabelValues(string(models.EscrowDisputed)).Inc()
	record.Status = models.EscrowDisputed
	return record, nil
}

// Expire flips a pending escrow past its deadline to expired. Used by the
// sweeper; locked escrows past deadline are refunded instead.
func (e *Engine) Expire(escrowID uuid.UUID) error {
	update := e.db.Model(&models.Escrow{}).
		Where("id = ? AND status = ? AND expires_at < ?",
			escrowID, models.EscrowPending, e.nowFn().UTC()).
		Update("status", models.EscrowExpired)
	if update.Error != nil {
		return update.Error
	}
	if update.RowsAffected == 0 {
		return fault.New(fault.CodeInvalidState, "escrow is not an expired pending escrow")
	}
	metrics.EscrowTransitions.WithLabelValues(string(models.EscrowExpired)).Inc()
	return nil
}

// RecordRefundAttempt bumps the retry counter without touching the status.
func (e *Engine) RecordRefundAttempt(escrowID uuid.UUID) {
	e.recordRefundAttempt(escrowID)
}

func (e *Engine) recordRefundAttempt(escrowID uuid.UUID) {
	now := e.nowFn().UTC()
	e.db.Model(&models.Escrow{}).
		Where("id = ?", escrowID).
		Updates(map[string]any{
			"refund_attempts":     gorm.Expr("refund_attempts + 1"),
			"last_refund_attempt": now,
		})
}

func (e *Engine) markInconsistent(escrowID uuid.UUID, txRef string) {
	metrics.EscrowInconsistent.Inc()
	e.db.Model(&models.Escrow{}).
		Where("id = ?", escrowID).
		Updates(map[string]any{
			"inconsistent": true,
			"notes":        gorm.Expr("notes || ?", " funds moved as "+txRef+" without state flip;"),
		})
}

// releaseClaim reverts an in-flight claim after a failed transfer so the
// escrow can be retried.
func (e *Engine) releaseClaim(escrowID uuid.UUID, from, to models.EscrowStatus) {
	e.db.Model(&models.Escrow{}).
		Where("id = ? AND status = ?", escrowID, from).
		Update("status", to)
}

// RefHash derives the replay-guard key for a settlement transaction
// reference.
func RefHash(txRef string) string {
	return ethcrypto.Keccak256Hash([]byte(strings.TrimSpace(txRef))).Hex()
}

func appendNote(existing, note string) string {
	note = strings.TrimSpace(note)
	if note == "" {
		return existing
	}
	if existing == "" {
		return note
	}
	return existing + "; " + note
}
