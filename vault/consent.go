package vault

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"agora/fault"
	"agora/models"
)

// Disclosure floors. Sellers below these never get a pending request; they
// are rejected immediately so low-trust sellers cannot accumulate a backlog
// of unresolved data requests.
const (
	MinSellerTrust = 0.5 // normalized 0-1 trust floor
	MinSellerStake = 5.0 // staked units floor
	consentTTL     = 24 * time.Hour
)

// RequestInput carries a buyer-initiated consent request.
type RequestInput struct {
	RequesterWallet string
	TargetOwner     string
	SellerAgent     string
	Fields          []string
	Purpose         string
	BookingContext  map[string]any
}

// RequestOutcome reports the created (or auto-approved) consent state.
type RequestOutcome struct {
	ConsentID      uuid.UUID
	Status         models.ConsentStatus
	AutoApproved   bool
	FieldsApproved []string
	ExpiresAt      time.Time
}

// Disclosure is the approved field subset handed to the calling workflow on
// approval. Values are never returned to the entity that initiated the
// consent request; only the count travels back over the API.
type Disclosure struct {
	Fields map[string]any
	Count  int
}

// Gateway manages consent requests and performs the least-disclosure
// extraction from the encrypted vault.
type Gateway struct {
	db    *gorm.DB
	key   []byte
	nowFn func() time.Time
}

// NewGateway constructs a gateway with the derived system key.
func NewGateway(db *gorm.DB, systemSecret string) *Gateway {
	return &Gateway{db: db, key: DeriveKey(systemSecret), nowFn: time.Now}
}

// SetNowFunc overrides the clock for tests.
func (g *Gateway) SetNowFunc(now func() time.Time) {
	if now == nil {
		g.nowFn = time.Now
		return
	}
	g.nowFn = now
}

// Store encrypts and upserts the owner's personal-data bundle. Only the
// owner mutates their own record.
func (g *Gateway) Store(ownerWallet string, data map[string]any) error {
	ciphertext, iv, hash, err := Encrypt(data, g.key)
	if err != nil {
		return err
	}
	record := models.VaultRecord{
		OwnerWallet: ownerWallet,
		Ciphertext:  ciphertext,
		IV:          iv,
		ContentHash: hash,
		UpdatedAt:   g.nowFn().UTC(),
	}
	return g.db.Save(&record).Error
}

// Request creates a pending consent request after enforcing the seller
// trust and stake floors. A duplicate pending request is returned, not
// recreated. Target "self" auto-approves without persisting a request.
func (g *Gateway) Request(input RequestInput) (*RequestOutcome, error) {
	if len(input.Fields) == 0 {
		return nil, fault.New(fault.CodeInvalidInput, "fields_requested is required")
	}

	var seller models.Agent
	if err := g.db.First(&seller, "name = ?", input.SellerAgent).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fault.New(fault.CodeNotFound, "seller agent not found: %s", input.SellerAgent)
		}
		return nil, err
	}
	if seller.Flagged || seller.Banned {
		return nil, fault.New(fault.CodeForbidden, "vault data cannot be shared with flagged sellers")
	}
	if seller.TrustScore/100 < MinSellerTrust {
		return nil, fault.New(fault.CodeForbidden, "seller trust score below disclosure floor")
	}
	if seller.StakeAmount < MinSellerStake {
		return nil, fault.New(fault.CodeForbidden, "seller stake below disclosure floor")
	}

	now := g.nowFn().UTC()
	if input.TargetOwner == "self" || input.TargetOwner == "me" || input.TargetOwner == input.RequesterWallet {
		return &RequestOutcome{
			Status:         models.ConsentApproved,
			AutoApproved:   true,
			FieldsApproved: input.Fields,
			ExpiresAt:      now.Add(consentTTL),
		}, nil
	}

	var existing models.ConsentRequest
	err := g.db.Where(
		"requester_wallet = ? AND target_owner = ? AND seller_agent = ? AND status = ? AND expires_at > ?",
		input.RequesterWallet, input.TargetOwner, input.SellerAgent, models.ConsentPending, now,
	).First(&existing).Error
	if err == nil {
		return &RequestOutcome{ConsentID: existing.ID, Status: models.ConsentPending, ExpiresAt: existing.ExpiresAt}, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	request := models.ConsentRequest{
		ID:              uuid.New(),
		RequesterWallet: input.RequesterWallet,
		TargetOwner:     input.TargetOwner,
		SellerAgent:     input.SellerAgent,
		FieldsRequested: input.Fields,
		Purpose:         input.Purpose,
		BookingContext:  input.BookingContext,
		Status:          models.ConsentPending,
		ExpiresAt:       now.Add(consentTTL),
		CreatedAt:       now,
	}
	if err := g.db.Create(&request).Error; err != nil {
		return nil, err
	}
	return &RequestOutcome{ConsentID: request.ID, Status: models.ConsentPending, ExpiresAt: request.ExpiresAt}, nil
}

// Respond resolves a pending consent request exactly once. Only the data
// owner named as the request target may resolve it. On approval only
// the intersection of approved and requested fields is decrypted, the access
// is logged, and the extracted subset is handed back for the booking
// workflow; deny resolves the request without touching the vault.
func (g *Gateway) Respond(consentID uuid.UUID, responderWallet string, approved bool, fieldsToShare []string) (*models.ConsentRequest, *Disclosure, error) {
	var request models.ConsentRequest
	if err := g.db.First(&request, "id = ?", consentID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, fault.New(fault.CodeNotFound, "consent request not found")
		}
		return nil, nil, err
	}
	if !strings.EqualFold(request.TargetOwner, responderWallet) {
		return nil, nil, fault.New(fault.CodeForbidden, "only the data owner may resolve a consent request")
	}

	now := g.nowFn().UTC()
	if now.After(request.ExpiresAt) {
		g.db.Model(&request).Where("status = ?", models.ConsentPending).
			Update("status", models.ConsentExpired)
		return nil, nil, fault.New(fault.CodeInvalidState, "consent request has expired")
	}
	if request.Status != models.ConsentPending {
		return nil, nil, fault.New(fault.CodeInvalidState, "consent request already %s", request.Status)
	}

	if !approved {
		result := g.db.Model(&models.ConsentRequest{}).
			Where("id = ? AND status = ?", consentID, models.ConsentPending).
			Updates(models.ConsentRequest{Status: models.ConsentDenied, RespondedAt: &now})
		if result.Error != nil {
			return nil, nil, result.Error
		}
		if result.RowsAffected == 0 {
			return nil, nil, fault.New(fault.CodeInvalidState, "consent request already resolved")
		}
		request.Status = models.ConsentDenied
		request.RespondedAt = &now
		return &request, nil, nil
	}

	approvedFields := intersect(request.FieldsRequested, fieldsToShare)

	result := g.db.Model(&models.ConsentRequest{}).
		Where("id = ? AND status = ?", consentID, models.ConsentPending).
		Updates(models.ConsentRequest{
			Status:         models.ConsentApproved,
			FieldsApproved: approvedFields,
			RespondedAt:    &now,
		})
	if result.Error != nil {
		return nil, nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, nil, fault.New(fault.CodeInvalidState, "consent request already resolved")
	}
	request.Status = models.ConsentApproved
	request.FieldsApproved = approvedFields
	request.RespondedAt = &now

	disclosure, err := g.extract(request.TargetOwner, approvedFields)
	if err != nil {
		return &request, &Disclosure{Fields: map[string]any{}}, nil
	}

	accessLog := models.VaultAccessLog{
		ID:             uuid.New(),
		VaultOwner:     request.TargetOwner,
		AccessorAgent:  request.SellerAgent,
		FieldsAccessed: keys(disclosure.Fields),
		Purpose:        request.Purpose,
		ConsentID:      &request.ID,
		CreatedAt:      now,
	}
	if err := g.db.Create(&accessLog).Error; err != nil {
		return &request, disclosure, err
	}
	return &request, disclosure, nil
}

// Disclose extracts the approved fields for a resolved consent, logging the
// access against the escrow that triggered it. The caller forwards the values
// to the seller endpoint; they never travel back over the public API.
func (g *Gateway) Disclose(consentID uuid.UUID, escrowID *uuid.UUID) (*Disclosure, error) {
	var request models.ConsentRequest
	if err := g.db.First(&request, "id = ?", consentID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fault.New(fault.CodeNotFound, "consent request not found")
		}
		return nil, err
	}
	if request.Status != models.ConsentApproved {
		return nil, fault.New(fault.CodeInvalidState, "consent request is %s, not approved", request.Status)
	}
	if g.nowFn().UTC().After(request.ExpiresAt) {
		return nil, fault.New(fault.CodeInvalidState, "consent approval has expired")
	}
	disclosure, err := g.extract(request.TargetOwner, request.FieldsApproved)
	if err != nil {
		return nil, err
	}
	accessLog := models.VaultAccessLog{
		ID:             uuid.New(),
		VaultOwner:     request.TargetOwner,
		AccessorAgent:  request.SellerAgent,
		FieldsAccessed: keys(disclosure.Fields),
		Purpose:        request.Purpose,
		ConsentID:      &request.ID,
		EscrowID:       escrowID,
		CreatedAt:      g.nowFn().UTC(),
	}
	if err := g.db.Create(&accessLog).Error; err != nil {
		return nil, err
	}
	return disclosure, nil
}

// DiscloseOwn extracts fields from the caller's own vault. No consent row is
// involved; the owner is the actor. Access is still logged.
func (g *Gateway) DiscloseOwn(ownerWallet string, fields []string, accessorAgent string, escrowID *uuid.UUID) (*Disclosure, error) {
	if len(fields) == 0 {
		return nil, fault.New(fault.CodeInvalidInput, "fields are required")
	}
	disclosure, err := g.extract(ownerWallet, fields)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fault.New(fault.CodeNotFound, "no vault record for owner")
		}
		return nil, err
	}
	accessLog := models.VaultAccessLog{
		ID:             uuid.New(),
		VaultOwner:     ownerWallet,
		AccessorAgent:  accessorAgent,
		FieldsAccessed: keys(disclosure.Fields),
		Purpose:        "booking",
		EscrowID:       escrowID,
		CreatedAt:      g.nowFn().UTC(),
	}
	if err := g.db.Create(&accessLog).Error; err != nil {
		return nil, err
	}
	return disclosure, nil
}

// AccessLog lists the disclosure history for a vault owner, newest first.
func (g *Gateway) AccessLog(ownerWallet string, limit int) ([]models.VaultAccessLog, error) {
	if limit <= 0 {
		limit = 50
	}
	var entries []models.VaultAccessLog
	err := g.db.Where("vault_owner = ?", ownerWallet).
		Order("created_at DESC").Limit(limit).Find(&entries).Error
	return entries, err
}

// ExpireStale marks unresolved requests past their deadline as expired.
func (g *Gateway) ExpireStale() (int64, error) {
	result := g.db.Model(&models.ConsentRequest{}).
		Where("status = ? AND expires_at < ?", models.ConsentPending, g.nowFn().UTC()).
		Update("status", models.ConsentExpired)
	return result.RowsAffected, result.Error
}

func (g *Gateway) extract(ownerWallet string, fields []string) (*Disclosure, error) {
	var record models.VaultRecord
	if err := g.db.First(&record, "owner_wallet = ?", ownerWallet).Error; err != nil {
		return nil, err
	}
	data, err := Decrypt(record.Ciphertext, record.IV, g.key)
	if err != nil {
		return nil, err
	}
	extracted := ExtractFields(data, fields)
	return &Disclosure{Fields: extracted, Count: len(extracted)}, nil
}

func intersect(requested, subset []string) []string {
	if len(subset) == 0 {
		return requested
	}
	allowed := make(map[string]bool, len(requested))
	for _, f := range requested {
		allowed[f] = true
	}
	var out []string
	for _, f := range subset {
		if allowed[f] {
			out = append(out, f)
		}
	}
	return out
}

func keys(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
