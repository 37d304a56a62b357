package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// EscrowStatus represents a state in the custodial payment lifecycle.
type EscrowStatus string

// All escrow lifecycle states. Released and Refunded are terminal; Disputed
// freezes automatic transitions until manual resolution. Releasing and
// Refunding are short-lived claim states: exactly one caller holds them while
// its settlement transfer is in flight.
const (
	EscrowPending   EscrowStatus = "pending"
	EscrowLocked    EscrowStatus = "locked"
	EscrowConfirmed EscrowStatus = "confirmed"
	EscrowReleasing EscrowStatus = "releasing"
	EscrowReleased  EscrowStatus = "released"
	EscrowRefunding EscrowStatus = "refunding"
	EscrowRefunded  EscrowStatus = "refunded"
	EscrowDisputed  EscrowStatus = "disputed"
	EscrowExpired   EscrowStatus = "expired"
)

// Terminal reports whether no further status change is permitted.
func (s EscrowStatus) Terminal() bool {
	return s == EscrowReleased || s == EscrowRefunded
}

// Escrow is the central custodial payment record. Amount and Fee are fixed at
// creation and never recomputed. Rows are never deleted; terminal escrows are
// retained for audit.
type Escrow struct {
	ID            uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	BuyerWallet   string         `gorm:"size:64;index" json:"buyer_wallet"`
	SellerAgent   string         `gorm:"size:64;index" json:"seller_agent"`
	SellerWallet  string         `gorm:"size:64" json:"seller_wallet"`
	Amount        float64        `gorm:"not null" json:"amount"`
	Fee           float64        `gorm:"not null" json:"fee"`
	Status        EscrowStatus   `gorm:"size:16;index" json:"status"`
	Category      string         `gorm:"size:32" json:"category"`
	ServiceDetail map[string]any `gorm:"serializer:json" json:"service_details"`
	DeliveryProof map[string]any `gorm:"serializer:json" json:"delivery_proof,omitempty"`
	Notes         string         `gorm:"size:512" json:"notes,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   time.Time  `gorm:"index" json:"expires_at"`
	LockedAt    *time.Time `json:"locked_at,omitempty"`
	ConfirmedAt *time.Time `json:"confirmed_at,omitempty"`
	ReleasedAt  *time.Time `json:"released_at,omitempty"`
	RefundedAt  *time.Time `json:"refunded_at,omitempty"`

	LockTxRef    string `gorm:"size:128" json:"lock_tx_ref,omitempty"`
	ReleaseTxRef string `gorm:"size:128" json:"release_tx_ref,omitempty"`
	RefundTxRef  string `gorm:"size:128" json:"refund_tx_ref,omitempty"`

	// Funds moved but the local status flip failed. Requires manual
	// reconciliation; automation must never retry the transfer.
	Inconsistent bool `json:"inconsistent,omitempty"`

	RefundAttempts    int        `json:"refund_attempts,omitempty"`
	LastRefundAttempt *time.Time `json:"last_refund_attempt,omitempty"`
}

// Agent is a registered seller profile with its declared service endpoints.
type Agent struct {
	Name           string   `gorm:"primaryKey;size:64" json:"name"`
	PayoutWallet   string   `gorm:"size:64" json:"payout_wallet"`
	Category       string   `gorm:"size:32;index" json:"category"`
	QuoteURL       string   `gorm:"size:256" json:"quote_url,omitempty"`
	BookURL        string   `gorm:"size:256" json:"book_url,omitempty"`
	VerifyURL      string   `gorm:"size:256" json:"verify_url,omitempty"`
	WebhookURL     string   `gorm:"size:256" json:"webhook_url,omitempty"`
	APICredential  string   `gorm:"size:128" json:"-"`
	StakeAmount    float64  `json:"stake_amount"`
	TrustScore     float64  `gorm:"index" json:"trust_score"`
	TrustTier      string   `gorm:"size:16" json:"trust_tier"`
	Verified       bool     `json:"verified"`
	Flagged        bool     `json:"flagged"`
	Banned         bool     `json:"banned"`
	RequiredFields []string `gorm:"serializer:json" json:"required_fields,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// AgentMetrics carries the per-agent counters the reputation engine folds
// into a trust score. Counters are updated incrementally, never rebuilt from
// history after first initialization.
type AgentMetrics struct {
	AgentName    string  `gorm:"primaryKey;size:64"`
	TotalTx      int64   `gorm:"not null"`
	SuccessfulTx int64   `gorm:"not null"`
	FailedTx     int64   `gorm:"not null"`
	TotalVolume  float64 `gorm:"not null"`
	// Weighted peer feedback on a 0-1 scale. New agents start neutral at 0.5.
	PeerFeedback float64 `gorm:"not null"`
	TrustScore   float64 `gorm:"not null"`
	TrustTier    string  `gorm:"size:16"`
	LastActiveAt time.Time
	UpdatedAt    time.Time
}

// AgentReview records one peer rating, weighted by the reviewer's trust score
// at the time the review was submitted.
type AgentReview struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	ReviewerAgent string    `gorm:"size:64;uniqueIndex:idx_review_once"`
	ReviewedAgent string    `gorm:"size:64;index"`
	EscrowID      uuid.UUID `gorm:"type:uuid;uniqueIndex:idx_review_once"`
	Rating        int       `gorm:"not null"`
	Comment       string    `gorm:"size:512"`
	ReviewerScore float64   `gorm:"not null"`
	CreatedAt     time.Time
}

// VaultRecord is a buyer's encrypted personal-data bundle. One record per
// owner; the AES-GCM auth tag is appended to the ciphertext.
type VaultRecord struct {
	OwnerWallet string `gorm:"primaryKey;size:64"`
	Ciphertext  []byte `gorm:"not null"`
	IV          string `gorm:"size:32;not null"`
	ContentHash string `gorm:"size:64;not null"`
	UpdatedAt   time.Time
}

// ConsentStatus enumerates the consent request lifecycle.
type ConsentStatus string

const (
	ConsentPending  ConsentStatus = "pending"
	ConsentApproved ConsentStatus = "approved"
	ConsentDenied   ConsentStatus = "denied"
	ConsentExpired  ConsentStatus = "expired"
)

// ConsentRequest is a buyer-initiated request for field-scoped access to a
// data owner's vault. It is resolved exactly once (approve or deny) and
// auto-expires if unresolved.
type ConsentRequest struct {
	ID              uuid.UUID      `gorm:"type:uuid;primaryKey"`
	RequesterWallet string         `gorm:"size:64;index"`
	TargetOwner     string         `gorm:"size:64;index"`
	SellerAgent     string         `gorm:"size:64;index"`
	FieldsRequested []string       `gorm:"serializer:json"`
	FieldsApproved  []string       `gorm:"serializer:json"`
	Purpose         string         `gorm:"size:64"`
	BookingContext  map[string]any `gorm:"serializer:json"`
	Status          ConsentStatus  `gorm:"size:16;index"`
	ExpiresAt       time.Time      `gorm:"index"`
	RespondedAt     *time.Time
	CreatedAt       time.Time
}

// VaultAccessLog is the immutable record of every vault disclosure.
type VaultAccessLog struct {
	ID             uuid.UUID  `gorm:"type:uuid;primaryKey"`
	VaultOwner     string     `gorm:"size:64;index"`
	AccessorAgent  string     `gorm:"size:64"`
	FieldsAccessed []string   `gorm:"serializer:json"`
	Purpose        string     `gorm:"size:64"`
	ConsentID      *uuid.UUID `gorm:"type:uuid"`
	EscrowID       *uuid.UUID `gorm:"type:uuid"`
	CreatedAt      time.Time
}

// AuditEvent is the append-only trail of security-relevant actions.
type AuditEvent struct {
	ID         uuid.UUID      `gorm:"type:uuid;primaryKey"`
	Action     string         `gorm:"size:64;index"`
	ActorIP    string         `gorm:"size:64"`
	ActorID    string         `gorm:"size:64;index"`
	TargetKind string         `gorm:"size:32"`
	TargetID   string         `gorm:"size:64"`
	Metadata   map[string]any `gorm:"serializer:json"`
	RequestID  string         `gorm:"size:64"`
	CreatedAt  time.Time
}

// AbuseFlag records a detected anomaly pattern. Advisory only; flags are
// inserted, never mutated, and never block the triggering request.
type AbuseFlag struct {
	ID                uuid.UUID      `gorm:"type:uuid;primaryKey"`
	Kind              string         `gorm:"size:32;index"`
	Severity          string         `gorm:"size:16"`
	Actors            []string       `gorm:"serializer:json"`
	Evidence          map[string]any `gorm:"serializer:json"`
	RecommendedAction string         `gorm:"size:16"`
	CreatedAt         time.Time
}

// IdempotencyKey stores the cached response for a replayed mutating request.
type IdempotencyKey struct {
	Key         string `gorm:"primaryKey;size:128"`
	RequestHash string `gorm:"size:64"`
	Method      string `gorm:"size:8"`
	Path        string `gorm:"size:255"`
	Status      int
	Response    string `gorm:"type:text"`
	CreatedAt   time.Time
}

// ConsumedRef marks a settlement-network transaction reference as spent so it
// can never lock a second escrow.
type ConsumedRef struct {
	RefHash   string    `gorm:"primaryKey;size:66"`
	EscrowID  uuid.UUID `gorm:"type:uuid"`
	CreatedAt time.Time
}

// AutoMigrate creates or updates every table the service persists.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Escrow{},
		&Agent{},
		&AgentMetrics{},
		&AgentReview{},
		&VaultRecord{},
		&ConsentRequest{},
		&VaultAccessLog{},
		&AuditEvent{},
		&AbuseFlag{},
		&IdempotencyKey{},
		&ConsumedRef{},
	)
}
