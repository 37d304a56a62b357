// Package orchestrator runs the multi-step commerce workflows on top of the
// escrow engine: seller discovery with live quotes, consent-gated booking,
// and delivery settlement. Every outbound seller call is bounded; a slow or
// broken seller degrades that seller's result, never the workflow.
package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"agora/abuse"
	"agora/escrow"
	"agora/fault"
	"agora/models"
	"agora/vault"
)

const (
	sellerCallTimeout = 3 * time.Second
	// Outbound quote fan-out pacing: sustained rate and burst.
	quotesPerSecond = 20
	quoteBurst      = 10
)

// Doer abstracts the HTTP client for outbound seller calls.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Orchestrator coordinates discovery, booking and delivery.
type Orchestrator struct {
	db      *gorm.DB
	engine  *escrow.Engine
	vault   *vault.Gateway
	auditor *abuse.Auditor
	client  Doer
	pacer   *rate.Limiter
	queue   *WebhookQueue
	log     *slog.Logger
}

func New(db *gorm.DB, engine *escrow.Engine, vaultGW *vault.Gateway, auditor *abuse.Auditor, client Doer, log *slog.Logger) *Orchestrator {
	if client == nil {
		client = &http.Client{Timeout: sellerCallTimeout}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		db:      db,
		engine:  engine,
		vault:   vaultGW,
		auditor: auditor,
		client:  client,
		pacer:   rate.NewLimiter(rate.Limit(quotesPerSecond), quoteBurst),
		queue:   NewWebhookQueue(),
		log:     log,
	}
}

// Queue exposes the webhook queue for the dispatcher loop.
func (o *Orchestrator) Queue() *WebhookQueue { return o.queue }

// BookInput captures a buyer's booking request against a chosen seller.
type BookInput struct {
	BuyerWallet   string
	SellerAgent   string
	Amount        float64
	Category      string
	ServiceDetail map[string]any

	// ConsentID references an approved consent when booking with someone
	// else's vault data. OwnFields discloses from the buyer's own vault.
	ConsentID *uuid.UUID
	OwnFields []string

	RequestID string
	ActorIP   string
}

// BookResult is what travels back to the buyer. Disclosed values never
// appear here, only the count forwarded to the seller.
type BookResult struct {
	Escrow          *models.Escrow `json:"escrow"`
	FieldsForwarded int            `json:"fields_forwarded"`
	SellerNotified  bool           `json:"seller_notified"`
}

// Book creates the escrow and forwards the booking, with any approved vault
// fields, directly to the seller's book endpoint.
func (o *Orchestrator) Book(ctx context.Context, input BookInput) (*BookResult, error) {
	var seller models.Agent
	if err := o.db.First(&seller, "name = ?", input.SellerAgent).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fault.New(fault.CodeNotFound, "seller agent not found: %s", input.SellerAgent)
		}
		return nil, err
	}

	record, err := o.engine.Create(escrow.CreateInput{
		BuyerWallet:   input.BuyerWallet,
		SellerAgent:   input.SellerAgent,
		Amount:        input.Amount,
		Category:      input.Category,
		ServiceDetail: input.ServiceDetail,
	})
	if err != nil {
		return nil, err
	}

	var disclosure *vault.Disclosure
	if len(seller.RequiredFields) > 0 {
		disclosure, err = o.disclose(input, &record.ID)
		if err != nil {
			return nil, err
		}
	}

	notified := o.forwardBooking(ctx, &seller, record, disclosure)

	o.auditor.Record(abuse.Event{
		Action:     "orchestrate.book",
		ActorID:    input.BuyerWallet,
		ActorIP:    input.ActorIP,
		TargetKind: "escrow",
		TargetID:   record.ID.String(),
		RequestID:  input.RequestID,
		Metadata: map[string]any{
			"seller":           input.SellerAgent,
			"amount":           input.Amount,
			"fields_forwarded": fieldCount(disclosure),
		},
	})
	o.queue.Enqueue(WebhookEvent{
		Type:      "escrow.created",
		EscrowID:  record.ID.String(),
		Agent:     seller.Name,
		CreatedAt: time.Now().UTC(),
	})

	return &BookResult{
		Escrow:          record,
		FieldsForwarded: fieldCount(disclosure),
		SellerNotified:  notified,
	}, nil
}

func (o *Orchestrator) disclose(input BookInput, escrowID *uuid.UUID) (*vault.Disclosure, error) {
	if input.ConsentID != nil {
		return o.vault.Disclose(*input.ConsentID, escrowID)
	}
	if len(input.OwnFields) > 0 {
		return o.vault.DiscloseOwn(input.BuyerWallet, input.OwnFields, input.SellerAgent, escrowID)
	}
	return nil, fault.New(fault.CodeInvalidInput,
		"seller requires vault fields; provide a consent id or own-vault fields")
}

// forwardBooking posts the booking payload to the seller. Failure is soft:
// the escrow exists either way and the seller can poll.
func (o *Orchestrator) forwardBooking(ctx context.Context, seller *models.Agent, record *models.Escrow, disclosure *vault.Disclosure) bool {
	if seller.BookURL == "" {
		return false
	}
	payload := map[string]any{
		"escrow_id":       record.ID.String(),
		"amount":          record.Amount,
		"category":        record.Category,
		"service_details": record.ServiceDetail,
	}
	if disclosure != nil {
		payload["customer_data"] = disclosure.Fields
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return false
	}

	callCtx, cancel := context.WithTimeout(ctx, sellerCallTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, seller.BookURL, bytes.NewReader(body))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	if seller.APICredential != "" {
		req.Header.Set("Authorization", "Bearer "+seller.APICredential)
	}
	resp, err := o.client.Do(req)
	if err != nil {
		o.log.Warn("seller booking call failed", "agent", seller.Name, "error", err)
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		o.log.Warn("seller booking rejected", "agent", seller.Name, "status", resp.StatusCode)
		return false
	}
	return true
}

// DeliverInput is the seller's delivery submission.
type DeliverInput struct {
	EscrowID  uuid.UUID
	Proof     map[string]any
	RequestID string
	ActorIP   string
}

// Deliver verifies the proof and settles the escrow in one workflow step.
// A verification rejection leaves the escrow locked; only a verified escrow
// releases.
func (o *Orchestrator) Deliver(ctx context.Context, input DeliverInput) (*models.Escrow, error) {
	confirmed, err := o.engine.Confirm(ctx, input.EscrowID, input.Proof)
	if err != nil {
		return nil, err
	}
	released, err := o.engine.Release(ctx, input.EscrowID)
	if err != nil {
		// Confirmed but not yet released; the release endpoint can retry.
		return confirmed, err
	}
	o.auditor.Record(abuse.Event{
		Action:     "orchestrate.deliver",
		ActorID:    released.SellerAgent,
		ActorIP:    input.ActorIP,
		TargetKind: "escrow",
		TargetID:   released.ID.String(),
		RequestID:  input.RequestID,
		Metadata:   map[string]any{"release_tx_ref": released.ReleaseTxRef},
	})
	o.queue.Enqueue(WebhookEvent{
		Type:      "escrow.released",
		EscrowID:  released.ID.String(),
		Agent:     released.SellerAgent,
		CreatedAt: time.Now().UTC(),
	})
	return released, nil
}

func fieldCount(d *vault.Disclosure) int {
	if d == nil {
		return 0
	}
	return d.Count
}
