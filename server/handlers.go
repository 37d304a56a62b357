package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"agora/abuse"
	"agora/escrow"
	"agora/fault"
	"agora/guard"
	"agora/models"
	"agora/orchestrator"
	"agora/vault"
)

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fault.New(fault.CodeInvalidInput, "malformed JSON body")
	}
	return nil
}

func escrowID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, fault.New(fault.CodeInvalidInput, "invalid escrow id")
	}
	return id, nil
}

// --- escrow ---

type escrowCreateRequest struct {
	BuyerWallet   string         `json:"buyer_wallet"`
	SellerAgent   string         `json:"seller_agent"`
	Amount        float64        `json:"amount"`
	Category      string         `json:"category"`
	ServiceDetail map[string]any `json:"service_details"`
	TTLHours      int            `json:"ttl_hours"`
}

func (s *Server) handleEscrowCreate(w http.ResponseWriter, r *http.Request) {
	var req escrowCreateRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	wallet, err := guard.Wallet(req.BuyerWallet)
	if err != nil {
		writeError(w, err)
		return
	}
	agentName, err := guard.AgentName(req.SellerAgent)
	if err != nil {
		writeError(w, err)
		return
	}
	amount, err := guard.Amount(req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}

	record, err := s.engine.Create(escrow.CreateInput{
		BuyerWallet:   wallet,
		SellerAgent:   agentName,
		Amount:        amount,
		Category:      req.Category,
		ServiceDetail: req.ServiceDetail,
		TTL:           time.Duration(req.TTLHours) * time.Hour,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	s.auditor.Record(abuse.Event{
		Action:     "escrow.create",
		ActorID:    wallet,
		ActorIP:    clientIP(r),
		TargetKind: "escrow",
		TargetID:   record.ID.String(),
		RequestID:  chimw.GetReqID(r.Context()),
		Metadata:   map[string]any{"seller": agentName, "amount": amount},
	})
	s.detector.Dispatch(wallet, agentName, clientIP(r))

	writeJSON(w, http.StatusCreated, record)
}

func (s *Server) handleEscrowGet(w http.ResponseWriter, r *http.Request) {
	id, err := escrowID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	record, err := s.engine.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleEscrowList(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if buyer := r.URL.Query().Get("buyer"); buyer != "" {
		wallet, err := guard.Wallet(buyer)
		if err != nil {
			writeError(w, err)
			return
		}
		records, err := s.engine.ListByWallet(wallet, limit)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, records)
		return
	}
	if agent := r.URL.Query().Get("agent"); agent != "" {
		name, err := guard.AgentName(agent)
		if err != nil {
			writeError(w, err)
			return
		}
		records, err := s.engine.ListByAgent(name, limit)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, records)
		return
	}
	writeError(w, fault.New(fault.CodeInvalidInput, "buyer or agent query parameter is required"))
}

func (s *Server) handleEscrowLock(w http.ResponseWriter, r *http.Request) {
	id, err := escrowID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		TxRef string `json:"tx_ref"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	record, err := s.engine.Lock(r.Context(), id, req.TxRef)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleEscrowConfirm(w http.ResponseWriter, r *http.Request) {
	id, err := escrowID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Proof       map[string]any `json:"proof"`
		BuyerWallet string         `json:"buyer_wallet"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	var record *models.Escrow
	switch {
	case len(req.Proof) > 0:
		record, err = s.engine.Confirm(r.Context(), id, req.Proof)
	case req.BuyerWallet != "":
		var wallet string
		if wallet, err = guard.Wallet(req.BuyerWallet); err == nil {
			record, err = s.engine.BuyerConfirm(id, wallet)
		}
	default:
		err = fault.New(fault.CodeInvalidInput, "proof or buyer_wallet is required")
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleEscrowRelease(w http.ResponseWriter, r *http.Request) {
	id, err := escrowID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	record, err := s.engine.Release(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleEscrowRefund(w http.ResponseWriter, r *http.Request) {
	id, err := escrowID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	record, err := s.engine.Refund(r.Context(), id, guard.Text(req.Reason, 256))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleEscrowDispute(w http.ResponseWriter, r *http.Request) {
	id, err := escrowID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		BuyerWallet string `json:"buyer_wallet"`
		Reason      string `json:"reason"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	wallet, err := guard.Wallet(req.BuyerWallet)
	if err != nil {
		writeError(w, err)
		return
	}
	record, err := s.engine.Dispute(id, wallet, guard.Text(req.Reason, 256))
	if err != nil {
		writeError(w, err)
		return
	}
	s.auditor.Record(abuse.Event{
		Action:     "escrow.dispute",
		ActorID:    wallet,
		ActorIP:    clientIP(r),
		TargetKind: "escrow",
		TargetID:   record.ID.String(),
		RequestID:  chimw.GetReqID(r.Context()),
	})
	writeJSON(w, http.StatusOK, record)
}

// --- vault ---

func (s *Server) handleVaultStore(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OwnerWallet string         `json:"owner_wallet"`
		Data        map[string]any `json:"data"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	wallet, err := guard.Wallet(req.OwnerWallet)
	if err != nil {
		writeError(w, err)
		return
	}
	if len(req.Data) == 0 {
		writeError(w, fault.New(fault.CodeInvalidInput, "data is required"))
		return
	}
	if err := s.vault.Store(wallet, req.Data); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stored": true, "fields": len(req.Data)})
}

func (s *Server) handleConsentRequest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RequesterWallet string         `json:"requester_wallet"`
		TargetOwner     string         `json:"target_owner"`
		SellerAgent     string         `json:"seller_agent"`
		Fields          []string       `json:"fields"`
		Purpose         string         `json:"purpose"`
		BookingContext  map[string]any `json:"booking_context"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	wallet, err := guard.Wallet(req.RequesterWallet)
	if err != nil {
		writeError(w, err)
		return
	}
	agentName, err := guard.AgentName(req.SellerAgent)
	if err != nil {
		writeError(w, err)
		return
	}
	outcome, err := s.vault.Request(vault.RequestInput{
		RequesterWallet: wallet,
		TargetOwner:     req.TargetOwner,
		SellerAgent:     agentName,
		Fields:          req.Fields,
		Purpose:         req.Purpose,
		BookingContext:  req.BookingContext,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"consent_id":      outcome.ConsentID,
		"status":          outcome.Status,
		"auto_approved":   outcome.AutoApproved,
		"fields_approved": outcome.FieldsApproved,
		"expires_at":      outcome.ExpiresAt,
	})
}

func (s *Server) handleConsentRespond(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ConsentID       uuid.UUID `json:"consent_id"`
		ResponderWallet string    `json:"responder_wallet"`
		Approve         bool      `json:"approve"`
		Fields          []string  `json:"fields"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	responder, err := guard.Wallet(req.ResponderWallet)
	if err != nil {
		writeError(w, err)
		return
	}
	record, disclosure, err := s.vault.Respond(req.ConsentID, responder, req.Approve, req.Fields)
	if err != nil {
		writeError(w, err)
		return
	}
	// Only the field count leaves the API; values go to the seller flow.
	response := map[string]any{
		"consent_id":      record.ID,
		"status":          record.Status,
		"fields_approved": record.FieldsApproved,
	}
	if disclosure != nil {
		response["disclosed_count"] = disclosure.Count
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleConsentGet(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, fault.New(fault.CodeInvalidInput, "invalid consent id"))
		return
	}
	var record models.ConsentRequest
	if err := s.db.First(&record, "id = ?", id).Error; err != nil {
		writeError(w, fault.New(fault.CodeNotFound, "consent request not found"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"consent_id":       record.ID,
		"status":           record.Status,
		"seller_agent":     record.SellerAgent,
		"fields_requested": record.FieldsRequested,
		"fields_approved":  record.FieldsApproved,
		"purpose":          record.Purpose,
		"expires_at":       record.ExpiresAt,
	})
}

func (s *Server) handleAccessLog(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	wallet, err := guard.Wallet(owner)
	if err != nil {
		writeError(w, err)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := s.vault.AccessLog(wallet, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// --- orchestration ---

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Category          string         `json:"category"`
		Query             map[string]any `json:"query"`
		Sort              string         `json:"sort"`
		IncludeUnverified bool           `json:"include_unverified"`
		Limit             int            `json:"limit"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	quotes, err := s.orch.Search(r.Context(), orchestrator.SearchInput{
		Category:          req.Category,
		Query:             req.Query,
		Sort:              req.Sort,
		IncludeUnverified: req.IncludeUnverified,
		Limit:             req.Limit,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"quotes": quotes})
}

func (s *Server) handleBook(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BuyerWallet   string         `json:"buyer_wallet"`
		SellerAgent   string         `json:"seller_agent"`
		Amount        float64        `json:"amount"`
		Category      string         `json:"category"`
		ServiceDetail map[string]any `json:"service_details"`
		ConsentID     *uuid.UUID     `json:"consent_id"`
		OwnFields     []string       `json:"own_fields"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	wallet, err := guard.Wallet(req.BuyerWallet)
	if err != nil {
		writeError(w, err)
		return
	}
	agentName, err := guard.AgentName(req.SellerAgent)
	if err != nil {
		writeError(w, err)
		return
	}
	amount, err := guard.Amount(req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	result, err := s.orch.Book(r.Context(), orchestrator.BookInput{
		BuyerWallet:   wallet,
		SellerAgent:   agentName,
		Amount:        amount,
		Category:      req.Category,
		ServiceDetail: req.ServiceDetail,
		ConsentID:     req.ConsentID,
		OwnFields:     req.OwnFields,
		RequestID:     chimw.GetReqID(r.Context()),
		ActorIP:       clientIP(r),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	s.detector.Dispatch(wallet, agentName, clientIP(r))
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleDeliver(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EscrowID uuid.UUID      `json:"escrow_id"`
		Proof    map[string]any `json:"proof"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	record, err := s.orch.Deliver(r.Context(), orchestrator.DeliverInput{
		EscrowID:  req.EscrowID,
		Proof:     req.Proof,
		RequestID: chimw.GetReqID(r.Context()),
		ActorIP:   clientIP(r),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// handleOrchestratedRelease is the buyer-side settlement path: an explicit
// buyer confirmation followed by release.
func (s *Server) handleOrchestratedRelease(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EscrowID    uuid.UUID `json:"escrow_id"`
		BuyerWallet string    `json:"buyer_wallet"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	wallet, err := guard.Wallet(req.BuyerWallet)
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := s.engine.BuyerConfirm(req.EscrowID, wallet); err != nil {
		writeError(w, err)
		return
	}
	record, err := s.engine.Release(r.Context(), req.EscrowID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// --- reputation ---

func (s *Server) handleReviewSubmit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ReviewerAgent string    `json:"reviewer_agent"`
		ReviewedAgent string    `json:"reviewed_agent"`
		EscrowID      uuid.UUID `json:"escrow_id"`
		Rating        int       `json:"rating"`
		Comment       string    `json:"comment"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	reviewer := agentFrom(r)
	if reviewer == "" {
		reviewer = req.ReviewerAgent
	}
	reviewer, err := guard.AgentName(reviewer)
	if err != nil {
		writeError(w, err)
		return
	}
	reviewed, err := guard.AgentName(req.ReviewedAgent)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := guard.Rating(req.Rating); err != nil {
		writeError(w, err)
		return
	}
	if err := s.reputation.SubmitReview(reviewer, reviewed, req.EscrowID, req.Rating, guard.Text(req.Comment, 512)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"submitted": true})
}

func (s *Server) handleReputationGet(w http.ResponseWriter, r *http.Request) {
	name, err := guard.AgentName(chi.URLParam(r, "agent"))
	if err != nil {
		writeError(w, err)
		return
	}
	metrics, err := s.reputation.Lookup(name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, metrics)
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	board, err := s.reputation.Leaderboard(limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, board)
}

// --- operations ---

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	report, err := s.sweeper.Run(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleAbuseFlags(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	flags, err := s.detector.Flags(r.URL.Query().Get("kind"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, flags)
}

func (s *Server) handleAuditLog(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := s.auditor.Recent(r.URL.Query().Get("action"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}
