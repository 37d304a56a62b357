package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"agora/abuse"
	"agora/escrow"
	"agora/fault"
	"agora/models"
	"agora/reputation"
	"agora/settlement"
	"agora/vault"
	"agora/verify"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))
	return db
}

type fixture struct {
	orch   *Orchestrator
	engine *escrow.Engine
	ledger *settlement.MemoryLedger
	vault  *vault.Gateway
	db     *gorm.DB
}

func setup(t *testing.T) *fixture {
	t.Helper()
	db := setupTestDB(t)
	ledger := settlement.NewMemoryLedger()
	registry := verify.NewRegistry(verify.DefaultClient)
	rep := reputation.NewEngine(db)
	engine := escrow.NewEngine(db, ledger, registry, rep, "0xCustody")
	vaultGW := vault.NewGateway(db, "test-secret")
	auditor := abuse.NewAuditor(db, nil)
	orch := New(db, engine, vaultGW, auditor, nil, nil)
	return &fixture{orch: orch, engine: engine, ledger: ledger, vault: vaultGW, db: db}
}

func seedAgent(t *testing.T, db *gorm.DB, agent models.Agent) {
	t.Helper()
	if agent.PayoutWallet == "" {
		agent.PayoutWallet = "0x" + agent.Name
	}
	require.NoError(t, db.Create(&agent).Error)
}

func quoteServer(t *testing.T, price float64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"price": price})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSearchRanksByPrice(t *testing.T) {
	f := setup(t)
	cheap := quoteServer(t, 80)
	pricey := quoteServer(t, 120)

	seedAgent(t, f.db, models.Agent{Name: "cheapair", Category: "travel", Verified: true, TrustScore: 50, QuoteURL: cheap.URL})
	seedAgent(t, f.db, models.Agent{Name: "luxair", Category: "travel", Verified: true, TrustScore: 90, QuoteURL: pricey.URL})

	quotes, err := f.orch.Search(context.Background(), SearchInput{Category: "travel", Sort: "price"})
	require.NoError(t, err)
	require.Len(t, quotes, 2)
	require.Equal(t, "cheapair", quotes[0].Agent)
	require.Equal(t, 80.0, quotes[0].Price)
}

func TestSearchDefaultsToVerifiedSellers(t *testing.T) {
	f := setup(t)
	srv := quoteServer(t, 100)

	seedAgent(t, f.db, models.Agent{Name: "trusted", Category: "travel", Verified: true, QuoteURL: srv.URL})
	seedAgent(t, f.db, models.Agent{Name: "unknown", Category: "travel", Verified: false, QuoteURL: srv.URL})

	quotes, err := f.orch.Search(context.Background(), SearchInput{Category: "travel"})
	require.NoError(t, err)
	require.Len(t, quotes, 1)
	require.Equal(t, "trusted", quotes[0].Agent)

	quotes, err = f.orch.Search(context.Background(), SearchInput{Category: "travel", IncludeUnverified: true})
	require.NoError(t, err)
	require.Len(t, quotes, 2)
}

func TestSearchOmitsBrokenSellers(t *testing.T) {
	f := setup(t)
	good := quoteServer(t, 100)
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(broken.Close)

	seedAgent(t, f.db, models.Agent{Name: "works", Category: "travel", Verified: true, QuoteURL: good.URL})
	seedAgent(t, f.db, models.Agent{Name: "broken", Category: "travel", Verified: true, QuoteURL: broken.URL})

	quotes, err := f.orch.Search(context.Background(), SearchInput{Category: "travel"})
	require.NoError(t, err)
	require.Len(t, quotes, 1)
	require.Equal(t, "works", quotes[0].Agent)
}

func TestBookForwardsVaultFieldsToSellerOnly(t *testing.T) {
	f := setup(t)

	var sellerSaw map[string]any
	bookSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		sellerSaw, _ = payload["customer_data"].(map[string]any)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(bookSrv.Close)

	seedAgent(t, f.db, models.Agent{
		Name: "nexusair", Category: "travel", Verified: true,
		TrustScore: 80, StakeAmount: 10,
		BookURL:        bookSrv.URL,
		RequiredFields: []string{"full_name", "passport"},
	})
	require.NoError(t, f.vault.Store("0xBuyer", map[string]any{
		"full_name": "Alice Buyer", "passport": "P123", "phone": "+1555",
	}))

	result, err := f.orch.Book(context.Background(), BookInput{
		BuyerWallet: "0xBuyer", SellerAgent: "nexusair",
		Amount: 100, Category: "travel",
		OwnFields: []string{"full_name", "passport"},
	})
	require.NoError(t, err)
	require.True(t, result.SellerNotified)
	require.Equal(t, 2, result.FieldsForwarded)
	require.Equal(t, models.EscrowPending, result.Escrow.Status)

	// The seller received the values; the buyer-facing result carries none.
	require.Equal(t, "Alice Buyer", sellerSaw["full_name"])
	_, leaked := sellerSaw["phone"]
	require.False(t, leaked)

	// Disclosure is on the books.
	log, err := f.vault.AccessLog("0xBuyer", 0)
	require.NoError(t, err)
	require.Len(t, log, 1)
}

func TestBookRequiresDisclosureSource(t *testing.T) {
	f := setup(t)
	seedAgent(t, f.db, models.Agent{
		Name: "nexusair", Verified: true, RequiredFields: []string{"full_name"},
	})

	_, err := f.orch.Book(context.Background(), BookInput{
		BuyerWallet: "0xBuyer", SellerAgent: "nexusair", Amount: 100,
	})
	require.Equal(t, fault.CodeInvalidInput, fault.CodeOf(err))
}

func TestBookSellerOutageIsSoft(t *testing.T) {
	f := setup(t)
	seedAgent(t, f.db, models.Agent{
		Name: "offline", Verified: true, BookURL: "http://127.0.0.1:1/book",
	})

	result, err := f.orch.Book(context.Background(), BookInput{
		BuyerWallet: "0xBuyer", SellerAgent: "offline", Amount: 50,
	})
	require.NoError(t, err)
	require.False(t, result.SellerNotified)
	require.Equal(t, models.EscrowPending, result.Escrow.Status)
}

func TestDeliverSettlesEscrow(t *testing.T) {
	verifySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"valid": true})
	}))
	defer verifySrv.Close()

	f := setup(t)
	seedAgent(t, f.db, models.Agent{
		Name: "nexusair", PayoutWallet: "0xSeller", Verified: true, VerifyURL: verifySrv.URL,
	})

	esc, err := f.engine.Create(escrow.CreateInput{
		BuyerWallet: "0xBuyer", SellerAgent: "nexusair", Amount: 100,
	})
	require.NoError(t, err)

	total := settlement.ToBaseUnits(esc.Amount + esc.Fee)
	f.ledger.Fund("0xBuyer", total)
	receipt, err := f.ledger.SubmitTransfer(context.Background(), settlement.Transfer{
		From: "0xBuyer", To: "0xCustody", Amount: total,
	})
	require.NoError(t, err)
	_, err = f.engine.Lock(context.Background(), esc.ID, receipt.Reference)
	require.NoError(t, err)

	released, err := f.orch.Deliver(context.Background(), DeliverInput{
		EscrowID: esc.ID, Proof: map[string]any{"receipt": "done"},
	})
	require.NoError(t, err)
	require.Equal(t, models.EscrowReleased, released.Status)
}

func TestWebhookRedeliveryIsNoOp(t *testing.T) {
	db := setupTestDB(t)
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NotEmpty(t, r.Header.Get("Idempotency-Key"))
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	require.NoError(t, db.Create(&models.Agent{Name: "hooked", WebhookURL: srv.URL}).Error)

	queue := NewWebhookQueue()
	dispatcher := NewDispatcher(db, queue, nil, nil)

	event := WebhookEvent{ID: "evt-1", Type: "escrow.released", EscrowID: "e1", Agent: "hooked", CreatedAt: time.Now()}
	queue.Enqueue(event)
	queue.Enqueue(event)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i := 0; i < 2; i++ {
		task, ok := queue.Dequeue(ctx)
		require.True(t, ok)
		dispatcher.deliver(ctx, task)
	}
	require.Equal(t, int64(1), hits.Load())
}

func TestWebhookRetriesWithBackoff(t *testing.T) {
	db := setupTestDB(t)
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	require.NoError(t, db.Create(&models.Agent{Name: "flaky", WebhookURL: srv.URL}).Error)

	queue := NewWebhookQueue()
	dispatcher := NewDispatcher(db, queue, nil, nil)
	queue.Enqueue(WebhookEvent{Type: "escrow.created", EscrowID: "e2", Agent: "flaky", CreatedAt: time.Now()})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	task, ok := queue.Dequeue(ctx)
	require.True(t, ok)
	dispatcher.deliver(ctx, task)
	require.Equal(t, 1, taskAttemptAfterFailure(t, queue, ctx, dispatcher))
	require.Equal(t, int64(2), hits.Load())
}

func taskAttemptAfterFailure(t *testing.T, queue *WebhookQueue, ctx context.Context, dispatcher *Dispatcher) int {
	t.Helper()
	task, ok := queue.Dequeue(ctx)
	require.True(t, ok)
	dispatcher.deliver(ctx, task)
	return task.Attempt
}
