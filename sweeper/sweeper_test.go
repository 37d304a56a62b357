package sweeper

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"agora/escrow"
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
	sweeper *Sweeper
	engine  *escrow.Engine
	ledger  *settlement.MemoryLedger
	vault   *vault.Gateway
	db      *gorm.DB
	now     time.Time
}

func setup(t *testing.T) *fixture {
	t.Helper()
	db := setupTestDB(t)
	ledger := settlement.NewMemoryLedger()
	engine := escrow.NewEngine(db, ledger, verify.NewRegistry(verify.DefaultClient), reputation.NewEngine(db), "0xCustody")
	vaultGW := vault.NewGateway(db, "sweep-secret")
	sw := New(db, engine, vaultGW, nil)

	f := &fixture{sweeper: sw, engine: engine, ledger: ledger, vault: vaultGW, db: db, now: time.Now().UTC()}
	engine.SetNowFunc(func() time.Time { return f.now })
	sw.SetNowFunc(func() time.Time { return f.now })
	vaultGW.SetNowFunc(func() time.Time { return f.now })

	require.NoError(t, db.Create(&models.Agent{
		Name: "nexusair", PayoutWallet: "0xSeller", TrustScore: 80, StakeAmount: 10,
	}).Error)
	return f
}

func (f *fixture) lockedEscrow(t *testing.T, buyer string, ttl time.Duration) *models.Escrow {
	t.Helper()
	ctx := context.Background()
	esc, err := f.engine.Create(escrow.CreateInput{
		BuyerWallet: buyer, SellerAgent: "nexusair", Amount: 100, TTL: ttl,
	})
	require.NoError(t, err)
	total := settlement.ToBaseUnits(esc.Amount + esc.Fee)
	f.ledger.Fund(buyer, total)
	receipt, err := f.ledger.SubmitTransfer(ctx, settlement.Transfer{
		From: buyer, To: "0xCustody", Amount: total,
	})
	require.NoError(t, err)
	locked, err := f.engine.Lock(ctx, esc.ID, receipt.Reference)
	require.NoError(t, err)
	return locked
}

func TestRunRefundsOverdueLockedEscrows(t *testing.T) {
	f := setup(t)
	overdue := f.lockedEscrow(t, "0xLate", time.Hour)
	fresh := f.lockedEscrow(t, "0xOnTime", 48*time.Hour)

	f.now = f.now.Add(2 * time.Hour)
	report, err := f.sweeper.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Checked)
	require.Equal(t, 1, report.Refunded)
	require.Zero(t, report.Failed)

	var swept models.Escrow
	require.NoError(t, f.db.First(&swept, "id = ?", overdue.ID).Error)
	require.Equal(t, models.EscrowRefunded, swept.Status)
	require.Contains(t, swept.Notes, "auto_expired")

	var untouched models.Escrow
	require.NoError(t, f.db.First(&untouched, "id = ?", fresh.ID).Error)
	require.Equal(t, models.EscrowLocked, untouched.Status)

	// The buyer got amount plus fee back.
	balance, err := f.ledger.GetBalance(context.Background(), "0xLate")
	require.NoError(t, err)
	require.Equal(t, settlement.ToBaseUnits(swept.Amount+swept.Fee), balance)
}

func TestRunRetryCounterOnTransferFailure(t *testing.T) {
	f := setup(t)
	overdue := f.lockedEscrow(t, "0xLate", time.Hour)

	// Drain custody so the refund transfer cannot go through.
	custody, err := f.ledger.GetBalance(context.Background(), "0xCustody")
	require.NoError(t, err)
	_, err = f.ledger.SubmitTransfer(context.Background(), settlement.Transfer{
		From: "0xCustody", To: "0xElsewhere", Amount: custody,
	})
	require.NoError(t, err)

	f.now = f.now.Add(2 * time.Hour)
	report, err := f.sweeper.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Checked)
	require.Equal(t, 1, report.Failed)
	require.Zero(t, report.Refunded)

	var stuck models.Escrow
	require.NoError(t, f.db.First(&stuck, "id = ?", overdue.ID).Error)
	require.Equal(t, models.EscrowLocked, stuck.Status)
	require.Equal(t, 1, stuck.RefundAttempts)
	require.NotNil(t, stuck.LastRefundAttempt)

	// A second run keeps retrying without a status change.
	report, err = f.sweeper.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Failed)
	require.NoError(t, f.db.First(&stuck, "id = ?", overdue.ID).Error)
	require.Equal(t, 2, stuck.RefundAttempts)
}

func TestRunBatchCap(t *testing.T) {
	f := setup(t)
	for i := 0; i < batchSize+5; i++ {
		f.lockedEscrow(t, fmt.Sprintf("0xBuyer%d", i), time.Hour)
	}

	f.now = f.now.Add(2 * time.Hour)
	report, err := f.sweeper.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, batchSize, report.Checked)
	require.Equal(t, batchSize, report.Refunded)

	// The remainder drains on the next run.
	report, err = f.sweeper.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 5, report.Checked)
}

func TestRunExpiresOverduePendingEscrows(t *testing.T) {
	f := setup(t)
	stale, err := f.engine.Create(escrow.CreateInput{
		BuyerWallet: "0xSlow", SellerAgent: "nexusair", Amount: 100, TTL: time.Hour,
	})
	require.NoError(t, err)
	fresh, err := f.engine.Create(escrow.CreateInput{
		BuyerWallet: "0xQuick", SellerAgent: "nexusair", Amount: 100, TTL: 48 * time.Hour,
	})
	require.NoError(t, err)

	f.now = f.now.Add(2 * time.Hour)
	report, err := f.sweeper.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Expired)
	require.Zero(t, report.Refunded)

	var aged models.Escrow
	require.NoError(t, f.db.First(&aged, "id = ?", stale.ID).Error)
	require.Equal(t, models.EscrowExpired, aged.Status)

	var waiting models.Escrow
	require.NoError(t, f.db.First(&waiting, "id = ?", fresh.ID).Error)
	require.Equal(t, models.EscrowPending, waiting.Status)
}

func TestRunExpiresStaleConsentRequests(t *testing.T) {
	f := setup(t)
	outcome, err := f.vault.Request(vault.RequestInput{
		RequesterWallet: "0xbuyer", TargetOwner: "0xfriend",
		SellerAgent: "nexusair", Fields: []string{"full_name"},
	})
	require.NoError(t, err)

	f.now = f.now.Add(25 * time.Hour)
	report, err := f.sweeper.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), report.ConsentsExpired)

	var request models.ConsentRequest
	require.NoError(t, f.db.First(&request, "id = ?", outcome.ConsentID).Error)
	require.Equal(t, models.ConsentExpired, request.Status)
}
