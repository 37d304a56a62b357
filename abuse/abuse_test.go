package abuse

import (
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"agora/models"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))
	return db
}

func seedReleased(t *testing.T, db *gorm.DB, buyer, seller string, count int) {
	t.Helper()
	now := time.Now().UTC()
	for i := 0; i < count; i++ {
		released := now.Add(-time.Duration(i) * time.Hour)
		require.NoError(t, db.Create(&models.Escrow{
			ID: uuid.New(), BuyerWallet: buyer, SellerAgent: seller,
			Amount: 10, Status: models.EscrowReleased,
			CreatedAt: released.Add(-time.Hour), ExpiresAt: now.Add(time.Hour),
			ReleasedAt: &released,
		}).Error)
	}
}

func TestWashTradingThreshold(t *testing.T) {
	db := setupTestDB(t)
	require.NoError(t, db.Create(&models.Agent{Name: "shill"}).Error)
	detector := NewDetector(db, NewAuditor(db, nil), nil)

	seedReleased(t, db, "0xwasher", "shill", 2)
	require.NoError(t, detector.CheckWashTrading("0xwasher", "shill"))
	flags, err := detector.Flags("wash_trading", 10)
	require.NoError(t, err)
	require.Empty(t, flags)

	seedReleased(t, db, "0xwasher", "shill", 1)
	require.NoError(t, detector.CheckWashTrading("0xwasher", "shill"))
	flags, err = detector.Flags("wash_trading", 10)
	require.NoError(t, err)
	require.Len(t, flags, 1)
	require.Contains(t, flags[0].Actors, "0xwasher")

	// High severity escalates the agent to flagged.
	var agent models.Agent
	require.NoError(t, db.First(&agent, "name = ?", "shill").Error)
	require.True(t, agent.Flagged)
}

func TestCollusionPerIPHash(t *testing.T) {
	db := setupTestDB(t)
	auditor := NewAuditor(db, nil)
	detector := NewDetector(db, auditor, nil)

	for i := 0; i < 5; i++ {
		auditor.Record(Event{
			Action:  "escrow.create",
			ActorID: fmt.Sprintf("0xwallet%d", i),
			ActorIP: "10.1.2.3",
		})
	}

	require.NoError(t, detector.CheckCollusion("10.1.2.3", "0xwallet0"))
	flags, err := detector.Flags("collusion", 10)
	require.NoError(t, err)
	require.Len(t, flags, 1)
	require.Len(t, flags[0].Actors, 5)

	// A different address shares no flag.
	require.NoError(t, detector.CheckCollusion("10.9.9.9", "0xother"))
	flags, err = detector.Flags("collusion", 10)
	require.NoError(t, err)
	require.Len(t, flags, 1)
}

func TestRapidFireBurst(t *testing.T) {
	db := setupTestDB(t)
	detector := NewDetector(db, NewAuditor(db, nil), nil)
	now := time.Now().UTC()
	detector.SetNowFunc(func() time.Time { return now })

	for i := 0; i < 10; i++ {
		require.NoError(t, db.Create(&models.Escrow{
			ID: uuid.New(), BuyerWallet: "0xburst", SellerAgent: "any",
			Status:    models.EscrowPending,
			CreatedAt: now.Add(-time.Duration(10-i) * time.Second),
			ExpiresAt: now.Add(time.Hour),
		}).Error)
	}

	require.NoError(t, detector.CheckRapidFire("0xburst"))
	flags, err := detector.Flags("rapid_fire", 10)
	require.NoError(t, err)
	require.Len(t, flags, 1)
	require.Equal(t, "monitor", flags[0].RecommendedAction)
}

func TestAuditRecordHashesIP(t *testing.T) {
	db := setupTestDB(t)
	auditor := NewAuditor(db, nil)

	auditor.Record(Event{Action: "vault.disclose", ActorID: "0xowner", ActorIP: "192.0.2.7"})

	events, err := auditor.Recent("vault.disclose", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.NotEqual(t, "192.0.2.7", events[0].ActorIP)
	require.NotEmpty(t, events[0].ActorIP)
}
