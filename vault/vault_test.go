package vault

import (
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"agora/fault"
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

func trustedSeller(t *testing.T, db *gorm.DB, name string) {
	t.Helper()
	require.NoError(t, db.Create(&models.Agent{
		Name: name, TrustScore: 80, StakeAmount: 10,
	}).Error)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := DeriveKey("test-secret")
	data := map[string]any{"full_name": "Alice Buyer", "passport": "P123456"}

	ciphertext, iv, hash, err := Encrypt(data, key)
	require.NoError(t, err)

	decrypted, err := Decrypt(ciphertext, iv, key)
	require.NoError(t, err)
	require.Equal(t, "Alice Buyer", decrypted["full_name"])
	require.True(t, VerifyIntegrity(decrypted, hash))

	// Wrong key fails authentication, not just garbage output.
	_, err = Decrypt(ciphertext, iv, DeriveKey("wrong-secret"))
	require.Error(t, err)
}

func TestRequestEnforcesSellerFloors(t *testing.T) {
	db := setupTestDB(t)
	gw := NewGateway(db, "secret")

	input := RequestInput{
		RequesterWallet: "0xbuyer", TargetOwner: "0xowner",
		SellerAgent: "lowtrust", Fields: []string{"full_name"},
	}

	require.NoError(t, db.Create(&models.Agent{Name: "lowtrust", TrustScore: 20, StakeAmount: 10}).Error)
	_, err := gw.Request(input)
	require.Equal(t, fault.CodeForbidden, fault.CodeOf(err))

	require.NoError(t, db.Create(&models.Agent{Name: "lowstake", TrustScore: 80, StakeAmount: 1}).Error)
	input.SellerAgent = "lowstake"
	_, err = gw.Request(input)
	require.Equal(t, fault.CodeForbidden, fault.CodeOf(err))

	require.NoError(t, db.Create(&models.Agent{Name: "flagged", TrustScore: 80, StakeAmount: 10, Flagged: true}).Error)
	input.SellerAgent = "flagged"
	_, err = gw.Request(input)
	require.Equal(t, fault.CodeForbidden, fault.CodeOf(err))

	// Below-floor sellers never leave a pending request behind.
	var count int64
	require.NoError(t, db.Model(&models.ConsentRequest{}).Count(&count).Error)
	require.Zero(t, count)

	input.SellerAgent = "ghost"
	_, err = gw.Request(input)
	require.Equal(t, fault.CodeNotFound, fault.CodeOf(err))
}

func TestRequestSelfAutoApproves(t *testing.T) {
	db := setupTestDB(t)
	gw := NewGateway(db, "secret")
	trustedSeller(t, db, "nexusair")

	outcome, err := gw.Request(RequestInput{
		RequesterWallet: "0xbuyer", TargetOwner: "self",
		SellerAgent: "nexusair", Fields: []string{"full_name", "dob"},
	})
	require.NoError(t, err)
	require.True(t, outcome.AutoApproved)
	require.Equal(t, models.ConsentApproved, outcome.Status)
	require.Equal(t, []string{"full_name", "dob"}, outcome.FieldsApproved)
}

func TestRequestDeduplicatesPending(t *testing.T) {
	db := setupTestDB(t)
	gw := NewGateway(db, "secret")
	trustedSeller(t, db, "nexusair")

	input := RequestInput{
		RequesterWallet: "0xbuyer", TargetOwner: "0xfriend",
		SellerAgent: "nexusair", Fields: []string{"full_name"},
	}
	first, err := gw.Request(input)
	require.NoError(t, err)
	second, err := gw.Request(input)
	require.NoError(t, err)
	require.Equal(t, first.ConsentID, second.ConsentID)
}

func TestRespondLeastDisclosure(t *testing.T) {
	db := setupTestDB(t)
	gw := NewGateway(db, "secret")
	trustedSeller(t, db, "nexusair")

	require.NoError(t, gw.Store("0xfriend", map[string]any{
		"full_name": "Friend Person",
		"dob":       "1990-01-01",
		"passport":  "P99",
		"phone":     "+1555",
	}))

	outcome, err := gw.Request(RequestInput{
		RequesterWallet: "0xbuyer", TargetOwner: "0xfriend",
		SellerAgent: "nexusair",
		Fields:      []string{"full_name", "dob", "passport"},
		Purpose:     "flight_booking",
	})
	require.NoError(t, err)

	// Owner approves only a subset; "phone" is outside the request and
	// must be ignored even if named.
	request, disclosure, err := gw.Respond(outcome.ConsentID, "0xfriend", true, []string{"full_name", "phone"})
	require.NoError(t, err)
	require.Equal(t, models.ConsentApproved, request.Status)
	require.Equal(t, []string{"full_name"}, request.FieldsApproved)
	require.Equal(t, 1, disclosure.Count)
	require.Equal(t, "Friend Person", disclosure.Fields["full_name"])
	_, leaked := disclosure.Fields["passport"]
	require.False(t, leaked)

	// Access log records exactly the disclosed fields.
	log, err := gw.AccessLog("0xfriend", 0)
	require.NoError(t, err)
	require.Len(t, log, 1)
	require.Equal(t, []string{"full_name"}, log[0].FieldsAccessed)
	require.Equal(t, "nexusair", log[0].AccessorAgent)
}

func TestRespondSingleUse(t *testing.T) {
	db := setupTestDB(t)
	gw := NewGateway(db, "secret")
	trustedSeller(t, db, "nexusair")
	require.NoError(t, gw.Store("0xfriend", map[string]any{"full_name": "Friend"}))

	outcome, err := gw.Request(RequestInput{
		RequesterWallet: "0xbuyer", TargetOwner: "0xfriend",
		SellerAgent: "nexusair", Fields: []string{"full_name"},
	})
	require.NoError(t, err)

	_, _, err = gw.Respond(outcome.ConsentID, "0xfriend", false, nil)
	require.NoError(t, err)

	_, _, err = gw.Respond(outcome.ConsentID, "0xfriend", true, nil)
	require.Equal(t, fault.CodeInvalidState, fault.CodeOf(err))
}

func TestRespondExpired(t *testing.T) {
	db := setupTestDB(t)
	gw := NewGateway(db, "secret")
	trustedSeller(t, db, "nexusair")

	now := time.Now().UTC()
	gw.SetNowFunc(func() time.Time { return now })

	outcome, err := gw.Request(RequestInput{
		RequesterWallet: "0xbuyer", TargetOwner: "0xfriend",
		SellerAgent: "nexusair", Fields: []string{"full_name"},
	})
	require.NoError(t, err)

	now = now.Add(25 * time.Hour)
	_, _, err = gw.Respond(outcome.ConsentID, "0xfriend", true, nil)
	require.Equal(t, fault.CodeInvalidState, fault.CodeOf(err))

	var request models.ConsentRequest
	require.NoError(t, db.First(&request, "id = ?", outcome.ConsentID).Error)
	require.Equal(t, models.ConsentExpired, request.Status)
}

func TestExpireStale(t *testing.T) {
	db := setupTestDB(t)
	gw := NewGateway(db, "secret")
	trustedSeller(t, db, "nexusair")

	now := time.Now().UTC()
	gw.SetNowFunc(func() time.Time { return now })
	_, err := gw.Request(RequestInput{
		RequesterWallet: "0xbuyer", TargetOwner: "0xfriend",
		SellerAgent: "nexusair", Fields: []string{"full_name"},
	})
	require.NoError(t, err)

	now = now.Add(25 * time.Hour)
	expired, err := gw.ExpireStale()
	require.NoError(t, err)
	require.Equal(t, int64(1), expired)
}

func TestRespondRejectsNonOwner(t *testing.T) {
	db := setupTestDB(t)
	gw := NewGateway(db, "secret")
	trustedSeller(t, db, "nexusair")
	require.NoError(t, gw.Store("0xfriend", map[string]any{"full_name": "Friend"}))

	outcome, err := gw.Request(RequestInput{
		RequesterWallet: "0xbuyer", TargetOwner: "0xfriend",
		SellerAgent: "nexusair", Fields: []string{"full_name"},
	})
	require.NoError(t, err)

	// Knowing the consent id is not authority to approve it.
	_, _, err = gw.Respond(outcome.ConsentID, "0xbuyer", true, nil)
	require.Equal(t, fault.CodeForbidden, fault.CodeOf(err))

	var request models.ConsentRequest
	require.NoError(t, db.First(&request, "id = ?", outcome.ConsentID).Error)
	require.Equal(t, models.ConsentPending, request.Status)

	// Owner wallet comparison is case-insensitive.
	_, _, err = gw.Respond(outcome.ConsentID, "0xFRIEND", true, nil)
	require.NoError(t, err)
}
