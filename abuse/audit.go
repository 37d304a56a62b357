// Package abuse detects trading anomalies and keeps the append-only audit
// trail. Detection runs after the triggering transition has committed and
// never fails or blocks the caller.
package abuse

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"agora/models"
)

// Auditor appends security-relevant actions to the audit log. Rows are never
// updated or deleted.
type Auditor struct {
	db    *gorm.DB
	log   *slog.Logger
	nowFn func() time.Time
}

func NewAuditor(db *gorm.DB, log *slog.Logger) *Auditor {
	if log == nil {
		log = slog.Default()
	}
	return &Auditor{db: db, log: log, nowFn: time.Now}
}

// Event describes one audited action.
type Event struct {
	Action     string
	ActorID    string
	ActorIP    string
	TargetKind string
	TargetID   string
	RequestID  string
	Metadata   map[string]any
}

// Record appends an audit event. Failures are logged, never returned; an
// audit hiccup must not fail the action it describes.
func (a *Auditor) Record(event Event) {
	if a == nil || a.db == nil {
		return
	}
	row := models.AuditEvent{
		ID:         uuid.New(),
		Action:     event.Action,
		ActorID:    event.ActorID,
		ActorIP:    HashIP(event.ActorIP),
		TargetKind: event.TargetKind,
		TargetID:   event.TargetID,
		RequestID:  event.RequestID,
		Metadata:   event.Metadata,
		CreatedAt:  a.nowFn().UTC(),
	}
	if err := a.db.Create(&row).Error; err != nil {
		a.log.Error("audit append failed", "action", event.Action, "error", err)
	}
}

// Recent returns the newest audit events, optionally filtered by action.
func (a *Auditor) Recent(action string, limit int) ([]models.AuditEvent, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := a.db.Order("created_at DESC").Limit(limit)
	if action != "" {
		query = query.Where("action = ?", action)
	}
	var events []models.AuditEvent
	err := query.Find(&events).Error
	return events, err
}

// HashIP stores a digest instead of the raw client address. Correlation
// survives, the address itself does not.
func HashIP(ip string) string {
	if ip == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(ip))
	return hex.EncodeToString(sum[:16])
}
