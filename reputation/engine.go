// Package reputation computes the 0-100 trust score that drives fee rates
// and fund hold periods for seller agents.
package reputation

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"agora/fault"
	"agora/models"
)

// Tier is the discrete trust bucket derived from the continuous score.
type Tier string

const (
	TierInitiate  Tier = "initiate"
	TierAdept     Tier = "adept"
	TierMaster    Tier = "master"
	TierSovereign Tier = "sovereign"
)

// Scoring weights. Stake dominates so that reputation stays expensive to
// forge.
const (
	weightStake       = 0.40
	weightPerformance = 0.30
	weightFeedback    = 0.20
	weightVolume      = 0.10

	stakeCap  = 10.0  // units staked that earn the full stake component
	volumeCap = 100.0 // units settled that earn the full volume component

	baselineScore    = 25.0
	neutralFeedback  = 0.5
	neutralCompletion = 0.5
)

var errNilDB = errors.New("reputation engine: database not configured")

// Engine recomputes trust scores incrementally after every settled
// transaction and every review. There is no scheduled batch recalculation.
type Engine struct {
	db    *gorm.DB
	nowFn func() time.Time
}

// NewEngine constructs an engine over the shared database handle.
func NewEngine(db *gorm.DB) *Engine {
	return &Engine{db: db, nowFn: time.Now}
}

// SetNowFunc overrides the clock, primarily for tests.
func (e *Engine) SetNowFunc(now func() time.Time) {
	if now == nil {
		e.nowFn = time.Now
		return
	}
	e.nowFn = now
}

// Score folds the metric components into the weighted 0-100 trust score.
func Score(stake float64, totalTx, successfulTx int64, feedback, volume float64) float64 {
	stakeNorm := math.Min(stake*10, 100)
	completion := neutralCompletion
	if totalTx > 0 {
		completion = float64(successfulTx) / float64(totalTx)
	}
	perfNorm := completion * 100
	feedbackNorm := feedback * 100
	volumeNorm := math.Min(volume, volumeCap)

	score := weightStake*stakeNorm +
		weightPerformance*perfNorm +
		weightFeedback*feedbackNorm +
		weightVolume*volumeNorm
	return math.Round(score*100) / 100
}

// TierFor maps a score to its trust tier.
func TierFor(score float64) Tier {
	switch {
	case score >= 90:
		return TierSovereign
	case score >= 70:
		return TierMaster
	case score >= 40:
		return TierAdept
	default:
		return TierInitiate
	}
}

// FeeRate returns the escrow fee rate for a tier. Higher risk pays a higher
// premium.
func FeeRate(tier Tier) float64 {
	switch tier {
	case TierSovereign, TierMaster:
		return 0.005
	case TierAdept:
		return 0.01
	default:
		return 0.05
	}
}

// HoldPeriod returns how long released funds are held before payout for a
// tier.
func HoldPeriod(tier Tier) time.Duration {
	switch tier {
	case TierSovereign, TierMaster:
		return 0
	case TierAdept:
		return 72 * time.Hour
	default:
		return 168 * time.Hour
	}
}

// Initialize creates the metrics row for a newly registered agent. Existing
// agents keep their current metrics; the call is idempotent.
func (e *Engine) Initialize(agentName string, initialStake float64) (*models.AgentMetrics, error) {
	if e == nil || e.db == nil {
		return nil, errNilDB
	}
	var existing models.AgentMetrics
	err := e.db.First(&existing, "agent_name = ?", agentName).Error
	if err == nil {
		return &existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	now := e.nowFn().UTC()
	metrics := models.AgentMetrics{
		AgentName:    agentName,
		PeerFeedback: neutralFeedback,
		TrustScore:   baselineScore,
		TrustTier:    string(TierInitiate),
		LastActiveAt: now,
		UpdatedAt:    now,
	}
	if initialStake > 0 {
		metrics.TrustScore = Score(initialStake, 0, 0, neutralFeedback, 0)
		metrics.TrustTier = string(TierFor(metrics.TrustScore))
	}
	if err := e.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&metrics).Error; err != nil {
		return nil, err
	}
	return &metrics, nil
}

// Lookup returns the current metrics for an agent, initializing a baseline
// record when none exists yet so zero-history sellers are scoreable.
func (e *Engine) Lookup(agentName string) (*models.AgentMetrics, error) {
	if e == nil || e.db == nil {
		return nil, errNilDB
	}
	var metrics models.AgentMetrics
	err := e.db.First(&metrics, "agent_name = ?", agentName).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return e.Initialize(agentName, 0)
	}
	if err != nil {
		return nil, err
	}
	return &metrics, nil
}

// RecordTransaction folds one settled transaction into the agent's counters
// and recomputes the score. Triggered by the escrow engine after release or
// refund, never by a scheduler.
func (e *Engine) RecordTransaction(agentName string, successful bool, volume float64) error {
	if e == nil || e.db == nil {
		return errNilDB
	}
	metrics, err := e.Lookup(agentName)
	if err != nil {
		return err
	}
	metrics.TotalTx++
	if successful {
		metrics.SuccessfulTx++
		metrics.TotalVolume += volume
	} else {
		metrics.FailedTx++
	}
	return e.recompute(metrics)
}

// SubmitReview stores one peer rating weighted by the reviewer's own trust
// score at submission time, then recomputes the reviewed agent's feedback and
// score. Duplicate reviews for the same escrow are rejected.
func (e *Engine) SubmitReview(reviewerAgent, reviewedAgent string, escrowID uuid.UUID, rating int, comment string) error {
	if e == nil || e.db == nil {
		return errNilDB
	}
	if rating < 1 || rating > 5 {
		return fault.New(fault.CodeInvalidInput, "rating must be between 1 and 5")
	}
	reviewer, err := e.Lookup(reviewerAgent)
	if err != nil {
		return err
	}
	review := models.AgentReview{
		ID:            uuid.New(),
		ReviewerAgent: reviewerAgent,
		ReviewedAgent: reviewedAgent,
		EscrowID:      escrowID,
		Rating:        rating,
		Comment:       comment,
		ReviewerScore: reviewer.TrustScore,
		CreatedAt:     e.nowFn().UTC(),
	}
	if err := e.db.Create(&review).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fault.New(fault.CodeInvalidState, "transaction already reviewed")
		}
		return fmt.Errorf("reputation: store review: %w", err)
	}

	var reviews []models.AgentReview
	if err := e.db.Where("reviewed_agent = ?", reviewedAgent).Find(&reviews).Error; err != nil {
		return err
	}
	metrics, err := e.Lookup(reviewedAgent)
	if err != nil {
		return err
	}
	metrics.PeerFeedback = weightedFeedback(reviews)
	return e.recompute(metrics)
}

// Leaderboard returns the top agents ordered by trust score.
func (e *Engine) Leaderboard(limit int) ([]models.AgentMetrics, error) {
	if e == nil || e.db == nil {
		return nil, errNilDB
	}
	if limit <= 0 {
		limit = 10
	}
	var top []models.AgentMetrics
	err := e.db.Order("trust_score DESC").Limit(limit).Find(&top).Error
	return top, err
}

func (e *Engine) recompute(metrics *models.AgentMetrics) error {
	var agent models.Agent
	stake := 0.0
	if err := e.db.First(&agent, "name = ?", metrics.AgentName).Error; err == nil {
		stake = agent.StakeAmount
	}
	metrics.TrustScore = Score(stake, metrics.TotalTx, metrics.SuccessfulTx, metrics.PeerFeedback, metrics.TotalVolume)
	metrics.TrustTier = string(TierFor(metrics.TrustScore))
	now := e.nowFn().UTC()
	metrics.LastActiveAt = now
	metrics.UpdatedAt = now
	if err := e.db.Save(metrics).Error; err != nil {
		return err
	}
	// Mirror onto the profile so trust gates read one place.
	return e.db.Model(&models.Agent{}).
		Where("name = ?", metrics.AgentName).
		Updates(map[string]any{"trust_score": metrics.TrustScore, "trust_tier": metrics.TrustTier}).Error
}

// weightedFeedback maps the 1-5 ratings onto a 0-1 scale, each weighted by
// the reviewer's score at review time. Low-reputation reviewers cannot move
// another agent's score through sheer volume.
func weightedFeedback(reviews []models.AgentReview) float64 {
	if len(reviews) == 0 {
		return neutralFeedback
	}
	var weightedSum, totalWeight float64
	for _, review := range reviews {
		weight := review.ReviewerScore
		if weight <= 0 {
			weight = 50
		}
		weightedSum += float64(review.Rating) * weight
		totalWeight += weight
	}
	avg := 3.0
	if totalWeight > 0 {
		avg = weightedSum / totalWeight
	}
	return (avg - 1) / 4
}
