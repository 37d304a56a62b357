package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"

	"agora/models"
)

// SearchInput describes a buyer intent.
type SearchInput struct {
	Category string
	Query    map[string]any
	// Sort is one of price, trust, balanced. Empty means balanced.
	Sort string
	// IncludeUnverified widens discovery beyond verified agents. Bookable
	// results stay verified-only unless the caller opts out.
	IncludeUnverified bool
	Limit             int
}

// Quote is one seller's live answer to an intent.
type Quote struct {
	Agent      string         `json:"agent"`
	TrustScore float64        `json:"trust_score"`
	TrustTier  string         `json:"trust_tier"`
	Verified   bool           `json:"verified"`
	Price      float64        `json:"price"`
	Detail     map[string]any `json:"detail,omitempty"`
}

// Search finds candidate sellers for the intent and fans out live quote
// requests. Sellers that time out or answer garbage are silently omitted.
func (o *Orchestrator) Search(ctx context.Context, input SearchInput) ([]Quote, error) {
	limit := input.Limit
	if limit <= 0 || limit > 50 {
		limit = 10
	}

	query := o.db.Where("banned = ? AND flagged = ?", false, false)
	if input.Category != "" {
		query = query.Where("category = ?", input.Category)
	}
	if !input.IncludeUnverified {
		query = query.Where("verified = ?", true)
	}
	var agents []models.Agent
	if err := query.Order("trust_score DESC").Limit(limit * 2).Find(&agents).Error; err != nil {
		return nil, err
	}

	var (
		mu     sync.Mutex
		quotes []Quote
		wg     sync.WaitGroup
	)
	for i := range agents {
		agent := agents[i]
		if agent.QuoteURL == "" {
			continue
		}
		if err := o.pacer.Wait(ctx); err != nil {
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			quote, ok := o.fetchQuote(ctx, &agent, input.Query)
			if !ok {
				return
			}
			mu.Lock()
			quotes = append(quotes, quote)
			mu.Unlock()
		}()
	}
	wg.Wait()

	rankQuotes(quotes, input.Sort)
	if len(quotes) > limit {
		quotes = quotes[:limit]
	}
	return quotes, nil
}

func (o *Orchestrator) fetchQuote(ctx context.Context, agent *models.Agent, query map[string]any) (Quote, bool) {
	body, err := json.Marshal(query)
	if err != nil {
		return Quote{}, false
	}
	callCtx, cancel := context.WithTimeout(ctx, sellerCallTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, agent.QuoteURL, bytes.NewReader(body))
	if err != nil {
		return Quote{}, false
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := o.client.Do(req)
	if err != nil {
		o.log.Debug("quote call failed", "agent", agent.Name, "error", err)
		return Quote{}, false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Quote{}, false
	}
	var payload struct {
		Price  float64        `json:"price"`
		Detail map[string]any `json:"detail"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Quote{}, false
	}
	if payload.Price <= 0 {
		return Quote{}, false
	}
	return Quote{
		Agent:      agent.Name,
		TrustScore: agent.TrustScore,
		TrustTier:  agent.TrustTier,
		Verified:   agent.Verified,
		Price:      payload.Price,
		Detail:     payload.Detail,
	}, true
}

func rankQuotes(quotes []Quote, key string) {
	switch key {
	case "price":
		sort.SliceStable(quotes, func(i, j int) bool { return quotes[i].Price < quotes[j].Price })
	case "trust":
		sort.SliceStable(quotes, func(i, j int) bool { return quotes[i].TrustScore > quotes[j].TrustScore })
	default:
		// Balanced: cheaper is better, trust breaks near-ties. Scores are
		// normalized against the best quote in the set.
		var minPrice float64
		for i, q := range quotes {
			if i == 0 || q.Price < minPrice {
				minPrice = q.Price
			}
		}
		score := func(q Quote) float64 {
			priceScore := 0.0
			if q.Price > 0 {
				priceScore = minPrice / q.Price
			}
			return 0.6*priceScore + 0.4*(q.TrustScore/100)
		}
		sort.SliceStable(quotes, func(i, j int) bool { return score(quotes[i]) > score(quotes[j]) })
	}
}
