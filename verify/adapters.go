package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Doer abstracts the HTTP client so tests can stub seller endpoints.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// DefaultClient bounds every outbound verification call. A timeout is a soft
// failure: the release is rejected, the caller is never blocked.
var DefaultClient = &http.Client{Timeout: 5 * time.Second}

func callVerifyEndpoint(ctx context.Context, client Doer, verifyURL, credential string, params url.Values) (map[string]any, *Result) {
	target, err := url.Parse(verifyURL)
	if err != nil {
		return nil, &Result{Valid: false, Reason: "invalid verification endpoint"}
	}
	query := target.Query()
	for key, values := range params {
		for _, v := range values {
			query.Add(key, v)
		}
	}
	target.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, &Result{Valid: false, Reason: "building verification request failed"}
	}
	if credential != "" {
		req.Header.Set("Authorization", "Bearer "+credential)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, &Result{Valid: false, Reason: fmt.Sprintf("verification endpoint unreachable: %v", err)}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &Result{Valid: false, Reason: fmt.Sprintf("verification endpoint rejected: %d", resp.StatusCode)}
	}

	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, &Result{Valid: false, Reason: "verification endpoint returned malformed response"}
	}
	return payload, nil
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func nestedString(m map[string]any, outer, inner string) string {
	if m == nil {
		return ""
	}
	if nested, ok := m[outer].(map[string]any); ok {
		return stringField(nested, inner)
	}
	return ""
}

func boolField(m map[string]any, key string) bool {
	if v, ok := m[key].(bool); ok {
		return v
	}
	return false
}

// namesMatch performs the bidirectional case-insensitive substring check
// used as the identity cross-check. An empty returned name is treated as a
// non-answer, not a match failure.
func namesMatch(requested, returned string) bool {
	if returned == "" {
		return true
	}
	req := strings.ToLower(strings.TrimSpace(requested))
	res := strings.ToLower(strings.TrimSpace(returned))
	return strings.Contains(req, res) || strings.Contains(res, req)
}

// TravelAdapter verifies booking-reference proofs and cross-matches the
// passenger name against the original request.
type TravelAdapter struct {
	client Doer
}

func (a *TravelAdapter) Category() string { return "travel" }

func (a *TravelAdapter) ValidateFormat(proof map[string]any) bool {
	return stringField(proof, "pnr") != ""
}

func (a *TravelAdapter) Verify(ctx context.Context, verifyURL, credential string, proof, original map[string]any) Result {
	pnr := stringField(proof, "pnr")
	payload, failure := callVerifyEndpoint(ctx, a.client, verifyURL, credential, url.Values{"pnr": {pnr}})
	if failure != nil {
		return *failure
	}
	if !boolField(payload, "valid") {
		return Result{Valid: false, Reason: "seller reported booking invalid"}
	}
	requested := nestedString(original, "passenger", "name")
	returned := nestedString(payload, "passenger", "name")
	if !namesMatch(requested, returned) {
		return Result{Valid: false, Reason: fmt.Sprintf("passenger name mismatch: requested %q, returned %q", requested, returned)}
	}
	return Result{Valid: true, Details: payload}
}

// TransportAdapter verifies trip-identifier proofs against an allowed trip
// status set.
type TransportAdapter struct {
	client Doer
}

var allowedTripStatuses = map[string]bool{
	"SCHEDULED":   true,
	"IN_PROGRESS": true,
	"COMPLETED":   true,
}

func (a *TransportAdapter) Category() string { return "transport" }

func (a *TransportAdapter) ValidateFormat(proof map[string]any) bool {
	return stringField(proof, "trip_id") != ""
}

func (a *TransportAdapter) Verify(ctx context.Context, verifyURL, credential string, proof, original map[string]any) Result {
	tripID := stringField(proof, "trip_id")
	payload, failure := callVerifyEndpoint(ctx, a.client, verifyURL, credential, url.Values{"trip_id": {tripID}})
	if failure != nil {
		return *failure
	}
	if !boolField(payload, "valid") {
		return Result{Valid: false, Reason: "seller reported trip invalid"}
	}
	status := stringField(payload, "status")
	if !allowedTripStatuses[status] {
		return Result{Valid: false, Reason: fmt.Sprintf("trip status not acceptable: %s", status)}
	}
	return Result{Valid: true, Details: payload}
}

// GenericAdapter handles any category without a dedicated adapter. It
// forwards all string proof fields as query parameters and relies on the
// seller's declared endpoint plus the standard response contract.
type GenericAdapter struct {
	client Doer
}

func (a *GenericAdapter) Category() string { return "generic" }

func (a *GenericAdapter) ValidateFormat(proof map[string]any) bool {
	return len(proof) > 0
}

func (a *GenericAdapter) Verify(ctx context.Context, verifyURL, credential string, proof, original map[string]any) Result {
	params := url.Values{}
	for key, value := range proof {
		if s, ok := value.(string); ok {
			params.Set(key, s)
		}
	}
	payload, failure := callVerifyEndpoint(ctx, a.client, verifyURL, credential, params)
	if failure != nil {
		return *failure
	}
	if !boolField(payload, "valid") {
		reason := stringField(payload, "reason")
		if reason == "" {
			reason = "seller reported proof invalid"
		}
		return Result{Valid: false, Reason: reason}
	}
	return Result{Valid: true, Details: payload}
}
