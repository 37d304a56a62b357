// Package guard provides the pure-function input validators and the
// per-identifier sliding-window rate limiter consulted by every mutating
// operation.
package guard

import (
	"math"
	"regexp"
	"strings"
	"unicode/utf8"

	ethcommon "github.com/ethereum/go-ethereum/common"

	"agora/fault"
)

const (
	minAgentNameLen = 3
	maxAgentNameLen = 32
	maxAmount       = 1_000_000
	maxTextLen      = 500
)

var (
	agentNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,30}[a-z0-9]$`)
	reservedPrefixes = []string{"admin", "system", "agora", "root", "api"}
	scriptPattern    = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	tagPattern       = regexp.MustCompile(`<[^>]+>`)
	jsProtoPattern   = regexp.MustCompile(`(?i)javascript:`)
	eventAttrPattern = regexp.MustCompile(`(?i)on\w+\s*=`)
)

// AgentName normalises and validates a seller agent name, returning the
// canonical lowercase form.
func AgentName(name string) (string, error) {
	sanitized := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "agent://")))
	if len(sanitized) < minAgentNameLen {
		return "", fault.New(fault.CodeInvalidInput, "agent name too short (min %d chars)", minAgentNameLen)
	}
	if len(sanitized) > maxAgentNameLen {
		return "", fault.New(fault.CodeInvalidInput, "agent name too long (max %d chars)", maxAgentNameLen)
	}
	if !agentNamePattern.MatchString(sanitized) {
		return "", fault.New(fault.CodeInvalidInput, "agent name must be alphanumeric with dots or hyphens")
	}
	if strings.Contains(sanitized, "..") || strings.Contains(sanitized, "--") {
		return "", fault.New(fault.CodeInvalidInput, "agent name has invalid consecutive separators")
	}
	for _, prefix := range reservedPrefixes {
		if strings.HasPrefix(sanitized, prefix) && !strings.HasPrefix(sanitized, "user.") {
			return "", fault.New(fault.CodeInvalidInput, "reserved agent name prefix: %s", prefix)
		}
	}
	return sanitized, nil
}

// Wallet validates a settlement-network account address in 0x hex form.
func Wallet(addr string) (string, error) {
	trimmed := strings.TrimSpace(addr)
	if !ethcommon.IsHexAddress(trimmed) {
		return "", fault.New(fault.CodeInvalidInput, "invalid wallet address")
	}
	return ethcommon.HexToAddress(trimmed).Hex(), nil
}

// Amount validates a monetary amount in native settlement units and rounds
// it to the network's nine-decimal precision.
func Amount(amount float64) (float64, error) {
	if math.IsNaN(amount) || math.IsInf(amount, 0) {
		return 0, fault.New(fault.CodeInvalidInput, "amount must be a number")
	}
	if amount <= 0 {
		return 0, fault.New(fault.CodeInvalidInput, "amount must be positive")
	}
	if amount > maxAmount {
		return 0, fault.New(fault.CodeInvalidInput, "amount exceeds maximum")
	}
	return math.Round(amount*1e9) / 1e9, nil
}

// Rating validates a 1-5 peer review rating.
func Rating(rating int) error {
	if rating < 1 || rating > 5 {
		return fault.New(fault.CodeInvalidInput, "rating must be between 1 and 5")
	}
	return nil
}

// Text strips markup and script fragments from free-text input and truncates
// it to the given maximum (maxTextLen when max <= 0).
func Text(text string, max int) string {
	if max <= 0 {
		max = maxTextLen
	}
	sanitized := scriptPattern.ReplaceAllString(text, "")
	sanitized = tagPattern.ReplaceAllString(sanitized, "")
	sanitized = jsProtoPattern.ReplaceAllString(sanitized, "")
	sanitized = eventAttrPattern.ReplaceAllString(sanitized, "")
	sanitized = strings.TrimSpace(sanitized)
	if len(sanitized) > max {
		// Back up to a rune boundary so the cut never leaves invalid UTF-8.
		cut := max
		for cut > 0 && !utf8.RuneStart(sanitized[cut]) {
			cut--
		}
		sanitized = sanitized[:cut]
	}
	return sanitized
}
