package guard

import (
	"context"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/require"
)

func TestAgentName(t *testing.T) {
	name, err := AgentName("agent://NexusAir")
	require.NoError(t, err)
	require.Equal(t, "nexusair", name)

	_, err = AgentName("ab")
	require.Error(t, err)

	_, err = AgentName("bad..name")
	require.Error(t, err)

	_, err = AgentName("admin.panel")
	require.Error(t, err)

	_, err = AgentName("has spaces")
	require.Error(t, err)
}

func TestWallet(t *testing.T) {
	addr, err := Wallet(" 0x00000000000000000000000000000000000000aa ")
	require.NoError(t, err)
	require.Equal(t, "0x00000000000000000000000000000000000000Aa", addr)

	_, err = Wallet("not-a-wallet")
	require.Error(t, err)
}

func TestAmount(t *testing.T) {
	amt, err := Amount(10.1234567894)
	require.NoError(t, err)
	require.Equal(t, 10.123456789, amt)

	_, err = Amount(0)
	require.Error(t, err)

	_, err = Amount(-3)
	require.Error(t, err)

	_, err = Amount(2_000_000)
	require.Error(t, err)
}

func TestText(t *testing.T) {
	clean := Text(`<script>alert(1)</script>hello <b>world</b>`, 0)
	require.Equal(t, "hello world", clean)

	long := Text(string(make([]byte, 600)), 10)
	require.LessOrEqual(t, len(long), 10)
}

func TestTextTruncatesOnRuneBoundary(t *testing.T) {
	// "héllo" is 6 bytes; cutting at 2 lands mid-rune and must back up.
	clean := Text("héllo", 2)
	require.Equal(t, "h", clean)
	require.True(t, utf8.ValidString(clean))

	// A cut that already falls on a boundary keeps the whole prefix.
	clean = Text("héllo", 3)
	require.Equal(t, "hé", clean)
	require.True(t, utf8.ValidString(Text(strings.Repeat("é", 300), 0)))
}

func TestRateLimiterWindow(t *testing.T) {
	store := &MemoryStore{entries: make(map[string]*memoryEntry), nowFn: time.Now}
	rl := NewRateLimiter(store, map[string]Limit{"review": {Requests: 2, Window: time.Minute}})

	ctx := context.Background()
	first := rl.Allow(ctx, "review", "wallet-a")
	require.True(t, first.Allowed)
	require.Equal(t, 1, first.Remaining)

	second := rl.Allow(ctx, "review", "wallet-a")
	require.True(t, second.Allowed)
	require.Equal(t, 0, second.Remaining)

	third := rl.Allow(ctx, "review", "wallet-a")
	require.False(t, third.Allowed)

	// Another identity has its own window.
	other := rl.Allow(ctx, "review", "wallet-b")
	require.True(t, other.Allowed)
}

func TestRateLimiterWindowReset(t *testing.T) {
	now := time.Unix(1000, 0)
	store := &MemoryStore{entries: make(map[string]*memoryEntry), nowFn: func() time.Time { return now }}
	rl := NewRateLimiter(store, map[string]Limit{"default": {Requests: 1, Window: time.Minute}})

	ctx := context.Background()
	require.True(t, rl.Allow(ctx, "default", "id").Allowed)
	require.False(t, rl.Allow(ctx, "default", "id").Allowed)

	now = now.Add(61 * time.Second)
	require.True(t, rl.Allow(ctx, "default", "id").Allowed)
}
