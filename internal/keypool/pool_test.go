package keypool

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/closeup/capgate/internal/quota"
)

func newTestPool(t *testing.T, tokens []string, limit int64) (*Pool, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { client.Close() })
	ledger := quota.New(client, quota.WithLimit(limit))
	p, err := New(tokens, ledger, client)
	require.NoError(t, err)
	return p, mr
}

func TestNewRejectsEmptyPool(t *testing.T) {
	_, err := New(nil, nil, nil)
	assert.ErrorIs(t, err, ErrNoCredentials)
}

func TestSelectRoundRobinThenExhausted(t *testing.T) {
	p, _ := newTestPool(t, []string{"key-a", "key-b"}, 2)
	ctx := context.Background()

	var got []int
	for i := 0; i < 4; i++ {
		c, ok := p.Select(ctx)
		require.True(t, ok, "selection %d", i)
		got = append(got, c.Index)
	}
	assert.Equal(t, []int{1, 0, 1, 0}, got)

	_, ok := p.Select(ctx)
	assert.False(t, ok)
}

func TestSelectFailsOverToNextCredential(t *testing.T) {
	p, mr := newTestPool(t, []string{"a", "b", "c"}, 1)
	ctx := context.Background()

	// Exhaust credential 1 so a cursor landing on it moves on to 2.
	require.NoError(t, mr.Set("capgate:quota:1", "1"))
	mr.SetTTL("capgate:quota:1", time.Minute)

	c, ok := p.Select(ctx)
	require.True(t, ok)
	assert.Equal(t, 2, c.Index)
}

func TestSelectRecoversAfterWindow(t *testing.T) {
	p, mr := newTestPool(t, []string{"a"}, 1)
	ctx := context.Background()

	_, ok := p.Select(ctx)
	require.True(t, ok)
	_, ok = p.Select(ctx)
	require.False(t, ok)

	mr.FastForward(61 * time.Second)

	c, ok := p.Select(ctx)
	assert.True(t, ok)
	assert.Equal(t, 0, c.Index)
}

func TestSelectFailsOpenWhenStoreDown(t *testing.T) {
	p, mr := newTestPool(t, []string{"a", "b", "c"}, 1)
	mr.Close()

	for i := 0; i < 5; i++ {
		c, ok := p.Select(context.Background())
		require.True(t, ok)
		assert.Equal(t, 0, c.Index)
	}
}

func TestCursorHasTTL(t *testing.T) {
	p, mr := newTestPool(t, []string{"a", "b"}, 10)
	_, ok := p.Select(context.Background())
	require.True(t, ok)
	assert.Equal(t, time.Hour, mr.TTL("capgate:rr_cursor"))
}

func TestReserve(t *testing.T) {
	p, mr := newTestPool(t, []string{"a", "b"}, 1)
	ctx := context.Background()

	assert.True(t, p.Reserve(ctx, 1))
	assert.False(t, p.Reserve(ctx, 1))

	mr.Close()
	assert.True(t, p.Reserve(ctx, 1))
}

func TestParseTokens(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, ParseTokens(" a, b,,c ,"))
	assert.Nil(t, ParseTokens(""))
}

func TestCredentialStringMasksToken(t *testing.T) {
	c := Credential{Index: 2, Token: "gsk_supersecret1234"}
	assert.Equal(t, "credential[2](****1234)", c.String())
	assert.NotContains(t, c.String(), "supersecret")
	assert.Equal(t, "****", Mask("abc"))
}
