package credits

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/lexd/internal/config"
	"github.com/fyrsmithlabs/lexd/internal/intent"
	"github.com/fyrsmithlabs/lexd/internal/store"
)

func newGate(t *testing.T) (*Gate, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "lexd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	g, err := NewGate(st, config.CreditsConfig{BaseCost: 2, LengthThreshold: 100, ConfidenceThreshold: 0.4}, nil)
	require.NoError(t, err)
	return g, st
}

func TestCost(t *testing.T) {
	g, _ := newGate(t)
	assert.Equal(t, 1, g.Cost(intent.Conversational, "merhaba"))
	assert.Equal(t, 1, g.Cost(intent.Ambiguous, "kira sözleşmesi feshi"))
	assert.Equal(t, 3, g.Cost(intent.LegalQuestion, "Kıdem tazminatı nasıl hesaplanır?"))
	assert.Equal(t, 3, g.Cost(intent.LegalQuestion, strings.Repeat("ş", 100)), "runes, not bytes")
	assert.Equal(t, 4, g.Cost(intent.LegalQuestion, strings.Repeat("a", 101)))
}

func TestCheck(t *testing.T) {
	ctx := context.Background()
	g, st := newGate(t)
	_, err := st.CreateAccount(ctx, "ayse", 2, false)
	require.NoError(t, err)
	_, err = st.CreateAccount(ctx, "admin", 0, true)
	require.NoError(t, err)

	_, err = g.Check(ctx, "ayse", 2)
	require.NoError(t, err)

	_, err = g.Check(ctx, "ayse", 3)
	var cie *CreditInsufficientError
	require.ErrorAs(t, err, &cie)
	assert.Equal(t, 3, cie.Required)
	assert.Equal(t, 2, cie.Balance)

	_, err = g.Check(ctx, "admin", 1000)
	require.NoError(t, err)

	_, err = g.Check(ctx, "nobody", 1)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestSettle(t *testing.T) {
	ctx := context.Background()
	g, st := newGate(t)
	_, err := st.CreateAccount(ctx, "ayse", 10, false)
	require.NoError(t, err)

	s, err := g.Settle(ctx, "ayse", 3, 0.8, "q-1")
	require.NoError(t, err)
	assert.Equal(t, &Settlement{Cost: 3, Charged: 3, Balance: 7}, s)

	s, err = g.Settle(ctx, "ayse", 3, 0.39, "q-2")
	require.NoError(t, err)
	assert.True(t, s.LowConfidence)
	assert.Zero(t, s.Charged)
	assert.Equal(t, 3, s.Cost)

	s, err = g.SettleTemplated(ctx, "ayse", "q-3")
	require.NoError(t, err)
	assert.Equal(t, 1, s.Charged)
	assert.Equal(t, 6, s.Balance)

	acct, err := st.GetAccount(ctx, "ayse")
	require.NoError(t, err)
	assert.Equal(t, 6, acct.Balance)

	ledger, err := st.Ledger(ctx, "ayse", 10)
	require.NoError(t, err)
	require.Len(t, ledger, 3, "opening balance plus two charges")
	assert.Equal(t, "q-3", ledger[0].QueryRef)
	assert.Equal(t, -3, ledger[1].Amount)
}

func TestSettle_Admin(t *testing.T) {
	ctx := context.Background()
	g, st := newGate(t)
	_, err := st.CreateAccount(ctx, "admin", 0, true)
	require.NoError(t, err)

	s, err := g.Settle(ctx, "admin", 5, 0.9, "q")
	require.NoError(t, err)
	assert.True(t, s.Admin)
	assert.Equal(t, 5, s.Cost)
	assert.Zero(t, s.Charged)
}

func TestSettle_ConcurrentDrain(t *testing.T) {
	ctx := context.Background()
	g, st := newGate(t)
	_, err := st.CreateAccount(ctx, "ayse", 5, false)
	require.NoError(t, err)

	var (
		wg           sync.WaitGroup
		mu           sync.Mutex
		charged      int
		insufficient int
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := g.Settle(ctx, "ayse", 2, 0.9, "")
			mu.Lock()
			defer mu.Unlock()
			var cie *CreditInsufficientError
			switch {
			case err == nil:
				charged++
			case assert.ErrorAs(t, err, &cie):
				insufficient++
				assert.ErrorIs(t, err, store.ErrInsufficientBalance)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 2, charged)
	assert.Equal(t, 2, insufficient)
	acct, err := st.GetAccount(ctx, "ayse")
	require.NoError(t, err)
	assert.Equal(t, 1, acct.Balance)
}

func TestNewGate_Validation(t *testing.T) {
	_, err := NewGate(nil, config.CreditsConfig{LengthThreshold: 1}, nil)
	require.Error(t, err)
	_, st := newGate(t)
	_, err = NewGate(st, config.CreditsConfig{BaseCost: 1}, nil)
	require.Error(t, err)
}
