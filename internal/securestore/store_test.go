package securestore

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/culinachef/subscription-go/internal/crypto"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	mgr, err := crypto.NewManager(dir)
	require.NoError(t, err)
	store, err := New(dir, mgr)
	require.NoError(t, err)
	return store, dir
}

func TestLoad_MissingFile(t *testing.T) {
	store, _ := newTestStore(t)

	facts, err := store.Load()
	require.NoError(t, err)
	assert.Nil(t, facts.LastPayment)
	assert.Nil(t, facts.PeriodEnd)
	assert.False(t, facts.AutoRenew)
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	store, _ := newTestStore(t)

	lastPayment := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	periodEnd := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.Save(Facts{
		LastPayment: &lastPayment,
		PeriodEnd:   &periodEnd,
		AutoRenew:   true,
	}))

	facts, err := store.Load()
	require.NoError(t, err)
	require.NotNil(t, facts.LastPayment)
	require.NotNil(t, facts.PeriodEnd)
	assert.True(t, facts.LastPayment.Equal(lastPayment))
	assert.True(t, facts.PeriodEnd.Equal(periodEnd))
	assert.True(t, facts.AutoRenew)
}

func TestSave_EncryptedAtRest(t *testing.T) {
	store, dir := newTestStore(t)

	periodEnd := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.Save(Facts{PeriodEnd: &periodEnd, AutoRenew: true}))

	raw, err := os.ReadFile(filepath.Join(dir, stateFileName))
	require.NoError(t, err)
	assert.False(t, strings.Contains(string(raw), "subscription_period_end"),
		"state file must not contain plaintext field names")
}

func TestSave_NoTempFileLeftBehind(t *testing.T) {
	store, dir := newTestStore(t)
	require.NoError(t, store.Save(Facts{AutoRenew: true}))

	_, err := os.Stat(filepath.Join(dir, stateFileName+".tmp"))
	assert.True(t, os.IsNotExist(err))
}

func TestClear(t *testing.T) {
	store, _ := newTestStore(t)

	periodEnd := time.Now().Add(time.Hour)
	require.NoError(t, store.Save(Facts{PeriodEnd: &periodEnd, AutoRenew: true}))
	require.NoError(t, store.Clear())

	facts, err := store.Load()
	require.NoError(t, err)
	assert.Nil(t, facts.PeriodEnd)
	assert.False(t, facts.AutoRenew)

	// Clearing an already-empty store is not an error.
	require.NoError(t, store.Clear())
}
