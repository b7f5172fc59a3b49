package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStore_TokenRoundtrip(t *testing.T) {
	store := openStore(t)

	rec, err := store.GetToken("github")
	require.NoError(t, err)
	assert.Nil(t, rec, "missing token reads as nil")

	require.NoError(t, store.SaveToken("github", &TokenRecord{
		AccessToken:  "at",
		RefreshToken: "rt",
		TokenType:    "Bearer",
		ExpiresAt:    time.Now().Add(time.Hour).Truncate(time.Second),
		Scopes:       []string{"repo"},
	}))

	rec, err = store.GetToken("github")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "at", rec.AccessToken)
	assert.Equal(t, []string{"repo"}, rec.Scopes)
	assert.False(t, rec.Updated.IsZero(), "save stamps the record")

	require.NoError(t, store.DeleteToken("github"))
	rec, err = store.GetToken("github")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestStore_RegistrationRoundtrip(t *testing.T) {
	store := openStore(t)

	require.NoError(t, store.SaveRegistration("https://rs.example/mcp", &RegistrationRecord{
		ClientID:              "cid",
		AuthorizationEndpoint: "https://as.example/authorize",
		TokenEndpoint:         "https://as.example/token",
		Resource:              "https://rs.example/mcp",
		RegisteredAt:          time.Now(),
	}))

	reg, err := store.GetRegistration("https://rs.example/mcp")
	require.NoError(t, err)
	require.NotNil(t, reg)
	assert.Equal(t, "cid", reg.ClientID)

	require.NoError(t, store.DeleteRegistration("https://rs.example/mcp"))
	reg, err = store.GetRegistration("https://rs.example/mcp")
	require.NoError(t, err)
	assert.Nil(t, reg)
}

func TestStore_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, store.SaveToken("srv", &TokenRecord{AccessToken: "at"}))
	require.NoError(t, store.Close())

	reopened, err := Open(dir, zap.NewNop())
	require.NoError(t, err)
	defer reopened.Close()

	rec, err := reopened.GetToken("srv")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "at", rec.AccessToken)
}

func TestTokenRecord_Expired(t *testing.T) {
	assert.False(t, (&TokenRecord{}).Expired(time.Minute), "no expiry means valid")
	assert.False(t, (&TokenRecord{ExpiresAt: time.Now().Add(time.Hour)}).Expired(time.Minute))
	assert.True(t, (&TokenRecord{ExpiresAt: time.Now().Add(30 * time.Second)}).Expired(time.Minute), "inside the buffer")
	assert.True(t, (&TokenRecord{ExpiresAt: time.Now().Add(-time.Second)}).Expired(0))
}
