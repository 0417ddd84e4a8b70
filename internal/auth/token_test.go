package auth

import (
	"database/sql"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

func mintToken(t *testing.T, exp time.Time) Credential {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "a@b.com",
		"exp": exp.Unix(),
	})
	signed, err := tok.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return Credential(signed)
}

func TestCredentialExpiry(t *testing.T) {
	valid := mintToken(t, time.Now().Add(time.Hour))
	require.False(t, valid.Expired())

	exp, err := valid.ExpiresAt()
	require.NoError(t, err)
	require.WithinDuration(t, time.Now().Add(time.Hour), exp, 5*time.Second)
}

func TestExpiredCredential(t *testing.T) {
	expired := mintToken(t, time.Now().Add(-time.Minute))
	require.True(t, expired.Expired())
}

func TestMalformedCredentialIsExpired(t *testing.T) {
	require.True(t, Credential("not-a-jwt").Expired())
	require.True(t, Credential("").Expired())
}

func TestCredentialWithoutExpiryClaim(t *testing.T) {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "a@b.com"})
	signed, err := tok.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	require.True(t, Credential(signed).Expired())
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`CREATE TABLE credentials (slot TEXT PRIMARY KEY, token TEXT NOT NULL)`)
	require.NoError(t, err)
	return db
}

func TestSQLiteStoreLifecycle(t *testing.T) {
	store := NewSQLiteStore(openTestDB(t), "userToken")

	_, held, err := store.Get()
	require.NoError(t, err)
	require.False(t, held)

	cred := mintToken(t, time.Now().Add(time.Hour))
	require.NoError(t, store.Set(cred))

	got, held, err := store.Get()
	require.NoError(t, err)
	require.True(t, held)
	require.Equal(t, cred, got)

	// Overwrite the slot, then clear it.
	other := mintToken(t, time.Now().Add(2*time.Hour))
	require.NoError(t, store.Set(other))
	got, _, err = store.Get()
	require.NoError(t, err)
	require.Equal(t, other, got)

	require.NoError(t, store.Clear())
	_, held, err = store.Get()
	require.NoError(t, err)
	require.False(t, held)
}

func TestMemoryStoreLifecycle(t *testing.T) {
	store := NewMemoryStore()

	_, held, err := store.Get()
	require.NoError(t, err)
	require.False(t, held)

	require.NoError(t, store.Set("tok"))
	got, held, err := store.Get()
	require.NoError(t, err)
	require.True(t, held)
	require.Equal(t, Credential("tok"), got)

	require.NoError(t, store.Clear())
	_, held, err = store.Get()
	require.NoError(t, err)
	require.False(t, held)
}
