package app

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"clubapi/internal/auth"
	"clubapi/internal/config"
	"clubapi/internal/journal"
	"clubapi/internal/queue"
	"clubapi/internal/store"
)

func writeKeyPair(t *testing.T) (privFile, pubFile string, pubPEM []byte) {
	t.Helper()
	key, err := auth.GenerateKey()
	require.NoError(t, err)

	dir := t.TempDir()
	privFile = filepath.Join(dir, "private.pem")
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	require.NoError(t, os.WriteFile(privFile, privPEM, 0o600))

	pubPEM, err = auth.EncodePublicKeyPEM(&key.PublicKey)
	require.NoError(t, err)
	pubFile = filepath.Join(dir, "public.pem")
	require.NoError(t, os.WriteFile(pubFile, pubPEM, 0o644))
	return privFile, pubFile, pubPEM
}

func TestOpenStoreMemory(t *testing.T) {
	s, err := OpenStore(context.Background(), config.App{StoreBackend: "memory"}, zap.NewNop())
	require.NoError(t, err)
	_, ok := s.(*store.Memory)
	assert.True(t, ok)
	assert.NoError(t, s.Ping(context.Background()))
}

func TestOpenStoreUnknownBackend(t *testing.T) {
	_, err := OpenStore(context.Background(), config.App{StoreBackend: "sqlite"}, zap.NewNop())
	assert.Error(t, err)
}

func TestOpenJournalWithoutDatabase(t *testing.T) {
	j, err := OpenJournal(context.Background(), config.App{}, zap.NewNop())
	require.NoError(t, err)
	_, ok := j.Store.(*journal.Memory)
	assert.True(t, ok)
	assert.NoError(t, j.Close())
}

func TestOpenQueueMemory(t *testing.T) {
	q, rdb, err := OpenQueue(context.Background(), config.App{QueueBackend: "memory"}, zap.NewNop())
	require.NoError(t, err)
	assert.Nil(t, rdb)
	_, ok := q.(*queue.InMemory)
	assert.True(t, ok)
}

func TestCacheConfig(t *testing.T) {
	got := CacheConfig(config.Cache{
		StudentSize: 1, StudentTTL: time.Minute,
		TeamSize: 2, TeamTTL: 2 * time.Minute,
		ClubSize: 3, ClubTTL: 3 * time.Minute,
		EventSize: 4, EventTTL: 4 * time.Minute,
		RefreshInterval: time.Hour,
	})
	assert.Equal(t, 1, got.Students.Size)
	assert.Equal(t, 2*time.Minute, got.Teams.TTL)
	assert.Equal(t, 3, got.Clubs.Size)
	assert.Equal(t, 4*time.Minute, got.Events.TTL)
	assert.Equal(t, time.Hour, got.RefreshInterval)
}

func TestLoadKeysFromFiles(t *testing.T) {
	priv, pub, _ := writeKeyPair(t)
	keys, err := LoadKeys(context.Background(), config.App{
		Env:               "production",
		JWTPrivateKeyFile: priv,
		JWTPublicKeyFile:  pub,
	}, zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, keys.Private)
	assert.True(t, keys.Private.PublicKey.Equal(keys.Public))
}

func TestLoadKeysDerivesPublicKey(t *testing.T) {
	priv, _, _ := writeKeyPair(t)
	keys, err := LoadKeys(context.Background(), config.App{Env: "production", JWTPrivateKeyFile: priv}, zap.NewNop())
	require.NoError(t, err)
	assert.True(t, keys.Private.PublicKey.Equal(keys.Public))
}

func TestLoadKeysFromURL(t *testing.T) {
	priv, _, pubPEM := writeKeyPair(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(pubPEM)
	}))
	defer srv.Close()

	keys, err := LoadKeys(context.Background(), config.App{
		Env:               "staging",
		JWTPrivateKeyFile: priv,
		JWTPublicKeyURL:   srv.URL,
	}, zap.NewNop())
	require.NoError(t, err)
	assert.True(t, keys.Private.PublicKey.Equal(keys.Public))
}

func TestLoadKeysDevGeneratesPair(t *testing.T) {
	keys, err := LoadKeys(context.Background(), config.App{Env: "dev"}, zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, keys.Private)
	assert.True(t, keys.Private.PublicKey.Equal(keys.Public))
}

func TestLoadKeysRequiredOutsideDev(t *testing.T) {
	_, err := LoadKeys(context.Background(), config.App{Env: "production"}, zap.NewNop())
	assert.ErrorContains(t, err, "JWT_PRIVATE_KEY_FILE")

	_, err = LoadKeys(context.Background(), config.App{Env: "production", JWTPrivateKeyFile: "/nonexistent/key.pem"}, zap.NewNop())
	assert.Error(t, err)
}
