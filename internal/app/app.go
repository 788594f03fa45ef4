// Package app opens the backing services shared by the api, worker and
// clubctl binaries.
package app

import (
	"context"
	"crypto/rsa"
	"fmt"
	"os"

	"go.uber.org/zap"

	"clubapi/internal/auth"
	"clubapi/internal/cache"
	"clubapi/internal/config"
	"clubapi/internal/journal"
	"clubapi/internal/keyfetch"
	"clubapi/internal/queue"
	"clubapi/internal/store"
)

// OpenStore returns the configured document store. Mongo indexes are
// ensured before it is handed out.
func OpenStore(ctx context.Context, cfg config.App, log *zap.Logger) (store.Store, error) {
	switch cfg.StoreBackend {
	case "memory":
		log.Warn("using in-memory store, data is lost on exit")
		return store.NewMemory(), nil
	case "mongo":
		m, err := store.NewMongo(ctx, cfg.MongoURI, cfg.MongoDatabase, cfg.MongoTimeout)
		if err != nil {
			return nil, err
		}
		if err := m.EnsureIndexes(ctx); err != nil {
			_ = m.Close(context.Background())
			return nil, fmt.Errorf("ensure indexes: %w", err)
		}
		log.Info("mongo connected", zap.String("database", cfg.MongoDatabase))
		return m, nil
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
}

// Journal is an opened partial-write journal. Close releases the
// underlying connection, if any.
type Journal struct {
	journal.Store
	close func() error
}

func (j *Journal) Close() error {
	if j.close == nil {
		return nil
	}
	return j.close()
}

// OpenJournal returns the Postgres journal when DatabaseURL is set and an
// in-memory journal otherwise.
func OpenJournal(ctx context.Context, cfg config.App, log *zap.Logger) (*Journal, error) {
	if cfg.DatabaseURL == "" {
		log.Warn("DATABASE_URL not set, journal kept in memory")
		return &Journal{Store: journal.NewMemory()}, nil
	}
	db, err := store.NewDB(ctx, cfg.DatabaseURL, cfg.MongoTimeout)
	if err != nil {
		return nil, err
	}
	pg := journal.NewPostgres(db.Client)
	if err := pg.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	return &Journal{Store: pg, close: db.Close}, nil
}

// OpenQueue returns the repair queue. For the redis backend the client is
// returned too so callers can health check and close it.
func OpenQueue(ctx context.Context, cfg config.App, log *zap.Logger) (queue.Queue, *store.Redis, error) {
	if cfg.QueueBackend != "redis" {
		return queue.NewInMemory(64), nil, nil
	}
	rdb := store.NewRedis(cfg.RedisAddr)
	if err := rdb.Ping(ctx); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("redis ping: %w", err)
	}
	return queue.NewRedisQueue(rdb.Client, cfg.QueueKey, log), rdb, nil
}

// CacheConfig maps the environment settings onto cache policies.
func CacheConfig(c config.Cache) cache.Config {
	return cache.Config{
		Students:        cache.Policy{Size: c.StudentSize, TTL: c.StudentTTL},
		Teams:           cache.Policy{Size: c.TeamSize, TTL: c.TeamTTL},
		Clubs:           cache.Policy{Size: c.ClubSize, TTL: c.ClubTTL},
		Events:          cache.Policy{Size: c.EventSize, TTL: c.EventTTL},
		RefreshInterval: c.RefreshInterval,
	}
}

// Keys is the token key pair. Private is nil for processes that only
// verify.
type Keys struct {
	Private *rsa.PrivateKey
	Public  *rsa.PublicKey
}

// LoadKeys reads the signing key from JWTPrivateKeyFile. The verification
// key comes from JWTPublicKeyFile, then JWTPublicKeyURL, then the private
// key itself. Without a private key file a dev environment gets a fresh
// pair; anywhere else it is an error.
func LoadKeys(ctx context.Context, cfg config.App, log *zap.Logger) (Keys, error) {
	var keys Keys
	if cfg.JWTPrivateKeyFile != "" {
		data, err := os.ReadFile(cfg.JWTPrivateKeyFile)
		if err != nil {
			return Keys{}, fmt.Errorf("read private key: %w", err)
		}
		if keys.Private, err = auth.ParsePrivateKeyPEM(data); err != nil {
			return Keys{}, err
		}
	}

	switch {
	case cfg.JWTPublicKeyFile != "":
		data, err := os.ReadFile(cfg.JWTPublicKeyFile)
		if err != nil {
			return Keys{}, fmt.Errorf("read public key: %w", err)
		}
		if keys.Public, err = auth.ParsePublicKeyPEM(data); err != nil {
			return Keys{}, err
		}
	case cfg.JWTPublicKeyURL != "":
		pub, err := keyfetch.New(cfg.JWTPublicKeyURL).PublicKey(ctx)
		if err != nil {
			return Keys{}, err
		}
		keys.Public = pub
		log.Info("verification key fetched", zap.String("url", cfg.JWTPublicKeyURL))
	case keys.Private != nil:
		keys.Public = &keys.Private.PublicKey
	}

	if keys.Private != nil && keys.Public != nil {
		return keys, nil
	}
	if !cfg.IsDev() {
		return Keys{}, fmt.Errorf("JWT_PRIVATE_KEY_FILE required in %s", cfg.Env)
	}
	key, err := auth.GenerateKey()
	if err != nil {
		return Keys{}, err
	}
	log.Warn("no signing key configured, generated an ephemeral key pair; tokens will not survive a restart")
	return Keys{Private: key, Public: &key.PublicKey}, nil
}
