package store

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"pemss/internal/config"
	"pemss/internal/docstore"
)

// Backends are the connections selected by configuration. Fields for
// backends that are not in use stay nil.
type Backends struct {
	Docs     docstore.Store
	DB       *DB
	Redis    *Redis
	Firebase *Firebase
}

// Open connects the document store, plus Redis and Firebase when the queue
// or auth configuration needs them.
func Open(ctx context.Context, cfg config.App, log *zap.Logger) (*Backends, error) {
	b := &Backends{}
	ok := false
	defer func() {
		if !ok {
			b.Close()
		}
	}()

	needFirebase := cfg.DocstoreBackend == "firestore" || cfg.AuthMode == "firebase"
	if needFirebase {
		fb, err := NewFirebase(ctx, cfg.FirebaseProjectID, cfg.FirebaseCredentials)
		if err != nil {
			return nil, err
		}
		b.Firebase = fb
	}

	switch cfg.DocstoreBackend {
	case "memory":
		b.Docs = docstore.NewMemory()
	case "postgres", "sqlite":
		var (
			db  *DB
			err error
		)
		if cfg.DocstoreBackend == "postgres" {
			db, err = NewDB(ctx, cfg.DatabaseURL)
		} else {
			db, err = NewSQLite(ctx, cfg.SQLitePath)
		}
		if err != nil {
			return nil, err
		}
		b.DB = db
		docs, err := docstore.NewSQL(ctx, db.Client, cfg.DocstorePoll)
		if err != nil {
			return nil, fmt.Errorf("init sql docstore: %w", err)
		}
		b.Docs = docs
	case "firestore":
		b.Docs = docstore.NewFirestore(b.Firebase.Firestore)
	default:
		return nil, fmt.Errorf("unknown docstore backend %q", cfg.DocstoreBackend)
	}

	if cfg.QueueBackend == "redis" {
		b.Redis = NewRedis(cfg.RedisAddr)
		if !b.Redis.Healthy(ctx) {
			log.Warn("redis not reachable yet", zap.String("addr", cfg.RedisAddr))
		}
	}

	log.Info("backends ready",
		zap.String("docstore", cfg.DocstoreBackend),
		zap.Bool("redis", b.Redis != nil),
		zap.Bool("firebase", b.Firebase != nil))
	ok = true
	return b, nil
}

// Health reports each open backend.
func (b *Backends) Health(ctx context.Context) map[string]bool {
	out := map[string]bool{}
	if b.DB != nil {
		out["db"] = b.DB.Healthy(ctx)
	}
	if b.Redis != nil {
		out["redis"] = b.Redis.Healthy(ctx)
	}
	return out
}

// Close releases every open connection.
func (b *Backends) Close() {
	_ = b.Redis.Close()
	_ = b.DB.Close()
	_ = b.Firebase.Close()
}
