package gramdb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// DB is the main database handle. It owns the four collections, the side
// store and the optional background services.
type DB struct {
	config      Config
	logger      *slog.Logger
	backend     StorageBackend
	ownsBackend bool

	side        *SideStore
	migrator    *Migrator
	collections map[string]*Collection
	replicator  *Replicator

	syncGroup singleflight.Group
	lifecycle *lifecycleManager

	closed atomic.Bool
	// ctx is cancelled by Close and bounds background work.
	ctx    context.Context
	cancel context.CancelFunc
}

// lifecycleManager manages background workers and the class server.
type lifecycleManager struct {
	db         *DB
	httpServer *httpServer
	wg         sync.WaitGroup
	mu         sync.Mutex
}

func (lm *lifecycleManager) startHTTP(cfg HTTPConfig) error {
	server, err := startHTTPServer(lm.db, cfg)
	if err != nil {
		return err
	}
	lm.mu.Lock()
	lm.httpServer = server
	lm.mu.Unlock()
	return nil
}

func (lm *lifecycleManager) startSyncLoop(interval time.Duration) {
	lm.wg.Add(1)
	go func() {
		defer lm.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-lm.db.ctx.Done():
				return
			case <-ticker.C:
				report, err := lm.db.Sync(lm.db.ctx)
				if err != nil && !errors.Is(err, ErrNoRemote) {
					lm.db.logger.Warn("background sync failed", "err", err)
				} else if report != nil && report.Failed() {
					lm.db.logger.Warn("background sync incomplete", "errors", len(report.Errors()))
				}
			}
		}
	}()
}

func (lm *lifecycleManager) stop() {
	lm.mu.Lock()
	if lm.httpServer != nil {
		_ = lm.httpServer.Close()
		lm.httpServer = nil
	}
	lm.mu.Unlock()
	lm.wg.Wait()
}

// Open opens or creates a database. Every stored document older than its
// collection's schema version is migrated before Open returns; any failing
// step aborts Open with a *MigrationError and nothing is written back.
//
//nolint:gocritic // cfg passed by value for API simplicity; callers typically construct inline
func Open(ctx context.Context, cfg Config) (*DB, error) {
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	backend, owns, err := cfg.openBackend(ctx)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	db := &DB{
		config:      cfg,
		logger:      cfg.Logger,
		backend:     backend,
		ownsBackend: owns,
		side:        NewSideStore(backend),
		migrator:    NewMigrator(cfg.JoinCode),
		collections: make(map[string]*Collection),
	}
	db.ctx, db.cancel = context.WithCancel(context.Background())
	db.lifecycle = &lifecycleManager{db: db}

	for _, name := range Collections() {
		schema, _ := SchemaFor(name)
		db.collections[name] = newCollection(db, schema, slices.Contains(cfg.Replication.PushCollections, name))
	}

	if err := db.load(ctx); err != nil {
		db.cancel()
		_ = db.closeBackend()
		return nil, err
	}

	db.replicator = newReplicator(db, cfg.Replication)

	if cfg.HTTP.Enabled {
		if err := db.lifecycle.startHTTP(cfg.HTTP); err != nil {
			db.cancel()
			_ = db.closeBackend()
			return nil, err
		}
	}
	if cfg.Replication.Interval > 0 {
		db.lifecycle.startSyncLoop(cfg.Replication.Interval)
	}
	return db, nil
}

type upgrade struct {
	collection *Collection
	doc        Document
}

// load reads every collection into memory, migrating old documents.
// Upgraded documents are written back only after all collections migrated.
func (db *DB) load(ctx context.Context) error {
	var upgrades []upgrade
	for _, name := range Collections() {
		coll := db.collections[name]
		keys, err := db.backend.List(ctx, name+"/")
		if err != nil {
			return fmt.Errorf("list %s: %w", name, err)
		}
		for _, key := range keys {
			id, ok := idFromKey(name, key)
			if !ok {
				continue
			}
			data, err := db.backend.Read(ctx, key)
			if err != nil {
				return fmt.Errorf("read %s: %w", key, err)
			}
			doc, version, err := decodeStored(data)
			if err != nil {
				return &MigrationError{Collection: name, DocumentID: id, FromVersion: 0, Cause: fmt.Errorf("corrupt document: %w", err)}
			}
			if doc.ID() == "" {
				doc["id"] = id
			}
			if version < coll.schema.Version {
				migrated, err := db.migrator.Migrate(name, doc, version)
				if err != nil {
					return err
				}
				doc = migrated
				upgrades = append(upgrades, upgrade{collection: coll, doc: doc})
			} else if version > coll.schema.Version {
				return &MigrationError{Collection: name, DocumentID: id, FromVersion: version,
					Cause: fmt.Errorf("stored version is newer than schema version %d", coll.schema.Version)}
			}
			coll.load(doc.ID(), doc)
		}
	}

	for _, u := range upgrades {
		if err := u.collection.persist(ctx, u.doc); err != nil {
			return err
		}
	}
	if len(upgrades) > 0 {
		db.logger.Info("migrated stored documents", "count", len(upgrades))
	}

	for _, name := range db.config.Replication.PushCollections {
		coll, ok := db.collections[name]
		if !ok {
			continue
		}
		ids, err := db.side.PendingIDs(ctx, name)
		if err != nil {
			return fmt.Errorf("load push queue for %s: %w", name, err)
		}
		coll.restorePending(ids)
	}
	return nil
}

// Close stops background services, cancels subscriptions and releases the
// storage backend when the database opened it.
func (db *DB) Close() error {
	if !db.closed.CompareAndSwap(false, true) {
		return nil
	}
	db.cancel()
	db.lifecycle.stop()
	for _, c := range db.collections {
		c.closeSubscriptions()
	}
	return db.closeBackend()
}

func (db *DB) closeBackend() error {
	if db.ownsBackend {
		return db.backend.Close()
	}
	return nil
}

func (db *DB) checkOpen() error {
	if db.closed.Load() {
		return ErrClosed
	}
	return nil
}

// Collection returns a collection by name.
func (db *DB) Collection(name string) (*Collection, error) {
	c, ok := db.collections[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCollection, name)
	}
	return c, nil
}

// Users returns the users collection.
func (db *DB) Users() *Collection { return db.collections[CollectionUsers] }

// Progress returns the progress collection.
func (db *DB) Progress() *Collection { return db.collections[CollectionProgress] }

// Content returns the content collection.
func (db *DB) Content() *Collection { return db.collections[CollectionContent] }

// Classes returns the classes collection.
func (db *DB) Classes() *Collection { return db.collections[CollectionClasses] }

// Side returns the device-local side store.
func (db *DB) Side() *SideStore { return db.side }

// Logger returns the database logger.
func (db *DB) Logger() *slog.Logger { return db.logger }

func (db *DB) now() time.Time { return db.config.Now() }

// Destroy deletes every collection document and all side state from
// backend. It is the recovery path after a *MigrationError.
func Destroy(ctx context.Context, backend StorageBackend) error {
	prefixes := append(Collections(), sidePrefix)
	var errs []error
	for _, p := range prefixes {
		if p != sidePrefix {
			p += "/"
		}
		keys, err := backend.List(ctx, p)
		if err != nil {
			errs = append(errs, fmt.Errorf("list %s: %w", p, err))
			continue
		}
		for _, k := range keys {
			if err := backend.Delete(ctx, k); err != nil {
				errs = append(errs, fmt.Errorf("delete %s: %w", k, err))
			}
		}
	}
	return errors.Join(errs...)
}
