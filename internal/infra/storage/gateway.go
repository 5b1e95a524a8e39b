package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/cespare/xxhash/v2"
	"github.com/glebarez/sqlite"
	"github.com/sourcegraph/conc"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"trader_go/internal/domain"
	"trader_go/internal/infra"
)

var errClosed = errors.New("storage: gateway closed")

// Option configures a Gateway.
type Option func(*Gateway)

// WithMetrics overrides infra.GlobalMetrics.
func WithMetrics(m *infra.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

type saveJob struct {
	entityType domain.EntityType
	id         string
	data       []byte
	version    uint64
	attempt    int
}

func (j saveJob) key() string {
	return string(j.entityType) + "/" + j.id
}

// Gateway stores every entity as a JSON document in one gorm table.
// Synchronous calls surface errors; AsyncSave queues the write and retries it
// in the background.
type Gateway struct {
	db      *gorm.DB
	cfg     infra.StorageConfig
	metrics *infra.Metrics
	log     *slog.Logger

	queues  []chan saveJob // one per worker, keyed by entity key
	quit    chan struct{}
	wg      conc.WaitGroup
	pending atomic.Int64
	closing atomic.Bool
	once    sync.Once

	verMu    sync.Mutex
	versions map[string]*keyVersion
	nextVer  uint64
}

// keyVersion tracks the newest write of one entity and how many of its
// writes are still queued or retrying.
type keyVersion struct {
	latest   uint64
	inflight int
}

var _ domain.Repository = (*Gateway)(nil)

// Open connects to the configured database, migrates the schema and starts
// the async save workers.
func Open(cfg infra.StorageConfig, opts ...Option) (*Gateway, error) {
	dialector, err := dialect(cfg)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if cfg.Driver == infra.DriverSQLite {
		// One writer at a time; also keeps an in-memory database on a single connection.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := db.AutoMigrate(&domain.EntityRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return newGateway(db, cfg, opts...), nil
}

func dialect(cfg infra.StorageConfig) (gorm.Dialector, error) {
	switch cfg.Driver {
	case "", infra.DriverSQLite:
		dsn := cfg.DSN
		if dsn == "" {
			dsn = "trader.db"
		}
		if !strings.HasPrefix(dsn, "file:") {
			if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
				return nil, fmt.Errorf("failed to create DB directory: %w", err)
			}
		}
		return sqlite.Open(dsn), nil
	case infra.DriverPostgres:
		return postgres.Open(cfg.DSN), nil
	default:
		return nil, &domain.ConfigError{Field: "storage.driver", Err: fmt.Errorf("unknown driver %q", cfg.Driver)}
	}
}

func newGateway(db *gorm.DB, cfg infra.StorageConfig, opts ...Option) *Gateway {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.AsyncQueueSize <= 0 {
		cfg.AsyncQueueSize = 1024
	}
	if cfg.SaveTimeoutMS <= 0 {
		cfg.SaveTimeoutMS = 5000
	}

	g := &Gateway{
		db:       db,
		cfg:      cfg,
		metrics:  infra.GlobalMetrics,
		log:      slog.Default().With(slog.String("module", "storage")),
		queues:   make([]chan saveJob, cfg.Workers),
		quit:     make(chan struct{}),
		versions: make(map[string]*keyVersion),
	}
	for _, opt := range opts {
		opt(g)
	}
	perWorker := max(cfg.AsyncQueueSize/cfg.Workers, 1)
	for i := range g.queues {
		q := make(chan saveJob, perWorker)
		g.queues[i] = q
		g.wg.Go(func() { g.worker(q) })
	}
	return g
}

// Load returns the stored document or an error matching domain.ErrNotFound.
func (g *Gateway) Load(ctx context.Context, et domain.EntityType, id string) ([]byte, error) {
	return load(g.db.WithContext(ctx), et, id)
}

func load(db *gorm.DB, et domain.EntityType, id string) ([]byte, error) {
	var rec domain.EntityRecord
	err := db.Where("entity_type = ? AND id = ?", et, id).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.Errorf(domain.ErrCodeNotFound, "%s %s not found", et, id)
	}
	if err != nil {
		return nil, domain.NewTradeError(domain.ErrCodeLoadFailed, fmt.Sprintf("load %s %s", et, id), err)
	}
	return rec.Data, nil
}

// Save upserts data synchronously.
func (g *Gateway) Save(ctx context.Context, et domain.EntityType, id string, data []byte) error {
	return save(g.db.WithContext(ctx), et, id, data)
}

func save(db *gorm.DB, et domain.EntityType, id string, data []byte) error {
	rec := domain.EntityRecord{EntityType: et, ID: id, Data: data}
	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "entity_type"}, {Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"data", "updated_at"}),
	}).Create(&rec).Error
	if err != nil {
		return domain.NewTradeError(domain.ErrCodeSaveFailed, fmt.Sprintf("save %s %s", et, id), err)
	}
	return nil
}

// AsyncSave encodes obj now and writes it in the background. Writes of the
// same entity are applied in call order; a queued write superseded by a newer
// one for the same entity is skipped. Failures are retried with backoff up to
// MaxRetries and then dropped.
func (g *Gateway) AsyncSave(et domain.EntityType, id string, obj any) {
	data, err := json.Marshal(obj)
	if err != nil {
		g.metrics.RecordError()
		g.log.Error("Async save encode failed", slog.String("entity", string(et)), slog.String("id", id), slog.Any("error", err))
		return
	}
	if g.closing.Load() {
		g.metrics.RecordPersistDropped()
		g.log.Warn("Async save after close dropped", slog.String("entity", string(et)), slog.String("id", id))
		return
	}

	job := saveJob{entityType: et, id: id, data: data}
	g.verMu.Lock()
	g.nextVer++
	job.version = g.nextVer
	kv := g.versions[job.key()]
	if kv == nil {
		kv = &keyVersion{}
		g.versions[job.key()] = kv
	}
	kv.latest = job.version
	kv.inflight++
	g.verMu.Unlock()

	g.pending.Add(1)
	select {
	case g.queueFor(job) <- job:
	case <-g.quit:
		g.done(job)
		g.metrics.RecordPersistDropped()
	}
}

func (g *Gateway) queueFor(job saveJob) chan saveJob {
	return g.queues[xxhash.Sum64String(job.key())%uint64(len(g.queues))]
}

func (g *Gateway) worker(q <-chan saveJob) {
	for {
		select {
		case job := <-q:
			g.process(job)
		case <-g.quit:
			return
		}
	}
}

func (g *Gateway) process(job saveJob) {
	if g.superseded(job) {
		g.done(job)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(g.cfg.SaveTimeoutMS)*time.Millisecond)
	err := g.Save(ctx, job.entityType, job.id, job.data)
	cancel()
	if err == nil {
		g.done(job)
		return
	}

	job.attempt++
	if job.attempt > g.cfg.MaxRetries {
		g.metrics.RecordPersistDropped()
		g.log.Error("Async save dropped after retries",
			slog.String("entity", string(job.entityType)),
			slog.String("id", job.id),
			slog.Int("attempts", job.attempt),
			slog.Any("error", err),
		)
		g.done(job)
		return
	}

	delay := g.cfg.Backoff.Next(job.attempt)
	g.metrics.RecordPersistRetry()
	g.log.Warn("Async save failed, retrying",
		slog.String("entity", string(job.entityType)),
		slog.String("id", job.id),
		slog.Int("attempt", job.attempt),
		slog.Duration("delay", delay),
		slog.Any("error", err),
	)
	time.AfterFunc(delay, func() {
		select {
		case g.queueFor(job) <- job:
		case <-g.quit:
			g.metrics.RecordPersistDropped()
			g.done(job)
		}
	})
}

func (g *Gateway) superseded(job saveJob) bool {
	g.verMu.Lock()
	defer g.verMu.Unlock()
	kv := g.versions[job.key()]
	return kv != nil && kv.latest > job.version
}

func (g *Gateway) done(job saveJob) {
	g.verMu.Lock()
	if kv := g.versions[job.key()]; kv != nil {
		if kv.inflight--; kv.inflight <= 0 {
			delete(g.versions, job.key())
		}
	}
	g.verMu.Unlock()
	g.pending.Add(-1)
}

// Pending reports queued or retrying async saves.
func (g *Gateway) Pending() int64 {
	return g.pending.Load()
}

// Flush waits until every async save accepted so far has finished.
func (g *Gateway) Flush(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for g.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			return fmt.Errorf("flush with %d saves pending: %w", g.pending.Load(), ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}

// Close stops accepting async saves, drains the queue until ctx expires and
// closes the database.
func (g *Gateway) Close(ctx context.Context) error {
	var flushErr error
	g.once.Do(func() {
		g.closing.Store(true)
		flushErr = g.Flush(ctx)
		if flushErr != nil {
			g.log.Error("Closing with unsaved entities", slog.Int64("pending", g.pending.Load()), slog.Any("error", flushErr))
		}
		close(g.quit)
		g.wg.Wait()
		if sqlDB, err := g.db.DB(); err == nil {
			if err := sqlDB.Close(); err != nil && flushErr == nil {
				flushErr = err
			}
		}
	})
	return flushErr
}

// Search returns the records of one entity type matching query, ordered by id.
func (g *Gateway) Search(ctx context.Context, et domain.EntityType, query domain.SearchQuery) (domain.Iterator, error) {
	if g.closing.Load() {
		return nil, domain.NewTradeError(domain.ErrCodeLoadFailed, "search", errClosed)
	}
	q := g.db.WithContext(ctx).Model(&domain.EntityRecord{}).Where("entity_type = ?", et)
	if query.IDPrefix != "" {
		q = q.Where("substr(id, 1, ?) = ?", utf8.RuneCountInString(query.IDPrefix), query.IDPrefix)
	}
	if !query.Since.IsZero() {
		q = q.Where("updated_at >= ?", query.Since)
	}
	if query.Limit > 0 {
		q = q.Limit(query.Limit)
	}
	rows, err := q.Order("id").Rows()
	if err != nil {
		return nil, domain.NewTradeError(domain.ErrCodeLoadFailed, fmt.Sprintf("search %s", et), err)
	}
	return &rowIterator{db: g.db, rows: rows}, nil
}

type rowIterator struct {
	db   *gorm.DB
	rows *sql.Rows
	cur  domain.EntityRecord
	err  error
}

func (it *rowIterator) Next() bool {
	if it.err != nil || !it.rows.Next() {
		return false
	}
	it.cur = domain.EntityRecord{}
	if err := it.db.ScanRows(it.rows, &it.cur); err != nil {
		it.err = err
		return false
	}
	return true
}

func (it *rowIterator) ID() string   { return it.cur.ID }
func (it *rowIterator) Data() []byte { return it.cur.Data }

func (it *rowIterator) Err() error {
	if it.err != nil {
		return it.err
	}
	return it.rows.Err()
}

func (it *rowIterator) Close() error {
	return it.rows.Close()
}

// BeginTransaction opens a transaction. A read-only transaction refuses saves
// and always rolls back.
func (g *Gateway) BeginTransaction(ctx context.Context, readOnly bool) (domain.Tx, error) {
	tx := g.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, domain.NewTradeError(domain.ErrCodeLoadFailed, "begin transaction", tx.Error)
	}
	return &Tx{tx: tx, readOnly: readOnly}, nil
}

// Tx is a gorm transaction over entity records.
type Tx struct {
	tx       *gorm.DB
	readOnly bool
	ended    bool
}

func (t *Tx) Load(et domain.EntityType, id string) ([]byte, error) {
	if t.ended {
		return nil, domain.NewTradeError(domain.ErrCodeLoadFailed, "load", errors.New("transaction ended"))
	}
	return load(t.tx, et, id)
}

func (t *Tx) Save(et domain.EntityType, id string, data []byte) error {
	switch {
	case t.ended:
		return domain.NewTradeError(domain.ErrCodeSaveFailed, "save", errors.New("transaction ended"))
	case t.readOnly:
		return domain.NewTradeError(domain.ErrCodeSaveFailed, "save", errors.New("read-only transaction"))
	}
	return save(t.tx, et, id, data)
}

// End commits or rolls back. Read-only transactions always roll back.
func (t *Tx) End(commit bool) error {
	if t.ended {
		return nil
	}
	t.ended = true
	if commit && !t.readOnly {
		if err := t.tx.Commit().Error; err != nil {
			return domain.NewTradeError(domain.ErrCodeSaveFailed, "commit", err)
		}
		return nil
	}
	return t.tx.Rollback().Error
}
