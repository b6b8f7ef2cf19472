package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"settlechain/core/events"
	"settlechain/observability"
)

const (
	defaultQueueSize = 1024
	defaultBatchSize = 64
	sinkName         = "eventstore"
)

var ErrClosed = errors.New("eventstore: closed")

// Event is the persisted form of a committed escrow event.
type Event struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	Sequence   uint64    `gorm:"uniqueIndex;not null"`
	Height     uint64    `gorm:"index"`
	Type       string    `gorm:"index;size:64;not null"`
	EscrowID   uint64    `gorm:"index"`
	Attributes string    `gorm:"type:text"`
	EmittedAt  time.Time `gorm:"index"`
	CreatedAt  time.Time
}

// TableName pins the table name independent of the struct name.
func (Event) TableName() string { return "escrow_events" }

// Open connects to dsn. postgres:// and postgresql:// URLs and key=value DSNs
// containing host= use the postgres driver; anything else is a sqlite DSN.
func Open(dsn string) (*gorm.DB, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, fmt.Errorf("eventstore: dsn required")
	}
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	var dialector gorm.Dialector
	if isPostgres(trimmed) {
		dialector = postgres.Open(trimmed)
	} else {
		dialector = sqlite.Open(trimmed)
	}
	db, err := gorm.Open(dialector, cfg)
	if err != nil {
		return nil, fmt.Errorf("eventstore: open: %w", err)
	}
	return db, nil
}

func isPostgres(dsn string) bool {
	lower := strings.ToLower(dsn)
	return strings.HasPrefix(lower, "postgres://") ||
		strings.HasPrefix(lower, "postgresql://") ||
		strings.Contains(lower, "host=")
}

// AutoMigrate creates or updates the event table.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Event{})
}

// Store archives committed event records. Sequences are assigned upstream by
// the events.Recorder, so the archive and the live stream share one cursor
// space. Append never blocks the node: records are queued and a worker writes
// them in batches. When the queue is full the record is dropped and counted as
// a sink failure.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger

	mu      sync.Mutex
	closed  bool
	queue   chan Event
	pending sync.WaitGroup
	done    chan struct{}
}

// Option mutates store configuration.
type Option func(*Store)

// WithLogger sets the logger used for write failures.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithQueueSize bounds the number of events waiting to be written.
func WithQueueSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.queue = make(chan Event, n)
		}
	}
}

// New migrates db and starts the writer.
func New(db *gorm.DB, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("eventstore: db required")
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("eventstore: migrate: %w", err)
	}
	s := &Store{
		db:     db,
		logger: slog.Default(),
		queue:  make(chan Event, defaultQueueSize),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", sinkName)
	go s.worker()
	return s, nil
}

// LastSequence returns the highest archived sequence, or zero for an empty
// archive. The recorder resumes numbering after it on startup.
func (s *Store) LastSequence(ctx context.Context) (uint64, error) {
	var maxSeq uint64
	if err := s.db.WithContext(ctx).Model(&Event{}).Select("COALESCE(MAX(sequence), 0)").Scan(&maxSeq).Error; err != nil {
		return 0, fmt.Errorf("eventstore: load sequence: %w", err)
	}
	return maxSeq, nil
}

// Append implements events.RecordSink.
func (s *Store) Append(rec events.Record) {
	if s == nil || rec.Sequence == 0 {
		return
	}
	attrs, err := json.Marshal(rec.Attributes)
	if err != nil {
		observability.Events().RecordSinkFailure(sinkName)
		return
	}
	var escrowID uint64
	if raw, ok := rec.Attributes["id"]; ok {
		escrowID, _ = strconv.ParseUint(raw, 10, 64)
	}
	row := Event{
		ID:         uuid.New(),
		Sequence:   rec.Sequence,
		Height:     rec.Height,
		Type:       rec.Type,
		EscrowID:   escrowID,
		Attributes: string(attrs),
		EmittedAt:  rec.Time.UTC(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		observability.Events().RecordSinkFailure(sinkName)
		return
	}
	s.pending.Add(1)
	select {
	case s.queue <- row:
	default:
		s.pending.Done()
		observability.Events().RecordSinkFailure(sinkName)
		s.logger.Warn("event queue full; dropping event", "type", row.Type, "sequence", row.Sequence)
	}
}

func (s *Store) worker() {
	defer close(s.done)
	batch := make([]Event, 0, defaultBatchSize)
	for row := range s.queue {
		batch = append(batch, row)
	drain:
		for len(batch) < defaultBatchSize {
			select {
			case next, ok := <-s.queue:
				if !ok {
					break drain
				}
				batch = append(batch, next)
			default:
				break drain
			}
		}
		s.write(batch)
		for range batch {
			s.pending.Done()
		}
		batch = batch[:0]
	}
}

func (s *Store) write(batch []Event) {
	if err := s.db.Create(&batch).Error; err != nil {
		for range batch {
			observability.Events().RecordSinkFailure(sinkName)
		}
		s.logger.Error("persist events", "count", len(batch), "error", err)
	}
}

// Flush waits until every queued event has been written or ctx ends.
func (s *Store) Flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting events and waits for the writer to drain. The
// database handle stays open for queries.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()
	<-s.done
	return nil
}

// Query implements the escrow_listEvents source over the archive. Results are
// returned oldest first.
func (s *Store) Query(ctx context.Context, q events.Query) ([]events.Record, error) {
	tx := s.db.WithContext(ctx).Model(&Event{})
	if q.TypePrefix != "" {
		tx = tx.Where(`type LIKE ? ESCAPE '\'`, escapeLike(q.TypePrefix)+"%")
	}
	if q.EscrowID != 0 {
		tx = tx.Where("escrow_id = ?", q.EscrowID)
	}
	if q.AfterSequence != 0 {
		tx = tx.Where("sequence > ?", q.AfterSequence)
	}
	if q.Forward {
		tx = tx.Order("sequence ASC")
	} else {
		tx = tx.Order("sequence DESC")
	}
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}
	var rows []Event
	if err := tx.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("eventstore: query: %w", err)
	}
	if !q.Forward {
		for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
			rows[i], rows[j] = rows[j], rows[i]
		}
	}
	out := make([]events.Record, 0, len(rows))
	for _, row := range rows {
		rec, err := row.record()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (e Event) record() (events.Record, error) {
	attrs := map[string]string{}
	if e.Attributes != "" {
		if err := json.Unmarshal([]byte(e.Attributes), &attrs); err != nil {
			return events.Record{}, fmt.Errorf("eventstore: decode attributes of %d: %w", e.Sequence, err)
		}
	}
	return events.Record{
		Sequence:   e.Sequence,
		Height:     e.Height,
		Type:       e.Type,
		Attributes: attrs,
		Time:       e.EmittedAt.UTC(),
	}, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
