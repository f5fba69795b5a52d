// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package syncer coordinates the sync pipeline: validation, bootstrap,
// streaming replication pull, publish handling, checkpointing and
// status reporting.
package syncer

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/pgsync/builder"
	"storj.io/pgsync/decode"
	"storj.io/pgsync/queue"
	"storj.io/pgsync/search"
	"storj.io/pgsync/slot"
	"storj.io/pgsync/transform"
	"storj.io/pgsync/tree"
)

var (
	// RDSError is raised when a managed database has logical
	// replication disabled.
	RDSError = errs.Class("rds")

	// FatalError is raised when retries are exhausted and the process
	// must stop.
	FatalError = errs.Class("fatal")

	mon = monkit.Package()
)

// Config holds the coordinator settings.
type Config struct {
	Database string        `help:"source database name"`
	Index    string        `help:"target index name"`
	Label    string        `help:"status line label" default:""`
	Validate bool          `help:"validate server settings on startup" default:"true"`

	ChunkSize          int           `help:"rows per logical slot peek" default:"5000"`
	BatchSize          int           `help:"actions per bulk request" default:"1000"`
	PollInterval       time.Duration `help:"how often to poll the slot and queue" default:"1s"`
	FlushInterval      time.Duration `help:"max time a batched action waits before flush" default:"1s"`
	CheckpointInterval time.Duration `help:"how often the checkpoint is persisted" default:"10s"`
	StatusInterval     time.Duration `help:"how often the status line is emitted" default:"1s"`
	MaxRetries         int           `help:"consecutive failures before escalating to fatal" default:"5"`
	Workers            int           `help:"parallel appliers for the publish path" default:"4"`
}

// SlotManager is the replication slot surface the coordinator uses.
type SlotManager interface {
	Exists(ctx context.Context, slot string) (bool, error)
	Create(ctx context.Context, slot string) error
	Peek(ctx context.Context, name string, opts slot.Options) ([]slot.Change, error)
	Get(ctx context.Context, name string, opts slot.Options) ([]slot.Change, error)
	Truncate(ctx context.Context, name string) error
}

// SettingsReader exposes server settings and transaction ids.
type SettingsReader interface {
	Setting(ctx context.Context, name string) (string, bool, error)
	CurrentTxID(ctx context.Context) (uint64, error)
}

// DocBuilder materializes documents for row events.
type DocBuilder interface {
	Build(ctx context.Context, event decode.RowEvent) ([]builder.Document, error)
	ForEachRootBatch(ctx context.Context, batchSize int, fn func([]builder.Document) error) error
}

// Indexer applies actions to the search index. Bulk reports one result
// per action so callers can resubmit just the failed items.
type Indexer interface {
	Bulk(ctx context.Context, actions []search.Action) ([]search.ItemResult, error)
	Purge(ctx context.Context, index string) error
	Indexed() int64
}

// CheckpointStore persists the transaction id watermark.
type CheckpointStore interface {
	Load(name string) (uint64, bool, error)
	Save(name string, txid uint64) error
}

// PayloadQueue delivers externally published payloads.
type PayloadQueue interface {
	Pop(ctx context.Context, n int) ([]queue.Payload, error)
	Len(ctx context.Context) (int64, error)
}

// Sync drives one (database, index) pipeline.
type Sync struct {
	log    *zap.Logger
	config Config

	tree    *tree.Tree
	rename  map[string]interface{}
	concat  interface{}
	builder DocBuilder

	slots       SlotManager
	settings    SettingsReader
	indexer     Indexer
	checkpoints CheckpointStore
	queue       PayloadQueue

	slotName   string
	checkpoint uint64 // atomic
	truncate   int32  // atomic flag

	retryMu sync.Mutex
	retry   []search.Action

	nXlog    int64
	nDb      int64
	nRedis   int64
	nSkipped int64
}

// New constructs a Sync over its collaborators. The queue may be nil
// when no publish path is configured.
func New(log *zap.Logger, config Config, t *tree.Tree,
	slots SlotManager, settings SettingsReader, docs DocBuilder,
	indexer Indexer, checkpoints CheckpointStore, payloads PayloadQueue,
) *Sync {
	rename, _ := t.TransformSpec(tree.RenameTransform).(map[string]interface{})
	s := &Sync{
		log:         log,
		config:      config,
		tree:        t,
		rename:      rename,
		concat:      t.TransformSpec(tree.ConcatTransform),
		builder:     docs,
		slots:       slots,
		settings:    settings,
		indexer:     indexer,
		checkpoints: checkpoints,
		queue:       payloads,
		slotName:    slot.Name(config.Database, config.Index),
	}
	return s
}

// SlotName returns the replication slot this pipeline consumes.
func (s *Sync) SlotName() string { return s.slotName }

// Checkpoint returns the current in-memory checkpoint.
func (s *Sync) Checkpoint() uint64 { return atomic.LoadUint64(&s.checkpoint) }

// setCheckpoint updates the in-memory checkpoint and writes it through
// to the durable store. Write-through keeps restarts conservative: the
// publish path may legitimately move the checkpoint backwards.
func (s *Sync) setCheckpoint(txid uint64) error {
	atomic.StoreUint64(&s.checkpoint, txid)
	if s.checkpoints == nil {
		return nil
	}
	return s.checkpoints.Save(s.slotName, txid)
}

// Validate checks the server is configured for logical replication and
// that the schema tree matched the live database at build time.
func (s *Sync) Validate(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	if !s.config.Validate {
		return nil
	}

	value, ok, err := s.settings.Setting(ctx, "max_replication_slots")
	if err != nil {
		return err
	}
	slots, _ := strconv.Atoi(value)
	if !ok || slots < 1 {
		return slot.Error.New(
			"Ensure there is at least one replication slot defined by setting max_replication_slots=1")
	}

	value, ok, err = s.settings.Setting(ctx, "wal_level")
	if err != nil {
		return err
	}
	if !ok || value != "logical" {
		return slot.Error.New("Enable logical decoding by setting wal_level=logical")
	}

	value, ok, err = s.settings.Setting(ctx, "rds.logical_replication")
	if err != nil {
		return err
	}
	if ok && (value == "off" || value == "0") {
		return RDSError.New("rds.logical_replication is not enabled")
	}
	return nil
}

// Setup creates the replication slot if missing and restores the
// persisted checkpoint.
func (s *Sync) Setup(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	exists, err := s.slots.Exists(ctx, s.slotName)
	if err != nil {
		return err
	}
	if !exists {
		if err := s.slots.Create(ctx, s.slotName); err != nil {
			return err
		}
	}

	if s.checkpoints != nil {
		txid, ok, err := s.checkpoints.Load(s.slotName)
		if err != nil {
			return err
		}
		if ok {
			atomic.StoreUint64(&s.checkpoint, txid)
		}
	}
	return nil
}

// Bootstrap performs the initial full scan: the checkpoint is pinned to
// the transaction id at scan start, then every root document is built
// and indexed in batches. Changes committed during the scan are
// replayed afterwards by the first pull.
func (s *Sync) Bootstrap(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	txid, err := s.settings.CurrentTxID(ctx)
	if err != nil {
		return err
	}
	if err := s.setCheckpoint(txid); err != nil {
		return err
	}

	return s.builder.ForEachRootBatch(ctx, s.config.BatchSize, func(docs []builder.Document) error {
		actions := s.toActions(docs)
		if _, err := s.indexer.Bulk(ctx, actions); err != nil {
			return err
		}
		atomic.AddInt64(&s.nDb, int64(len(docs)))
		return nil
	})
}

// Pull performs one catch-up pass over the window between the last
// checkpoint and the current committed-stable bound, advancing the
// checkpoint past the window on success.
func (s *Sync) Pull(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	txmin := atomic.LoadUint64(&s.checkpoint)
	current, err := s.settings.CurrentTxID(ctx)
	if err != nil {
		return err
	}
	txmax := current - 1

	if err := s.flushRetry(ctx); err != nil {
		return err
	}

	s.log.Debug(fmt.Sprintf("pull txmin: %d - txmax: %d", txmin, txmax))
	if err := s.LogicalSlotChanges(ctx, txmin, txmax); err != nil {
		return err
	}
	if err := s.setCheckpoint(txmax); err != nil {
		return err
	}
	atomic.StoreInt32(&s.truncate, 1)
	return nil
}

// LogicalSlotChanges drains the slot window chunk by chunk, grouping
// rows by committed transaction. A chunk that surfaces no committed
// events, because it holds only control rows or a transaction still
// waiting on its COMMIT, is skipped without advancing the slot. A
// chunk whose events were applied is consumed with a matching
// destructive read, unless an open transaction spans into the next
// chunk; then the read waits for the COMMIT so buffered rows are never
// discarded from the slot. An empty peek ends the pass.
func (s *Sync) LogicalSlotChanges(ctx context.Context, txmin, txmax uint64) (err error) {
	defer mon.Task()(&ctx)(&err)

	var decoder decode.Decoder
	offset := 0
	for {
		changes, err := s.slots.Peek(ctx, s.slotName, slot.Options{
			TxMin:  txmin,
			TxMax:  txmax,
			Limit:  s.config.ChunkSize,
			Offset: offset,
		})
		if err != nil {
			return err
		}
		if len(changes) == 0 {
			return nil
		}
		atomic.AddInt64(&s.nXlog, int64(len(changes)))

		events := s.feedChanges(&decoder, changes)
		if len(events) == 0 {
			offset += len(changes)
			continue
		}

		if err := s.apply(ctx, events); err != nil {
			return err
		}
		if decoder.Pending() > 0 {
			offset += len(changes)
			continue
		}
		if _, err := s.slots.Get(ctx, s.slotName, slot.Options{
			TxMin:        txmin,
			TxMax:        txmax,
			UptoNChanges: offset + len(changes),
		}); err != nil {
			return err
		}
		offset = 0
	}
}

// feedChanges runs raw slot rows through the transaction decoder,
// returning the events made visible by this chunk and logging
// undecodable payloads.
func (s *Sync) feedChanges(decoder *decode.Decoder, changes []slot.Change) []decode.RowEvent {
	var events []decode.RowEvent
	for _, change := range changes {
		flushed, err := decoder.Feed(change.Data, change.XID)
		if err != nil {
			s.log.Warn("skipping undecodable change",
				zap.Uint32("xid", change.XID), zap.Error(err))
			atomic.AddInt64(&s.nSkipped, 1)
			continue
		}
		events = append(events, flushed...)
	}
	return events
}

// OnPublish applies externally delivered payloads. The checkpoint is
// moved to min(xmin)-1 before applying, so the slot is never advanced
// past unflushed work.
func (s *Sync) OnPublish(ctx context.Context, payloads []queue.Payload) (err error) {
	defer mon.Task()(&ctx)(&err)

	if len(payloads) == 0 {
		return nil
	}
	if err := s.flushRetry(ctx); err != nil {
		return err
	}
	s.log.Debug(fmt.Sprintf("on_publish len %d", len(payloads)))

	minXmin := payloads[0].XMin
	for _, payload := range payloads[1:] {
		if payload.XMin < minXmin {
			minXmin = payload.XMin
		}
	}
	if err := s.setCheckpoint(minXmin - 1); err != nil {
		return err
	}

	events := make([]decode.RowEvent, 0, len(payloads))
	for _, payload := range payloads {
		events = append(events, payloadEvent(payload))
	}
	if err := s.apply(ctx, events); err != nil {
		return err
	}
	atomic.AddInt64(&s.nRedis, int64(len(payloads)))
	return nil
}

// payloadEvent converts a queued payload into a row event.
func payloadEvent(payload queue.Payload) decode.RowEvent {
	return decode.RowEvent{
		Schema: payload.Schema,
		Table:  payload.Table,
		Op:     decode.Operation(payload.Op),
		Old:    tupleFromMap(payload.Old),
		New:    tupleFromMap(payload.New),
		XID:    uint32(payload.XMin),
	}
}

func tupleFromMap(values map[string]interface{}) decode.Tuple {
	if len(values) == 0 {
		return decode.Tuple{}
	}
	columns := make([]string, 0, len(values))
	for column := range values {
		columns = append(columns, column)
	}
	sort.Strings(columns)
	return decode.Tuple{Columns: columns, Values: values}
}

// apply materializes and indexes a batch of events as a single bulk
// call, preserving input order. Items the index rejected are kept
// aside and resubmitted by the next pass instead of failing the whole
// batch.
func (s *Sync) apply(ctx context.Context, events []decode.RowEvent) (err error) {
	defer mon.Task()(&ctx)(&err)

	var actions []search.Action
	applied := 0
	for _, event := range events {
		if event.Op == decode.Truncate {
			if err := s.indexer.Purge(ctx, s.config.Index); err != nil {
				return err
			}
			continue
		}
		docs, err := s.builder.Build(ctx, event)
		if err != nil {
			if builder.Error.Has(err) {
				s.log.Warn("skipping event that failed to build",
					zap.String("table", event.Table), zap.Error(err))
				atomic.AddInt64(&s.nSkipped, 1)
				continue
			}
			return err
		}
		if len(docs) == 0 {
			continue
		}
		actions = append(actions, s.toActions(docs)...)
		applied++
	}
	atomic.AddInt64(&s.nDb, int64(applied))

	if len(actions) == 0 {
		return nil
	}
	results, err := s.indexer.Bulk(ctx, actions)
	if err != nil {
		if failed := search.FailedSubset(actions, results); len(failed) > 0 {
			s.keepRetry(failed)
			s.log.Warn("bulk items failed; retrying on the next pass",
				zap.Int("count", len(failed)))
			return nil
		}
		return err
	}
	return nil
}

// flushRetry resubmits actions whose bulk items failed earlier. It
// runs before new work so an older write for a document id never lands
// after a newer one.
func (s *Sync) flushRetry(ctx context.Context) error {
	actions := s.takeRetry()
	if len(actions) == 0 {
		return nil
	}
	results, err := s.indexer.Bulk(ctx, actions)
	if err != nil {
		if failed := search.FailedSubset(actions, results); len(failed) > 0 {
			s.keepRetry(failed)
			s.log.Warn("bulk items failed again; retrying on the next pass",
				zap.Int("count", len(failed)))
			return nil
		}
		// the request itself failed; nothing was applied
		s.keepRetry(actions)
		return err
	}
	return nil
}

func (s *Sync) takeRetry() []search.Action {
	s.retryMu.Lock()
	defer s.retryMu.Unlock()
	actions := s.retry
	s.retry = nil
	return actions
}

func (s *Sync) keepRetry(actions []search.Action) {
	s.retryMu.Lock()
	defer s.retryMu.Unlock()
	s.retry = append(s.retry, actions...)
}

// toActions shapes documents into index actions, running the transform
// pipeline over each document source.
func (s *Sync) toActions(docs []builder.Document) []search.Action {
	actions := make([]search.Action, 0, len(docs))
	for _, doc := range docs {
		action := search.Action{
			ID:     doc.ID,
			Index:  doc.Index,
			Delete: doc.Action == builder.ActionDelete,
		}
		if !action.Delete {
			action.Source = transform.Apply(doc.Source, s.rename, s.concat)
		}
		actions = append(actions, action)
	}
	return actions
}

// TruncateSlots drains the slot when the previous pull marked it safe
// to do so.
func (s *Sync) TruncateSlots(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	if !atomic.CompareAndSwapInt32(&s.truncate, 1, 0) {
		return nil
	}
	return s.slots.Truncate(ctx, s.slotName)
}

// Status writes the single-line counter summary.
func (s *Sync) Status(ctx context.Context, w io.Writer, dbLabel string) error {
	var pending int64
	if s.queue != nil {
		n, err := s.queue.Len(ctx)
		if err != nil {
			return err
		}
		pending = n
	}
	_, err := fmt.Fprintf(w, "%s %s Xlog: [%d] => Db: [%d] => Redis: [total = %d pending = %d] => Elastic: [%d] ...\n",
		dbLabel, s.config.Index,
		atomic.LoadInt64(&s.nXlog),
		atomic.LoadInt64(&s.nDb),
		atomic.LoadInt64(&s.nRedis), pending,
		s.indexer.Indexed())
	return err
}
