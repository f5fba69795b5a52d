// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// pgsync mirrors PostgreSQL tables into denormalized documents in a
// search index, continuously, via logical replication.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"storj.io/pgsync/builder"
	"storj.io/pgsync/checkpoint"
	"storj.io/pgsync/pgdb"
	"storj.io/pgsync/private/process"
	"storj.io/pgsync/queue"
	"storj.io/pgsync/search"
	"storj.io/pgsync/slot"
	"storj.io/pgsync/syncer"
	"storj.io/pgsync/tree"
)

var (
	rootCmd = &cobra.Command{
		Use:   "pgsync",
		Short: "PostgreSQL to search-index sync service",
	}
	syncCmd = &cobra.Command{
		Use:   "sync",
		Short: "Run continuous sync",
		RunE:  cmdSync,
	}
	bootstrapCmd = &cobra.Command{
		Use:   "bootstrap",
		Short: "Full re-index from the source database",
		RunE:  cmdBootstrap,
	}
	teardownCmd = &cobra.Command{
		Use:   "teardown",
		Short: "Remove slots, checkpoints and indices",
		RunE:  cmdTeardown,
	}

	dropDB bool
)

func init() {
	rootCmd.PersistentFlags().StringP("schema", "c", "schema.json", "sync descriptor file")
	rootCmd.PersistentFlags().String("database-url", "postgres://localhost:5432", "source database url; the database name is taken from each descriptor")
	rootCmd.PersistentFlags().String("search-url", "http://localhost:9200", "search cluster url")
	rootCmd.PersistentFlags().String("search-user", "", "search cluster basic auth user")
	rootCmd.PersistentFlags().String("search-password", "", "search cluster basic auth password")
	rootCmd.PersistentFlags().String("redis-url", "", "redis url for the publish queue; empty disables the publish path")
	rootCmd.PersistentFlags().String("checkpoint-path", ".pgsync", "directory holding the checkpoint file")
	rootCmd.PersistentFlags().Bool("no-validate", false, "skip server setting validation")
	rootCmd.PersistentFlags().Int("chunk-size", 5000, "rows per logical slot peek")
	rootCmd.PersistentFlags().Int("batch-size", 1000, "actions per bulk request")
	rootCmd.PersistentFlags().Duration("poll-interval", time.Second, "slot and queue polling interval")

	teardownCmd.Flags().BoolVar(&dropDB, "drop-db", false, "also truncate the mirrored source tables")

	rootCmd.AddCommand(syncCmd, bootstrapCmd, teardownCmd)
}

func main() {
	if err := process.Execute(rootCmd); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps error kinds to the process exit code: validation
// failures exit 1, runtime failures exit 2.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	// a fatal wrap may carry a validation class as its cause, so it
	// has to win over the class checks below
	case syncer.FatalError.Has(err):
		return 2
	case tree.ConfigError.Has(err), tree.SchemaError.Has(err),
		syncer.RDSError.Has(err), slot.Error.Has(err):
		return 1
	default:
		return 2
	}
}

// pipeline is one (database, index) sync with its resources.
type pipeline struct {
	sync  *syncer.Sync
	db    *pgdb.DB
	es    *search.Client
	index string

	closers []func() error
}

func (p *pipeline) close() {
	for i := len(p.closers) - 1; i >= 0; i-- {
		_ = p.closers[i]()
	}
}

// buildPipelines wires one pipeline per descriptor in the schema file.
func buildPipelines(ctx context.Context, log *zap.Logger) (_ []*pipeline, err error) {
	docs, err := tree.LoadSchema(viper.GetString("schema"))
	if err != nil {
		return nil, err
	}

	var pipelines []*pipeline
	defer func() {
		if err != nil {
			for _, p := range pipelines {
				p.close()
			}
		}
	}()

	checkpointPath := viper.GetString("checkpoint-path")
	if err := os.MkdirAll(checkpointPath, 0700); err != nil {
		return nil, err
	}
	checkpoints, err := checkpoint.Open(filepath.Join(checkpointPath, "checkpoints.db"))
	if err != nil {
		return nil, err
	}
	shared := checkpoints.Close // closed once by the first pipeline

	for _, doc := range docs {
		p := &pipeline{index: doc.Index}
		if shared != nil {
			p.closers = append(p.closers, shared)
			shared = nil
		}

		connstr := fmt.Sprintf("%s/%s", viper.GetString("database-url"), doc.DatabaseName())
		db, err := pgdb.Open(ctx, log.Named("pgdb"), connstr)
		if err != nil {
			return pipelines, err
		}
		p.db = db
		p.closers = append(p.closers, db.Close)

		schemas, err := db.Schemas(ctx)
		if err != nil {
			return append(pipelines, p), err
		}
		t, err := tree.Build(doc, schemas)
		if err != nil {
			return append(pipelines, p), err
		}

		es, err := search.NewClient(ctx, log.Named("search"), search.Config{
			URL:      viper.GetString("search-url"),
			User:     viper.GetString("search-user"),
			Password: viper.GetString("search-password"),
		})
		if err != nil {
			return append(pipelines, p), err
		}
		p.es = es
		p.closers = append(p.closers, es.Close)

		var payloads syncer.PayloadQueue
		if redisURL := viper.GetString("redis-url"); redisURL != "" {
			q, err := queue.Open(ctx, queue.Config{URL: redisURL}, slot.Name(db.Database(), doc.Index))
			if err != nil {
				return append(pipelines, p), err
			}
			payloads = q
			p.closers = append(p.closers, q.Close)
		}

		config := syncer.Config{
			Database:  db.Database(),
			Index:     doc.Index,
			Validate:  !viper.GetBool("no-validate"),
			ChunkSize: viper.GetInt("chunk-size"),
			BatchSize: viper.GetInt("batch-size"),
		}
		if d := viper.GetDuration("poll-interval"); d > 0 {
			config.PollInterval = d
		}
		applyConfigDefaults(&config)

		docBuilder := builder.New(log.Named("builder"), doc.Index, t, db)
		slots := slot.NewManager(log.Named("slot"), db.Raw())

		p.sync = syncer.New(log.Named("sync"), config, t,
			slots, db, docBuilder, es, checkpoints, payloads)
		pipelines = append(pipelines, p)
	}
	return pipelines, nil
}

func cmdSync(cmd *cobra.Command, args []string) error {
	log, err := process.NewLogger()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, cancel := process.Ctx(cmd)
	defer cancel()

	pipelines, err := buildPipelines(ctx, log)
	defer closeAll(pipelines)
	if err != nil {
		return err
	}

	group, groupCtx := errgroup.WithContext(ctx)
	for _, p := range pipelines {
		p := p
		group.Go(func() error {
			if err := p.sync.Validate(groupCtx); err != nil {
				return err
			}
			if err := p.sync.Setup(groupCtx); err != nil {
				return err
			}
			if err := p.es.EnsureIndex(groupCtx, p.index); err != nil {
				return err
			}
			return p.sync.Run(groupCtx)
		})
	}
	return group.Wait()
}

func cmdBootstrap(cmd *cobra.Command, args []string) error {
	log, err := process.NewLogger()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, cancel := process.Ctx(cmd)
	defer cancel()

	pipelines, err := buildPipelines(ctx, log)
	defer closeAll(pipelines)
	if err != nil {
		return err
	}

	for _, p := range pipelines {
		if err := p.sync.Validate(ctx); err != nil {
			return err
		}
		if err := p.sync.Setup(ctx); err != nil {
			return err
		}
		if err := p.es.EnsureIndex(ctx, p.index); err != nil {
			return err
		}
		if err := p.sync.Bootstrap(ctx); err != nil {
			return err
		}
	}
	return nil
}

func cmdTeardown(cmd *cobra.Command, args []string) error {
	log, err := process.NewLogger()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, cancel := process.Ctx(cmd)
	defer cancel()

	docs, err := tree.LoadSchema(viper.GetString("schema"))
	if err != nil {
		return err
	}

	checkpoints, err := checkpoint.Open(filepath.Join(viper.GetString("checkpoint-path"), "checkpoints.db"))
	if err != nil {
		return err
	}
	defer func() { _ = checkpoints.Close() }()

	for _, doc := range docs {
		connstr := fmt.Sprintf("%s/%s", viper.GetString("database-url"), doc.DatabaseName())
		db, err := pgdb.Open(ctx, log.Named("pgdb"), connstr)
		if err != nil {
			return err
		}

		name := slot.Name(db.Database(), doc.Index)
		slots := slot.NewManager(log.Named("slot"), db.Raw())
		exists, err := slots.Exists(ctx, name)
		if err == nil && exists {
			err = slots.Drop(ctx, name)
		}
		if err == nil {
			err = checkpoints.Delete(name)
		}
		if err == nil {
			var es *search.Client
			es, err = search.NewClient(ctx, log.Named("search"), search.Config{
				URL:      viper.GetString("search-url"),
				User:     viper.GetString("search-user"),
				Password: viper.GetString("search-password"),
			})
			if err == nil {
				err = es.DropIndex(ctx, doc.Index)
				_ = es.Close()
			}
		}
		if err == nil && dropDB {
			t, terr := tree.Build(doc, nil)
			if terr == nil {
				for _, qualified := range t.Tables() {
					parts := strings.SplitN(qualified, ".", 2)
					if err = db.TruncateTable(ctx, parts[0], parts[1]); err != nil {
						break
					}
				}
			}
		}
		_ = db.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func closeAll(pipelines []*pipeline) {
	for _, p := range pipelines {
		p.close()
	}
}

// applyConfigDefaults fills zero durations with their defaults, since
// flag wiring only covers the common knobs.
func applyConfigDefaults(config *syncer.Config) {
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = time.Second
	}
	if config.CheckpointInterval <= 0 {
		config.CheckpointInterval = 10 * time.Second
	}
	if config.StatusInterval <= 0 {
		config.StatusInterval = time.Second
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 5
	}
	if config.Workers <= 0 {
		config.Workers = 4
	}
	if config.ChunkSize <= 0 {
		config.ChunkSize = 5000
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 1000
	}
}
