package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/DeafMist/violations-ingest/internal/config"
	"github.com/DeafMist/violations-ingest/internal/deadletter"
	"github.com/DeafMist/violations-ingest/internal/dedupe"
	"github.com/DeafMist/violations-ingest/internal/elasticsearch"
	"github.com/DeafMist/violations-ingest/internal/logger"
	"github.com/DeafMist/violations-ingest/internal/pipeline"
	"github.com/DeafMist/violations-ingest/internal/socrata"
)

// errUnclean marks a --strict run that skipped or lost documents.
var errUnclean = errors.New("run skipped records, pages or bulk items")

type options struct {
	pageSize int
	numPages int
	strict   bool
}

func main() {
	config.LoadDotEnv()
	log := logger.New("ingest")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)

	cmd := newRootCmd(func(ctx context.Context, opts options) error {
		return run(ctx, log, opts)
	})
	err := cmd.ExecuteContext(ctx)
	stop()

	os.Exit(exitCode(log, err))
}

func newRootCmd(runFn func(ctx context.Context, opts options) error) *cobra.Command {
	opts := options{}

	cmd := &cobra.Command{
		Use:           "ingest",
		Short:         "Load open-data violation records into Elasticsearch",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runFn(cmd.Context(), opts)
		},
	}

	cmd.Flags().IntVar(&opts.pageSize, "page_size", 0, "how many rows to fetch per page")
	cmd.Flags().IntVar(&opts.numPages, "num_pages", 1, "how many pages to fetch in total")
	cmd.Flags().BoolVar(&opts.strict, "strict", false, "exit with status 2 when any record or page was skipped")
	_ = cmd.MarkFlagRequired("page_size")

	return cmd
}

func run(ctx context.Context, log *slog.Logger, opts options) error {
	cfg, err := config.LoadIngest(opts.pageSize, opts.numPages)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	runID := uuid.NewString()
	log = log.With(slog.String("run_id", runID))

	esClient, err := elasticsearch.New(elasticsearch.Options{
		Addr:     cfg.ElasticsearchAddr,
		Index:    cfg.ElasticsearchIndex,
		Username: cfg.ElasticsearchUsername,
		Password: cfg.ElasticsearchPassword,
	}, log)
	if err != nil {
		return fmt.Errorf("init elasticsearch: %w", err)
	}

	source, err := socrata.New(socrata.Options{
		Domain:    cfg.SocrataDomain,
		DatasetID: cfg.DatasetID,
		AppToken:  cfg.AppToken,
		Timeout:   cfg.HTTPTimeout,
	})
	if err != nil {
		return fmt.Errorf("init socrata: %w", err)
	}

	sink := newSink(cfg, runID)
	defer func() {
		if err := sink.Close(); err != nil {
			log.Warn("close dead letter sink", slog.Any("err", err))
		}
	}()

	var cache *dedupe.Cache
	if cfg.DedupeCapacity > 0 {
		cache = dedupe.NewCache(cfg.DedupeCapacity)
	}

	runner, err := pipeline.New(pipeline.Options{
		Index:    cfg.ElasticsearchIndex,
		PageSize: cfg.PageSize,
		NumPages: cfg.NumPages,
		Sink:     sink,
		Dedupe:   cache,
	}, source, esClient, log)
	if err != nil {
		return fmt.Errorf("init pipeline: %w", err)
	}

	log.Info("ingest started",
		slog.String("dataset", cfg.DatasetID),
		slog.String("index", cfg.ElasticsearchIndex),
		slog.Int("page_size", cfg.PageSize),
		slog.Int("num_pages", cfg.NumPages),
		slog.String("dead_letter_policy", cfg.DeadLetterPolicy),
	)

	summary, err := runner.Run(ctx)
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}

	if opts.strict && !summary.Clean() {
		return errUnclean
	}
	return nil
}

func newSink(cfg *config.Ingest, runID string) deadletter.Sink {
	if cfg.DeadLetterPolicy == config.DeadLetterKafka {
		return deadletter.NewKafka(cfg.DeadLetterBrokers, cfg.DeadLetterTopic, runID)
	}
	return deadletter.Nop{}
}

func exitCode(log *slog.Logger, err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errUnclean):
		log.Warn("ingest finished with skipped data")
		return 2
	default:
		log.Error("ingest failed", slog.Any("err", err))
		return 1
	}
}
