// Package pipeline drives one ingest run: fetch a page, normalize its rows,
// encode them for _bulk and submit, page after page.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"time"

	"github.com/DeafMist/violations-ingest/internal/deadletter"
	"github.com/DeafMist/violations-ingest/internal/dedupe"
	"github.com/DeafMist/violations-ingest/internal/elasticsearch"
	"github.com/DeafMist/violations-ingest/internal/models"
	"github.com/DeafMist/violations-ingest/internal/processing"
)

// Fetcher returns one page of upstream rows.
type Fetcher interface {
	FetchPage(ctx context.Context, pageSize, pageIndex int) ([]models.RawRecord, error)
}

// Indexer provisions the target index and accepts encoded batches.
type Indexer interface {
	EnsureIndex(ctx context.Context) (elasticsearch.IndexOutcome, error)
	SubmitBulk(ctx context.Context, body []byte, rows int) (elasticsearch.BulkResult, error)
}

// Options control a Runner. Sink and Dedupe are optional.
type Options struct {
	Index    string
	PageSize int
	NumPages int
	Sink     deadletter.Sink
	Dedupe   *dedupe.Cache
}

// Summary reports what a run did.
type Summary struct {
	Pages            int
	Fetched          int
	Indexed          int
	SkippedRecords   int
	DuplicateRecords int
	FailedPages      int
	ItemErrors       int
	Bulks            int
	LastBulk         time.Duration
	Total            time.Duration
}

// Clean reports whether nothing was skipped or rejected.
func (s Summary) Clean() bool {
	return s.SkippedRecords == 0 && s.FailedPages == 0 && s.ItemErrors == 0
}

// Runner executes pages strictly one after another.
type Runner struct {
	fetcher Fetcher
	indexer Indexer
	opts    Options
	log     *slog.Logger
}

// New builds a Runner. NumPages below 1 means a single page.
func New(opts Options, fetcher Fetcher, indexer Indexer, log *slog.Logger) (*Runner, error) {
	if opts.PageSize <= 0 {
		return nil, fmt.Errorf("page size must be positive, got %d", opts.PageSize)
	}
	if opts.Index == "" {
		return nil, fmt.Errorf("index name is empty")
	}
	if opts.NumPages <= 0 {
		opts.NumPages = 1
	}
	if opts.Sink == nil {
		opts.Sink = deadletter.Nop{}
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Runner{fetcher: fetcher, indexer: indexer, opts: opts, log: log}, nil
}

// Run provisions the index once and processes every page. Record and bulk
// failures are logged, dead-lettered and skipped. A fetch error or a
// cancelled context ends the run and is returned with the partial summary.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	var summary Summary
	start := time.Now()

	r.provision(ctx)

	for page := 0; page < r.opts.NumPages; page++ {
		if err := ctx.Err(); err != nil {
			summary.Total = time.Since(start)
			return summary, err
		}

		rows, err := r.fetcher.FetchPage(ctx, r.opts.PageSize, page)
		if err != nil {
			summary.Total = time.Since(start)
			return summary, fmt.Errorf("page %d: %w", page, err)
		}
		summary.Pages++
		summary.Fetched += len(rows)

		docs := r.normalizePage(ctx, page, rows, &summary)
		if len(docs) == 0 {
			r.log.Info("no documents to submit", slog.Int("page", page), slog.Int("raw_rows", len(rows)))
			continue
		}

		r.submitPage(ctx, page, len(rows), docs, &summary)
	}

	summary.Total = time.Since(start)
	r.log.Info("run finished",
		slog.Int("pages", summary.Pages),
		slog.Int("fetched", summary.Fetched),
		slog.Int("indexed", summary.Indexed),
		slog.Int("skipped_records", summary.SkippedRecords),
		slog.Int("duplicate_records", summary.DuplicateRecords),
		slog.Int("failed_pages", summary.FailedPages),
		slog.Int("item_errors", summary.ItemErrors),
		slog.Float64("bulk_upload_seconds", roundSeconds(summary.LastBulk)),
		slog.Float64("total_runtime_seconds", roundSeconds(summary.Total)),
	)
	return summary, nil
}

func (r *Runner) provision(ctx context.Context) {
	outcome, err := r.indexer.EnsureIndex(ctx)
	if err != nil {
		r.log.Info("index not created, continuing", slog.String("index", r.opts.Index), slog.Any("err", err))
		return
	}
	switch outcome {
	case elasticsearch.IndexExists:
		r.log.Info("index already exists", slog.String("index", r.opts.Index))
	default:
		r.log.Info("index created", slog.String("index", r.opts.Index))
	}
}

// normalizePage keeps the rows that normalize, in upstream order.
func (r *Runner) normalizePage(ctx context.Context, page int, rows []models.RawRecord, summary *Summary) []models.Violation {
	docs := make([]models.Violation, 0, len(rows))
	for i, raw := range rows {
		ordinal := i + 1

		doc, err := processing.Normalize(raw)
		if err != nil {
			summary.SkippedRecords++
			r.log.Warn("record skipped",
				slog.Int("page", page),
				slog.Int("row", ordinal),
				slog.Any("raw", raw),
				slog.Any("err", err),
			)
			r.deadRecord(ctx, deadletter.RecordFailure{Page: page, Ordinal: ordinal, Raw: raw, Err: err})
			continue
		}

		if r.opts.Dedupe != nil && r.opts.Dedupe.Seen(processing.Fingerprint(doc)) {
			summary.DuplicateRecords++
			r.log.Debug("duplicate record", slog.Int("page", page), slog.Int("row", ordinal))
			continue
		}

		docs = append(docs, doc)
	}
	return docs
}

func (r *Runner) submitPage(ctx context.Context, page, rawRows int, docs []models.Violation, summary *Summary) {
	body, err := elasticsearch.EncodeBulk(r.opts.Index, docs)
	if err != nil {
		summary.FailedPages++
		r.log.Warn("encode page failed, skipping page", slog.Int("page", page), slog.Any("err", err))
		r.deadPage(ctx, deadletter.PageFailure{Page: page, Rows: len(docs), Err: err})
		return
	}

	res, err := r.indexer.SubmitBulk(ctx, body, len(docs))
	summary.Bulks++
	summary.LastBulk = res.Elapsed
	if err != nil {
		summary.FailedPages++
		// last_document is the page's final normalized row, context only: the
		// whole batch failed, not that row.
		r.log.Warn("bulk submission failed, skipping page",
			slog.Int("page", page),
			slog.Int("raw_rows", rawRows),
			slog.Int("documents", len(docs)),
			slog.Any("last_document", docs[len(docs)-1]),
			slog.Any("err", err),
		)
		r.deadPage(ctx, deadletter.PageFailure{Page: page, Rows: len(docs), Payload: body, Err: err})
		return
	}

	summary.Indexed += len(docs) - res.ItemErrors
	summary.ItemErrors += res.ItemErrors
	if res.ItemErrors > 0 {
		r.log.Warn("bulk items rejected",
			slog.Int("page", page),
			slog.Int("rejected", res.ItemErrors),
			slog.String("first_error", res.FirstItemError),
		)
	}

	r.log.Info("page submitted",
		slog.Int("page", page),
		slog.Int("documents", len(docs)),
		slog.Duration("elapsed", res.Elapsed),
	)
}

func (r *Runner) deadRecord(ctx context.Context, f deadletter.RecordFailure) {
	if err := r.opts.Sink.Record(ctx, f); err != nil {
		r.log.Warn("dead letter write failed", slog.Int("page", f.Page), slog.Int("row", f.Ordinal), slog.Any("err", err))
	}
}

func (r *Runner) deadPage(ctx context.Context, f deadletter.PageFailure) {
	if err := r.opts.Sink.Page(ctx, f); err != nil {
		r.log.Warn("dead letter write failed", slog.Int("page", f.Page), slog.Any("err", err))
	}
}

func roundSeconds(d time.Duration) float64 {
	return math.Round(d.Seconds()*10) / 10
}
