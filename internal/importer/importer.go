// Package importer runs batches of rows through mapping, rich-text
// conversion, submission and republishing.
package importer

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"richimport/internal/config"
	"richimport/internal/metrics"
	"richimport/internal/richtext"
	"richimport/internal/store"
)

// Repository is the entry half of the content repository.
type Repository interface {
	CreateEntry(ctx context.Context, schemaID string, fields store.Fields) (store.Entry, error)
	FetchEntry(ctx context.Context, id string) (store.Entry, error)
	PublishEntry(ctx context.Context, id string, version int) (store.Entry, error)
}

// AssetResolver turns an image source URI into a published asset.
type AssetResolver interface {
	Resolve(ctx context.Context, uri string) (store.Asset, error)
}

// Mapping copies one source header into one schema field.
type Mapping = config.FieldMapping

// Progress is reported after every row. Completed counts published rows,
// Failed counts rows skipped under the continue-on-error policy.
type Progress struct {
	Total      int `json:"total"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Percentage int `json:"percentage"`
}

func newProgress(total int) Progress {
	return Progress{Total: total}
}

// ProgressOf rebuilds a progress triple from stored counters.
func ProgressOf(total, completed, failed int) Progress {
	p := Progress{Total: total, Completed: completed, Failed: failed}
	p.recompute()
	return p
}

func (p *Progress) recompute() {
	if p.Total == 0 {
		p.Percentage = 0
		return
	}
	p.Percentage = int(math.Round(float64(p.Completed+p.Failed) / float64(p.Total) * 100))
}

// Preview is the converted form of a row in a dry run.
type Preview struct {
	Row    int          `json:"row"`
	Fields store.Fields `json:"fields"`
}

// Result summarises a batch.
type Result struct {
	Progress Progress      `json:"progress"`
	Entries  []store.Entry `json:"-"`
	Previews []Preview     `json:"previews,omitempty"`
	Failures []*BatchError `json:"-"`
}

type Options struct {
	Policy config.FailurePolicy
	// Locale every mapped value is stored under.
	Locale string
	// DryRun converts rows without touching the repository.
	DryRun bool
	// OnProgress is called after every row commit.
	OnProgress func(Progress)
}

type Importer struct {
	repo     Repository
	resolver AssetResolver
	mappings config.Mappings
	builder  *richtext.Builder
	log      *zap.Logger
	metrics  *metrics.Metrics
}

func New(repo Repository, resolver AssetResolver, mappings config.Mappings, log *zap.Logger, m *metrics.Metrics) *Importer {
	log = log.Named("importer")
	return &Importer{
		repo:     repo,
		resolver: resolver,
		mappings: mappings,
		builder:  richtext.NewBuilder(log),
		log:      log,
		metrics:  m,
	}
}

// Validate checks the batch without any network call.
func (im *Importer) Validate(schemaID string, rows []Row) ([]Mapping, error) {
	if strings.TrimSpace(schemaID) == "" {
		return nil, &ValidationError{Row: -1, Reason: "no schema selected"}
	}
	mappings, err := im.mappings.For(schemaID)
	if err != nil {
		return nil, &ValidationError{Row: -1, Reason: fmt.Sprintf("%v (known: %s)", err, strings.Join(im.mappings.Schemas(), ", "))}
	}
	if len(rows) == 0 {
		return nil, &ValidationError{Row: -1, Reason: "no rows to import"}
	}
	for i, row := range rows {
		if len(mapRow(row, mappings)) == 0 {
			return nil, &ValidationError{Row: i, Reason: "all mapped fields are empty"}
		}
	}
	return mappings, nil
}

// Run imports rows into schemaID one at a time. Under the fail-fast policy
// the first failing row stops the batch and is returned as a *BatchError;
// rows published before it stay published. Under continue-on-error every
// failing row is collected and the combined error lists them all.
func (im *Importer) Run(ctx context.Context, schemaID string, rows []Row, opts Options) (Result, error) {
	mappings, err := im.Validate(schemaID, rows)
	if err != nil {
		return Result{Progress: newProgress(len(rows))}, err
	}
	if opts.Policy == "" {
		opts.Policy = config.FailFast
	}
	if !opts.Policy.Valid() {
		return Result{Progress: newProgress(len(rows))}, &ValidationError{Row: -1, Reason: fmt.Sprintf("unknown failure policy %q", opts.Policy)}
	}
	if opts.Locale == "" {
		opts.Locale = "en-US"
	}

	resolver := im.resolver
	if opts.DryRun {
		resolver = NewDryRunResolver()
	}

	log := im.log.With(zap.String("schema", schemaID), zap.Int("rows", len(rows)))
	log.Info("import started", zap.String("policy", string(opts.Policy)), zap.Bool("dryRun", opts.DryRun))

	result := Result{Progress: newProgress(len(rows))}
	var errs error
	for i, row := range rows {
		if err := ctx.Err(); err != nil {
			errs = multierr.Append(errs, &BatchError{Row: i, Stage: StageMapping, Err: err})
			break
		}

		started := time.Now()
		entry, preview, batchErr := im.runRow(ctx, resolver, schemaID, i, row, mappings, opts)
		if batchErr != nil {
			im.metrics.RowDone(metrics.ResultFailed, time.Since(started))
			log.Warn("row failed", zap.Int("row", i), zap.String("stage", batchErr.Stage), zap.Error(batchErr.Err))
			result.Failures = append(result.Failures, batchErr)
			errs = multierr.Append(errs, batchErr)
			if opts.Policy == config.FailFast {
				break
			}
			result.Progress.Failed++
			result.Progress.recompute()
			notify(opts.OnProgress, result.Progress)
			continue
		}

		if opts.DryRun {
			im.metrics.RowDone(metrics.ResultSkipped, time.Since(started))
			result.Previews = append(result.Previews, preview)
		} else {
			im.metrics.RowDone(metrics.ResultPublished, time.Since(started))
			result.Entries = append(result.Entries, entry)
		}
		result.Progress.Completed++
		result.Progress.recompute()
		notify(opts.OnProgress, result.Progress)
	}

	if errs != nil {
		log.Error("import failed",
			zap.Int("completed", result.Progress.Completed),
			zap.Int("failed", len(result.Failures)),
			zap.Error(errs))
		return result, errs
	}
	log.Info("import completed", zap.Int("completed", result.Progress.Completed))
	return result, nil
}

func notify(fn func(Progress), p Progress) {
	if fn != nil {
		fn(p)
	}
}

func (im *Importer) runRow(ctx context.Context, resolver AssetResolver, schemaID string, index int, row Row, mappings []Mapping, opts Options) (store.Entry, Preview, *BatchError) {
	log := im.log.With(zap.Int("row", index))

	values := mapRow(row, mappings)
	log.Debug("row mapped", zap.Int("fields", len(values)))

	fields := make(store.Fields, len(values))
	for _, m := range mappings {
		value, ok := values[m.Field]
		if !ok {
			continue
		}
		if !m.RichText {
			fields[m.Field] = map[string]any{opts.Locale: value}
			continue
		}
		doc, err := im.convert(ctx, resolver, value)
		if err != nil {
			return store.Entry{}, Preview{}, &BatchError{Row: index, Stage: StageConversion, Err: fmt.Errorf("field %s: %w", m.Field, err)}
		}
		fields[m.Field] = map[string]any{opts.Locale: doc}
	}
	log.Debug("row converted")

	if opts.DryRun {
		return store.Entry{}, Preview{Row: index, Fields: fields}, nil
	}

	created, err := im.repo.CreateEntry(ctx, schemaID, fields)
	if err != nil {
		return store.Entry{}, Preview{}, &BatchError{Row: index, Stage: StageSubmission, Err: &EntrySubmissionError{Stage: "create", Err: err}}
	}
	log.Debug("entry created", zap.String("entry", created.ID))

	current, err := im.repo.FetchEntry(ctx, created.ID)
	if err != nil {
		return store.Entry{}, Preview{}, &BatchError{Row: index, Stage: StageRepublish, Err: &EntrySubmissionError{Stage: "fetch", EntryID: created.ID, Err: err}}
	}
	published, err := im.repo.PublishEntry(ctx, current.ID, current.Version)
	if err != nil {
		return store.Entry{}, Preview{}, &BatchError{Row: index, Stage: StageRepublish, Err: &EntrySubmissionError{Stage: "publish", EntryID: current.ID, Err: err}}
	}
	log.Debug("entry published", zap.String("entry", published.ID), zap.Int("version", published.Version))
	return published, Preview{}, nil
}

// convert builds the document, resolves its placeholders in order and
// splices the asset ids in.
func (im *Importer) convert(ctx context.Context, resolver AssetResolver, source string) (richtext.Document, error) {
	doc, placeholders := im.builder.Build(source)
	if len(placeholders) == 0 {
		return doc, nil
	}

	resolved := make(map[int]string, len(placeholders))
	for _, p := range placeholders {
		asset, err := resolver.Resolve(ctx, p.SourceURI)
		if err != nil {
			return richtext.Document{}, err
		}
		resolved[p.ID] = asset.ID
	}
	return richtext.Splice(doc, placeholders, resolved)
}

// mapRow returns the trimmed non-empty values of row keyed by target field.
func mapRow(row Row, mappings []Mapping) map[string]string {
	values := make(map[string]string, len(mappings))
	for _, m := range mappings {
		value := strings.TrimSpace(row[m.Header])
		if value == "" {
			continue
		}
		values[m.Field] = value
	}
	return values
}
