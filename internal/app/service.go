package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"richimport/internal/assets"
	"richimport/internal/blob"
	"richimport/internal/config"
	"richimport/internal/gitrepo"
	"richimport/internal/importer"
	"richimport/internal/media"
	"richimport/internal/metrics"
	"richimport/internal/progress"
	"richimport/internal/richtext"
	"richimport/internal/search"
	"richimport/internal/store"
	"richimport/internal/util"
)

const importedAssetTitle = "Imported Image"

type dataStore interface {
	Ping(ctx context.Context) error
	FindAssetBySourceURI(ctx context.Context, uri string) (store.Asset, error)
	InsertAsset(ctx context.Context, asset store.Asset) (store.Asset, error)
	GetAsset(ctx context.Context, id string) (store.Asset, error)
	SaveAssetFiles(ctx context.Context, assetID string, files []store.AssetFile) (store.Asset, error)
	PublishAsset(ctx context.Context, id string, version int) (store.Asset, error)
	InsertEntry(ctx context.Context, entry store.Entry) (store.Entry, error)
	GetEntry(ctx context.Context, id string) (store.Entry, error)
	PublishEntry(ctx context.Context, id string, version int) (store.Entry, error)
	CreateImportRun(ctx context.Context, run store.ImportRun) (store.ImportRun, error)
	UpdateImportRun(ctx context.Context, run store.ImportRun) error
	GetImportRun(ctx context.Context, id string) (store.ImportRun, error)
}

type archiver interface {
	Archive(snap gitrepo.Snapshot) (store.CommitInfo, error)
	History(entryID string, limit int) ([]store.CommitInfo, error)
}

type fetcher interface {
	Fetch(ctx context.Context, uri string) (media.File, error)
}

type searchService interface {
	IndexEntry(rec search.EntryRecord)
	Search(q search.Query) search.Response
}

// Deps are the collaborators of a Service. Archive may be nil.
type Deps struct {
	Store    dataStore
	Blobs    blob.Store
	Fetcher  fetcher
	Archive  archiver
	Search   searchService
	Progress progress.Store
	Metrics  *metrics.Metrics
	Mappings config.Mappings
}

// Service is the content repository: it stores assets and entries and runs
// import batches against itself.
type Service struct {
	cfg      config.Config
	store    dataStore
	blobs    blob.Store
	fetcher  fetcher
	archive  archiver
	search   searchService
	progress progress.Store
	metrics  *metrics.Metrics
	mappings config.Mappings
	log      *zap.Logger

	runMu     sync.Mutex
	activeRun string
	runs      sync.WaitGroup
}

func New(cfg config.Config, deps Deps, log *zap.Logger) *Service {
	if deps.Progress == nil {
		deps.Progress = progress.NewMemoryStore()
	}
	if deps.Mappings == nil {
		deps.Mappings = config.DefaultMappings()
	}
	return &Service{
		cfg:      cfg,
		store:    deps.Store,
		blobs:    deps.Blobs,
		fetcher:  deps.Fetcher,
		archive:  deps.Archive,
		search:   deps.Search,
		progress: deps.Progress,
		metrics:  deps.Metrics,
		mappings: deps.Mappings,
		log:      log.Named("app"),
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) locales() []string {
	if len(s.cfg.Locales) == 0 {
		return []string{s.cfg.DefaultLocale()}
	}
	return s.cfg.Locales
}

// FindAssetBySourceURI reports whether an asset was created from uri.
func (s *Service) FindAssetBySourceURI(ctx context.Context, uri string) (store.Asset, bool, error) {
	asset, err := s.store.FindAssetBySourceURI(ctx, uri)
	if errors.Is(err, store.ErrNotFound) {
		return store.Asset{}, false, nil
	}
	if err != nil {
		return store.Asset{}, false, err
	}
	return asset, true, nil
}

// CreateAsset creates a pending asset for uri. When another writer created
// one first, that asset is returned instead.
func (s *Service) CreateAsset(ctx context.Context, uri string) (store.Asset, error) {
	asset, err := s.store.InsertAsset(ctx, store.Asset{
		ID:        util.NewID("ast"),
		SourceURI: uri,
		Title:     importedAssetTitle,
		FileName:  media.FileName(uri),
		Status:    store.AssetPending,
	})
	if errors.Is(err, store.ErrDuplicate) {
		s.log.Debug("asset created concurrently, reusing", zap.String("uri", uri))
		return s.store.FindAssetBySourceURI(ctx, uri)
	}
	if err != nil {
		return store.Asset{}, fmt.Errorf("create asset: %w", err)
	}
	return asset, nil
}

// ProcessAsset downloads the source once and stores one file per locale.
// It returns after every locale is recorded.
func (s *Service) ProcessAsset(ctx context.Context, id string) error {
	asset, err := s.store.GetAsset(ctx, id)
	if err != nil {
		return fmt.Errorf("load asset: %w", err)
	}
	file, err := s.fetcher.Fetch(ctx, asset.SourceURI)
	if err != nil {
		return fmt.Errorf("fetch asset source: %w", err)
	}

	fileName := asset.FileName
	if path.Ext(fileName) == "" {
		fileName += "." + file.Extension
	}

	locales := s.locales()
	files := make([]store.AssetFile, 0, len(locales))
	for _, locale := range locales {
		key := blob.AssetKey(asset.ID, locale, fileName)
		obj, err := s.blobs.Put(ctx, key, bytes.NewReader(file.Data), int64(len(file.Data)), file.ContentType)
		if err != nil {
			return fmt.Errorf("upload asset file %s: %w", locale, err)
		}
		files = append(files, store.AssetFile{
			Locale:      locale,
			ObjectKey:   obj.Key,
			URL:         obj.URL,
			ContentType: obj.ContentType,
			Size:        obj.Size,
		})
	}

	if _, err := s.store.SaveAssetFiles(ctx, asset.ID, files); err != nil {
		return fmt.Errorf("record asset files: %w", err)
	}
	s.log.Debug("asset processed", zap.String("asset", asset.ID), zap.String("contentType", file.ContentType),
		zap.Int("locales", len(files)))
	return nil
}

func (s *Service) FetchAsset(ctx context.Context, id string) (store.Asset, error) {
	return s.store.GetAsset(ctx, id)
}

func (s *Service) PublishAsset(ctx context.Context, id string, version int) (store.Asset, error) {
	return s.store.PublishAsset(ctx, id, version)
}

// CreateEntry stores a draft entry in schemaID.
func (s *Service) CreateEntry(ctx context.Context, schemaID string, fields store.Fields) (store.Entry, error) {
	entry, err := s.store.InsertEntry(ctx, store.Entry{
		ID:       util.NewID("ent"),
		SchemaID: schemaID,
		Fields:   fields,
		Title:    entryTitle(fields, s.cfg.DefaultLocale()),
		BodyText: entryBody(fields),
		Status:   store.EntryDraft,
	})
	if err != nil {
		return store.Entry{}, fmt.Errorf("create entry: %w", err)
	}
	return entry, nil
}

func (s *Service) FetchEntry(ctx context.Context, id string) (store.Entry, error) {
	return s.store.GetEntry(ctx, id)
}

// PublishEntry publishes the entry at version, then archives and indexes it.
// Archive and index failures are logged, not returned.
func (s *Service) PublishEntry(ctx context.Context, id string, version int) (store.Entry, error) {
	entry, err := s.store.PublishEntry(ctx, id, version)
	if err != nil {
		return store.Entry{}, err
	}

	if s.archive != nil {
		fields, err := json.Marshal(entry.Fields)
		if err != nil {
			s.log.Warn("encode entry snapshot", zap.String("entry", entry.ID), zap.Error(err))
		} else if _, err := s.archive.Archive(gitrepo.Snapshot{
			EntryID:  entry.ID,
			SchemaID: entry.SchemaID,
			Version:  version,
			Fields:   fields,
		}); err != nil {
			s.log.Warn("archive entry", zap.String("entry", entry.ID), zap.Error(err))
		}
	}
	if s.search != nil {
		s.search.IndexEntry(search.EntryRecord{
			ID:       entry.ID,
			SchemaID: entry.SchemaID,
			Title:    entry.Title,
			Body:     entry.BodyText,
		})
	}
	return entry, nil
}

// EntryHistory lists the archived revisions of an entry.
func (s *Service) EntryHistory(ctx context.Context, id string, limit int) ([]store.CommitInfo, error) {
	if _, err := s.store.GetEntry(ctx, id); err != nil {
		return nil, err
	}
	if s.archive == nil {
		return []store.CommitInfo{}, nil
	}
	return s.archive.History(id, limit)
}

// PreviewEntry renders every rich-text field of the entry as HTML.
func (s *Service) PreviewEntry(ctx context.Context, id string) (string, error) {
	entry, err := s.store.GetEntry(ctx, id)
	if err != nil {
		return "", err
	}
	locale := s.cfg.DefaultLocale()
	assetURL := func(assetID string) string {
		asset, err := s.store.GetAsset(ctx, assetID)
		if err != nil {
			return ""
		}
		if f, ok := asset.File(locale); ok {
			return f.URL
		}
		return ""
	}

	mappings, _ := s.mappings.For(entry.SchemaID)
	var sb strings.Builder
	for _, m := range mappings {
		if !m.RichText {
			continue
		}
		doc, ok := decodeDocument(entry.Fields[m.Field][locale])
		if !ok {
			continue
		}
		fmt.Fprintf(&sb, "<section data-field=%q>\n%s</section>\n", m.Field, richtext.RenderHTML(doc, assetURL))
	}
	return sb.String(), nil
}

func (s *Service) Search(q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(q)
}

// OpenFile streams a stored asset file.
func (s *Service) OpenFile(ctx context.Context, key string) (*blob.Object, []byte, error) {
	rc, obj, err := s.blobs.Get(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	defer rc.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(rc); err != nil {
		return nil, nil, fmt.Errorf("read file: %w", err)
	}
	return &obj, buf.Bytes(), nil
}

// RunImport runs a batch synchronously with its own resolver cache.
func (s *Service) RunImport(ctx context.Context, schemaID string, rows []importer.Row, opts importer.Options) (importer.Result, error) {
	if opts.Locale == "" {
		opts.Locale = s.cfg.DefaultLocale()
	}
	if opts.Policy == "" {
		opts.Policy = s.cfg.FailurePolicy
	}
	resolver := assets.NewResolver(s, s.log, s.metrics)
	im := importer.New(s, resolver, s.mappings, s.log, s.metrics)
	return im.Run(ctx, schemaID, rows, opts)
}

// StartImport validates the batch, records a run and processes it in the
// background. Only one batch runs at a time.
func (s *Service) StartImport(ctx context.Context, schemaID string, rows []importer.Row, continueOnError bool) (store.ImportRun, error) {
	im := importer.New(s, nil, s.mappings, s.log, nil)
	if _, err := im.Validate(schemaID, rows); err != nil {
		return store.ImportRun{}, err
	}

	runID := util.NewID("imp")
	if !s.beginRun(runID) {
		return store.ImportRun{}, domainError(http.StatusConflict, "IMPORT_RUNNING", "Another import is running", map[string]any{"runId": s.currentRun()})
	}

	run, err := s.store.CreateImportRun(ctx, store.ImportRun{
		ID:       runID,
		SchemaID: schemaID,
		Status:   store.ImportRunning,
		Total:    len(rows),
	})
	if err != nil {
		s.endRun()
		return store.ImportRun{}, err
	}
	s.saveProgress(ctx, run, importer.Progress{Total: len(rows)})

	policy := s.cfg.FailurePolicy
	if continueOnError {
		policy = config.ContinueOnError
	}

	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		defer s.endRun()
		s.executeRun(run, rows, policy)
	}()
	return run, nil
}

func (s *Service) executeRun(run store.ImportRun, rows []importer.Row, policy config.FailurePolicy) {
	ctx := context.Background()
	log := s.log.With(zap.String("run", run.ID))

	result, err := s.RunImport(ctx, run.SchemaID, rows, importer.Options{
		Policy: policy,
		OnProgress: func(p importer.Progress) {
			run.Completed = p.Completed
			run.Failed = p.Failed
			if err := s.store.UpdateImportRun(ctx, run); err != nil {
				log.Warn("update import run", zap.Error(err))
			}
			s.saveProgress(ctx, run, p)
		},
	})

	run.Completed = result.Progress.Completed
	run.Failed = result.Progress.Failed
	run.Status = store.ImportCompleted
	if err != nil {
		run.Error = err.Error()
		if policy == config.FailFast || result.Progress.Completed == 0 {
			run.Status = store.ImportFailed
		}
	}
	if updateErr := s.store.UpdateImportRun(ctx, run); updateErr != nil {
		log.Error("finish import run", zap.Error(updateErr))
	}
	s.saveProgress(ctx, run, result.Progress)
}

func (s *Service) saveProgress(ctx context.Context, run store.ImportRun, p importer.Progress) {
	err := s.progress.Save(ctx, progress.Snapshot{
		RunID:      run.ID,
		SchemaID:   run.SchemaID,
		Status:     string(run.Status),
		Total:      p.Total,
		Completed:  p.Completed,
		Failed:     p.Failed,
		Percentage: p.Percentage,
		Error:      run.Error,
		UpdatedAt:  time.Now().UTC(),
	})
	if err != nil {
		s.log.Warn("save progress", zap.String("run", run.ID), zap.Error(err))
	}
}

// ImportStatus prefers the live progress snapshot and falls back to the
// stored run once the snapshot has expired.
func (s *Service) ImportStatus(ctx context.Context, runID string) (progress.Snapshot, error) {
	snap, err := s.progress.Get(ctx, runID)
	if err == nil {
		return snap, nil
	}
	if !errors.Is(err, progress.ErrNotFound) {
		s.log.Warn("read progress", zap.String("run", runID), zap.Error(err))
	}

	run, err := s.store.GetImportRun(ctx, runID)
	if err != nil {
		return progress.Snapshot{}, err
	}
	p := importer.ProgressOf(run.Total, run.Completed, run.Failed)
	updated := run.StartedAt
	if run.FinishedAt != nil {
		updated = *run.FinishedAt
	}
	return progress.Snapshot{
		RunID:      run.ID,
		SchemaID:   run.SchemaID,
		Status:     string(run.Status),
		Total:      p.Total,
		Completed:  p.Completed,
		Failed:     p.Failed,
		Percentage: p.Percentage,
		Error:      run.Error,
		UpdatedAt:  updated,
	}, nil
}

// Wait blocks until background imports have finished.
func (s *Service) Wait() {
	s.runs.Wait()
}

func (s *Service) beginRun(runID string) bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.activeRun != "" {
		return false
	}
	s.activeRun = runID
	return true
}

func (s *Service) endRun() {
	s.runMu.Lock()
	s.activeRun = ""
	s.runMu.Unlock()
}

func (s *Service) currentRun() string {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.activeRun
}

// entryTitle picks the title shown in search results.
func entryTitle(fields store.Fields, locale string) string {
	for _, name := range []string{"title", "internalName"} {
		if v, ok := fields[name][locale].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// entryBody is the plain text of every rich-text field, in field order.
func entryBody(fields store.Fields) string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	var parts []string
	for _, name := range names {
		for _, value := range fields[name] {
			if doc, ok := decodeDocument(value); ok {
				if text := richtext.PlainText(doc); text != "" {
					parts = append(parts, text)
				}
			}
		}
	}
	return strings.Join(parts, "\n")
}

// decodeDocument accepts a Document or its decoded JSON form.
func decodeDocument(value any) (richtext.Document, bool) {
	switch v := value.(type) {
	case richtext.Document:
		return v, true
	case map[string]any:
		if v["nodeType"] != string(richtext.NodeDocument) {
			return richtext.Document{}, false
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return richtext.Document{}, false
		}
		var doc richtext.Document
		if err := json.Unmarshal(raw, &doc); err != nil {
			return richtext.Document{}, false
		}
		return doc, true
	default:
		return richtext.Document{}, false
	}
}
