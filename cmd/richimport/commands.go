package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"strings"
	"time"

	cli "github.com/urfave/cli/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	dbfiles "richimport/db"
	"richimport/internal/app"
	"richimport/internal/auth"
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
)

// staleRunAge is how long a run may stay "running" before startup marks it
// failed.
const staleRunAge = time.Hour

func migrationsFS(cfg config.Config) fs.FS {
	if strings.TrimSpace(cfg.MigrationsDir) != "" {
		return os.DirFS(cfg.MigrationsDir)
	}
	return dbfiles.Migrations()
}

func openDatabase(ctx context.Context, e *env) (*sql.DB, error) {
	db, err := store.Open(ctx, e.cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	applied, err := store.ApplyMigrations(ctx, db, migrationsFS(e.cfg))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("migrations failed: %w", err)
	}
	if len(applied) > 0 {
		e.log.Info("migrations applied", zap.Strings("versions", applied))
	}
	return db, nil
}

// resources holds the service and whatever must be closed with it.
type resources struct {
	service *app.Service
	db      *sql.DB
	search  *search.Service
	metrics *metrics.Metrics
	blobs   blob.Store
	closers []func() error
}

func (r *resources) Close() error {
	var err error
	for i := len(r.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, r.closers[i]())
	}
	return err
}

func openResources(ctx context.Context, e *env, mappings config.Mappings) (*resources, error) {
	rt := &resources{metrics: metrics.New()}

	db, err := openDatabase(ctx, e)
	if err != nil {
		return nil, err
	}
	rt.db = db
	rt.closers = append(rt.closers, db.Close)

	var meili *search.Meili
	if strings.TrimSpace(e.cfg.MeiliURL) != "" {
		meili = search.NewMeili(e.cfg.MeiliURL, e.cfg.MeiliMasterKey, e.log)
		rt.closers = append(rt.closers, func() error { meili.Close(); return nil })
	}
	rt.search = search.NewService(meili, search.NewPgFTS(db), e.log)

	if strings.TrimSpace(e.cfg.MinioEndpoint) != "" {
		minioStore, err := blob.NewMinioStore(ctx, blob.MinioConfig{
			Endpoint:  e.cfg.MinioEndpoint,
			AccessKey: e.cfg.MinioAccessKey,
			SecretKey: e.cfg.MinioSecretKey,
			Bucket:    e.cfg.MinioBucket,
			UseSSL:    e.cfg.MinioUseSSL,
		})
		if err != nil {
			_ = rt.Close()
			return nil, err
		}
		rt.blobs = minioStore
	} else {
		e.log.Info("no object storage configured, asset files are kept in memory")
		rt.blobs = blob.NewMemoryStore(strings.TrimRight(publicBaseURL(e.cfg.Addr), "/") + "/files")
	}

	var progressStore progress.Store
	if strings.TrimSpace(e.cfg.RedisURL) != "" {
		redisStore, err := progress.NewRedisStore(e.cfg.RedisURL, e.cfg.ProgressTTL)
		if err != nil {
			_ = rt.Close()
			return nil, fmt.Errorf("redis connection failed: %w", err)
		}
		rt.closers = append(rt.closers, redisStore.Close)
		progressStore = redisStore
	}

	deps := app.Deps{
		Store:    store.NewPostgresStore(db),
		Blobs:    rt.blobs,
		Fetcher:  media.NewFetcher(e.cfg.FetchTimeout, e.cfg.MaxAssetBytes),
		Search:   rt.search,
		Progress: progressStore,
		Metrics:  rt.metrics,
		Mappings: mappings,
	}
	if strings.TrimSpace(e.cfg.ArchiveDir) != "" {
		if err := os.MkdirAll(e.cfg.ArchiveDir, 0o755); err != nil {
			_ = rt.Close()
			return nil, fmt.Errorf("create archive dir: %w", err)
		}
		deps.Archive = gitrepo.New(e.cfg.ArchiveDir)
	}
	rt.service = app.New(e.cfg, deps, e.log)
	return rt, nil
}

func publicBaseURL(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "http://localhost" + addr
	}
	return "http://" + addr
}

func loadMappings(e *env, override string) (config.Mappings, error) {
	path := e.cfg.MappingsFile
	if override != "" {
		path = override
	}
	return config.LoadMappings(path)
}

func runImport(ctx context.Context, cmd *cli.Command) error {
	e := envFromContext(ctx)
	log := e.log.Named("import")

	mappings, err := loadMappings(e, cmd.String("mappings"))
	if err != nil {
		return err
	}

	f, err := os.Open(cmd.String("csv"))
	if err != nil {
		return fmt.Errorf("open input: %w", err)
	}
	rows, err := importer.ReadCSV(f)
	f.Close()
	if err != nil {
		return err
	}

	opts := importer.Options{
		Policy: e.cfg.FailurePolicy,
		DryRun: cmd.Bool("dry-run"),
		OnProgress: func(p importer.Progress) {
			log.Info("progress", zap.Int("completed", p.Completed), zap.Int("failed", p.Failed),
				zap.Int("total", p.Total), zap.Int("percentage", p.Percentage))
		},
	}
	if cmd.Bool("continue-on-error") {
		opts.Policy = config.ContinueOnError
	}

	if opts.DryRun {
		im := importer.New(nil, nil, mappings, e.log, nil)
		opts.Locale = e.cfg.DefaultLocale()
		result, err := im.Run(ctx, cmd.String("schema"), rows, opts)
		if err != nil {
			return err
		}
		return writeIndentedJSON(os.Stdout, result.Previews)
	}

	rt, err := openResources(ctx, e, mappings)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			log.Warn("close resources", zap.Error(err))
		}
	}()

	result, err := rt.service.RunImport(ctx, cmd.String("schema"), rows, opts)
	for _, entry := range result.Entries {
		fmt.Fprintln(os.Stdout, entry.ID)
	}
	if err != nil {
		return err
	}
	log.Info("import finished", zap.Int("published", len(result.Entries)))
	return nil
}

func runPreview(ctx context.Context, cmd *cli.Command) error {
	e := envFromContext(ctx)

	var (
		source []byte
		err    error
	)
	if name := cmd.String("html"); name == "-" {
		source, err = io.ReadAll(os.Stdin)
	} else {
		source, err = os.ReadFile(name)
	}
	if err != nil {
		return fmt.Errorf("read html: %w", err)
	}

	doc, placeholders := richtext.NewBuilder(e.log).Build(string(source))
	switch cmd.String("format") {
	case "html":
		_, err = io.WriteString(os.Stdout, richtext.RenderHTML(doc, nil))
		return err
	case "json":
		return writeIndentedJSON(os.Stdout, map[string]any{
			"document":     doc,
			"placeholders": placeholders,
		})
	default:
		return fmt.Errorf("unknown output format %q", cmd.String("format"))
	}
}

func runServe(ctx context.Context, _ *cli.Command) error {
	e := envFromContext(ctx)
	log := e.log.Named("serve")

	mappings, err := loadMappings(e, "")
	if err != nil {
		return err
	}
	rt, err := openResources(ctx, e, mappings)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			log.Warn("close resources", zap.Error(err))
		}
	}()

	if n, err := store.NewPostgresStore(rt.db).FailStaleImportRuns(ctx, time.Now().Add(-staleRunAge)); err != nil {
		log.Warn("fail stale import runs", zap.Error(err))
	} else if n > 0 {
		log.Info("stale import runs marked failed", zap.Int64("runs", n))
	}
	go rt.search.ReindexFromPG(ctx)

	verifier := auth.NewVerifier(e.cfg.APIKeyHash)
	if verifier == nil {
		log.Warn("no API key hash configured, API is open")
	}

	httpServer := app.NewHTTPServer(rt.service, verifier, rt.metrics, e.cfg.CORSOrigin, e.log)
	server := &http.Server{
		Addr:              e.cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", e.cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown error", zap.Error(err))
	}
	rt.service.Wait()
	return nil
}

func runMigrate(ctx context.Context, _ *cli.Command) error {
	e := envFromContext(ctx)
	db, err := openDatabase(ctx, e)
	if err != nil {
		return err
	}
	return db.Close()
}

func runHashKey(_ context.Context, cmd *cli.Command) error {
	key := cmd.String("key")
	if key == "" {
		generated, err := auth.GenerateKey()
		if err != nil {
			return err
		}
		key = generated
		fmt.Fprintf(os.Stdout, "key:  %s\n", key)
	}
	hash, err := auth.HashKey(key)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "hash: %s\n", hash)
	return nil
}

func writeIndentedJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
