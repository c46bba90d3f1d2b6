package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a unique constraint rejects an insert.
	ErrDuplicate = errors.New("duplicate")
)

const uniqueViolation = "23505"

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const assetColumns = `id, source_uri, title, file_name, status, version, published_version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAsset(row rowScanner) (Asset, error) {
	var (
		asset     Asset
		published sql.NullInt64
	)
	err := row.Scan(&asset.ID, &asset.SourceURI, &asset.Title, &asset.FileName, &asset.Status,
		&asset.Version, &published, &asset.CreatedAt, &asset.UpdatedAt)
	if err != nil {
		return Asset{}, err
	}
	asset.PublishedVersion = nullableInt(published)
	return asset, nil
}

// FindAssetBySourceURI returns ErrNotFound when no asset was created for uri.
func (s *PostgresStore) FindAssetBySourceURI(ctx context.Context, uri string) (Asset, error) {
	asset, err := scanAsset(s.db.QueryRowContext(ctx, `SELECT `+assetColumns+` FROM assets WHERE source_uri=$1`, uri))
	if errors.Is(err, sql.ErrNoRows) {
		return Asset{}, ErrNotFound
	}
	if err != nil {
		return Asset{}, fmt.Errorf("find asset by source uri: %w", err)
	}
	files, err := s.listAssetFiles(ctx, asset.ID)
	if err != nil {
		return Asset{}, err
	}
	asset.Files = files
	return asset, nil
}

// InsertAsset creates a pending asset. A concurrent insert for the same
// source URI yields ErrDuplicate.
func (s *PostgresStore) InsertAsset(ctx context.Context, asset Asset) (Asset, error) {
	if asset.Status == "" {
		asset.Status = AssetPending
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO assets (id, source_uri, title, file_name, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+assetColumns,
		asset.ID, asset.SourceURI, asset.Title, asset.FileName, asset.Status,
	)
	created, err := scanAsset(row)
	if err != nil {
		if isUniqueViolation(err) {
			return Asset{}, ErrDuplicate
		}
		return Asset{}, fmt.Errorf("insert asset: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) GetAsset(ctx context.Context, id string) (Asset, error) {
	asset, err := scanAsset(s.db.QueryRowContext(ctx, `SELECT `+assetColumns+` FROM assets WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Asset{}, ErrNotFound
	}
	if err != nil {
		return Asset{}, fmt.Errorf("get asset: %w", err)
	}
	files, err := s.listAssetFiles(ctx, id)
	if err != nil {
		return Asset{}, err
	}
	asset.Files = files
	return asset, nil
}

func (s *PostgresStore) listAssetFiles(ctx context.Context, assetID string) ([]AssetFile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT locale, object_key, url, content_type, size_bytes
		FROM asset_files
		WHERE asset_id=$1
		ORDER BY locale
	`, assetID)
	if err != nil {
		return nil, fmt.Errorf("list asset files: %w", err)
	}
	defer rows.Close()

	files := []AssetFile{}
	for rows.Next() {
		var f AssetFile
		if err := rows.Scan(&f.Locale, &f.ObjectKey, &f.URL, &f.ContentType, &f.Size); err != nil {
			return nil, fmt.Errorf("scan asset file: %w", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// SaveAssetFiles records the processed files and moves the asset to the
// processed state, bumping its version.
func (s *PostgresStore) SaveAssetFiles(ctx context.Context, assetID string, files []AssetFile) (Asset, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Asset{}, fmt.Errorf("begin save asset files tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, f := range files {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO asset_files (asset_id, locale, object_key, url, content_type, size_bytes)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (asset_id, locale) DO UPDATE
			SET object_key=EXCLUDED.object_key, url=EXCLUDED.url,
			    content_type=EXCLUDED.content_type, size_bytes=EXCLUDED.size_bytes
		`, assetID, f.Locale, f.ObjectKey, f.URL, f.ContentType, f.Size); err != nil {
			return Asset{}, fmt.Errorf("save asset file %s: %w", f.Locale, err)
		}
	}

	asset, err := scanAsset(tx.QueryRowContext(ctx, `
		UPDATE assets
		SET status='processed', version=version+1, updated_at=NOW()
		WHERE id=$1
		RETURNING `+assetColumns, assetID))
	if errors.Is(err, sql.ErrNoRows) {
		return Asset{}, ErrNotFound
	}
	if err != nil {
		return Asset{}, fmt.Errorf("mark asset processed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Asset{}, fmt.Errorf("commit save asset files tx: %w", err)
	}
	asset.Files = files
	return asset, nil
}

// PublishAsset publishes the asset at version. A stale version yields
// ErrVersionConflict.
func (s *PostgresStore) PublishAsset(ctx context.Context, id string, version int) (Asset, error) {
	asset, err := scanAsset(s.db.QueryRowContext(ctx, `
		UPDATE assets
		SET status='published', published_version=version, version=version+1, updated_at=NOW()
		WHERE id=$1 AND version=$2
		RETURNING `+assetColumns, id, version))
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := s.GetAsset(ctx, id); getErr != nil {
			return Asset{}, getErr
		}
		return Asset{}, ErrVersionConflict
	}
	if err != nil {
		return Asset{}, fmt.Errorf("publish asset: %w", err)
	}
	files, err := s.listAssetFiles(ctx, id)
	if err != nil {
		return Asset{}, err
	}
	asset.Files = files
	return asset, nil
}

const entryColumns = `id, schema_id, fields, title, body_text, status, version, published_version, created_at, updated_at`

func scanEntry(row rowScanner) (Entry, error) {
	var (
		entry     Entry
		fields    []byte
		published sql.NullInt64
	)
	err := row.Scan(&entry.ID, &entry.SchemaID, &fields, &entry.Title, &entry.BodyText, &entry.Status,
		&entry.Version, &published, &entry.CreatedAt, &entry.UpdatedAt)
	if err != nil {
		return Entry{}, err
	}
	if err := json.Unmarshal(fields, &entry.Fields); err != nil {
		return Entry{}, fmt.Errorf("decode entry fields: %w", err)
	}
	entry.PublishedVersion = nullableInt(published)
	return entry, nil
}

func (s *PostgresStore) InsertEntry(ctx context.Context, entry Entry) (Entry, error) {
	fields, err := json.Marshal(entry.Fields)
	if err != nil {
		return Entry{}, fmt.Errorf("encode entry fields: %w", err)
	}
	created, err := scanEntry(s.db.QueryRowContext(ctx, `
		INSERT INTO entries (id, schema_id, fields, title, body_text, status)
		VALUES ($1, $2, $3::jsonb, $4, $5, 'draft')
		RETURNING `+entryColumns,
		entry.ID, entry.SchemaID, string(fields), entry.Title, entry.BodyText,
	))
	if err != nil {
		if isUniqueViolation(err) {
			return Entry{}, ErrDuplicate
		}
		return Entry{}, fmt.Errorf("insert entry: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) GetEntry(ctx context.Context, id string) (Entry, error) {
	entry, err := scanEntry(s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM entries WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("get entry: %w", err)
	}
	return entry, nil
}

// PublishEntry publishes the entry at version. A stale version yields
// ErrVersionConflict.
func (s *PostgresStore) PublishEntry(ctx context.Context, id string, version int) (Entry, error) {
	entry, err := scanEntry(s.db.QueryRowContext(ctx, `
		UPDATE entries
		SET status='published', published_version=version, version=version+1, updated_at=NOW()
		WHERE id=$1 AND version=$2
		RETURNING `+entryColumns, id, version))
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := s.GetEntry(ctx, id); getErr != nil {
			return Entry{}, getErr
		}
		return Entry{}, ErrVersionConflict
	}
	if err != nil {
		return Entry{}, fmt.Errorf("publish entry: %w", err)
	}
	return entry, nil
}

func (s *PostgresStore) CreateImportRun(ctx context.Context, run ImportRun) (ImportRun, error) {
	if run.Status == "" {
		run.Status = ImportRunning
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO import_runs (id, schema_id, status, total, completed, failed)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING started_at
	`, run.ID, run.SchemaID, run.Status, run.Total, run.Completed, run.Failed).Scan(&run.StartedAt)
	if err != nil {
		return ImportRun{}, fmt.Errorf("create import run: %w", err)
	}
	return run, nil
}

// UpdateImportRun stores progress. A non-running status also stamps
// finished_at.
func (s *PostgresStore) UpdateImportRun(ctx context.Context, run ImportRun) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE import_runs
		SET status=$2, total=$3, completed=$4, failed=$5, error=$6,
		    finished_at = CASE WHEN $2 <> 'running' THEN NOW() ELSE NULL END
		WHERE id=$1
	`, run.ID, run.Status, run.Total, run.Completed, run.Failed, run.Error)
	if err != nil {
		return fmt.Errorf("update import run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetImportRun(ctx context.Context, id string) (ImportRun, error) {
	var (
		run      ImportRun
		finished sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, schema_id, status, total, completed, failed, error, started_at, finished_at
		FROM import_runs WHERE id=$1
	`, id).Scan(&run.ID, &run.SchemaID, &run.Status, &run.Total, &run.Completed, &run.Failed, &run.Error, &run.StartedAt, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return ImportRun{}, ErrNotFound
	}
	if err != nil {
		return ImportRun{}, fmt.Errorf("get import run: %w", err)
	}
	if finished.Valid {
		t := finished.Time
		run.FinishedAt = &t
	}
	return run, nil
}

// FailStaleImportRuns marks runs left running by a previous process as failed.
func (s *PostgresStore) FailStaleImportRuns(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE import_runs
		SET status='failed', error='interrupted', finished_at=NOW()
		WHERE status='running' AND started_at < $1
	`, before)
	if err != nil {
		return 0, fmt.Errorf("fail stale import runs: %w", err)
	}
	return res.RowsAffected()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func nullableInt(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}
