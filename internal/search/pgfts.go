package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher on the generated tsvector column of entries.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; without Postgres nothing else works either.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search ranks published entries with ts_rank and builds snippets with
// ts_headline.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	where := "e.status = 'published' AND e.fts @@ plainto_tsquery('english', $1)"
	args := []any{q.Text}
	if q.SchemaID != "" {
		args = append(args, q.SchemaID)
		where += fmt.Sprintf(" AND e.schema_id = $%d", len(args))
	}

	var total int
	if err := p.db.QueryRow(`SELECT COUNT(*) FROM entries e WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT e.id, e.schema_id, e.title,
			ts_headline('english', coalesce(e.body_text, ''), plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30') AS snippet
		FROM entries e
		WHERE %s
		ORDER BY ts_rank(e.fts, plainto_tsquery('english', $1)) DESC, e.id
		LIMIT $%d OFFSET $%d`, where, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := p.db.Query(query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts search: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.SchemaID, &r.Title, &r.Snippet); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns every published entry for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]EntryRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, schema_id, title, body_text
		FROM entries
		WHERE status = 'published'
		ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("load entry records: %w", err)
	}
	defer rows.Close()

	var records []EntryRecord
	for rows.Next() {
		var r EntryRecord
		if err := rows.Scan(&r.ID, &r.SchemaID, &r.Title, &r.Body); err != nil {
			return nil, fmt.Errorf("scan entry record: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
