package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true — if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search executes a UNION ALL query across sops and checklists using
// plainto_tsquery and ts_rank, with ts_headline for snippets.
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

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text}

	var subQueries []string

	if q.FilterType == "" || q.FilterType == ResultSOP {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'sop'::text AS type, d.id, d.title,
				ts_headline('english', coalesce(d.description, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				d.status, d.version,
				ts_rank(d.fts, %s) AS rank
			FROM sops d
			WHERE d.fts @@ %s AND d.status <> 'DELETED'`, tsQuery, tsQuery, tsQuery))
	}

	if q.FilterType == "" || q.FilterType == ResultChecklist {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'checklist'::text AS type, c.id, c.name AS title,
				ts_headline('english', coalesce(c.sop_title, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				c.status, c.sop_version AS version,
				ts_rank(c.fts, %s) AS rank
			FROM checklists c
			WHERE c.fts @@ %s`, tsQuery, tsQuery, tsQuery))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub",
		strings.Join(subQueries, " UNION ALL "))

	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, status, version
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`,
		strings.Join(subQueries, " UNION ALL "),
		limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.Status, &r.Version); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]SOPRecord, []ChecklistRecord, error) {
	sopRows, err := p.db.QueryContext(ctx, `
		SELECT d.id, d.title, d.description, d.status, d.version,
			coalesce(string_agg(st.title, ' ' ORDER BY st.order_index), '') AS step_text
		FROM sops d
		LEFT JOIN sop_steps st ON st.sop_id = d.id
		WHERE d.status <> 'DELETED'
		GROUP BY d.id
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load sops: %w", err)
	}
	defer sopRows.Close()

	sops := make([]SOPRecord, 0)
	for sopRows.Next() {
		var r SOPRecord
		if err := sopRows.Scan(&r.ID, &r.Title, &r.Description, &r.Status, &r.Version, &r.StepText); err != nil {
			return nil, nil, fmt.Errorf("scan sop: %w", err)
		}
		sops = append(sops, r)
	}
	if err := sopRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate sops: %w", err)
	}

	checklistRows, err := p.db.QueryContext(ctx, `
		SELECT id, name, sop_title, status FROM checklists
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load checklists: %w", err)
	}
	defer checklistRows.Close()

	checklists := make([]ChecklistRecord, 0)
	for checklistRows.Next() {
		var r ChecklistRecord
		if err := checklistRows.Scan(&r.ID, &r.Name, &r.SOPTitle, &r.Status); err != nil {
			return nil, nil, fmt.Errorf("scan checklist: %w", err)
		}
		checklists = append(checklists, r)
	}
	if err := checklistRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate checklists: %w", err)
	}

	return sops, checklists, nil
}
