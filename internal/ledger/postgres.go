package ledger

import (
	"context"
	"database/sql"
	"errors"

	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/internal/filing"
	apperrors "github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/pkg/postgres"
)

// Schema creates the ledger table. It is idempotent and applied at start-up.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS filing_ledger (
		filing_id   TEXT PRIMARY KEY,
		state       SMALLINT NOT NULL CHECK (state IN (1, 2)),
		content_key  TEXT NOT NULL,
		content_type TEXT NOT NULL DEFAULT '',
		size         BIGINT NOT NULL DEFAULT 0,
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`ALTER TABLE filing_ledger ADD COLUMN IF NOT EXISTS content_type TEXT NOT NULL DEFAULT ''`,
	`ALTER TABLE filing_ledger ADD COLUMN IF NOT EXISTS size BIGINT NOT NULL DEFAULT 0`,
	`CREATE INDEX IF NOT EXISTS filing_ledger_state_idx ON filing_ledger (state)`,
}

// Postgres is the durable ledger. Row locks make MarkPublished a
// compare-and-set; MarkArchived relies on the primary key.
type Postgres struct {
	db *postgres.Client
}

// NewPostgres ensures the schema exists and returns the ledger.
func NewPostgres(ctx context.Context, db *postgres.Client) (*Postgres, error) {
	if err := db.Exec(ctx, Schema...); err != nil {
		return nil, apperrors.Ledger("creating ledger schema", err)
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) IsProcessed(ctx context.Context, filingID string) (bool, error) {
	return isProcessed(ctx, p, filingID)
}

func (p *Postgres) StateOf(ctx context.Context, filingID string) (Entry, error) {
	e := Entry{FilingID: filingID}
	var state int
	err := p.db.DB.QueryRowContext(ctx,
		`SELECT state, content_key, content_type, size, updated_at FROM filing_ledger WHERE filing_id = $1`,
		filingID,
	).Scan(&state, &e.ContentKey, &e.ContentType, &e.Size, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		e.State = filing.StateUnseen
		return e, nil
	}
	if err != nil {
		return Entry{}, apperrors.Ledger("reading ledger entry", err)
	}
	e.State = filing.State(state)
	return e, nil
}

func (p *Postgres) MarkArchived(ctx context.Context, filingID string, obj filing.Object) error {
	_, err := p.db.DB.ExecContext(ctx,
		`INSERT INTO filing_ledger (filing_id, state, content_key, content_type, size, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (filing_id) DO NOTHING`,
		filingID, int(filing.StateArchived), obj.Key, obj.ContentType, obj.Size,
	)
	if err != nil {
		return apperrors.Ledger("marking filing archived", err)
	}
	return nil
}

func (p *Postgres) MarkPublished(ctx context.Context, filingID string) error {
	err := p.db.InTx(ctx, func(tx *sql.Tx) error {
		var state int
		err := tx.QueryRowContext(ctx,
			`SELECT state FROM filing_ledger WHERE filing_id = $1 FOR UPDATE`, filingID,
		).Scan(&state)
		if errors.Is(err, sql.ErrNoRows) {
			return invalidTransition(filingID)
		}
		if err != nil {
			return err
		}
		if filing.State(state) == filing.StatePublished {
			return nil
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE filing_ledger SET state = $2, updated_at = now() WHERE filing_id = $1`,
			filingID, int(filing.StatePublished),
		)
		return err
	})
	if err != nil {
		if errors.Is(err, apperrors.ErrInvalidTransition) {
			return err
		}
		return apperrors.Ledger("marking filing published", err)
	}
	return nil
}

func (p *Postgres) Stats(ctx context.Context) (Stats, error) {
	rows, err := p.db.DB.QueryContext(ctx,
		`SELECT state, count(*) FROM filing_ledger GROUP BY state`)
	if err != nil {
		return Stats{}, apperrors.Ledger("counting ledger entries", err)
	}
	defer rows.Close()
	var s Stats
	for rows.Next() {
		var state int
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			return Stats{}, apperrors.Ledger("scanning ledger counts", err)
		}
		switch filing.State(state) {
		case filing.StateArchived:
			s.Archived = n
		case filing.StatePublished:
			s.Published = n
		}
	}
	if err := rows.Err(); err != nil {
		return Stats{}, apperrors.Ledger("iterating ledger counts", err)
	}
	return s, nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	if err := p.db.Ping(ctx); err != nil {
		return apperrors.Ledger("pinging ledger", err)
	}
	return nil
}
