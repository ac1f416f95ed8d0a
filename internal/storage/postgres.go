package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres persists cell state in a single table keyed by
// (cell_kind, cell_key, slot). The etag is a monotonically increasing
// per-record version; compare-and-set is expressed in SQL so two silos can
// never both acknowledge conflicting writes.
type Postgres struct {
	pool *pgxpool.Pool
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS cell_state (
	cell_kind  text        NOT NULL,
	cell_key   text        NOT NULL,
	slot       text        NOT NULL,
	etag       bigint      NOT NULL,
	codec_tag  text        NOT NULL,
	payload    bytea       NOT NULL,
	updated_at timestamptz NOT NULL DEFAULT now(),
	PRIMARY KEY (cell_kind, cell_key, slot)
)`

func NewPostgres(ctx context.Context, pool *pgxpool.Pool) (*Postgres, error) {
	if _, err := pool.Exec(ctx, schemaDDL); err != nil {
		return nil, fmt.Errorf("storage: bootstrap cell_state: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Read(ctx context.Context, kind, key, slot string) (Record, error) {
	var (
		etag     int64
		codecTag string
		payload  []byte
	)
	err := p.pool.QueryRow(ctx,
		`SELECT etag, codec_tag, payload FROM cell_state
		 WHERE cell_kind = $1 AND cell_key = $2 AND slot = $3`,
		kind, key, slot,
	).Scan(&etag, &codecTag, &payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, errNotFound(kind, key, slot)
	}
	if err != nil {
		return Record{}, fmt.Errorf("storage: read %s/%s/%s: %w", kind, key, slot, err)
	}
	return Record{Data: payload, CodecTag: codecTag, ETag: ETag(strconv.FormatInt(etag, 10))}, nil
}

func (p *Postgres) Write(ctx context.Context, kind, key, slot string, data []byte, codecTag string, expected ETag) (ETag, error) {
	if expected == NoETag {
		// Must-not-exist insert. A duplicate key is a logical conflict.
		tag, err := p.pool.Exec(ctx,
			`INSERT INTO cell_state (cell_kind, cell_key, slot, etag, codec_tag, payload)
			 VALUES ($1, $2, $3, 1, $4, $5)
			 ON CONFLICT (cell_kind, cell_key, slot) DO NOTHING`,
			kind, key, slot, codecTag, data,
		)
		if err != nil {
			return NoETag, fmt.Errorf("storage: insert %s/%s/%s: %w", kind, key, slot, err)
		}
		if tag.RowsAffected() == 0 {
			return NoETag, errConflict(kind, key, slot)
		}
		return ETag("1"), nil
	}

	prev, err := strconv.ParseInt(string(expected), 10, 64)
	if err != nil {
		return NoETag, errConflict(kind, key, slot)
	}
	tag, err := p.pool.Exec(ctx,
		`UPDATE cell_state
		 SET etag = etag + 1, codec_tag = $4, payload = $5, updated_at = now()
		 WHERE cell_kind = $1 AND cell_key = $2 AND slot = $3 AND etag = $6`,
		kind, key, slot, codecTag, data, prev,
	)
	if err != nil {
		return NoETag, fmt.Errorf("storage: update %s/%s/%s: %w", kind, key, slot, err)
	}
	if tag.RowsAffected() == 0 {
		return NoETag, errConflict(kind, key, slot)
	}
	return ETag(strconv.FormatInt(prev+1, 10)), nil
}

func (p *Postgres) Clear(ctx context.Context, kind, key, slot string, expected ETag) error {
	prev, err := strconv.ParseInt(string(expected), 10, 64)
	if err != nil {
		return errConflict(kind, key, slot)
	}
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM cell_state
		 WHERE cell_kind = $1 AND cell_key = $2 AND slot = $3 AND etag = $4`,
		kind, key, slot, prev,
	)
	if err != nil {
		return fmt.Errorf("storage: clear %s/%s/%s: %w", kind, key, slot, err)
	}
	if tag.RowsAffected() == 0 {
		return errConflict(kind, key, slot)
	}
	return nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}
