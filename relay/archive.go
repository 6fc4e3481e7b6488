package relay

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const archiveSchema = `
CREATE TABLE IF NOT EXISTS relay_deltas (
	id         BIGSERIAL PRIMARY KEY,
	room       TEXT NOT NULL,
	sender     TEXT NOT NULL DEFAULT '',
	payload    BYTEA NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS relay_deltas_room_idx ON relay_deltas (room, id);
`

// Archive persists room delta frames in Postgres so catch-up survives
// relay restarts. It stores opaque wire frames, not document state:
// what the document store does with the document is somebody else's
// problem.
type Archive struct {
	pool *pgxpool.Pool
}

// NewArchive connects, verifies the connection and ensures the schema.
func NewArchive(ctx context.Context, dsn string) (*Archive, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("relay: open archive pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("relay: ping archive: %w", err)
	}
	if _, err := pool.Exec(ctx, archiveSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("relay: ensure archive schema: %w", err)
	}
	return &Archive{pool: pool}, nil
}

// Append stores one delta frame.
func (a *Archive) Append(ctx context.Context, room, sender string, payload []byte) error {
	_, err := a.pool.Exec(ctx,
		`INSERT INTO relay_deltas (room, sender, payload) VALUES ($1, $2, $3)`,
		room, sender, payload)
	if err != nil {
		return fmt.Errorf("relay: archive append: %w", err)
	}
	return nil
}

// Replay returns the newest limit frames for a room in chronological
// order.
func (a *Archive) Replay(ctx context.Context, room string, limit int) ([][]byte, error) {
	rows, err := a.pool.Query(ctx,
		`SELECT payload FROM (
			SELECT id, payload FROM relay_deltas WHERE room = $1 ORDER BY id DESC LIMIT $2
		) newest ORDER BY id ASC`,
		room, limit)
	if err != nil {
		return nil, fmt.Errorf("relay: archive replay: %w", err)
	}
	defer rows.Close()

	var out [][]byte
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("relay: archive replay scan: %w", err)
		}
		out = append(out, payload)
	}
	return out, rows.Err()
}

// Close releases the pool.
func (a *Archive) Close() {
	a.pool.Close()
}
