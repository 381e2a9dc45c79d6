package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// PostgresCollection keeps entries as JSONB rows of the activity_entries
// table. Appends are single INSERTs, so concurrent writers never lose
// entries.
type PostgresCollection struct {
	db      *sql.DB
	name    string
	metrics *Metrics
}

func NewPostgresCollection(db *sql.DB, name string, m *Metrics) *PostgresCollection {
	return &PostgresCollection{db: db, name: name, metrics: m}
}

// OpenPostgres returns a Set whose collections share db.
func OpenPostgres(db *sql.DB, m *Metrics) *Set {
	return &Set{
		Inbox:    NewPostgresCollection(db, Inbox, m),
		Outbox:   NewPostgresCollection(db, Outbox, m),
		Messages: NewPostgresCollection(db, Messages, m),
	}
}

func (c *PostgresCollection) Name() string { return c.name }

func (c *PostgresCollection) Load(ctx context.Context) ([]json.RawMessage, error) {
	const q = `
SELECT entry
FROM activity_entries
WHERE collection = $1
ORDER BY id;
`
	rows, err := c.db.QueryContext(ctx, q, c.name)
	if err != nil {
		c.metrics.storeError(c.name, "load")
		return nil, fmt.Errorf("store %s: query: %w", c.name, err)
	}
	defer func() { _ = rows.Close() }()

	out := []json.RawMessage{}
	for rows.Next() {
		var entry []byte
		if err := rows.Scan(&entry); err != nil {
			c.metrics.storeError(c.name, "load")
			return nil, fmt.Errorf("store %s: scan: %w", c.name, err)
		}
		if !json.Valid(entry) {
			c.metrics.corrupt(c.name)
			continue
		}
		out = append(out, json.RawMessage(entry))
	}
	if err := rows.Err(); err != nil {
		c.metrics.storeError(c.name, "load")
		return nil, fmt.Errorf("store %s: rows: %w", c.name, err)
	}
	return out, nil
}

func (c *PostgresCollection) Append(ctx context.Context, entry any) error {
	b, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("store %s: encode entry: %w", c.name, err)
	}
	const q = `
INSERT INTO activity_entries (collection, entry)
VALUES ($1, $2::jsonb);
`
	if _, err := c.db.ExecContext(ctx, q, c.name, string(b)); err != nil {
		c.metrics.storeError(c.name, "append")
		return fmt.Errorf("store %s: insert: %w", c.name, err)
	}
	c.metrics.appended(c.name)
	return nil
}
