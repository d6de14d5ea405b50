package store

import (
	"context"
	"time"

	"github.com/teranos/erpsync/errors"
)

// maxVariables stays below SQLite's default host parameter limit.
const maxVariables = 500

const (
	counterpartyUpsertQuery = `
		INSERT INTO counterparties (id, name, tax_id, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			tax_id = excluded.tax_id`

	counterpartyListQuery = `
		SELECT id, name, tax_id, created_at FROM counterparties ORDER BY id`
)

// Counterparty is a business partner referenced by invoices.
type Counterparty struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	TaxID     string    `json:"tax_id"`
	CreatedAt time.Time `json:"created_at"`
}

// UpsertCounterparty registers a counterparty or updates its name and tax id.
func (s *Store) UpsertCounterparty(ctx context.Context, c Counterparty) error {
	if c.ID == "" {
		return errors.NewInvalidRequestError("counterparty without id")
	}
	created := c.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	if _, err := s.db.ExecContext(ctx, counterpartyUpsertQuery, c.ID, c.Name, c.TaxID, formatTime(created)); err != nil {
		return errors.Wrapf(err, "upsert counterparty %s", c.ID)
	}
	return nil
}

// Counterparties lists every registered counterparty by id.
func (s *Store) Counterparties(ctx context.Context) ([]Counterparty, error) {
	rows, err := s.db.QueryContext(ctx, counterpartyListQuery)
	if err != nil {
		return nil, errors.Wrap(err, "query counterparties")
	}
	defer rows.Close()

	var out []Counterparty
	for rows.Next() {
		var (
			c  Counterparty
			at string
		)
		if err := rows.Scan(&c.ID, &c.Name, &c.TaxID, &at); err != nil {
			return nil, errors.Wrap(err, "scan counterparty")
		}
		if c.CreatedAt, err = parseTime(at); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate counterparties")
	}
	return out, nil
}

// CounterpartiesExist reports for each id whether it is registered.
func (s *Store) CounterpartiesExist(ctx context.Context, ids []string) (map[string]bool, error) {
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = false
	}

	for start := 0; start < len(ids); start += maxVariables {
		end := start + maxVariables
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]
		args := make([]interface{}, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}

		rows, err := s.db.QueryContext(ctx,
			"SELECT id FROM counterparties WHERE id IN ("+placeholders(len(chunk))+")", args...)
		if err != nil {
			return nil, errors.Wrap(err, "query counterparties")
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, errors.Wrap(err, "scan counterparty id")
			}
			out[id] = true
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, errors.Wrap(err, "iterate counterparty ids")
		}
	}
	return out, nil
}
