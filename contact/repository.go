package contact

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"dealflow/db"
)

// Repository stores transaction contacts.
type Repository struct {
	db db.Querier
}

// NewRepository wires a pgx-backed repository implementation.
func NewRepository(q db.Querier) *Repository {
	return &Repository{db: q}
}

var _ Store = (*Repository)(nil)

const contactColumns = `id::text, transaction_id::text, role, full_name, email, language, created_at`

func scanContact(row pgx.Row) (Contact, error) {
	var (
		c    Contact
		role string
	)
	if err := row.Scan(&c.ID, &c.TransactionID, &role, &c.FullName, &c.Email, &c.Language, &c.CreatedAt); err != nil {
		return Contact{}, err
	}
	c.Role = Role(role)
	return c, nil
}

func (r *Repository) Insert(ctx context.Context, c Contact) (Contact, error) {
	out, err := scanContact(r.db.QueryRow(ctx, `
		INSERT INTO transaction_contacts (transaction_id, role, full_name, email, language)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+contactColumns,
		c.TransactionID, string(c.Role), c.FullName, c.Email, c.Language,
	))
	if err != nil {
		return Contact{}, fmt.Errorf("contact: insert: %w", err)
	}
	return out, nil
}

// ListByTransaction returns contacts in insertion order.
func (r *Repository) ListByTransaction(ctx context.Context, transactionID string) ([]Contact, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+contactColumns+`
		FROM transaction_contacts
		WHERE transaction_id = $1
		ORDER BY created_at ASC, id ASC
	`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("contact: list: %w", err)
	}
	defer rows.Close()

	contacts := make([]Contact, 0)
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, fmt.Errorf("contact: scan: %w", err)
		}
		contacts = append(contacts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("contact: iterate: %w", err)
	}
	return contacts, nil
}
