package persona

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed persona store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const personaColumns = `
	id, user_id, name, industry, tone, catchphrase, target_audience,
	content_style, introduction, keywords, taboos, created_at, updated_at`

func scanPersona(row interface{ Scan(...any) error }) (*Persona, error) {
	p := &Persona{}
	err := row.Scan(&p.ID, &p.UserID, &p.Name, &p.Industry, &p.Tone,
		&p.Catchphrase, &p.TargetAudience, &p.ContentStyle, &p.Introduction,
		pq.Array(&p.Keywords), pq.Array(&p.Taboos), &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Get retrieves a persona by id.
func (s *PostgresStore) Get(ctx context.Context, id int64) (*Persona, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+personaColumns+` FROM projects WHERE id = $1`, id)
	p, err := scanPersona(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

// ListByUser retrieves all personas owned by a user.
func (s *PostgresStore) ListByUser(ctx context.Context, userID int64) ([]*Persona, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+personaColumns+` FROM projects WHERE user_id = $1 ORDER BY updated_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var personas []*Persona
	for rows.Next() {
		p, err := scanPersona(rows)
		if err != nil {
			return nil, err
		}
		personas = append(personas, p)
	}
	return personas, rows.Err()
}
