package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"ticket-service/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

//go:embed schema.sql
var schemaSQL string

type Store struct {
	db *sqlx.DB
}

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// NewStoreFromDB wraps an existing connection (used with sqlmock in tests).
func NewStoreFromDB(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate applies the embedded schema. Every statement is IF NOT EXISTS.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// GetEventByID retrieves an event by ID
func (s *Store) GetEventByID(ctx context.Context, id int64) (*models.Event, error) {
	var event models.Event
	err := s.db.GetContext(ctx, &event, "SELECT * FROM events WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NewError(models.KindNotFound, fmt.Sprintf("event %d not found", id), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	return &event, nil
}

// GetAvailability returns capacity and the paid/pending quantities of an event
func (s *Store) GetAvailability(ctx context.Context, eventID int64) (*models.Availability, error) {
	query := `
		SELECT e.id AS event_id,
		       e.max_tickets AS capacity,
		       COALESCE(SUM(r.quantity) FILTER (WHERE r.status = 'Paid'), 0) AS paid,
		       COALESCE(SUM(r.quantity) FILTER (WHERE r.status = 'Pending'), 0) AS pending
		FROM events e
		LEFT JOIN reservations r ON r.event_id = e.id
		WHERE e.id = $1
		GROUP BY e.id`

	var av models.Availability
	err := s.db.GetContext(ctx, &av, query, eventID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NewError(models.KindNotFound, fmt.Sprintf("event %d not found", eventID), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get availability: %w", err)
	}

	av.Available = av.Capacity - av.Paid - av.Pending
	if av.Available < 0 {
		av.Available = 0
	}
	return &av, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
