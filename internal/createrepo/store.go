package createrepo

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/getturnip/turnip/internal/virtinfo"
)

// State is the lifecycle position of a create ticket.
type State string

const (
	StatePending   State = "pending"
	StateConfirmed State = "confirmed"
	StateAborted   State = "aborted"
)

// ErrNotFound is returned for an unknown ticket ID.
var ErrNotFound = errors.New("createrepo: no such ticket")

// Ticket records a repository creation awaiting confirmation from the
// service that owns the authoritative repository metadata. The directory
// exists from ticket creation but only counts as durable once confirmed.
type Ticket struct {
	ID         string
	Pathname   string
	AuthParams virtinfo.AuthParams
	State      State
	CreatedAt  time.Time
}

// Store persists tickets in sqlite so pending directories left behind by
// an unclean stop are still reaped on the next start.
type Store struct {
	db *sql.DB
}

func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS create_tickets (
		id TEXT PRIMARY KEY,
		pathname TEXT NOT NULL,
		auth_params TEXT,
		state TEXT NOT NULL DEFAULT 'pending',
		created_at TIMESTAMP NOT NULL
	)`)
	return err
}

// Insert records a new pending ticket.
func (s *Store) Insert(t *Ticket) error {
	params, err := json.Marshal(t.AuthParams)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO create_tickets (id, pathname, auth_params, state, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		t.ID, t.Pathname, string(params), string(t.State), t.CreatedAt)
	return err
}

func (s *Store) scanTicket(row *sql.Row) (*Ticket, error) {
	var t Ticket
	var state, params string
	if err := row.Scan(&t.ID, &t.Pathname, &params, &state, &t.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	t.State = State(state)
	if params != "" {
		if err := json.Unmarshal([]byte(params), &t.AuthParams); err != nil {
			return nil, fmt.Errorf("createrepo: ticket %s auth params undecodable: %w", t.ID, err)
		}
	}
	return &t, nil
}

// Get returns the ticket with the given ID.
func (s *Store) Get(id string) (*Ticket, error) {
	row := s.db.QueryRow(
		`SELECT id, pathname, auth_params, state, created_at
		 FROM create_tickets WHERE id = ?`, id)
	return s.scanTicket(row)
}

// GetPendingByPath returns the pending ticket for a pathname, if any.
func (s *Store) GetPendingByPath(pathname string) (*Ticket, error) {
	row := s.db.QueryRow(
		`SELECT id, pathname, auth_params, state, created_at
		 FROM create_tickets WHERE pathname = ? AND state = 'pending'`, pathname)
	return s.scanTicket(row)
}

// Resolve moves a pending ticket to a terminal state. It reports whether
// this call performed the transition; when it did not, the ticket was
// already terminal and its state is returned unchanged.
func (s *Store) Resolve(id string, state State) (bool, State, error) {
	res, err := s.db.Exec(
		`UPDATE create_tickets SET state = ? WHERE id = ? AND state = 'pending'`,
		string(state), id)
	if err != nil {
		return false, "", err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, "", err
	}
	if n == 1 {
		return true, state, nil
	}
	t, err := s.Get(id)
	if err != nil {
		return false, "", err
	}
	return false, t.State, nil
}

// ListPendingBefore returns pending tickets created before the cutoff.
func (s *Store) ListPendingBefore(cutoff time.Time) ([]*Ticket, error) {
	rows, err := s.db.Query(
		`SELECT id, pathname, auth_params, state, created_at
		 FROM create_tickets WHERE state = 'pending' AND created_at < ?`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tickets []*Ticket
	for rows.Next() {
		var t Ticket
		var state, params string
		if err := rows.Scan(&t.ID, &t.Pathname, &params, &state, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.State = State(state)
		if params != "" {
			if err := json.Unmarshal([]byte(params), &t.AuthParams); err != nil {
				return nil, err
			}
		}
		tickets = append(tickets, &t)
	}
	return tickets, rows.Err()
}
