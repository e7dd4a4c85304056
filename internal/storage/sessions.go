// Package storage - swap session persistence.
package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Cyrix126/bch-xmr-swap/internal/swap"
)

// Session errors
var (
	ErrSessionNotFound = errors.New("session not found")
)

// SessionSummary is the bookkeeping view of a stored session. It is
// readable without opening the sealed swap record.
type SessionSummary struct {
	ID        uuid.UUID `json:"id"`
	Role      string    `json:"role"`
	State     string    `json:"state"`
	BchAmount uint64    `json:"bch_amount"`
	XmrAmount uint64    `json:"xmr_amount"`
	Timelock1 uint32    `json:"timelock1"`
	Timelock2 uint32    `json:"timelock2"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SaveSession upserts a session. A session saved at any phase can be
// resumed from (Swap, State) alone, so both are written on every call.
func (s *Storage) SaveSession(id uuid.UUID, sw *swap.Swap, state swap.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	swapJSON, err := json.Marshal(sw)
	if err != nil {
		return fmt.Errorf("failed to serialize swap: %w", err)
	}
	sealed, err := s.seal(swapJSON)
	if err != nil {
		return fmt.Errorf("failed to seal swap record: %w", err)
	}

	stateData, err := swap.MarshalState(state)
	if err != nil {
		return fmt.Errorf("failed to serialize state: %w", err)
	}

	now := time.Now().Unix()

	_, err = s.db.Exec(`
		INSERT INTO sessions (
			id, role, state, bch_amount, xmr_amount, timelock1, timelock2,
			bch_network, xmr_network, swap, state_data, created_at, updated_at
		) VALUES (?, 'responder', ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			swap = excluded.swap,
			state_data = excluded.state_data,
			updated_at = excluded.updated_at
	`,
		id.String(), stateTag(stateData),
		sw.BchAmount, sw.XmrAmount, sw.Timelock1, sw.Timelock2,
		string(sw.BchNetwork), string(sw.XmrNetwork),
		sealed, stateData, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	return nil
}

// LoadSession reads back a stored session for resume.
func (s *Storage) LoadSession(id uuid.UUID) (*swap.Swap, swap.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sealed, stateData []byte
	err := s.db.QueryRow(`
		SELECT swap, state_data FROM sessions WHERE id = ?
	`, id.String()).Scan(&sealed, &stateData)
	if err == sql.ErrNoRows {
		return nil, nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load session: %w", err)
	}

	swapJSON, err := s.open(sealed)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open swap record: %w", err)
	}

	var sw swap.Swap
	if err := json.Unmarshal(swapJSON, &sw); err != nil {
		return nil, nil, fmt.Errorf("failed to decode swap: %w", err)
	}

	state, err := swap.UnmarshalState(stateData)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to decode state: %w", err)
	}

	return &sw, state, nil
}

// DeleteSession removes a session together with its queued messages.
// PrivTransition calls this on the safe-delete path, so the key material
// must not survive anywhere in the database.
func (s *Storage) DeleteSession(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin delete: %w", err)
	}
	defer tx.Rollback()

	sid := id.String()
	for _, stmt := range []string{
		"DELETE FROM sessions WHERE id = ?",
		"DELETE FROM message_outbox WHERE session_id = ?",
		"DELETE FROM message_inbox WHERE session_id = ?",
		"DELETE FROM message_sequences WHERE session_id = ?",
	} {
		if _, err := tx.Exec(stmt, sid); err != nil {
			return fmt.Errorf("failed to delete session: %w", err)
		}
	}

	return tx.Commit()
}

// GetSessionSummary returns the bookkeeping row for one session.
func (s *Storage) GetSessionSummary(id uuid.UUID) (*SessionSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT id, role, state, bch_amount, xmr_amount, timelock1, timelock2,
		       created_at, updated_at
		FROM sessions WHERE id = ?
	`, id.String())

	sum, err := scanSessionSummary(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return sum, nil
}

// ListSessions returns all stored sessions, most recently updated first.
func (s *Storage) ListSessions() ([]*SessionSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, role, state, bch_amount, xmr_amount, timelock1, timelock2,
		       created_at, updated_at
		FROM sessions
		ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*SessionSummary
	for rows.Next() {
		sum, err := scanSessionSummary(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, sum)
	}

	return sessions, rows.Err()
}

func scanSessionSummary(scan func(...any) error) (*SessionSummary, error) {
	var sum SessionSummary
	var idStr string
	var createdAt, updatedAt int64

	err := scan(
		&idStr, &sum.Role, &sum.State,
		&sum.BchAmount, &sum.XmrAmount, &sum.Timelock1, &sum.Timelock2,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	sum.ID, err = uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("corrupt session id %q: %w", idStr, err)
	}
	sum.CreatedAt = time.Unix(createdAt, 0)
	sum.UpdatedAt = time.Unix(updatedAt, 0)

	return &sum, nil
}

// stateTag pulls the phase tag out of a serialized state envelope.
func stateTag(stateData []byte) string {
	var env struct {
		State string `json:"state"`
	}
	if err := json.Unmarshal(stateData, &env); err != nil {
		return "unknown"
	}
	return env.State
}

func (s *Storage) seal(plaintext []byte) ([]byte, error) {
	if s.cipher == nil {
		return plaintext, nil
	}
	return s.cipher.Seal(plaintext)
}

func (s *Storage) open(ciphertext []byte) ([]byte, error) {
	if s.cipher == nil {
		return ciphertext, nil
	}
	return s.cipher.Open(ciphertext)
}
