package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	stdlog "log"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"scenesync/core"
)

type rowStore struct {
	db *sql.DB
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func NewRowStore(dataSourceName string) core.SessionStore {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		stdlog.Fatal(err)
	}
	// upserts read back the row inside a transaction; one writer avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)

	// Create controllers table
	controllersTable := `CREATE TABLE IF NOT EXISTS controllers (
		id TEXT PRIMARY KEY,
		state TEXT,
		command TEXT,
		command_stamp TEXT,
		updated_at INTEGER NOT NULL
	);`
	if _, err = db.Exec(controllersTable); err != nil {
		stdlog.Fatal(err)
	}

	// Create sessions table
	sessionsTable := `CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		last_active INTEGER NOT NULL
	);`
	if _, err = db.Exec(sessionsTable); err != nil {
		stdlog.Fatal(err)
	}

	return &rowStore{db}
}

func readRow(ctx context.Context, q querier, id string) (*core.Row, error) {
	var (
		state, command, stamp sql.NullString
		row                   = core.Row{ID: id}
	)
	err := q.QueryRowContext(ctx,
		"SELECT state, command, command_stamp, updated_at FROM controllers WHERE id = ?", id).
		Scan(&state, &command, &stamp, &row.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("session %s: %w", id, core.ErrRowNotFound)
		}
		return nil, err
	}
	if state.Valid {
		row.State = json.RawMessage(state.String)
	}
	if command.Valid {
		row.Command = json.RawMessage(command.String)
	}
	row.CommandStamp = stamp.String
	return &row, nil
}

func (s *rowStore) Get(ctx context.Context, id string) (*core.Row, error) {
	log := logrus.WithField("session_id", id)
	log.Debug("Retrieving row by session")

	row, err := readRow(ctx, s.db, id)
	if err != nil {
		if errors.Is(err, core.ErrRowNotFound) {
			log.Debug("Row with specified session not found")
		} else {
			log.WithField("error", err).Error("Failed to retrieve row")
		}
		return nil, err
	}
	return row, nil
}

// write runs fn in a transaction and returns the row image it leaves behind.
func (s *rowStore) write(ctx context.Context, id string, fn func(tx *sql.Tx) (bool, error)) (*core.Row, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = tx.Rollback() }()

	changed, err := fn(tx)
	if err != nil || !changed {
		return nil, false, err
	}
	row, err := readRow(ctx, tx, id)
	if err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return row, true, nil
}

func (s *rowStore) UpsertState(ctx context.Context, id string, state json.RawMessage) (*core.RowChange, error) {
	if id == "" {
		return nil, fmt.Errorf("session id is required")
	}
	log := logrus.WithFields(logrus.Fields{
		"session_id":   id,
		"state_length": len(state),
	})

	kind := core.ChangeUpdate
	row, _, err := s.write(ctx, id, func(tx *sql.Tx) (bool, error) {
		var exists int
		err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM controllers WHERE id = ?", id).Scan(&exists)
		if err != nil {
			return false, err
		}
		if exists == 0 {
			kind = core.ChangeInsert
		}
		_, err = tx.ExecContext(ctx,
			"INSERT INTO controllers (id, state, updated_at) VALUES (?, ?, ?) ON CONFLICT(id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at",
			id, string(state), time.Now().UnixMilli())
		return err == nil, err
	})
	if err != nil {
		log.WithField("error", err).Error("Failed to upsert state")
		return nil, err
	}

	log.WithField("change_type", kind).Debug("State upserted successfully")
	return &core.RowChange{Type: kind, New: *row}, nil
}

func (s *rowStore) SetCommand(ctx context.Context, id string, command json.RawMessage) (*core.RowChange, error) {
	stamp, err := core.CommandStamp(command)
	if err != nil {
		return nil, err
	}
	log := logrus.WithFields(logrus.Fields{
		"session_id":    id,
		"command_stamp": stamp,
	})

	row, _, err := s.write(ctx, id, func(tx *sql.Tx) (bool, error) {
		result, err := tx.ExecContext(ctx,
			"UPDATE controllers SET command = ?, command_stamp = ?, updated_at = ? WHERE id = ?",
			string(command), stamp, time.Now().UnixMilli(), id)
		if err != nil {
			return false, err
		}
		n, err := result.RowsAffected()
		if err != nil {
			return false, err
		}
		if n == 0 {
			return false, fmt.Errorf("session %s: %w", id, core.ErrRowNotFound)
		}
		return true, nil
	})
	if err != nil {
		if !errors.Is(err, core.ErrRowNotFound) {
			log.WithField("error", err).Error("Failed to store command")
		}
		return nil, err
	}

	log.Debug("Command stored successfully")
	return &core.RowChange{Type: core.ChangeUpdate, New: *row}, nil
}

func (s *rowStore) ClearCommand(ctx context.Context, id, stamp string) (*core.RowChange, error) {
	log := logrus.WithFields(logrus.Fields{
		"session_id":    id,
		"command_stamp": stamp,
	})

	query := "UPDATE controllers SET command = NULL, command_stamp = NULL, updated_at = ? WHERE id = ? AND command IS NOT NULL"
	args := []any{time.Now().UnixMilli(), id}
	if stamp != "" {
		query += " AND command_stamp = ?"
		args = append(args, stamp)
	}

	row, changed, err := s.write(ctx, id, func(tx *sql.Tx) (bool, error) {
		result, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return false, err
		}
		n, err := result.RowsAffected()
		if err != nil {
			return false, err
		}
		if n > 0 {
			return true, nil
		}
		// nothing cleared; tell a missing row apart from a stamp mismatch
		if _, err := readRow(ctx, tx, id); err != nil {
			return false, err
		}
		return false, nil
	})
	if err != nil {
		if !errors.Is(err, core.ErrRowNotFound) {
			log.WithField("error", err).Error("Failed to clear command")
		}
		return nil, err
	}
	if !changed {
		log.Debug("Command already replaced or cleared")
		return nil, nil
	}

	log.Debug("Command cleared successfully")
	return &core.RowChange{Type: core.ChangeUpdate, New: *row}, nil
}

func (s *rowStore) TouchSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session id is required")
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO sessions (id, last_active) VALUES (?, ?) ON CONFLICT(id) DO UPDATE SET last_active = excluded.last_active",
		sessionID, time.Now().UnixMilli())
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"session_id": sessionID,
			"error":      err,
		}).Error("Failed to touch session")
	}
	return err
}

func (s *rowStore) ListSessions(ctx context.Context) ([]core.Session, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, last_active FROM sessions")
	if err != nil {
		logrus.WithField("error", err).Error("Failed to list sessions")
		return nil, err
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			logrus.WithError(cerr).Warn("Failed to close session rows")
		}
	}()

	sessions := make([]core.Session, 0)
	for rows.Next() {
		var session core.Session
		if err := rows.Scan(&session.ID, &session.LastActive); err != nil {
			logrus.WithField("error", err).Error("Failed to scan session")
			continue
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].LastActive == sessions[j].LastActive {
			return sessions[i].ID < sessions[j].ID
		}
		return sessions[i].LastActive > sessions[j].LastActive
	})
	return sessions, nil
}
