package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/PhantasyServer/pso2-protocol-lib/internal/events"
)

// ErrNotFound is returned for unknown session ids.
var ErrNotFound = errors.New("not found")

// CaptureIndex stores sessions and their packets.
type CaptureIndex struct {
	db *store
}

// Session is one proxied client, or one imported capture file.
type Session struct {
	ID          string     `json:"id"`
	ClientAddr  string     `json:"client_addr"`
	Upstream    string     `json:"upstream"`
	PacketType  string     `json:"packet_type"`
	CapturePath string     `json:"capture_path"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	Reason      string     `json:"reason,omitempty"`
	Packets     int64      `json:"packets"`
	Bytes       int64      `json:"bytes"`
}

// PacketRow is one indexed packet.
type PacketRow struct {
	SessionID string    `json:"session_id"`
	Seq       int64     `json:"seq"`
	Time      time.Time `json:"time"`
	Direction string    `json:"direction"`
	ID        uint8     `json:"id"`
	SubID     uint16    `json:"subid"`
	Name      string    `json:"name"`
	Category  string    `json:"category"`
	Length    int       `json:"length"`
}

// NewCaptureIndex opens the index at dbPath and migrates its schema.
func NewCaptureIndex(dbPath string) (*CaptureIndex, error) {
	st, err := openStore(dbPath)
	if err != nil {
		return nil, err
	}
	if err := st.migrate(schema); err != nil {
		st.close()
		return nil, fmt.Errorf("failed to migrate capture index: %w", err)
	}
	return &CaptureIndex{db: st}, nil
}

// schema holds the index migrations in order. Append, never edit.
var schema = []string{
	`CREATE TABLE sessions (
		id TEXT PRIMARY KEY,
		client_addr TEXT NOT NULL DEFAULT '',
		upstream TEXT NOT NULL DEFAULT '',
		packet_type TEXT NOT NULL,
		capture_path TEXT NOT NULL DEFAULT '',
		started_at INTEGER NOT NULL,
		ended_at INTEGER,
		reason TEXT NOT NULL DEFAULT '',
		packets INTEGER NOT NULL DEFAULT 0,
		bytes INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX idx_sessions_started ON sessions(started_at);
	CREATE INDEX idx_sessions_capture ON sessions(capture_path);`,

	`CREATE TABLE packets (
		session_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		time INTEGER NOT NULL,
		direction TEXT NOT NULL,
		id INTEGER NOT NULL,
		subid INTEGER NOT NULL,
		name TEXT NOT NULL,
		category TEXT NOT NULL,
		length INTEGER NOT NULL,
		PRIMARY KEY (session_id, seq),
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);
	CREATE INDEX idx_packets_name ON packets(name);`,
}

// Close closes the index.
func (idx *CaptureIndex) Close() error { return idx.db.close() }

// OpenSession inserts s, replacing an earlier session with the same id.
func (idx *CaptureIndex) OpenSession(s Session) error {
	_, err := idx.db.exec(`
		INSERT OR REPLACE INTO sessions (id, client_addr, upstream, packet_type, capture_path, started_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		s.ID, s.ClientAddr, s.Upstream, s.PacketType, s.CapturePath, s.StartedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to open session %s: %w", s.ID, err)
	}
	return nil
}

// CloseSession records the end of a session.
func (idx *CaptureIndex) CloseSession(id, reason string, endedAt time.Time, packets, bytes int64) error {
	res, err := idx.db.exec(`
		UPDATE sessions SET ended_at = ?, reason = ?, packets = ?, bytes = ? WHERE id = ?`,
		endedAt.UnixNano(), reason, packets, bytes, id)
	if err != nil {
		return fmt.Errorf("failed to close session %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

// AddPackets appends rows in one transaction. Rows without a sequence number
// are numbered after the last stored packet of their session.
func (idx *CaptureIndex) AddPackets(rows []PacketRow) error {
	if len(rows) == 0 {
		return nil
	}
	return idx.db.inTx(func(tx *sql.Tx) error {
		next := map[string]int64{}
		stmt, err := tx.Prepare(`
			INSERT INTO packets (session_id, seq, time, direction, id, subid, name, category, length)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, r := range rows {
			seq := r.Seq
			if seq == 0 {
				n, ok := next[r.SessionID]
				if !ok {
					if err := tx.QueryRow(`SELECT COALESCE(MAX(seq), 0) FROM packets WHERE session_id = ?`,
						r.SessionID).Scan(&n); err != nil {
						return err
					}
				}
				seq = n + 1
			}
			next[r.SessionID] = seq
			if _, err := stmt.Exec(r.SessionID, seq, r.Time.UnixNano(), r.Direction,
				r.ID, r.SubID, r.Name, r.Category, r.Length); err != nil {
				return fmt.Errorf("failed to index packet %d of %s: %w", seq, r.SessionID, err)
			}
		}
		return nil
	})
}

const sessionColumns = `id, client_addr, upstream, packet_type, capture_path, started_at, ended_at, reason, packets, bytes`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row scanner) (Session, error) {
	var s Session
	var started int64
	var ended sql.NullInt64
	if err := row.Scan(&s.ID, &s.ClientAddr, &s.Upstream, &s.PacketType, &s.CapturePath,
		&started, &ended, &s.Reason, &s.Packets, &s.Bytes); err != nil {
		return s, err
	}
	s.StartedAt = time.Unix(0, started).UTC()
	if ended.Valid {
		t := time.Unix(0, ended.Int64).UTC()
		s.EndedAt = &t
	}
	return s, nil
}

// Sessions lists the most recent sessions first.
func (idx *CaptureIndex) Sessions(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := idx.db.query(ctx, `SELECT `+sessionColumns+` FROM sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Session returns one session.
func (idx *CaptureIndex) Session(ctx context.Context, id string) (Session, error) {
	s, err := scanSession(idx.db.queryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return s, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return s, err
}

// Packets lists the packets of a session in order. An empty name matches
// every packet.
func (idx *CaptureIndex) Packets(ctx context.Context, sessionID, name string, limit, offset int) ([]PacketRow, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := idx.db.query(ctx, `
		SELECT session_id, seq, time, direction, id, subid, name, category, length
		FROM packets
		WHERE session_id = ? AND (? = '' OR name = ?)
		ORDER BY seq LIMIT ? OFFSET ?`,
		sessionID, name, name, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PacketRow
	for rows.Next() {
		var r PacketRow
		var ts int64
		if err := rows.Scan(&r.SessionID, &r.Seq, &ts, &r.Direction, &r.ID, &r.SubID,
			&r.Name, &r.Category, &r.Length); err != nil {
			return nil, err
		}
		r.Time = time.Unix(0, ts).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// ForgetCapture drops the sessions recorded into path.
func (idx *CaptureIndex) ForgetCapture(path string) (int64, error) {
	res, err := idx.db.exec(`DELETE FROM sessions WHERE capture_path = ?`, path)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// HandleEvent keeps the index in step with the proxy's event bus.
func (idx *CaptureIndex) HandleEvent(ctx context.Context, e events.Event) error {
	switch p := e.Payload.(type) {
	case events.SessionOpenedPayload:
		return idx.OpenSession(Session{
			ID:          p.SessionID,
			ClientAddr:  p.ClientAddr,
			Upstream:    p.Upstream,
			PacketType:  p.PacketType.String(),
			CapturePath: p.CapturePath,
			StartedAt:   p.StartedAt,
		})
	case events.SessionClosedPayload:
		return idx.CloseSession(p.SessionID, p.Reason, p.EndedAt, p.Packets, p.Bytes)
	case events.PacketRelayedPayload:
		return idx.AddPackets([]PacketRow{{
			SessionID: p.SessionID,
			Seq:       p.Seq,
			Time:      p.Time,
			Direction: p.Direction.String(),
			ID:        p.ID,
			SubID:     p.SubID,
			Name:      p.Name,
			Category:  p.Category.String(),
			Length:    p.Length,
		}})
	case events.CaptureRemovedPayload:
		_, err := idx.ForgetCapture(p.Path)
		return err
	}
	return nil
}

// Subscribe registers the index on bus.
func (idx *CaptureIndex) Subscribe(bus *events.EventBus) {
	for _, t := range []events.EventType{
		events.EventSessionOpened,
		events.EventSessionClosed,
		events.EventPacketRelayed,
		events.EventCaptureRemoved,
	} {
		bus.Subscribe(t, "capture_index", idx.HandleEvent)
	}
}
