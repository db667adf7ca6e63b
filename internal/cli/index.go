package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/PhantasyServer/pso2-protocol-lib/internal/db"
	"github.com/PhantasyServer/pso2-protocol-lib/internal/ppac"
	"github.com/PhantasyServer/pso2-protocol-lib/internal/protocol"
)

const (
	indexBatch = 500
	// ReasonImported marks sessions loaded from a capture file.
	ReasonImported = "imported"
)

// ImportID derives a stable session id from a capture path, so importing
// the same file twice replaces the earlier rows.
func ImportID(absPath string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("file://"+filepath.ToSlash(absPath))).String()
}

// IndexCapture loads the capture at path into idx as one session.
func IndexCapture(idx *db.CaptureIndex, path string) (db.Session, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return db.Session{}, err
	}
	f, err := os.Open(abs)
	if err != nil {
		return db.Session{}, err
	}
	defer f.Close()

	r, err := ppac.Open(bufio.NewReader(f))
	if err != nil {
		return db.Session{}, err
	}
	defer r.Close()
	r.SetOutputType(ppac.OutputBoth)

	if _, err := idx.ForgetCapture(abs); err != nil {
		return db.Session{}, fmt.Errorf("failed to drop earlier import: %w", err)
	}

	session := db.Session{
		ID:          ImportID(abs),
		PacketType:  r.PacketType().String(),
		CapturePath: abs,
	}
	var rows []db.PacketRow
	var seq, bytes int64
	var last time.Time
	opened := false

	flush := func() error {
		if len(rows) == 0 {
			return nil
		}
		err := idx.AddPackets(rows)
		rows = rows[:0]
		return err
	}

	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return session, err
		}
		if rec.Packet != nil && protocol.IsEmpty(rec.Packet) {
			continue
		}
		if !opened {
			session.StartedAt = rec.Time
			if err := idx.OpenSession(session); err != nil {
				return session, err
			}
			opened = true
		}

		seq++
		last = rec.Time
		row := db.PacketRow{
			SessionID: session.ID,
			Seq:       seq,
			Time:      rec.Time,
			Direction: rec.Direction.String(),
			Name:      "Raw",
			Category:  protocol.CategoryUnknown.String(),
			Length:    len(rec.Data),
		}
		if rec.Packet != nil {
			h, _ := protocol.HeaderOf(rec.Packet)
			row.ID, row.SubID = h.ID, h.SubID
			row.Name = rec.Packet.Name()
			row.Category = protocol.CategoryOf(rec.Packet).String()
		}
		bytes += int64(row.Length)
		rows = append(rows, row)
		if len(rows) >= indexBatch {
			if err := flush(); err != nil {
				return session, err
			}
		}
	}

	if !opened {
		return session, fmt.Errorf("%s: capture holds no records", path)
	}
	if err := flush(); err != nil {
		return session, err
	}
	if err := idx.CloseSession(session.ID, ReasonImported, last, seq, bytes); err != nil {
		return session, err
	}
	session.EndedAt = &last
	session.Reason = ReasonImported
	session.Packets = seq
	session.Bytes = bytes
	return session, nil
}
