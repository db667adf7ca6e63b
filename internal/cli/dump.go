package cli

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/PhantasyServer/pso2-protocol-lib/internal/ppac"
	"github.com/PhantasyServer/pso2-protocol-lib/internal/protocol"
)

// DumpOptions controls Dump.
type DumpOptions struct {
	// ExtractDir receives the payload of every record that did not decode
	// to a known packet. Empty skips extraction.
	ExtractDir string
	// Pings includes ClientPing and ClientPong records.
	Pings bool
	// Table renders a table instead of one line per record.
	Table bool
}

// DumpStats counts what Dump saw.
type DumpStats struct {
	Records   int
	Unknown   int
	Raw       int
	Extracted int
}

func arrow(d ppac.Direction) string {
	if d == ppac.ToServer {
		return "(C -> S)"
	}
	return "(S -> C)"
}

func isPing(p protocol.Packet) bool {
	switch p.(type) {
	case *protocol.ClientPing, *protocol.ClientPong:
		return true
	}
	return false
}

// rawHeader reads the big endian id/subid/flags word of a frame.
func rawHeader(data []byte) uint32 {
	if len(data) < 8 {
		return 0
	}
	return binary.BigEndian.Uint32(data[4:8])
}

// Dump writes every record of r to w.
func Dump(w io.Writer, r *ppac.Reader, opts DumpOptions) (DumpStats, error) {
	var stats DumpStats
	r.SetOutputType(ppac.OutputBoth)
	if opts.ExtractDir != "" {
		if err := os.MkdirAll(opts.ExtractDir, 0o755); err != nil {
			return stats, fmt.Errorf("failed to create %s: %w", opts.ExtractDir, err)
		}
	}

	var table *tablewriter.Table
	if opts.Table {
		table = tablewriter.NewWriter(w)
		table.SetHeader([]string{"#", "Time", "Dir", "ID", "SubID", "Name", "Category", "Length"})
		table.SetBorder(true)
		table.SetAutoWrapText(false)
	}

	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if table != nil {
				table.Render()
			}
			return stats, err
		}
		if rec.Packet != nil && protocol.IsEmpty(rec.Packet) {
			continue
		}
		stats.Records++
		if rec.Packet != nil && isPing(rec.Packet) && !opts.Pings {
			continue
		}

		stamp := rec.Time.UTC().Format("15-04-05")
		if table != nil {
			table.Append(tableRow(stats.Records, rec))
		}

		switch p := rec.Packet.(type) {
		case nil:
			stats.Raw++
			header := rawHeader(rec.Data)
			if table == nil {
				fmt.Fprintf(w, "%s %s RAW { header: %X }: %v\n", arrow(rec.Direction), stamp, header, rec.ParseError)
			}
			if opts.ExtractDir != "" {
				name := fmt.Sprintf("%d_%X", rec.Time.UnixNano(), header)
				if err := os.WriteFile(filepath.Join(opts.ExtractDir, name), rec.Data, 0o644); err != nil {
					return stats, err
				}
				stats.Extracted++
			}
		case *protocol.Unknown:
			stats.Unknown++
			if table == nil {
				fmt.Fprintf(w, "%s %s { id: %X, subid: %X, flags: %s }\n",
					arrow(rec.Direction), stamp, p.Header.ID, p.Header.SubID, p.Header.Flags)
			}
			if opts.ExtractDir != "" {
				name := fmt.Sprintf("%d_%X_%X", rec.Time.UnixNano(), p.Header.ID, p.Header.SubID)
				if err := os.WriteFile(filepath.Join(opts.ExtractDir, name), p.Data, 0o644); err != nil {
					return stats, err
				}
				stats.Extracted++
			}
		default:
			if table == nil {
				fmt.Fprintf(w, "%s %s %s%s\n", arrow(rec.Direction), stamp, p.Name(), describe(p))
			}
		}
	}

	if table != nil {
		table.Render()
	}
	return stats, nil
}

func tableRow(n int, rec *ppac.Record) []string {
	name, category := "RAW", "-"
	var h protocol.Header
	if rec.Packet != nil {
		name = rec.Packet.Name()
		category = protocol.CategoryOf(rec.Packet).String()
		h, _ = protocol.HeaderOf(rec.Packet)
	} else if len(rec.Data) >= 8 {
		if rec.PacketType.IsNGS() {
			h.ID, h.SubID = rec.Data[5], binary.LittleEndian.Uint16(rec.Data[6:8])
		} else {
			h.ID, h.SubID = rec.Data[4], uint16(rec.Data[5])
		}
	}
	length := len(rec.Data)
	if length == 0 && rec.Packet != nil {
		length = len(protocol.Encode(rec.Packet, rec.PacketType))
	}
	return []string{
		fmt.Sprintf("%d", n),
		rec.Time.UTC().Format(time.RFC3339Nano),
		rec.Direction.String(),
		fmt.Sprintf("%02X", h.ID),
		fmt.Sprintf("%04X", h.SubID),
		name,
		category,
		fmt.Sprintf("%d", length),
	}
}

// describe prints the fields of p, or nothing for packets without a body.
func describe(p protocol.Packet) string {
	if protocol.IsUnit(p.Name()) {
		return ""
	}
	s := fmt.Sprintf("%+v", p)
	s = strings.TrimPrefix(s, "&")
	return strings.TrimSpace(s)
}
