// Package cli holds the ppactool commands and the proxy's interactive
// console.
package cli

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/PhantasyServer/pso2-protocol-lib/internal/db"
	"github.com/PhantasyServer/pso2-protocol-lib/internal/ppac"
	"github.com/PhantasyServer/pso2-protocol-lib/internal/protocol"
	"github.com/PhantasyServer/pso2-protocol-lib/internal/serde"
	"github.com/PhantasyServer/pso2-protocol-lib/internal/worker"
)

// NewPPACToolCommand builds the ppactool command tree.
func NewPPACToolCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "ppactool",
		Short: "Inspect, repack and index PSO2 packet captures",
		Long: `ppactool works with PPAC capture files written by pso2proxy.

Examples:
  ppactool dump session.ppac
  ppactool dump --table session.ppac
  ppactool repack --compress=false captures/ out/
  ppactool index --db captures/index.db captures/*.ppac
  ppactool convert --type ngs --format msgpack <hex>`,
		SilenceUsage: true,
	}

	root.AddCommand(newDumpCommand())
	root.AddCommand(newRepackCommand())
	root.AddCommand(newIndexCommand())
	root.AddCommand(newSessionsCommand())
	root.AddCommand(newConvertCommand())
	return root
}

func newDumpCommand() *cobra.Command {
	var opts DumpOptions
	var extract bool
	cmd := &cobra.Command{
		Use:   "dump <file.ppac>",
		Short: "Print every record of a capture",
		Long: `Print one line per record: direction, time and the decoded packet.

With --extract the payloads of unknown and undecodable packets are written
to <name>_extract next to the capture.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			r, err := ppac.Open(bufio.NewReader(f))
			if err != nil {
				return err
			}
			defer r.Close()

			if extract {
				opts.ExtractDir = strings.TrimSuffix(args[0], filepath.Ext(args[0])) + "_extract"
			}
			out := cmd.OutOrStdout()
			stats, err := Dump(out, r, opts)
			fmt.Fprintf(cmd.ErrOrStderr(), "%d records, %d unknown, %d undecodable, %d extracted\n",
				stats.Records, stats.Unknown, stats.Raw, stats.Extracted)
			return err
		},
	}
	cmd.Flags().BoolVar(&opts.Table, "table", false, "render a table")
	cmd.Flags().BoolVar(&opts.Pings, "pings", false, "include ping and pong packets")
	cmd.Flags().BoolVar(&extract, "extract", false, "write unknown payloads to files")
	return cmd
}

func newRepackCommand() *cobra.Command {
	var compress bool
	cmd := &cobra.Command{
		Use:   "repack <file-or-dir> [out-dir]",
		Short: "Rewrite captures with or without compression",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := "out"
			if len(args) == 2 {
				out = args[1]
			}
			stats, err := Repack(args[0], out, compress, cmd.OutOrStdout())
			fmt.Fprintf(cmd.ErrOrStderr(), "%d files repacked, %d skipped, %d records\n",
				stats.Files, stats.Skipped, stats.Records)
			return err
		},
	}
	cmd.Flags().BoolVar(&compress, "compress", true, "zstd compress the records")
	return cmd
}

func newIndexCommand() *cobra.Command {
	var dbPath string
	cmd := &cobra.Command{
		Use:   "index <file.ppac>...",
		Short: "Load captures into the capture index",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := db.NewCaptureIndex(dbPath)
			if err != nil {
				return err
			}
			defer idx.Close()

			failed := 0
			for _, path := range args {
				s, err := IndexCapture(idx, path)
				if err != nil {
					failed++
					fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", path, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  %d packets, %s\n",
					s.ID, path, s.Packets, humanize.Bytes(uint64(s.Bytes)))
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d captures failed", failed, len(args))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "captures/index.db", "capture index path")
	return cmd
}

func newSessionsCommand() *cobra.Command {
	var dbPath string
	var limit int
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List indexed sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := db.NewCaptureIndex(dbPath)
			if err != nil {
				return err
			}
			defer idx.Close()

			sessions, err := idx.Sessions(cmd.Context(), limit)
			if err != nil {
				return err
			}
			RenderSessions(cmd.OutOrStdout(), sessions)
			return nil
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "captures/index.db", "capture index path")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum sessions to list")
	return cmd
}

// RenderSessions writes indexed sessions as a table.
func RenderSessions(w io.Writer, sessions []db.Session) {
	tw := tablewriter.NewWriter(w)
	tw.SetHeader([]string{"ID", "Client", "Type", "Started", "Duration", "Packets", "Size", "Reason"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)

	for _, s := range sessions {
		duration, reason := "live", s.Reason
		if s.EndedAt != nil {
			duration = s.EndedAt.Sub(s.StartedAt).Truncate(time.Second).String()
		}
		if reason == "" {
			reason = "-"
		}
		client := s.ClientAddr
		if client == "" {
			client = "-"
		}
		tw.Append([]string{
			shortID(s.ID),
			client,
			s.PacketType,
			s.StartedAt.Local().Format("2006-01-02 15:04:05"),
			duration,
			fmt.Sprintf("%d", s.Packets),
			humanize.Bytes(uint64(s.Bytes)),
			reason,
		})
	}
	tw.Render()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func newConvertCommand() *cobra.Command {
	var typeName, to, formatName string
	cmd := &cobra.Command{
		Use:   "convert [input]",
		Short: "Convert between wire hex and serialized packets",
		Long: `Convert hex encoded wire bytes to serialized packets (--to ser), or a
serialized packet back to wire hex (--to raw). Input is read from stdin when
no argument is given. Binary formats are read and written as base64.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pt, err := protocol.ParsePacketType(typeName)
			if err != nil {
				return err
			}
			f, err := serde.ParseFormat(formatName)
			if err != nil {
				return err
			}

			var input []byte
			if len(args) == 1 {
				input = []byte(args[0])
			} else if input, err = io.ReadAll(cmd.InOrStdin()); err != nil {
				return err
			}

			w := worker.New(pt, f)
			switch to {
			case "ser":
				lines, err := ConvertToSer(w, string(input))
				for _, l := range lines {
					fmt.Fprintln(cmd.OutOrStdout(), l)
				}
				return err
			case "raw":
				out, err := ConvertToRaw(w, input)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), out)
				return nil
			default:
				return fmt.Errorf("unknown target %q, want ser or raw", to)
			}
		},
	}
	cmd.Flags().StringVarP(&typeName, "type", "t", "ngs", "packet type")
	cmd.Flags().StringVarP(&formatName, "format", "f", "json", "serialized format")
	cmd.Flags().StringVar(&to, "to", "ser", "target: ser or raw")
	return cmd
}

// ConvertToSer decodes hex wire bytes and serializes every packet in them.
// Binary formats are base64 encoded.
func ConvertToSer(w *worker.Worker, hexInput string) ([]string, error) {
	raw, err := hex.DecodeString(strings.Join(strings.Fields(hexInput), ""))
	if err != nil {
		return nil, fmt.Errorf("input is not valid hex: %w", err)
	}
	var out []string
	for next := raw; ; next = nil {
		ser, err := w.ParsePacket(next)
		if err != nil {
			return out, err
		}
		if w.Format() == serde.JSON {
			out = append(out, string(ser))
		} else {
			out = append(out, base64.StdEncoding.EncodeToString(ser))
		}
		if w.Pending() == 0 {
			return out, nil
		}
	}
}

// ConvertToRaw turns one serialized packet into wire hex.
func ConvertToRaw(w *worker.Worker, input []byte) (string, error) {
	input = bytes.TrimSpace(input)
	if w.Format() != serde.JSON {
		decoded, err := base64.StdEncoding.DecodeString(string(input))
		if err != nil {
			return "", fmt.Errorf("input is not valid base64: %w", err)
		}
		input = decoded
	}
	raw, err := w.CreatePacket(input)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}
