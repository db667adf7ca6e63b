package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/PhantasyServer/pso2-protocol-lib/internal/ppac"
)

// RepackStats counts the files Repack handled.
type RepackStats struct {
	Files   int
	Skipped int
	Records int
}

// Repack rewrites every capture under src into outDir, keeping the layout
// relative to src, with or without compression. Files that are not captures
// are skipped.
func Repack(src, outDir string, compress bool, progress io.Writer) (RepackStats, error) {
	var stats RepackStats

	info, err := os.Stat(src)
	if err != nil {
		return stats, err
	}
	root := src
	if !info.IsDir() {
		root = filepath.Dir(src)
	}
	absOut, err := filepath.Abs(outDir)
	if err != nil {
		return stats, err
	}

	err = filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if abs, _ := filepath.Abs(path); abs == absOut {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		out := filepath.Join(outDir, rel)

		n, err := repackFile(path, out, compress)
		if errors.Is(err, ppac.ErrInvalidFile) {
			stats.Skipped++
			log.Debug().Str("file", path).Msg("not a capture, skipped")
			return nil
		}
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		stats.Files++
		stats.Records += n
		if progress != nil {
			fmt.Fprintln(progress, out)
		}
		return nil
	})
	return stats, err
}

func repackFile(path, out string, compress bool) (int, error) {
	in, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	r, err := ppac.Open(bufio.NewReader(in))
	if err != nil {
		return 0, err
	}
	defer r.Close()
	r.SetOutputType(ppac.OutputRaw)

	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return 0, err
	}
	f, err := os.Create(out)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	bw := bufio.NewWriter(f)
	w, err := ppac.NewWriter(bw, r.PacketType(), compress)
	if err != nil {
		return 0, err
	}

	n := 0
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			w.Close()
			return n, err
		}
		if err := w.WriteData(rec.Time, rec.Direction, rec.Data); err != nil {
			w.Close()
			return n, err
		}
		n++
	}
	if err := w.Close(); err != nil {
		return n, err
	}
	return n, bw.Flush()
}
