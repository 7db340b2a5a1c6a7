// Package extract unpacks multi-part trace archives into a directory of
// per-aircraft trace files.
package extract

import (
	"archive/tar"
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/openairframes/tracepipe/internal/shared/logging"
)

// Extract streams the concatenation of archive parts through decompression
// into destDir, then deletes the consumed parts to reclaim disk space.
//
// Idempotent: when destDir already exists the whole step is skipped. The
// archive is unpacked into a temporary sibling directory and renamed into
// place on success, so partial extraction is never observed as complete.
func Extract(ctx context.Context, parts []string, destDir string, log logging.Logger) error {
	if len(parts) == 0 {
		return fmt.Errorf("no archive parts for %s", destDir)
	}

	if _, err := os.Stat(destDir); err == nil {
		log.Info("Extraction directory already exists, skipping", "dest", destDir)
		return nil
	}

	parts = SortParts(parts)

	tmpDir := destDir + ".tmp"
	if err := os.RemoveAll(tmpDir); err != nil {
		return fmt.Errorf("clear stale temp dir %s: %w", tmpDir, err)
	}
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return fmt.Errorf("create temp dir %s: %w", tmpDir, err)
	}

	files, written, err := unpack(ctx, parts, tmpDir)
	if err != nil {
		os.RemoveAll(tmpDir)
		return fmt.Errorf("extract to %s: %w", destDir, err)
	}

	if err := os.Rename(tmpDir, destDir); err != nil {
		os.RemoveAll(tmpDir)
		return fmt.Errorf("finalize %s: %w", destDir, err)
	}

	log.Info("Extracted archive", "dest", destDir, "parts", len(parts), "files", files, "bytes", written)

	for _, part := range parts {
		if err := os.Remove(part); err != nil {
			log.Warn("Failed to delete consumed archive part", "part", part, "error", err)
			continue
		}
		log.Debug("Deleted archive part", "part", part)
	}

	return nil
}

func unpack(ctx context.Context, parts []string, destDir string) (files int, written int64, err error) {
	readers := make([]io.Reader, 0, len(parts))
	for _, part := range parts {
		f, err := os.Open(part)
		if err != nil {
			return 0, 0, fmt.Errorf("open part %s: %w", part, err)
		}
		defer f.Close()
		readers = append(readers, f)
	}

	br := bufio.NewReaderSize(io.MultiReader(readers...), 1<<20)
	var stream io.Reader = br
	if magic, err := br.Peek(2); err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return 0, 0, fmt.Errorf("gzip: %w", err)
		}
		defer gz.Close()
		stream = gz
	}

	tr := tar.NewReader(stream)
	for {
		if err := ctx.Err(); err != nil {
			return files, written, err
		}

		hdr, err := tr.Next()
		if err == io.EOF {
			return files, written, nil
		}
		if err != nil {
			return files, written, fmt.Errorf("tar: %w", err)
		}

		// The archive wraps everything in a single top-level directory;
		// strip that leading component like tar --strip-components=1.
		name := stripLeading(hdr.Name)
		if name == "" {
			continue
		}
		target, err := securePath(destDir, name)
		if err != nil {
			return files, written, err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return files, written, err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return files, written, err
			}
			n, err := writeFile(target, tr)
			if err != nil {
				return files, written, err
			}
			files++
			written += n
		}
	}
}

func writeFile(target string, r io.Reader) (int64, error) {
	f, err := os.Create(target)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(f, r)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	return n, err
}

func stripLeading(name string) string {
	name = strings.TrimPrefix(name, "./")
	if i := strings.IndexByte(name, '/'); i >= 0 {
		return name[i+1:]
	}
	return ""
}

func securePath(destDir, name string) (string, error) {
	target := filepath.Join(destDir, filepath.FromSlash(name))
	if !strings.HasPrefix(target, filepath.Clean(destDir)+string(os.PathSeparator)) {
		return "", fmt.Errorf("archive entry escapes destination: %s", name)
	}
	return target, nil
}

// SortParts orders archive parts for concatenation: numeric suffixes first in
// numeric order, then alphabetic suffixes, then everything else by name.
func SortParts(parts []string) []string {
	sorted := make([]string, len(parts))
	copy(sorted, parts)

	sort.SliceStable(sorted, func(i, j int) bool {
		ci, ni, si := partKey(sorted[i])
		cj, nj, sj := partKey(sorted[j])
		if ci != cj {
			return ci < cj
		}
		if ci == 0 {
			return ni < nj
		}
		return si < sj
	})
	return sorted
}

// partKey classifies a part by its filename suffix after the last dot:
// class 0 numeric (ordered by value), class 1 alphabetic (ordered
// lexically), class 2 other (ordered by base name).
func partKey(path string) (class, num int, s string) {
	base := filepath.Base(path)
	i := strings.LastIndexByte(base, '.')
	if i < 0 || i == len(base)-1 {
		return 2, 0, base
	}
	suffix := base[i+1:]
	if n, err := strconv.Atoi(suffix); err == nil {
		return 0, n, ""
	}
	if isAlpha(suffix) {
		return 1, 0, suffix
	}
	return 2, 0, base
}

func isAlpha(s string) bool {
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') {
			return false
		}
	}
	return len(s) > 0
}
