// Package pathcompression packs a batch of run folder entries into a single
// compressed tar archive.
package pathcompression

import (
	"archive/tar"
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"

	"github.com/paulschiretz/pgl-runsync/pkg/metrics"
	"github.com/paulschiretz/pgl-runsync/pkg/pathscan"
	"github.com/paulschiretz/pgl-runsync/pkg/plog"
	"github.com/paulschiretz/pgl-runsync/pkg/pool"
)

const tempSuffix = ".tmp"

// Builder writes compressed tar archives. It is safe for concurrent use.
type Builder struct {
	format  Format
	level   Level
	buffers *pool.CopyBuffers
	metrics metrics.Metrics
}

// NewBuilder creates a Builder for plan. A nil m disables metrics.
func NewBuilder(plan *Plan, m metrics.Metrics) *Builder {
	if m == nil {
		m = &metrics.NoopMetrics{}
	}
	size := plan.BufferSizeKB * 1024
	if size <= 0 {
		size = 256 * 1024
	}
	format := plan.Format
	if format == "" {
		format = TarGz
	}
	return &Builder{
		format:  format,
		level:   plan.Level,
		buffers: pool.NewCopyBuffers(size),
		metrics: m,
	}
}

// Format returns the archive format written by the builder.
func (b *Builder) Format() Format { return b.format }

// Build writes members into absArchivePath. Each member is stored
// non-recursively under its path relative to rootDir. Directories become empty
// directory headers and symlinks are stored as links.
//
// The archive is written to a temporary file next to absArchivePath and
// renamed into place only after it was closed successfully. On error nothing
// is left behind. The returned entries carry the file info that was actually
// written.
func (b *Builder) Build(ctx context.Context, rootDir string, members []string, absArchivePath string) (_ []pathscan.Entry, retErr error) {
	trgF, err := os.CreateTemp(filepath.Dir(absArchivePath), filepath.Base(absArchivePath)+".*"+tempSuffix)
	if err != nil {
		return nil, fmt.Errorf("failed to create temp archive: %w", err)
	}
	tempPath := trgF.Name()

	defer func() {
		if retErr != nil {
			trgF.Close()
			os.Remove(tempPath)
		}
	}()

	written, err := b.writeArchive(ctx, trgF, rootDir, members)
	if err != nil {
		return nil, err
	}

	if err := trgF.Sync(); err != nil {
		return nil, fmt.Errorf("failed to sync temp archive: %w", err)
	}
	if err := trgF.Close(); err != nil {
		return nil, fmt.Errorf("failed to close temp archive: %w", err)
	}
	if err := os.Rename(tempPath, absArchivePath); err != nil {
		return nil, fmt.Errorf("failed to rename temp archive to final path: %w", err)
	}
	return written, nil
}

func (b *Builder) writeArchive(ctx context.Context, f *os.File, rootDir string, members []string) (_ []pathscan.Entry, retErr error) {
	cw := &countingWriter{w: f}
	bufWriter := bufio.NewWriterSize(cw, b.buffers.Size())

	var compressedWriter io.WriteCloser
	switch b.format {
	case TarZst:
		zw, err := zstd.NewWriter(bufWriter, zstd.WithEncoderLevel(b.level.zstdLevel()))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd writer: %w", err)
		}
		compressedWriter = zw
	default:
		gw, err := pgzip.NewWriterLevel(bufWriter, b.level.gzipLevel())
		if err != nil {
			return nil, fmt.Errorf("failed to create gzip writer: %w", err)
		}
		compressedWriter = gw
	}
	tw := tar.NewWriter(compressedWriter)

	defer func() {
		if err := tw.Close(); err != nil && retErr == nil {
			retErr = fmt.Errorf("tar writer close failed: %w", err)
		}
		if err := compressedWriter.Close(); err != nil && retErr == nil {
			retErr = fmt.Errorf("compressed writer close failed: %w", err)
		}
		if err := bufWriter.Flush(); err != nil && retErr == nil {
			retErr = fmt.Errorf("buffer flush failed: %w", err)
		}
		b.metrics.AddCompressedBytes(cw.n)
	}()

	written := make([]pathscan.Entry, 0, len(members))
	for _, absPath := range members {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		entry, ok, err := b.writeMember(tw, rootDir, absPath)
		if err != nil {
			return nil, err
		}
		if ok {
			written = append(written, entry)
		}
	}
	return written, nil
}

func (b *Builder) writeMember(tw *tar.Writer, rootDir, absPath string) (pathscan.Entry, bool, error) {
	info, err := os.Lstat(absPath)
	if err != nil {
		return pathscan.Entry{}, false, fmt.Errorf("failed to stat %s: %w", absPath, err)
	}
	rel, err := filepath.Rel(rootDir, absPath)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return pathscan.Entry{}, false, fmt.Errorf("%s is not below %s", absPath, rootDir)
	}
	rel = filepath.ToSlash(rel)
	entry := pathscan.Entry{AbsPath: absPath, ModTime: info.ModTime()}

	switch {
	case info.IsDir():
		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return entry, false, fmt.Errorf("failed to create tar header for %s: %w", rel, err)
		}
		header.Name = rel + "/"
		entry.IsDir = true
		return entry, true, tw.WriteHeader(header)

	case info.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(absPath)
		if err != nil {
			return entry, false, fmt.Errorf("failed to read link %s: %w", absPath, err)
		}
		header, err := tar.FileInfoHeader(info, target)
		if err != nil {
			return entry, false, fmt.Errorf("failed to create tar header for %s: %w", rel, err)
		}
		header.Name = rel
		entry.Size = info.Size()
		return entry, true, tw.WriteHeader(header)

	case info.Mode().IsRegular():
		if err := b.writeFile(tw, absPath, rel, info); err != nil {
			return entry, false, err
		}
		entry.Size = info.Size()
		b.metrics.AddOriginalBytes(info.Size())
		return entry, true, nil

	case info.Mode()&(os.ModeNamedPipe|os.ModeDevice|os.ModeCharDevice) != 0:
		// Header only; the node's content is never read.
		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return entry, false, fmt.Errorf("failed to create tar header for %s: %w", rel, err)
		}
		header.Name = rel
		return entry, true, tw.WriteHeader(header)

	default:
		// Sockets cannot be stored. The entry is still reported so its mtime is
		// fingerprinted and the next scan does not select it again.
		plog.Warn("Skipping special file", "path", absPath, "mode", info.Mode().String())
		return entry, true, nil
	}
}

func (b *Builder) writeFile(tw *tar.Writer, absPath, rel string, info os.FileInfo) error {
	// Security: TOCTOU check
	f, err := secureFileOpen(absPath, info)
	if err != nil {
		return fmt.Errorf("failed to open file %s: %w", absPath, err)
	}
	defer f.Close()

	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return fmt.Errorf("failed to create tar header for %s: %w", rel, err)
	}
	header.Name = rel
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("failed to write tar header for %s: %w", rel, err)
	}

	// The header already fixed the size; bytes appended since the stat are not ours.
	n, err := b.buffers.Copy(tw, io.LimitReader(f, info.Size()))
	if err != nil {
		return fmt.Errorf("failed to copy %s: %w", absPath, err)
	}
	if n != info.Size() {
		return fmt.Errorf("file %s shrank while archiving: wrote %d of %d bytes", absPath, n, info.Size())
	}
	return nil
}

// CleanupTempFiles removes temporary archives left behind in dir by builds of
// prefix that never finished. It must only be called while holding the lock
// of the log that owns prefix.
func CleanupTempFiles(dir, prefix string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to list temp archives in %s: %w", dir, err)
	}
	// <prefix>_<index>.<ext>.<random>.tmp, as created by Build.
	pattern := regexp.MustCompile(`^` + regexp.QuoteMeta(prefix) + `_[0-9]+\.(` +
		regexp.QuoteMeta(TarGz.Extension()) + `|` + regexp.QuoteMeta(TarZst.Extension()) + `)\.[^.]+` +
		regexp.QuoteMeta(tempSuffix) + `$`)

	removed := 0
	for _, e := range entries {
		if e.IsDir() || !pattern.MatchString(e.Name()) {
			continue
		}
		m := filepath.Join(dir, e.Name())
		if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("failed to remove temp archive %s: %w", m, err)
		}
		plog.Debug("Removed stale temp archive", "path", m)
		removed++
	}
	return removed, nil
}

// countingWriter counts the bytes that reach the archive file.
type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}

// secureFileOpen verifies that the file at path is the same one we expected (TOCTOU check).
// This prevents a file being swapped for another one after it was discovered.
func secureFileOpen(absFilePath string, expected os.FileInfo) (*os.File, error) {
	f, err := os.Open(absFilePath)
	if err != nil {
		return nil, err
	}

	openedInfo, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat opened file: %w", err)
	}

	if !os.SameFile(expected, openedInfo) {
		f.Close()
		return nil, fmt.Errorf("file changed while archiving (TOCTOU): %s", absFilePath)
	}

	// A size change would corrupt the tar header written from expected.
	if openedInfo.Size() != expected.Size() {
		f.Close()
		return nil, fmt.Errorf("file size changed while archiving: %s", absFilePath)
	}

	return f, nil
}

// ArchiveName returns the canonical path of archive number index of prefix.
func ArchiveName(dir, prefix string, index int, format Format) string {
	return filepath.Join(dir, fmt.Sprintf("%s_%03d.%s", prefix, index, format.Extension()))
}
