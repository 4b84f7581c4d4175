// Package extract unpacks downloaded archives: zip, tar in plain or
// compressed form, and single-file compressed payloads. Format is
// decided by magic bytes, never by file extension.
package extract

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/getsluice/sluice/pkg/logging"
)

const tarBlockSize = 512

// Extractor unpacks archives a finished download left on disk.
type Extractor struct {
	overwrite bool
	logger    zerolog.Logger
}

func New(overwrite bool) *Extractor {
	return &Extractor{
		overwrite: overwrite,
		logger:    logging.GetLogger().With().Str("component", "extract").Logger(),
	}
}

// Extract unpacks the archive at src into destDir. Zip archives and tar
// streams unpack entry by entry; a compressed non-tar payload is
// decompressed into a single file named after src.
func (e *Extractor) Extract(src, destDir string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}

	peeker := &peekReader{reader: f}
	head, err := peeker.Peek(peekSize)
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("reading archive header: %w", err)
	}

	if bytes.HasPrefix(head, zipMagic) {
		e.logger.Debug().Str("src", src).Str("format", "zip").Msg("extracting")
		return ZipFile(f, destDir, info.Size(), e.overwrite)
	}

	var stream io.Reader = peeker
	format := detectFormat(head)
	if format != nil {
		if stream, err = format.decompress(peeker); err != nil {
			return fmt.Errorf("opening compressed stream: %w", err)
		}
	}

	inner := &peekReader{reader: stream}
	block, err := inner.Peek(tarBlockSize)
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("reading archive header: %w", err)
	}
	switch {
	case isTarHeader(block):
		e.logger.Debug().Str("src", src).Str("format", "tar").Msg("extracting")
		return TarFile(inner, destDir, e.overwrite)
	case format != nil:
		target := filepath.Join(destDir, decompressedName(filepath.Base(src)))
		e.logger.Debug().Str("src", src).Str("target", target).Msg("decompressing")
		return e.writeDecompressed(inner, target)
	default:
		return fmt.Errorf("%s is not a recognized archive", filepath.Base(src))
	}
}

// isTarHeader checks the ustar magic at its fixed offset in the first
// 512-byte block. Covers POSIX and GNU tars.
func isTarHeader(block []byte) bool {
	if len(block) < tarBlockSize {
		return false
	}
	return bytes.Equal(block[257:262], []byte("ustar"))
}

// decompressedName strips the compression suffix, falling back to an
// ".out" suffix when the name has none to strip.
func decompressedName(base string) string {
	for _, ext := range []string{".gz", ".bz2", ".xz", ".lz4", ".z"} {
		if strings.HasSuffix(strings.ToLower(base), ext) {
			return base[:len(base)-len(ext)]
		}
	}
	return base + ".out"
}

func (e *Extractor) writeDecompressed(r io.Reader, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	openFlags := os.O_CREATE | os.O_WRONLY
	if e.overwrite {
		openFlags |= os.O_TRUNC
	}
	out, err := os.OpenFile(target, openFlags, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
