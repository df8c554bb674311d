package source

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/olegiv/accesslog-anomaly-go/internal/accesslog"
)

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// Compile-time interface check
var _ Source = (*FileSource)(nil)

// FileSource reads an access log line by line. Gzip and zstd compressed files
// (rotated logs) are detected by their magic bytes and decompressed on the fly.
type FileSource struct {
	path string
}

// NewFileSource creates a file source for path.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

// Type implements Source.
func (s *FileSource) Type() Type { return TypeFile }

// Describe implements Source.
func (s *FileSource) Describe() string { return s.path }

// Open implements Source.
func (s *FileSource) Open(_ context.Context) (Iterator, error) {
	if s.path == "" {
		return nil, unavailable("file", errors.New("no path configured"))
	}

	fileInfo, err := os.Stat(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, unavailable(s.path, fmt.Errorf("access log not found"))
		}
		return nil, unavailable(s.path, fmt.Errorf("failed to stat access log: %w", err))
	}
	if fileInfo.IsDir() {
		return nil, unavailable(s.path, fmt.Errorf("access log path is a directory"))
	}

	f, err := os.Open(s.path)
	if err != nil {
		return nil, unavailable(s.path, fmt.Errorf("failed to open access log: %w", err))
	}

	br := bufio.NewReaderSize(f, 64*1024)
	reader, closeDecoder, err := decompressor(br)
	if err != nil {
		_ = f.Close()
		return nil, unavailable(s.path, err)
	}

	return &lineIterator{
		file:         f,
		reader:       bufio.NewReaderSize(reader, 64*1024),
		closeDecoder: closeDecoder,
	}, nil
}

// decompressor sniffs the stream and wraps it in a matching decoder.
func decompressor(br *bufio.Reader) (io.Reader, func(), error) {
	head, err := br.Peek(len(zstdMagic))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, nil, fmt.Errorf("failed to read access log header: %w", err)
	}

	switch {
	case bytes.HasPrefix(head, gzipMagic):
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid gzip stream: %w", err)
		}
		return gz, func() { _ = gz.Close() }, nil
	case bytes.HasPrefix(head, zstdMagic):
		dec, err := zstd.NewReader(br)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid zstd stream: %w", err)
		}
		return dec, dec.Close, nil
	default:
		return br, func() {}, nil
	}
}

// lineIterator yields one raw record per line. Lines have no length limit.
type lineIterator struct {
	file         *os.File
	reader       *bufio.Reader
	closeDecoder func()
	line         string
	err          error
	done         bool
}

func (it *lineIterator) Next(ctx context.Context) bool {
	if it.done {
		return false
	}
	if err := ctx.Err(); err != nil {
		it.err = err
		it.done = true
		return false
	}

	line, err := it.reader.ReadString('\n')
	if err != nil {
		it.done = true
		if !errors.Is(err, io.EOF) {
			it.err = fmt.Errorf("failed to read access log: %w", err)
			return false
		}
		if line == "" {
			return false
		}
	}

	it.line = line
	return true
}

func (it *lineIterator) Raw() accesslog.Raw {
	return accesslog.Raw{Line: it.line}
}

func (it *lineIterator) Err() error {
	return it.err
}

func (it *lineIterator) Close() error {
	it.done = true
	if it.closeDecoder != nil {
		it.closeDecoder()
		it.closeDecoder = nil
	}
	if it.file == nil {
		return nil
	}
	err := it.file.Close()
	it.file = nil
	return err
}
