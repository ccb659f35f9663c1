package resolver

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
)

var gzipMagic = []byte{0x1f, 0x8b}

// isArchive reports whether the file at path is a gzip stream or a tar archive.
// Archived logs are never read locally; the node serves them decompressed.
func isArchive(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	head := make([]byte, 2)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return false, fmt.Errorf("read %s: %w", path, err)
	}
	if n == len(gzipMagic) && bytes.Equal(head, gzipMagic) {
		return true, nil
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return false, fmt.Errorf("seek %s: %w", path, err)
	}
	if _, err := tar.NewReader(f).Next(); err != nil {
		return false, nil
	}
	return true, nil
}
