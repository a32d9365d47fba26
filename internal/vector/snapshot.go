package vector

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

const snapshotMagic = "NITERUIX"

// Compression values for snapshots.
const (
	CompressionNone = "none"
	CompressionZstd = "zstd"
	CompressionLZ4  = "lz4"
)

// ErrInvalidSnapshot is returned when a snapshot file is not recognized.
var ErrInvalidSnapshot = errors.New("invalid index snapshot")

// SaveSnapshot writes idx to path through a temp file and rename. The header
// records the index type and compression so LoadSnapshot needs neither.
func SaveSnapshot(path string, idx Index, compression string) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}
	f, err := os.CreateTemp(filepath.Dir(path), ".snapshot-*")
	if err != nil {
		return fmt.Errorf("create snapshot file: %w", err)
	}
	tmp := f.Name()
	defer os.Remove(tmp)

	if err := writeSnapshot(f, idx, compression); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func writeSnapshot(f io.Writer, idx Index, compression string) error {
	bw := bufio.NewWriter(f)
	if _, err := io.WriteString(bw, snapshotMagic); err != nil {
		return err
	}
	if err := writeString(bw, string(idx.Type())); err != nil {
		return err
	}
	if compression == "" {
		compression = CompressionNone
	}
	if err := writeString(bw, compression); err != nil {
		return err
	}

	var payload io.WriteCloser
	switch compression {
	case CompressionNone:
		payload = nopWriteCloser{bw}
	case CompressionZstd:
		enc, err := zstd.NewWriter(bw, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return err
		}
		payload = enc
	case CompressionLZ4:
		payload = lz4.NewWriter(bw)
	default:
		return fmt.Errorf("unknown snapshot compression: %s", compression)
	}
	if err := idx.Save(payload); err != nil {
		payload.Close()
		return err
	}
	if err := payload.Close(); err != nil {
		return err
	}
	return bw.Flush()
}

// LoadSnapshot reads a snapshot written by SaveSnapshot into a new index built
// from opts. A missing file returns an error matching os.ErrNotExist.
func LoadSnapshot(path string, opts Options) (Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	br := bufio.NewReader(f)

	magic := make([]byte, len(snapshotMagic))
	if _, err := io.ReadFull(br, magic); err != nil || string(magic) != snapshotMagic {
		return nil, ErrInvalidSnapshot
	}
	typ, err := readString(br)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	compression, err := readString(br)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}

	var payload io.Reader
	switch compression {
	case CompressionNone:
		payload = br
	case CompressionZstd:
		dec, err := zstd.NewReader(br)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		payload = dec
	case CompressionLZ4:
		payload = lz4.NewReader(br)
	default:
		return nil, fmt.Errorf("%w: unknown compression %q", ErrInvalidSnapshot, compression)
	}

	idx, err := NewVectorIndex(IndexType(typ), opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	if err := idx.Load(payload); err != nil {
		return nil, err
	}
	return idx, nil
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
