package checkpoint

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/zeebo/blake3"
)

// compression identifies how an object body is stored. The tag is the
// first byte of every object file; changing the values breaks existing
// stores.
type compression uint8

const (
	compressionNone compression = 0
	compressionLZ4  compression = 1
	compressionZstd compression = 2
)

func (c compression) String() string {
	switch c {
	case compressionNone:
		return "none"
	case compressionLZ4:
		return "lz4"
	case compressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", c)
	}
}

// Objects smaller than this are stored as-is.
const minCompressSize = 64

var errIncompressible = errors.New("data is incompressible")

// ErrCorruptObject is returned when an object's content no longer
// matches its hash.
var ErrCorruptObject = errors.New("corrupt object")

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("checkpoint: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("checkpoint: zstd decoder initialization failed: " + err.Error())
	}
}

// HashBytes returns the hex BLAKE3-256 digest of data.
func HashBytes(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// hashReader streams r through BLAKE3.
func hashReader(r io.Reader) (string, int64, error) {
	h := blake3.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// objectStore is a content-addressed blob store laid out as
// <dir>/ab/<hash>. Objects are immutable; writing an existing hash is a
// no-op.
type objectStore struct {
	dir string
}

func (o *objectStore) path(hash string) string {
	if len(hash) < 3 {
		return filepath.Join(o.dir, "_", hash)
	}
	return filepath.Join(o.dir, hash[:2], hash)
}

func (o *objectStore) has(hash string) bool {
	_, err := os.Stat(o.path(hash))
	return err == nil
}

// put stores data and returns its hash.
func (o *objectStore) put(data []byte) (string, error) {
	hash := HashBytes(data)
	if o.has(hash) {
		return hash, nil
	}
	if err := writeFileAtomic(o.path(hash), encodeObject(data)); err != nil {
		return "", fmt.Errorf("writing object %s: %w", hash, err)
	}
	return hash, nil
}

// get loads and verifies an object.
func (o *objectStore) get(hash string) ([]byte, error) {
	raw, err := os.ReadFile(o.path(hash))
	if err != nil {
		return nil, fmt.Errorf("reading object %s: %w", hash, err)
	}
	data, err := decodeObject(raw)
	if err != nil {
		return nil, fmt.Errorf("object %s: %w", hash, err)
	}
	if HashBytes(data) != hash {
		return nil, fmt.Errorf("object %s: %w", hash, ErrCorruptObject)
	}
	return data, nil
}

// encodeObject frames data as tag, uvarint length, body. Text-like
// content goes through zstd for the better ratio, everything else
// through lz4 for speed; data that does not shrink is stored raw.
func encodeObject(data []byte) []byte {
	tag := compressionNone
	body := data
	if len(data) >= minCompressSize {
		var (
			compressed []byte
			err        error
		)
		if looksLikeText(data) {
			tag = compressionZstd
			compressed, err = compressZstd(data)
		} else {
			tag = compressionLZ4
			compressed, err = compressLZ4(data)
		}
		if err != nil {
			tag = compressionNone
		} else {
			body = compressed
		}
	}

	out := make([]byte, 0, 1+binary.MaxVarintLen64+len(body))
	out = append(out, byte(tag))
	out = binary.AppendUvarint(out, uint64(len(data)))
	return append(out, body...)
}

func decodeObject(raw []byte) ([]byte, error) {
	if len(raw) < 2 {
		return nil, fmt.Errorf("truncated header: %w", ErrCorruptObject)
	}
	tag := compression(raw[0])
	size, n := binary.Uvarint(raw[1:])
	if n <= 0 {
		return nil, fmt.Errorf("bad length: %w", ErrCorruptObject)
	}
	body := raw[1+n:]

	switch tag {
	case compressionNone:
		if uint64(len(body)) != size {
			return nil, fmt.Errorf("size %d does not match expected %d: %w", len(body), size, ErrCorruptObject)
		}
		return body, nil
	case compressionLZ4:
		return decompressLZ4(body, int(size))
	case compressionZstd:
		return decompressZstd(body, int(size))
	default:
		return nil, fmt.Errorf("unsupported compression %s", tag)
	}
}

func looksLikeText(data []byte) bool {
	sample := data
	if len(sample) > 8000 {
		sample = sample[:8000]
	}
	return bytes.IndexByte(sample, 0) < 0
}

func compressLZ4(data []byte) ([]byte, error) {
	dst := make([]byte, lz4.CompressBlockBound(len(data)))
	written, err := lz4.CompressBlock(data, dst, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if written == 0 || written >= len(data) {
		return nil, errIncompressible
	}
	return dst[:written], nil
}

func decompressLZ4(compressed []byte, size int) ([]byte, error) {
	dst := make([]byte, size)
	read, err := lz4.UncompressBlock(compressed, dst)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	if read != size {
		return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, size)
	}
	return dst, nil
}

func compressZstd(data []byte) ([]byte, error) {
	compressed := zstdEncoder.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return nil, errIncompressible
	}
	return compressed, nil
}

func decompressZstd(compressed []byte, size int) ([]byte, error) {
	result, err := zstdDecoder.DecodeAll(compressed, make([]byte, 0, size))
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	if len(result) != size {
		return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(result), size)
	}
	return result, nil
}
