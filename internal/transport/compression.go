package transport

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zstd"
)

// Compression identifies a frame compression method. Like Cipher, values
// are single bits of the handshake mask.
type Compression uint32

const (
	CompressionNone Compression = 1 << iota
	CompressionDeflate
	CompressionZstd
)

var compressionStrength = []Compression{CompressionZstd, CompressionDeflate, CompressionNone}

// DefaultCompressions is offered when an endpoint does not choose its own.
var DefaultCompressions = []Compression{CompressionZstd, CompressionDeflate, CompressionNone}

var compressionNames = map[Compression]string{
	CompressionNone:    "none",
	CompressionDeflate: "deflate",
	CompressionZstd:    "zstd",
}

func (c Compression) String() string {
	if name, ok := compressionNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Compression(%#x)", uint32(c))
}

// ParseCompression converts a name such as "zstd" into a Compression.
func ParseCompression(s string) (Compression, error) {
	for c, name := range compressionNames {
		if strings.EqualFold(name, s) {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown compression %q", s)
}

func compressionMask(cs []Compression) uint32 {
	var mask uint32
	for _, c := range cs {
		mask |= uint32(c)
	}
	return mask
}

func selectCompression(offered, advertised uint32) (Compression, bool) {
	common := offered & advertised
	for _, c := range compressionStrength {
		if common&uint32(c) != 0 {
			return c, true
		}
	}
	return 0, false
}

// compressor compresses whole frames independently of each other.
type compressor interface {
	compress(p []byte) ([]byte, error)
	decompress(p []byte) ([]byte, error)
	close()
}

func newCompressor(c Compression, maxFrame int) (compressor, error) {
	switch c {
	case CompressionNone:
		return nil, nil
	case CompressionDeflate:
		return deflateCompressor{limit: int64(maxFrame)}, nil
	case CompressionZstd:
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			return nil, err
		}
		dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(uint64(maxFrame)))
		if err != nil {
			enc.Close()
			return nil, err
		}
		return &zstdCompressor{enc: enc, dec: dec}, nil
	default:
		return nil, fmt.Errorf("unsupported compression %s", c)
	}
}

type deflateCompressor struct {
	limit int64
}

func (d deflateCompressor) compress(p []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestSpeed)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(p); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (d deflateCompressor) decompress(p []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(p))
	defer r.Close()
	out, err := io.ReadAll(io.LimitReader(r, d.limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(out)) > d.limit {
		return nil, fmt.Errorf("inflated frame exceeds %d bytes", d.limit)
	}
	return out, nil
}

func (deflateCompressor) close() {}

type zstdCompressor struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func (z *zstdCompressor) compress(p []byte) ([]byte, error) {
	return z.enc.EncodeAll(p, nil), nil
}

func (z *zstdCompressor) decompress(p []byte) ([]byte, error) {
	return z.dec.DecodeAll(p, nil)
}

func (z *zstdCompressor) close() {
	_ = z.enc.Close()
	z.dec.Close()
}
