/*
	This file supports compression of stored and transmitted data.
*/

package visor

import (
	"bytes"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Compression is the format of compression for storing data.
type Compression uint8

const (
	Uncompressed Compression = iota
	Snappy
	Gzip
	Zstd
)

func (compress Compression) String() string {
	switch compress {
	case Uncompressed:
		return "no compression"
	case Snappy:
		return "snappy compression"
	case Gzip:
		return "gzip compression"
	case Zstd:
		return "zstd compression"
	default:
		return "unknown compression"
	}
}

// CompressionFromString returns the Compression for a codec name as it appears
// in container headers and chunk-store metadata.
func CompressionFromString(s string) (Compression, error) {
	switch s {
	case "", "none", "raw", "bytes":
		return Uncompressed, nil
	case "snappy":
		return Snappy, nil
	case "gzip":
		return Gzip, nil
	case "zstd":
		return Zstd, nil
	}
	return 0, fmt.Errorf("unknown compression codec %q", s)
}

// zstd encoder/decoder are safe for concurrent use; a fixed single-threaded
// encoder keeps output bit-reproducible across calls.
var (
	zstdEnc, _ = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
		zstd.WithEncoderConcurrency(1),
		zstd.WithZeroFrames(true))
	zstdDec, _ = zstd.NewReader(nil)
)

// CompressData compresses a slice of bytes using the given codec.
func CompressData(data []byte, compress Compression) ([]byte, error) {
	switch compress {
	case Uncompressed:
		return data, nil
	case Snappy:
		return snappy.Encode(nil, data), nil
	case Gzip:
		var buf bytes.Buffer
		gw := gzip.NewWriter(&buf)
		if _, err := gw.Write(data); err != nil {
			return nil, err
		}
		if err := gw.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case Zstd:
		return zstdEnc.EncodeAll(data, nil), nil
	default:
		return nil, fmt.Errorf("illegal compression (%s) during serialization", compress)
	}
}

// UncompressData uncompresses a slice of bytes using the given codec.
func UncompressData(data []byte, compress Compression) ([]byte, error) {
	switch compress {
	case Uncompressed:
		return data, nil
	case Snappy:
		return snappy.Decode(nil, data)
	case Gzip:
		gr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer gr.Close()
		return io.ReadAll(gr)
	case Zstd:
		return zstdDec.DecodeAll(data, nil)
	default:
		return nil, fmt.Errorf("illegal compression format (%d) in deserialization", compress)
	}
}
