package visor

import (
	"bytes"
	"testing"
)

func TestCompressRoundtrip(t *testing.T) {
	data := make([]byte, 10000)
	for i := range data {
		data[i] = byte(i % 251)
	}
	for _, codec := range []Compression{Uncompressed, Snappy, Gzip, Zstd} {
		compressed, err := CompressData(data, codec)
		if err != nil {
			t.Fatalf("compress with %s: %v", codec, err)
		}
		restored, err := UncompressData(compressed, codec)
		if err != nil {
			t.Fatalf("uncompress with %s: %v", codec, err)
		}
		if !bytes.Equal(data, restored) {
			t.Errorf("roundtrip with %s altered data", codec)
		}
	}
}

func TestZstdDeterminism(t *testing.T) {
	data := make([]byte, 4096)
	for i := range data {
		data[i] = byte(i * 7 % 256)
	}
	first, err := CompressData(data, Zstd)
	if err != nil {
		t.Fatal(err)
	}
	second, err := CompressData(data, Zstd)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(first, second) {
		t.Errorf("repeated zstd compression of identical input differs")
	}
}

func TestCompressionFromString(t *testing.T) {
	for name, want := range map[string]Compression{
		"": Uncompressed, "none": Uncompressed, "raw": Uncompressed, "bytes": Uncompressed,
		"snappy": Snappy, "gzip": Gzip, "zstd": Zstd,
	} {
		got, err := CompressionFromString(name)
		if err != nil {
			t.Fatalf("codec %q: %v", name, err)
		}
		if got != want {
			t.Errorf("codec %q: got %s", name, got)
		}
	}
	if _, err := CompressionFromString("blosc"); err == nil {
		t.Errorf("expected error for unsupported codec name")
	}
}

func TestErrorClass(t *testing.T) {
	for _, tc := range []struct {
		err   error
		class error
	}{
		{MalformedIdentifierf("x %d", 1), ErrMalformedIdentifier},
		{MissingFieldf("x"), ErrMissingField},
		{UnsupportedCombinationf("x"), ErrUnsupportedCombination},
		{NotFoundf("x"), ErrNotFound},
		{StorageFailuref("x"), ErrStorageFailure},
		{UnsupportedEncodingf("x"), ErrUnsupportedEncoding},
	} {
		if got := ErrorClass(tc.err); got != tc.class {
			t.Errorf("error %v: classified as %v", tc.err, got)
		}
	}
	if ErrorClass(bytes.ErrTooLarge) != nil {
		t.Errorf("unclassified error should map to nil class")
	}
}
