package grpc

import (
	"bytes"
	"testing"
)

func TestCompressorsRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte(`{"id":"wheel_0","position":{"x":0.75,"y":0.1,"z":1.25}}`), 16)
	for _, name := range []string{EncodingGZIP, EncodingSnappy, EncodingZstd} {
		compressor, err := NewCompressor(name)
		if err != nil {
			t.Fatalf("%s: NewCompressor: %v", name, err)
		}
		if compressor.Name() != name {
			t.Fatalf("expected name %q, got %q", name, compressor.Name())
		}
		compressed, err := compressor.Compress(payload)
		if err != nil {
			t.Fatalf("%s: compress: %v", name, err)
		}
		if len(compressed) == 0 || len(compressed) >= len(payload) {
			t.Fatalf("%s: expected a smaller payload, got %d bytes", name, len(compressed))
		}
		decompressed, err := compressor.Decompress(compressed)
		if err != nil {
			t.Fatalf("%s: decompress: %v", name, err)
		}
		if !bytes.Equal(decompressed, payload) {
			t.Fatalf("%s: round trip mismatch", name)
		}
	}
}

func TestCompressorsRejectEmptyPayload(t *testing.T) {
	for _, name := range []string{EncodingGZIP, EncodingSnappy, EncodingZstd} {
		compressor, err := NewCompressor(name)
		if err != nil {
			t.Fatalf("%s: NewCompressor: %v", name, err)
		}
		if _, err := compressor.Decompress(nil); err == nil {
			t.Fatalf("%s: expected error for empty payload", name)
		}
	}
}

func TestNewCompressorDefaultsAndRejects(t *testing.T) {
	compressor, err := NewCompressor("")
	if err != nil || compressor.Name() != EncodingGZIP {
		t.Fatalf("expected gzip by default, got %v, %v", compressor, err)
	}
	if _, err := NewCompressor("brotli"); err == nil {
		t.Fatal("expected error for unknown encoding")
	}
}
