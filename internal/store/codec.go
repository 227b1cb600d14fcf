package store

import (
	"bytes"
	"encoding/gob"
	"net/http"

	"github.com/klauspost/compress/zstd"
)

// Shared coders. EncodeAll and DecodeAll are safe for concurrent use.
var (
	zenc, _ = zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1), zstd.WithLowerEncoderMem(true))
	zdec, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
)

func init() {
	gob.Register(http.Header{})
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}

// encodeEntry gob-encodes and zstd-compresses an entry record.
func encodeEntry(rec diskRecord) ([]byte, error) {
	raw, err := encodeGob(rec)
	if err != nil {
		return nil, err
	}
	return zenc.EncodeAll(raw, make([]byte, 0, len(raw)/2)), nil
}

func decodeEntry(b []byte) (diskRecord, error) {
	raw, err := zdec.DecodeAll(b, nil)
	if err != nil {
		return diskRecord{}, err
	}
	var rec diskRecord
	if err := decodeGob(raw, &rec); err != nil {
		return diskRecord{}, err
	}
	return rec, nil
}
