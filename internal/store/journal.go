package store

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Patch batches are stored zstd-compressed. The encoder and decoder are safe
// for concurrent EncodeAll/DecodeAll and are built once.
var (
	codecOnce sync.Once
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
	codecErr  error
)

func journalCodec() (*zstd.Encoder, *zstd.Decoder, error) {
	codecOnce.Do(func() {
		encoder, codecErr = zstd.NewWriter(nil)
		if codecErr != nil {
			return
		}
		decoder, codecErr = zstd.NewReader(nil)
	})
	return encoder, decoder, codecErr
}

func compressCommands(data []byte) ([]byte, error) {
	enc, _, err := journalCodec()
	if err != nil {
		return nil, fmt.Errorf("init zstd: %w", err)
	}
	return enc.EncodeAll(data, nil), nil
}

func decompressCommands(data []byte) ([]byte, error) {
	_, dec, err := journalCodec()
	if err != nil {
		return nil, fmt.Errorf("init zstd: %w", err)
	}
	out, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress patch: %w", err)
	}
	return out, nil
}
