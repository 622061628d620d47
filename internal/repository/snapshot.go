package repository

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"github.com/aware-engine/backend/internal/model"
)

// ErrCorruptSnapshot is returned when a stored snapshot fails its hash check.
var ErrCorruptSnapshot = errors.New("archived snapshot is corrupt")

// zstd.Encoder and zstd.Decoder are safe for concurrent use with
// EncodeAll and DecodeAll.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
	)
	if err != nil {
		panic("repository: zstd encoder initialization failed: " + err.Error())
	}

	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("repository: zstd decoder initialization failed: " + err.Error())
	}
}

// packedSnapshot is a compressed session with the size and hash of its
// uncompressed form.
type packedSnapshot struct {
	blob []byte
	size int
	hash string
}

func packSnapshot(session *model.Session) (*packedSnapshot, error) {
	raw, err := session.MarshalSnapshot()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize session: %w", err)
	}
	sum := blake3.Sum256(raw)
	return &packedSnapshot{
		blob: zstdEncoder.EncodeAll(raw, nil),
		size: len(raw),
		hash: hex.EncodeToString(sum[:]),
	}, nil
}

func unpackSnapshot(p *packedSnapshot) (*model.Session, error) {
	raw, err := zstdDecoder.DecodeAll(p.blob, make([]byte, 0, p.size))
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	if len(raw) != p.size {
		return nil, fmt.Errorf("%w: got %d bytes, expected %d", ErrCorruptSnapshot, len(raw), p.size)
	}
	sum := blake3.Sum256(raw)
	if hex.EncodeToString(sum[:]) != p.hash {
		return nil, fmt.Errorf("%w: hash mismatch", ErrCorruptSnapshot)
	}

	session := &model.Session{}
	if err := session.UnmarshalSnapshot(raw); err != nil {
		return nil, fmt.Errorf("failed to parse snapshot: %w", err)
	}
	return session, nil
}
