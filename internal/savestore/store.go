package savestore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/noah-isme/shop-reduction/internal/rules"
)

var (
	// ErrSlotNotFound is returned when a slot holds no save.
	ErrSlotNotFound = errors.New("savestore: slot not found")
	// ErrInvalidSlot is returned for slot names outside the accepted charset.
	ErrInvalidSlot = errors.New("savestore: invalid slot name")
)

// Store persists the rule part of game saves under a slot name.
type Store interface {
	Put(ctx context.Context, slot string, contents rules.SaveContents) error
	Get(ctx context.Context, slot string) (rules.SaveContents, error)
	Delete(ctx context.Context, slot string) error
	Ping(ctx context.Context) error
}

var slotPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:/-]{0,127}$`)

// ValidateSlot checks that slot can be used as a key in every backend.
func ValidateSlot(slot string) error {
	if !slotPattern.MatchString(slot) {
		return fmt.Errorf("%w: %q", ErrInvalidSlot, slot)
	}
	return nil
}

var (
	zstdOnce sync.Once
	zstdEnc  *zstd.Encoder
	zstdDec  *zstd.Decoder
	zstdErr  error
)

func codecs() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEnc, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if zstdErr != nil {
			return
		}
		zstdDec, zstdErr = zstd.NewReader(nil)
	})
	return zstdEnc, zstdDec, zstdErr
}

// compress encodes contents as zstd-compressed JSON.
func compress(contents rules.SaveContents) ([]byte, error) {
	raw, err := rules.EncodeSaveContents(contents)
	if err != nil {
		return nil, err
	}
	enc, _, err := codecs()
	if err != nil {
		return nil, err
	}
	return enc.EncodeAll(raw, make([]byte, 0, len(raw))), nil
}

// decompress reverses compress and validates the document.
func decompress(blob []byte) (rules.SaveContents, error) {
	_, dec, err := codecs()
	if err != nil {
		return rules.SaveContents{}, err
	}
	raw, err := dec.DecodeAll(blob, nil)
	if err != nil {
		return rules.SaveContents{}, fmt.Errorf("zstd decode: %w", err)
	}
	return rules.DecodeSaveContents(raw)
}
