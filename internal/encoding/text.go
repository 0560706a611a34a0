package encoding

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/golang/snappy"
)

// Decode stages reported by StageError.
const (
	StageBase64     = "base64"
	StageDecompress = "decompress"
)

// MaxDecodedLen bounds the decompressed size DecodeText accepts. Tokens are
// a few kilobytes at most, so anything claiming more is rejected before the
// output buffer is allocated.
const MaxDecodedLen = 1 << 20

var (
	// ErrEmpty is returned when decoding an empty token.
	ErrEmpty = errors.New("empty payload")

	// ErrTooLarge is returned when a token claims a decoded length above MaxDecodedLen.
	ErrTooLarge = errors.New("decoded payload too large")
)

// StageError reports which decoding stage rejected the input.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// EncodeText compresses data and returns a URL-safe token.
func EncodeText(data []byte) string {
	return base64.RawURLEncoding.EncodeToString(snappy.Encode(nil, data))
}

// DecodeText reverses EncodeText. Surrounding whitespace and trailing
// padding are tolerated since scanners and clipboards often add them.
func DecodeText(token string) ([]byte, error) {
	token = strings.TrimRight(strings.TrimSpace(token), "=")
	if token == "" {
		return nil, &StageError{Stage: StageBase64, Err: ErrEmpty}
	}
	compressed, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, &StageError{Stage: StageBase64, Err: err}
	}
	n, err := snappy.DecodedLen(compressed)
	if err != nil {
		return nil, &StageError{Stage: StageDecompress, Err: err}
	}
	if n > MaxDecodedLen {
		return nil, &StageError{Stage: StageDecompress, Err: fmt.Errorf("%w: %d bytes", ErrTooLarge, n)}
	}
	data, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, &StageError{Stage: StageDecompress, Err: err}
	}
	return data, nil
}

// EncodedLen returns an upper bound on the token length EncodeText produces
// for data.
func EncodedLen(data []byte) int {
	return base64.RawURLEncoding.EncodedLen(snappy.MaxEncodedLen(len(data)))
}
