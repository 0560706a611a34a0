package encoding

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestTextRoundTrip(t *testing.T) {
	inputs := [][]byte{
		[]byte(`{"type":"profile","u":"a","n":"Asha","p":[]}`),
		[]byte(strings.Repeat(`{"l":"lesson-1","s":80,"t":2},`, 50)),
		{0, 1, 2, 255},
	}
	for _, in := range inputs {
		token := EncodeText(in)
		if strings.ContainsAny(token, "+/=\n") {
			t.Fatalf("token is not URL safe: %q", token)
		}
		out, err := DecodeText(token)
		if err != nil {
			t.Fatalf("DecodeText: %v", err)
		}
		if !bytes.Equal(in, out) {
			t.Errorf("round trip mismatch: %q != %q", out, in)
		}
	}
}

func TestDecodeTextToleratesPaddingAndWhitespace(t *testing.T) {
	in := []byte("hello hello hello")
	token := " " + EncodeText(in) + "==\n"
	out, err := DecodeText(token)
	if err != nil {
		t.Fatalf("DecodeText: %v", err)
	}
	if string(out) != string(in) {
		t.Errorf("got %q", out)
	}
}

func TestDecodeTextStages(t *testing.T) {
	tests := []struct {
		name  string
		token string
		stage string
	}{
		{"empty", "", StageBase64},
		{"bad alphabet", "***", StageBase64},
		{"not snappy", "_____w", StageDecompress},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeText(tt.token)
			var se *StageError
			if !errors.As(err, &se) {
				t.Fatalf("expected *StageError, got %v", err)
			}
			if se.Stage != tt.stage {
				t.Errorf("stage = %q, want %q", se.Stage, tt.stage)
			}
		})
	}
}

func TestDecodeTextRejectsOversizedClaim(t *testing.T) {
	// header claims 4 GiB of output for a six-byte body
	_, err := DecodeText("_____w8A")
	var se *StageError
	if !errors.As(err, &se) || se.Stage != StageDecompress {
		t.Fatalf("expected a decompress StageError, got %v", err)
	}
	if !errors.Is(err, ErrTooLarge) {
		t.Errorf("expected ErrTooLarge, got %v", err)
	}

	big := bytes.Repeat([]byte("a"), MaxDecodedLen+1)
	if _, err := DecodeText(EncodeText(big)); !errors.Is(err, ErrTooLarge) {
		t.Errorf("oversized payload accepted: %v", err)
	}
	ok := bytes.Repeat([]byte("a"), MaxDecodedLen)
	if _, err := DecodeText(EncodeText(ok)); err != nil {
		t.Errorf("payload at the limit rejected: %v", err)
	}
}
