package gramdb

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gramsiksha/gramdb/internal/encoding"
)

// DefaultPayloadSoftLimit is the encoded length that still scans reliably
// from a single QR code.
const DefaultPayloadSoftLimit = 2500

// Payload types.
const (
	PayloadProfile = "profile"
	PayloadContent = "content"
)

// Payload is a peer-to-peer transfer unit: *ProfilePayload or *ContentPayload.
type Payload interface {
	PayloadType() string
}

// ProfileEntry is one level result carried in a profile payload.
type ProfileEntry struct {
	LevelID string  `json:"l"`
	Score   float64 `json:"s"`
	Stars   int     `json:"t"`
}

// ProfilePayload shares one user's progress.
type ProfilePayload struct {
	Type         string         `json:"type"`
	UserID       string         `json:"u"`
	Name         string         `json:"n"`
	TeacherName  string         `json:"tn,omitempty"`
	TeacherPhone string         `json:"tp,omitempty"`
	Progress     []ProfileEntry `json:"p"`
}

// PayloadType implements Payload.
func (*ProfilePayload) PayloadType() string { return PayloadProfile }

// ContentPayload shares full content documents.
type ContentPayload struct {
	Type   string     `json:"type"`
	UserID string     `json:"u"`
	Name   string     `json:"n"`
	Items  []Document `json:"c"`
}

// PayloadType implements Payload.
func (*ContentPayload) PayloadType() string { return PayloadContent }

// Codec encodes and decodes payload text.
type Codec struct {
	softLimit int
	logger    *slog.Logger
}

// NewCodec returns a codec that warns above softLimit encoded characters.
func NewCodec(softLimit int, logger *slog.Logger) *Codec {
	if softLimit <= 0 {
		softLimit = DefaultPayloadSoftLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Codec{softLimit: softLimit, logger: logger}
}

// Encode serializes p. Exceeding the soft limit only logs a warning; the
// caller decides whether the payload is still usable.
func (c *Codec) Encode(p Payload) (string, error) {
	switch v := p.(type) {
	case *ProfilePayload:
		v.Type = PayloadProfile
		if v.Progress == nil {
			v.Progress = []ProfileEntry{}
		}
	case *ContentPayload:
		v.Type = PayloadContent
		if v.Items == nil {
			v.Items = []Document{}
		}
	default:
		return "", &InvalidPayloadError{Reason: fmt.Sprintf("unsupported payload %T", p)}
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	token := encoding.EncodeText(data)
	if len(token) > c.softLimit {
		c.logger.Warn("payload exceeds scannable size",
			"type", p.PayloadType(), "length", len(token), "limit", c.softLimit)
	}
	return token, nil
}

// Decode parses payload text. It returns a *DecodeError when the text is not
// compressed JSON and an *InvalidPayloadError when the JSON has neither
// known shape. A legacy profile without "type" but with "p" is accepted.
func (c *Codec) Decode(token string) (Payload, error) {
	data, err := encoding.DecodeText(token)
	if err != nil {
		var se *encoding.StageError
		if errors.As(err, &se) {
			return nil, &DecodeError{Stage: se.Stage, Cause: se.Err}
		}
		return nil, &DecodeError{Stage: encoding.StageDecompress, Cause: err}
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, &DecodeError{Stage: "json", Cause: err}
	}

	var kind string
	if raw, ok := probe["type"]; ok {
		if err := json.Unmarshal(raw, &kind); err != nil {
			return nil, &InvalidPayloadError{Reason: "type is not a string"}
		}
	} else if _, ok := probe["p"]; ok {
		kind = PayloadProfile
	}

	switch kind {
	case PayloadProfile:
		var p ProfilePayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, &InvalidPayloadError{Reason: "malformed profile: " + err.Error()}
		}
		if p.UserID == "" || !isJSONArray(probe["p"]) {
			return nil, &InvalidPayloadError{Reason: "profile needs u and p"}
		}
		p.Type = PayloadProfile
		return &p, nil
	case PayloadContent:
		var p ContentPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, &InvalidPayloadError{Reason: "malformed content: " + err.Error()}
		}
		if !isJSONArray(probe["c"]) {
			return nil, &InvalidPayloadError{Reason: "content needs c"}
		}
		return &p, nil
	case "":
		return nil, &InvalidPayloadError{Reason: "missing type"}
	default:
		return nil, &InvalidPayloadError{Reason: fmt.Sprintf("unknown type %q", kind)}
	}
}

func isJSONArray(raw json.RawMessage) bool {
	for _, b := range raw {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		case '[':
			return true
		default:
			return false
		}
	}
	return false
}
