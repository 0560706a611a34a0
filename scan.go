package gramdb

import (
	"context"
	"sync"
)

// ScanEventKind identifies a scan session event.
type ScanEventKind int

const (
	// ScanFrameFailed reports a frame that did not decode. Scanning goes on.
	ScanFrameFailed ScanEventKind = iota
	// ScanDecoded carries the first payload that decoded.
	ScanDecoded
	// ScanCompleted is always the last event of a session.
	ScanCompleted
)

func (k ScanEventKind) String() string {
	switch k {
	case ScanFrameFailed:
		return "frame_failed"
	case ScanDecoded:
		return "decoded"
	case ScanCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// ScanEvent is emitted by a ScanSession.
type ScanEvent struct {
	Kind    ScanEventKind
	Payload Payload
	Err     error
}

// ScanSession turns camera frames (already decoded to text by the QR
// reader) into a bounded event stream: any number of failed frames, at most
// one decoded payload, then completion. Failed-frame events are dropped
// when the buffer is full.
type ScanSession struct {
	codec  *Codec
	events chan ScanEvent

	mu   sync.Mutex
	done bool
}

// NewScanSession creates a session whose event buffer holds buffer events.
// Two slots are always reserved for the terminal events.
func NewScanSession(codec *Codec, buffer int) *ScanSession {
	if buffer < 0 {
		buffer = 0
	}
	return &ScanSession{codec: codec, events: make(chan ScanEvent, buffer+2)}
}

// NewScanSession creates a session with the configured buffer.
func (db *DB) NewScanSession() *ScanSession {
	return NewScanSession(db.Codec(), db.config.Payload.ScanBuffer)
}

// Events returns the event stream. It is closed after ScanCompleted.
func (s *ScanSession) Events() <-chan ScanEvent { return s.events }

// Done reports whether the session has completed.
func (s *ScanSession) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Feed offers one scanned text. A decode failure is reported as an event and
// returned; the first successful decode completes the session.
func (s *ScanSession) Feed(text string) (Payload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return nil, ErrScanComplete
	}

	p, err := s.codec.Decode(text)
	if err != nil {
		s.emitFailure(err)
		return nil, err
	}
	s.events <- ScanEvent{Kind: ScanDecoded, Payload: p}
	s.finishLocked(nil)
	return p, nil
}

// Close ends the session without a decoded payload. Closing a completed
// session does nothing.
func (s *ScanSession) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.done {
		s.finishLocked(ErrScanAborted)
	}
}

// emitFailure never blocks: the reserved terminal slots stay free because
// failures only use the buffer up to cap-2.
func (s *ScanSession) emitFailure(err error) {
	if len(s.events) >= cap(s.events)-2 {
		return
	}
	s.events <- ScanEvent{Kind: ScanFrameFailed, Err: err}
}

func (s *ScanSession) finishLocked(err error) {
	s.done = true
	s.events <- ScanEvent{Kind: ScanCompleted, Err: err}
	close(s.events)
}

// ImportScan waits for the session to decode a payload and imports it. It
// returns ErrScanAborted when the session closes without one.
func (db *DB) ImportScan(ctx context.Context, s *ScanSession) (*ImportResult, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, ok := <-s.Events():
			if !ok {
				return nil, ErrScanAborted
			}
			switch ev.Kind {
			case ScanDecoded:
				return db.ApplyPayload(ctx, ev.Payload)
			case ScanCompleted:
				if ev.Err != nil {
					return nil, ev.Err
				}
				return nil, ErrScanAborted
			}
		}
	}
}
