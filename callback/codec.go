package callback

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
)

// wireEvent is the JSON shape carried on the broadcast transport.
//
//	{"sessionId":"d1","callbackType":"ANALYSIS_COMPLETE","timestamp":1718000000000,"data":{...}}
//
// Older producers keyed the session as diaryId; both are accepted on decode.
type wireEvent struct {
	SessionID    string          `json:"sessionId,omitempty"`
	DiaryID      string          `json:"diaryId,omitempty"`
	CallbackType Kind            `json:"callbackType"`
	Timestamp    int64           `json:"timestamp"`
	Data         json.RawMessage `json:"data,omitempty"`
}

// Decode parses a wire event. Every failure wraps ErrMalformed.
func Decode(data []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	sessionID := w.SessionID
	if sessionID == "" {
		sessionID = w.DiaryID
	}
	if sessionID == "" {
		return Event{}, fmt.Errorf("%w: missing sessionId", ErrMalformed)
	}
	if w.Timestamp <= 0 {
		return Event{}, fmt.Errorf("%w: missing timestamp", ErrMalformed)
	}
	p, err := decodePayload(w.CallbackType, w.Data)
	if err != nil {
		return Event{}, err
	}
	return Event{
		SessionID: sessionID,
		Kind:      w.CallbackType,
		Payload:   p,
		EmittedAt: time.UnixMilli(w.Timestamp),
		Raw:       []byte(w.Data),
	}, nil
}

// NewEvent builds an Event from an arbitrary data value, validating that it
// fits the payload shape of kind.
func NewEvent(sessionID string, kind Kind, data any, emittedAt time.Time) (Event, error) {
	if sessionID == "" {
		return Event{}, fmt.Errorf("%w: missing sessionId", ErrMalformed)
	}
	var raw []byte
	switch v := data.(type) {
	case nil:
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return Event{}, fmt.Errorf("%w: marshal data: %v", ErrMalformed, err)
		}
		raw = b
	}
	p, err := decodePayload(kind, raw)
	if err != nil {
		return Event{}, err
	}
	return Event{SessionID: sessionID, Kind: kind, Payload: p, EmittedAt: emittedAt, Raw: raw}, nil
}

// Encode renders e in wire form. Raw data is preferred over re-marshaling the
// payload so fields unknown to this package survive a round trip.
func Encode(e Event) ([]byte, error) {
	if !e.Kind.Valid() {
		return nil, fmt.Errorf("%w: unknown callbackType %q", ErrMalformed, e.Kind)
	}
	data := json.RawMessage(e.Raw)
	if len(data) == 0 && e.Payload != nil {
		b, err := json.Marshal(e.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		data = b
	}
	return json.Marshal(wireEvent{
		SessionID:    e.SessionID,
		CallbackType: e.Kind,
		Timestamp:    e.EmittedAt.UnixMilli(),
		Data:         data,
	})
}

// Fingerprint identifies an exact event for duplicate suppression. Replays
// from an at-least-once transport carry the same session, kind, timestamp and
// data; two distinct events of one kind stamped in the same millisecond still
// differ in their data.
func Fingerprint(e Event) string {
	return e.SessionID + "|" + string(e.Kind) + "|" + strconv.FormatInt(e.EmittedAt.UnixMilli(), 10) + "|" + strconv.FormatUint(dataDigest(e), 16)
}

// dataDigest hashes the compacted data so formatting differences introduced
// by re-encoding do not change it.
func dataDigest(e Event) uint64 {
	raw := e.Raw
	if len(raw) == 0 && e.Payload != nil {
		raw, _ = json.Marshal(e.Payload)
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return xxhash.Sum64(nil)
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return xxhash.Sum64(raw)
	}
	return xxhash.Sum64(buf.Bytes())
}

func decodePayload(kind Kind, data []byte) (Payload, error) {
	if len(bytes.TrimSpace(data)) == 0 || bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		data = []byte("{}")
	}
	switch kind {
	case KindQuestion:
		var p QuestionPayload
		if err := unmarshalPayload(kind, data, &p); err != nil {
			return nil, err
		}
		return p, nil
	case KindAnalysisComplete:
		var p AnalysisCompletePayload
		if err := unmarshalPayload(kind, data, &p); err != nil {
			return nil, err
		}
		return p, nil
	case KindDigestComplete:
		var p DigestCompletePayload
		if err := unmarshalPayload(kind, data, &p); err != nil {
			return nil, err
		}
		return p, nil
	case KindError:
		var p ErrorPayload
		if err := unmarshalPayload(kind, data, &p); err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("%w: unknown callbackType %q", ErrMalformed, kind)
	}
}

func unmarshalPayload(kind Kind, data []byte, dst any) error {
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("%w: %s data: %v", ErrMalformed, kind, err)
	}
	return nil
}
