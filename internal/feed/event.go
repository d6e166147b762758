// Package feed consumes the storage gateway's change-event stream and
// turns raw frames into typed row events for the POI cache.
package feed

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Event types delivered by the change feed.
const (
	EventInsert = "INSERT"
	EventUpdate = "UPDATE"
	EventDelete = "DELETE"
)

// Tables this core subscribes to.
const (
	TablePois      = "pois"
	TablePoiShares = "poi_shares"
)

// Decode errors. Malformed frames are counted and dropped at this
// boundary; nothing downstream ever sees a partially-decoded event.
var (
	ErrEmptyPayload     = errors.New("empty event payload")
	ErrMalformedPayload = errors.New("malformed event payload")
	ErrUnknownEventType = errors.New("unknown event type")
	ErrMissingTable     = errors.New("event missing table")
	ErrMissingRow       = errors.New("event missing row payload")
	ErrMissingRowID     = errors.New("event row missing id")
)

// Event is one decoded change-feed event. Row carries the new row for
// inserts and updates; OldRow carries the prior row for deletes (and, when
// the gateway sends it, updates). Payloads are kept raw: the cache
// re-fetches the authoritative row instead of trusting the event body.
type Event struct {
	Type   string          `json:"type" cbor:"type"`
	Table  string          `json:"table" cbor:"table"`
	Seq    int64           `json:"seq" cbor:"seq"`
	Row    json.RawMessage `json:"row,omitempty" cbor:"row"`
	OldRow json.RawMessage `json:"old_row,omitempty" cbor:"old_row"`

	// RowID is extracted during decode: the new row's id for inserts and
	// updates, the old row's id for deletes.
	RowID string `json:"-" cbor:"-"`
}

// DedupKey identifies one delivery of one event for at-least-once
// suppression.
func (e *Event) DedupKey() string {
	return fmt.Sprintf("%s:%d:%s:%s", e.Table, e.Seq, e.Type, e.RowID)
}

// wireEvent mirrors Event for CBOR frames, where the row payloads arrive
// as embedded CBOR and are re-encoded to JSON for downstream use.
type wireEvent struct {
	Type   string          `cbor:"type"`
	Table  string          `cbor:"table"`
	Seq    int64           `cbor:"seq"`
	Row    cbor.RawMessage `cbor:"row,omitempty"`
	OldRow cbor.RawMessage `cbor:"old_row,omitempty"`
}

// DecodeJSON decodes a JSON text frame into an Event.
func DecodeJSON(payload []byte) (*Event, error) {
	if len(payload) == 0 {
		return nil, ErrEmptyPayload
	}
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if err := validate(&ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// DecodeCBOR decodes a CBOR binary frame into an Event, re-encoding the
// row payloads as JSON.
func DecodeCBOR(payload []byte) (*Event, error) {
	if len(payload) == 0 {
		return nil, ErrEmptyPayload
	}
	var we wireEvent
	if err := cbor.Unmarshal(payload, &we); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	ev := Event{Type: we.Type, Table: we.Table, Seq: we.Seq}
	var err error
	if ev.Row, err = cborToJSON(we.Row); err != nil {
		return nil, fmt.Errorf("%w: row: %v", ErrMalformedPayload, err)
	}
	if ev.OldRow, err = cborToJSON(we.OldRow); err != nil {
		return nil, fmt.Errorf("%w: old_row: %v", ErrMalformedPayload, err)
	}
	if err := validate(&ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

func cborToJSON(raw cbor.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := cbor.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

// validate enforces the tagged-union shape and extracts RowID. Events
// failing validation are rejected here rather than propagating missing
// fields downstream.
func validate(ev *Event) error {
	switch ev.Type {
	case EventInsert, EventUpdate, EventDelete:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEventType, ev.Type)
	}
	if ev.Table == "" {
		return ErrMissingTable
	}

	src := ev.Row
	if ev.Type == EventDelete {
		src = ev.OldRow
	}
	if len(src) == 0 {
		return ErrMissingRow
	}
	var probe struct {
		ID    string `json:"id"`
		PoiID string `json:"poi_id"`
	}
	if err := json.Unmarshal(src, &probe); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	// Share rows have no surrogate id of their own; the owning POI id is
	// the identity that matters downstream.
	ev.RowID = probe.ID
	if ev.RowID == "" {
		ev.RowID = probe.PoiID
	}
	if ev.RowID == "" {
		return ErrMissingRowID
	}
	return nil
}
