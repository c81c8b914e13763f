package lending

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"kurrentlibrary/pkg/eventstore"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	ErrMalformedEvent  = errors.New("malformed event")
	ErrMappingMetadata = errors.New("error mapping event metadata")
)

// Metadata travels next to every event payload.
type Metadata struct {
	SchemaVersion int    `json:"schemaVersion"`
	CorrelationID string `json:"correlationId,omitempty"`
	CausationID   string `json:"causationId,omitempty"`
}

type decoder struct {
	version int
	decode  func(data []byte) (Event, error)
}

func decoderFor[T Event]() decoder {
	var zero T
	return decoder{
		version: zero.SchemaVersion(),
		decode: func(data []byte) (Event, error) {
			var e T
			if err := json.Unmarshal(data, &e); err != nil {
				return nil, err
			}
			return e, nil
		},
	}
}

var decoders = map[string]decoder{
	TypeBookAdded:                 decoderFor[BookAdded](),
	TypeBookPlacedOnHold:          decoderFor[BookPlacedOnHold](),
	TypeBookHoldCanceled:          decoderFor[BookHoldCanceled](),
	TypeBookHoldExpired:           decoderFor[BookHoldExpired](),
	TypeBookCheckedOut:            decoderFor[BookCheckedOut](),
	TypeBookReturned:              decoderFor[BookReturned](),
	TypePatronCreated:             decoderFor[PatronCreated](),
	TypePatronTypeUpgraded:        decoderFor[PatronTypeUpgraded](),
	TypePatronHoldRecorded:        decoderFor[PatronHoldRecorded](),
	TypePatronHoldReleased:        decoderFor[PatronHoldReleased](),
	TypePatronCheckoutRecorded:    decoderFor[PatronCheckoutRecorded](),
	TypePatronReturnRecorded:      decoderFor[PatronReturnRecorded](),
	TypeOverdueCheckoutRegistered: decoderFor[OverdueCheckoutRegistered](),
	TypeOverdueCountCorrected:     decoderFor[OverdueCountCorrected](),
}

// Encode serializes an event for appending. The schema version in meta is
// always taken from the event.
func Encode(e Event, meta Metadata) (eventstore.EventData, error) {
	if _, ok := e.(Ignored); ok {
		return eventstore.EventData{}, fmt.Errorf("cannot encode ignored event %s", e.EventType())
	}
	data, err := json.Marshal(e)
	if err != nil {
		return eventstore.EventData{}, fmt.Errorf("marshal %s: %w", e.EventType(), err)
	}
	meta.SchemaVersion = e.SchemaVersion()
	metadata, err := json.Marshal(meta)
	if err != nil {
		return eventstore.EventData{}, fmt.Errorf("marshal metadata: %w", err)
	}
	return eventstore.EventData{
		EventID:   uuid.New(),
		EventType: e.EventType(),
		Data:      data,
		Metadata:  metadata,
	}, nil
}

// Decode maps a recorded event onto the lending event union. Unknown types
// and newer schema versions become Ignored; broken payloads are errors.
func Decode(rec eventstore.RecordedEvent) (Event, Metadata, error) {
	meta := Metadata{SchemaVersion: 1}
	if len(rec.Metadata) > 0 {
		if err := json.Unmarshal(rec.Metadata, &meta); err != nil {
			return nil, Metadata{}, errors.Join(ErrMappingMetadata, fmt.Errorf("%s@%d: %w", rec.StreamID, rec.Revision, err))
		}
	}

	d, ok := decoders[rec.EventType]
	if !ok || meta.SchemaVersion > d.version {
		return Ignored{Type: rec.EventType, Version: meta.SchemaVersion}, meta, nil
	}

	e, err := d.decode(rec.Data)
	if err != nil {
		return nil, meta, fmt.Errorf("%w: %s at %s@%d: %v", ErrMalformedEvent, rec.EventType, rec.StreamID, rec.Revision, err)
	}
	if err := e.validate(); err != nil {
		return nil, meta, fmt.Errorf("%w: %s at %s@%d: %v", ErrMalformedEvent, rec.EventType, rec.StreamID, rec.Revision, err)
	}
	return e, meta, nil
}

// DecodeAll decodes a whole stream, stopping at the first broken event.
func DecodeAll(records []eventstore.RecordedEvent) ([]Event, error) {
	events := make([]Event, 0, len(records))
	for _, rec := range records {
		e, _, err := Decode(rec)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, nil
}
