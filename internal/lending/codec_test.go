package lending

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kurrentlibrary/pkg/eventstore"
)

func record(t *testing.T, e Event, meta Metadata) eventstore.RecordedEvent {
	t.Helper()
	data, err := Encode(e, meta)
	require.NoError(t, err)
	return eventstore.RecordedEvent{
		EventID:   data.EventID,
		StreamID:  "book-test",
		EventType: data.EventType,
		Data:      data.Data,
		Metadata:  data.Metadata,
	}
}

func TestEncode_WritesSchemaVersionAndCorrelation(t *testing.T) {
	held := BookPlacedOnHold{BookID: uuid.New(), PatronID: uuid.New(), HoldType: OpenEnded, OccurredAt: testNow}
	correlation := uuid.NewString()

	rec := record(t, held, Metadata{SchemaVersion: 99, CorrelationID: correlation})

	assert.Equal(t, TypeBookPlacedOnHold, rec.EventType)
	assert.JSONEq(t, `{"schemaVersion":1,"correlationId":"`+correlation+`"}`, string(rec.Metadata))
	assert.NotContains(t, string(rec.Data), "holdTill", "open-ended holds omit the expiry")

	decoded, meta, err := Decode(rec)
	require.NoError(t, err)
	assert.Equal(t, held, decoded)
	assert.Equal(t, correlation, meta.CorrelationID)
}

func TestDecode_UnknownTypeBecomesIgnored(t *testing.T) {
	decoded, _, err := Decode(eventstore.RecordedEvent{
		StreamID:  "book-1",
		EventType: "BookRenamed",
		Data:      []byte(`{"title":"x"}`),
	})

	require.NoError(t, err)
	assert.Equal(t, Ignored{Type: "BookRenamed", Version: 1}, decoded)
}

func TestDecode_NewerSchemaVersionBecomesIgnored(t *testing.T) {
	decoded, _, err := Decode(eventstore.RecordedEvent{
		StreamID:  "book-1",
		EventType: TypeBookReturned,
		Data:      []byte(`{"bookId":"not even a uuid"}`),
		Metadata:  []byte(`{"schemaVersion":2}`),
	})

	require.NoError(t, err)
	assert.Equal(t, Ignored{Type: TypeBookReturned, Version: 2}, decoded)
}

func TestDecode_MissingMetadataDefaultsToVersionOne(t *testing.T) {
	returned := BookReturned{BookID: uuid.New(), PatronID: uuid.New(), OccurredAt: testNow}
	rec := record(t, returned, Metadata{})
	rec.Metadata = nil

	decoded, meta, err := Decode(rec)

	require.NoError(t, err)
	assert.Equal(t, 1, meta.SchemaVersion)
	assert.Equal(t, returned, decoded)
}

func TestDecode_MalformedPayloadIsAnError(t *testing.T) {
	cases := map[string]eventstore.RecordedEvent{
		"bad json":      {EventType: TypeBookCheckedOut, Data: []byte(`{"bookId":`)},
		"wrong type":    {EventType: TypeBookCheckedOut, Data: []byte(`{"bookId":42}`)},
		"missing ids":   {EventType: TypeBookCheckedOut, Data: []byte(`{"dueDate":"2026-01-01T00:00:00Z"}`)},
		"bad book type": {EventType: TypeBookAdded, Data: []byte(`{"bookId":"` + uuid.NewString() + `","branchId":"` + uuid.NewString() + `","bookType":"ebook"}`)},
	}
	for name, rec := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := Decode(rec)
			assert.ErrorIs(t, err, ErrMalformedEvent)
		})
	}

	_, _, err := Decode(eventstore.RecordedEvent{EventType: TypeBookReturned, Metadata: []byte(`[`)})
	assert.ErrorIs(t, err, ErrMappingMetadata)
}

func TestEncode_RejectsIgnored(t *testing.T) {
	_, err := Encode(Ignored{Type: "X"}, Metadata{})
	assert.Error(t, err)
}

func TestDecodeAll_PreservesOrder(t *testing.T) {
	book := uuid.New()
	patron := uuid.New()
	till := testNow.Add(time.Hour)
	in := []Event{
		BookAdded{BookID: book, ISBN: "i", Title: "t", BookType: Circulating, BranchID: uuid.New(), OccurredAt: testNow},
		BookPlacedOnHold{BookID: book, PatronID: patron, HoldType: ClosedEnded, HoldTill: &till, OccurredAt: testNow},
		BookHoldExpired{BookID: book, PatronID: patron, HoldTill: till, OccurredAt: till.Add(time.Second)},
	}
	var records []eventstore.RecordedEvent
	for _, e := range in {
		records = append(records, record(t, e, Metadata{}))
	}

	out, err := DecodeAll(records)

	require.NoError(t, err)
	assert.Equal(t, in, out)
}
