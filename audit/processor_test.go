package audit_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/warp/fuel-ledger/audit"
	"github.com/warp/fuel-ledger/engine"
)

type fakeSink struct {
	records []audit.Record
	fail    error
}

func (s *fakeSink) InsertRecords(_ context.Context, records []audit.Record) error {
	if s.fail != nil {
		return s.fail
	}
	s.records = append(s.records, records...)
	return nil
}

type fakeDeadLetter struct {
	parked []engine.Event
}

func (d *fakeDeadLetter) Park(_ context.Context, event engine.Event) error {
	d.parked = append(d.parked, event)
	return nil
}

func payload(t *testing.T, event engine.Event) []byte {
	t.Helper()
	data, err := json.Marshal(event)
	require.NoError(t, err)
	return data
}

func approvedEvent() engine.Event {
	e := engine.NewEvent(engine.EventTransactionApproved)
	e.TransactionID = 42
	e.CardID = 7
	e.OrganizationID = 3
	e.Amount = decimal.RequireFromString("150.00")
	e.Status = string(engine.StatusApproved)
	return e
}

func TestProcessorStoresDecodedEvents(t *testing.T) {
	sink := &fakeSink{}
	p := audit.NewProcessor(nil, sink, nil)

	// GIVEN: two valid payloads and one garbage payload
	e1, e2 := approvedEvent(), approvedEvent()
	payloads := [][]byte{
		payload(t, e1),
		[]byte("not json"),
		payload(t, e2),
	}

	// WHEN: processing the batch
	require.NoError(t, p.ProcessPayloads(context.Background(), payloads))

	// THEN: the garbage is skipped, the rest flattened and stored
	require.Len(t, sink.records, 2)
	require.Equal(t, e1.ID, sink.records[0].EventID)
	require.Equal(t, "150.00", sink.records[0].Amount)
	require.Equal(t, string(engine.EventTransactionApproved), sink.records[0].Type)
	require.False(t, sink.records[0].IngestedAt.IsZero())
}

func TestProcessorParksBatchOnStorageFailure(t *testing.T) {
	sink := &fakeSink{fail: fmt.Errorf("mongo down")}
	dlq := &fakeDeadLetter{}
	p := audit.NewProcessor(nil, sink, dlq)

	e1, e2 := approvedEvent(), approvedEvent()

	// WHEN: the sink rejects the batch
	err := p.ProcessPayloads(context.Background(), [][]byte{payload(t, e1), payload(t, e2)})

	// THEN: the error propagates (offsets stay uncommitted) and every
	// event lands in the dead-letter queue
	require.Error(t, err)
	require.Len(t, dlq.parked, 2)
	require.Equal(t, e1.ID, dlq.parked[0].ID)
}

func TestProcessorIgnoresEmptyPoll(t *testing.T) {
	sink := &fakeSink{}
	p := audit.NewProcessor(nil, sink, nil)
	require.NoError(t, p.ProcessPayloads(context.Background(), nil))
	require.Empty(t, sink.records)
}
