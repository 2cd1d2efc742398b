package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/warp/fuel-ledger/engine"
)

// Sink receives decoded audit records.
type Sink interface {
	InsertRecords(ctx context.Context, records []Record) error
}

// DeadLetter takes events whose records could not be stored.
type DeadLetter interface {
	Park(ctx context.Context, event engine.Event) error
}

// Processor turns raw broker payloads into audit records. Payloads that
// do not decode are logged and skipped; storage failures park the whole
// batch so nothing is silently lost.
type Processor struct {
	logger     *zap.Logger
	sink       Sink
	deadLetter DeadLetter
}

func NewProcessor(logger *zap.Logger, sink Sink, deadLetter DeadLetter) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{logger: logger, sink: sink, deadLetter: deadLetter}
}

// ProcessPayloads decodes and stores one poll's worth of event payloads.
func (p *Processor) ProcessPayloads(ctx context.Context, payloads [][]byte) error {
	if len(payloads) == 0 {
		return nil
	}

	var (
		events  []engine.Event
		records []Record
	)
	for _, payload := range payloads {
		var event engine.Event
		if err := json.Unmarshal(payload, &event); err != nil {
			p.logger.Error("skipping undecodable event payload", zap.Error(err))
			continue
		}
		events = append(events, event)
		records = append(records, NewRecord(event))
	}

	if err := p.sink.InsertRecords(ctx, records); err != nil {
		if p.deadLetter != nil {
			for _, event := range events {
				_ = p.deadLetter.Park(ctx, event)
			}
		}
		return fmt.Errorf("failed to store audit records: %w", err)
	}

	p.logger.Info("audit records stored", zap.Int("count", len(records)))
	return nil
}
