package worker

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/makeasinger/pipeline/internal/model"
)

// Event is one external occurrence found inside a work range. Events with a
// UserID are delivered to that user only; the rest go to everyone.
type Event struct {
	Block  uint64
	UserID string
	Notice model.Notice
}

// LogSource reads external events for a block range
type LogSource interface {
	Events(ctx context.Context, from, to uint64, kind string) ([]Event, error)
}

// NopLogSource has no events
type NopLogSource struct{}

// Events implements LogSource
func (NopLogSource) Events(context.Context, uint64, uint64, string) ([]Event, error) {
	return nil, nil
}

// RangeCursor remembers how far ranges have been processed
type RangeCursor interface {
	MarkDone(ctx context.Context, kind string, to uint64) error
}

// RangeNotifier delivers event notices
type RangeNotifier interface {
	NotifyUser(ctx context.Context, userID string, notice model.Notice) error
	Broadcast(ctx context.Context, notice model.Notice) error
}

// RangeWorker turns WorkRange messages into notices
type RangeWorker struct {
	source   LogSource
	notifier RangeNotifier
	cursor   RangeCursor
	log      *logrus.Entry
}

// NewRangeWorker creates a range worker. A nil source reads nothing.
func NewRangeWorker(source LogSource, notifier RangeNotifier, cursor RangeCursor, log *logrus.Entry) *RangeWorker {
	if source == nil {
		source = NopLogSource{}
	}
	return &RangeWorker{
		source:   source,
		notifier: notifier,
		cursor:   cursor,
		log:      log,
	}
}

// Handle fetches the range's events, publishes a notice per event and then
// marks the range done. Any failure leaves the range unmarked.
func (w *RangeWorker) Handle(ctx context.Context, wr model.WorkRange) error {
	entry := w.log.WithFields(logrus.Fields{"from_block": wr.FromBlock, "to_block": wr.ToBlock, "kind": wr.RangeKind})

	events, err := w.source.Events(ctx, wr.FromBlock, wr.ToBlock, wr.RangeKind)
	if err != nil {
		return fmt.Errorf("failed to read events %d-%d: %w", wr.FromBlock, wr.ToBlock, err)
	}

	for _, ev := range events {
		if ev.UserID != "" {
			err = w.notifier.NotifyUser(ctx, ev.UserID, ev.Notice)
		} else {
			err = w.notifier.Broadcast(ctx, ev.Notice)
		}
		if err != nil {
			return fmt.Errorf("failed to publish event at block %d: %w", ev.Block, err)
		}
	}

	if w.cursor != nil {
		if err := w.cursor.MarkDone(ctx, wr.RangeKind, wr.ToBlock); err != nil {
			return fmt.Errorf("failed to mark range done: %w", err)
		}
	}

	entry.WithField("events", len(events)).Info("Range processed")
	return nil
}
