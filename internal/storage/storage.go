// Package storage is the item-pipeline collaborator: scraped items flow
// through an ordered chain of sinks, any of which may drop an item.
package storage

import (
	"context"
	"errors"
	"log/slog"

	"crawlkit/pkg/types"
)

// ErrDropItem signals that a sink intentionally discarded the item;
// later sinks are skipped and the drop is not an error.
var ErrDropItem = errors.New("item dropped")

// Sink receives scraped items.
type Sink interface {
	Process(ctx context.Context, item types.Item) error
	Close() error
}

// Pipeline runs items through its sinks in order.
type Pipeline struct {
	sinks  []Sink
	logger *slog.Logger
}

// NewPipeline composes the given sinks. A pipeline with no sinks is valid
// and discards nothing.
func NewPipeline(logger *slog.Logger, sinks ...Sink) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{sinks: sinks, logger: logger}
}

// Process offers item to each sink in order. A sink returning ErrDropItem
// stops the chain silently; any other error aborts the chain and is
// returned.
func (p *Pipeline) Process(ctx context.Context, item types.Item) error {
	for _, sink := range p.sinks {
		if err := sink.Process(ctx, item); err != nil {
			if errors.Is(err, ErrDropItem) {
				p.logger.Debug("item dropped by pipeline sink", "url", item["url"])
				return nil
			}
			return err
		}
	}
	return nil
}

// Close closes every sink, joining their errors.
func (p *Pipeline) Close() error {
	var err error
	for _, sink := range p.sinks {
		if cerr := sink.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}
	return err
}
