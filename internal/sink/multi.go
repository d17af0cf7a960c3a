package sink

import (
	"context"
	"errors"

	"tickflow/models"
)

// Multi fans writes out to several sinks. Every sink is attempted; errors
// are joined so one failing destination does not hide another's success.
type Multi struct {
	sinks []Sink
}

func NewMulti(sinks ...Sink) *Multi {
	return &Multi{sinks: sinks}
}

func (m *Multi) WriteTrades(ctx context.Context, trades []models.Trade) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.WriteTrades(ctx, trades); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Multi) WriteBookSnapshot(ctx context.Context, state *models.BookState) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.WriteBookSnapshot(ctx, state); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Multi) Close() error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
