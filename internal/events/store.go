package events

import (
	"context"
	"log/slog"

	"github.com/micro-ha/minion-fleet/controller/internal/domain/fleet"
)

// Store decorates a fleet.Store and publishes the merged record after every
// successful write.
type Store struct {
	fleet.Store
	hub    *Hub
	logger *slog.Logger
}

func NewStore(inner fleet.Store, hub *Hub, logger *slog.Logger) *Store {
	return &Store{Store: inner, hub: hub, logger: logger}
}

func (s *Store) Write(ctx context.Context, address string, w fleet.WriteRequest) error {
	if err := s.Store.Write(ctx, address, w); err != nil {
		return err
	}
	record, ok, err := s.Store.Get(ctx, address)
	if err != nil || !ok {
		if s.logger != nil {
			s.logger.Warn("committed record not readable for event", "address", address, "err", err)
		}
		return nil
	}
	s.hub.Publish(Event{Type: TypeDeviceUpdated, Address: address, Record: &record})
	return nil
}
