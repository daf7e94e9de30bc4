package result

import (
	"context"
	"fmt"
)

// MirrorStore records into a primary store and a durable copy. Reads are
// served from the primary, so List only ever returns this process's records.
type MirrorStore struct {
	primary Store
	durable Store
}

func NewMirrorStore(primary, durable Store) *MirrorStore {
	return &MirrorStore{primary: primary, durable: durable}
}

func (s *MirrorStore) Record(ctx context.Context, record Record) (Record, error) {
	saved, err := s.primary.Record(ctx, record)
	if err != nil {
		return Record{}, err
	}
	if s.durable == nil {
		return saved, nil
	}
	if _, err := s.durable.Record(ctx, saved); err != nil {
		return saved, fmt.Errorf("mirror result: %w", err)
	}
	return saved, nil
}

func (s *MirrorStore) List(ctx context.Context) ([]Record, error) {
	return s.primary.List(ctx)
}
