package history

import (
	"context"
	"errors"
	"fmt"

	"github.com/mhpenta/pagegen"
	"github.com/mhpenta/pagegen/internal/metrics"
)

// errNoChange lets a mutation skip the write.
var errNoChange = errors.New("no change")

func (s *Store) update(ctx context.Context, id, op string, mutate func(*pagegen.HistoryRecord) error) error {
	return s.updateWith(ctx, id, op, func(_ pagegen.Backend, rec *pagegen.HistoryRecord) error {
		return mutate(rec)
	})
}

// updateWith is a read-modify-write of one record under its lock, against a
// single backend.
func (s *Store) updateWith(ctx context.Context, id, op string, mutate func(pagegen.Backend, *pagegen.HistoryRecord) error) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	backend := s.backends.Current()
	rec, err := backend.LoadRecord(ctx, id)
	if err != nil {
		if pagegen.IsNotFound(err) {
			return err
		}
		return fmt.Errorf("load record %s: %w", id, err)
	}

	if err := mutate(backend, rec); err != nil {
		if errors.Is(err, errNoChange) {
			return nil
		}
		return err
	}

	rec.UpdatedAt = s.now().UTC()
	if err := backend.SaveRecord(ctx, rec); err != nil {
		s.written(backend, err)
		s.logger.Error("failed to save record", "record_id", id, "op", op, "error", err.Error())
		return fmt.Errorf("%s: save record %s: %w", op, id, err)
	}
	s.written(backend, nil)
	s.logger.Debug("record updated", "record_id", id, "op", op, "status", string(rec.Status))
	return nil
}

func (s *Store) written(backend pagegen.Backend, err error) {
	metrics.StoreWrites.WithLabelValues("history", string(backend.Kind()), metrics.Outcome(err)).Inc()
}
