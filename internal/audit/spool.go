package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"

	"clinicdash.org/internal/obs"
	"clinicdash.org/internal/practice"
	"clinicdash.org/internal/store"
)

// Spool is a local journal of audit records that could not be written to the
// store. Keys are record ids, so iteration replays in creation order.
type Spool struct {
	db *leveldb.DB
}

// OpenSpool opens or creates a spool directory.
func OpenSpool(path string) (*Spool, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open audit spool: %w", err)
	}
	s := &Spool{db: db}
	s.refreshGauge()
	return s, nil
}

// NewMemorySpool returns a spool that lives only in memory.
func NewMemorySpool() (*Spool, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return &Spool{db: db}, nil
}

func (s *Spool) Close() error { return s.db.Close() }

// Put stores rec for later replay.
func (s *Spool) Put(rec practice.AuditRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := s.db.Put([]byte(rec.ID), data, nil); err != nil {
		return err
	}
	obs.AuditSpooled.Inc()
	return nil
}

// Len counts pending records.
func (s *Spool) Len() (int, error) {
	iter := s.db.NewIterator(nil, nil)
	defer iter.Release()
	n := 0
	for iter.Next() {
		n++
	}
	return n, iter.Error()
}

// Replay appends pending records to sink in order, removing each once stored.
// It stops at the first failure and reports how many records were replayed.
func (s *Spool) Replay(ctx context.Context, sink store.AuditLog) (int, error) {
	iter := s.db.NewIterator(nil, nil)
	defer iter.Release()

	replayed := 0
	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return replayed, err
		}
		var rec practice.AuditRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return replayed, fmt.Errorf("decode spooled record %s: %w", iter.Key(), err)
		}
		err := sink.Append(ctx, rec)
		if err != nil && !errors.Is(err, store.ErrConflict) {
			return replayed, err
		}
		if err := s.db.Delete(iter.Key(), nil); err != nil {
			return replayed, err
		}
		obs.AuditSpooled.Dec()
		replayed++
	}
	return replayed, iter.Error()
}

func (s *Spool) refreshGauge() {
	if n, err := s.Len(); err == nil {
		obs.AuditSpooled.Set(float64(n))
	}
}
