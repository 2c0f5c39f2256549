package moodb

import (
	"fmt"

	"github.com/moodb/moodb/internal/config"
	"github.com/moodb/moodb/internal/logx"
	"github.com/moodb/moodb/internal/store/bufferpool"
	"github.com/moodb/moodb/internal/store/relation"
	"github.com/moodb/moodb/internal/store/slotbox"
	"github.com/moodb/moodb/internal/store/txn"
	"github.com/moodb/moodb/internal/store/wal"
)

// Store is the opened world-state database: a buffer pool and slot box
// backing a fixed named relation set, a WAL, and the MVCC transaction
// manager that publishes commits to both.
type Store struct {
	cfg       *config.StoreConfig
	pool      *bufferpool.Pool
	box       *slotbox.Box
	relations map[uint32]*relation.Relation
	wal       *wal.Log
	manager   *txn.Manager
}

// Open reserves the buffer pool, builds the fixed relation set, replays
// the WAL to reconstruct committed state (spec §4.6), and returns a
// ready-to-use Store. The on-disk page-checkpoint directory
// (internal/store/wal.PageStore) is opened by the vacuum path only; this
// Open always recovers by full WAL replay, which is correct but does not
// bound replay time the way checkpoint-assisted recovery would — see
// DESIGN.md's recovery note.
func Open(cfg *config.StoreConfig) (*Store, error) {
	log := logx.WithComponent("moodb")

	pool, err := bufferpool.Open(cfg.VirtualSizeBytes, nil)
	if err != nil {
		return nil, fmt.Errorf("moodb: open buffer pool: %w", err)
	}
	box := slotbox.New(pool)

	relations := make(map[uint32]*relation.Relation, len(relationNames))
	for id, name := range relationNames {
		relations[id] = relation.New(slotbox.RelationID(id), name, box, bidirectionalRelations[id])
	}

	walLog, err := wal.Open(cfg.RootPath)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("moodb: open wal: %w", err)
	}

	records, err := wal.ReplayAll(cfg.RootPath)
	if err != nil {
		walLog.Close()
		pool.Close()
		return nil, fmt.Errorf("moodb: replay wal: %w", err)
	}
	for _, rec := range records {
		if err := applyRecord(relations, rec); err != nil {
			walLog.Close()
			pool.Close()
			return nil, fmt.Errorf("moodb: recovery: %w", err)
		}
	}
	startTS := wal.LatestCommitTS(records) + 1
	log.Info().Int("records_replayed", len(records)).Uint64("start_ts", startTS).Msg("recovery complete")

	manager := txn.NewManager(relations, walLog, startTS)

	return &Store{
		cfg:       cfg,
		pool:      pool,
		box:       box,
		relations: relations,
		wal:       walLog,
		manager:   manager,
	}, nil
}

// applyRecord materializes one WAL record's deltas directly against
// committed relation state, bypassing the transaction manager — used
// only during recovery, before any handle is issued.
func applyRecord(relations map[uint32]*relation.Relation, rec wal.Record) error {
	for _, rd := range rec.Relations {
		r, ok := relations[rd.RelationID]
		if !ok {
			return fmt.Errorf("unknown relation id %d in wal record", rd.RelationID)
		}
		for _, d := range rd.Deltas {
			var err error
			switch d.Kind {
			case wal.DeltaInsert:
				err = r.ApplyUpsert(d.Key, d.Value, rec.CommitTS)
			case wal.DeltaUpdate:
				err = r.ApplyUpsert(d.Key, d.Value, rec.CommitTS)
			case wal.DeltaDelete:
				err = r.ApplyRemove(d.Key, rec.CommitTS)
			}
			if err != nil {
				return fmt.Errorf("replay relation %d: %w", rd.RelationID, err)
			}
		}
	}
	return nil
}

// Begin starts a new Handle bound to a fresh transaction.
func (s *Store) Begin() *Handle {
	return &Handle{store: s, txn: s.manager.Begin()}
}

// Pool exposes the underlying buffer pool for admin tooling (vacuum,
// stats).
func (s *Store) Pool() *bufferpool.Pool { return s.pool }

// RootPath returns the directory the store was opened against, for admin
// tooling that needs to address the WAL/page-checkpoint directories
// directly (cmd/moodbctl).
func (s *Store) RootPath() string { return s.cfg.RootPath }

// Checkpoint writes every currently-resident page to ps and returns the
// number of pages written. It does not truncate the WAL, and Open does
// not read these checkpoints: recovery always replays the full WAL.
func (s *Store) Checkpoint(ps *wal.PageStore) (int, error) {
	n := 0
	err := s.box.CheckpointPages(func(pid bufferpool.BlockID, _ slotbox.RelationID, data []byte) error {
		n++
		return ps.WritePage(uint64(pid), data)
	})
	return n, err
}

// Close closes the WAL and then tears down the buffer pool. An error
// closing the WAL's segment file is returned, and the pool is then left
// mapped; Pool.Close panics on an unmap failure.
func (s *Store) Close() error {
	if err := s.wal.Close(); err != nil {
		return fmt.Errorf("moodb: close wal: %w", err)
	}
	s.pool.Close()
	return nil
}
