package raft

import (
	"context"
	"encoding/binary"
	"sync"

	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"

	"github.com/tierfs/tierfs/common/kvstore"
	"github.com/tierfs/tierfs/errors"
)

const walCF = kvstore.CF("raft-wal")

// WalCF is the column family the raft log lives in; callers opening the
// wal store must create it.
const WalCF = walCF

var (
	hardStateKey    = []byte("h")
	confStateKey    = []byte("c")
	appliedIndexKey = []byte("a")
	truncMetaKey    = []byte("t")
	membersKey      = []byte("m")
	logKeyPrefix    = byte('l')
)

// storage persists raft entries and state in the raft kvstore and implements
// the etcd raft.Storage interface. All indexes are big-endian encoded so the
// wal iterates in log order.
type storage struct {
	kvStore kvstore.Store

	mu           sync.RWMutex
	hardState    raftpb.HardState
	confState    raftpb.ConfState
	firstIndex   uint64 // truncated index + 1
	lastIndex    uint64
	truncTerm    uint64
	appliedIndex uint64

	snapshotter *snapshotter
}

func openStorage(store kvstore.Store, snapshotter *snapshotter) (*storage, error) {
	s := &storage{
		kvStore:     store,
		firstIndex:  1,
		snapshotter: snapshotter,
	}

	ctx := context.Background()
	if raw, err := store.GetRaw(ctx, walCF, hardStateKey, nil); err == nil {
		if err := s.hardState.Unmarshal(raw); err != nil {
			return nil, err
		}
	} else if err != kvstore.ErrNotFound {
		return nil, err
	}
	if raw, err := store.GetRaw(ctx, walCF, confStateKey, nil); err == nil {
		if err := s.confState.Unmarshal(raw); err != nil {
			return nil, err
		}
	} else if err != kvstore.ErrNotFound {
		return nil, err
	}
	if raw, err := store.GetRaw(ctx, walCF, truncMetaKey, nil); err == nil {
		s.firstIndex = binary.BigEndian.Uint64(raw[:8]) + 1
		s.truncTerm = binary.BigEndian.Uint64(raw[8:16])
	} else if err != kvstore.ErrNotFound {
		return nil, err
	}
	if raw, err := store.GetRaw(ctx, walCF, appliedIndexKey, nil); err == nil {
		s.appliedIndex = binary.BigEndian.Uint64(raw)
	} else if err != kvstore.ErrNotFound {
		return nil, err
	}

	last, err := s.loadLastIndex(ctx)
	if err != nil {
		return nil, err
	}
	s.lastIndex = last
	if s.lastIndex < s.firstIndex-1 {
		s.lastIndex = s.firstIndex - 1
	}
	return s, nil
}

func (s *storage) loadLastIndex(ctx context.Context) (uint64, error) {
	lr := s.kvStore.List(ctx, walCF, []byte{logKeyPrefix}, nil, nil)
	defer lr.Close()
	kg, vg, err := lr.ReadLast()
	if err != nil {
		return 0, err
	}
	if kg == nil || vg == nil {
		return 0, nil
	}
	idx := decodeLogKey(kg.Key())
	kg.Close()
	vg.Close()
	return idx, nil
}

// InitialState implements raft.Storage.
func (s *storage) InitialState() (raftpb.HardState, raftpb.ConfState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hardState, s.confState, nil
}

// Entries implements raft.Storage, returning entries in [lo, hi).
func (s *storage) Entries(lo, hi, maxSize uint64) ([]raftpb.Entry, error) {
	s.mu.RLock()
	first, last := s.firstIndex, s.lastIndex
	s.mu.RUnlock()

	if lo < first {
		return nil, raft.ErrCompacted
	}
	if hi > last+1 {
		return nil, raft.ErrUnavailable
	}

	lr := s.kvStore.List(context.Background(), walCF, []byte{logKeyPrefix}, encodeLogKey(lo), nil)
	defer lr.Close()

	var (
		ret  []raftpb.Entry
		size uint64
	)
	for {
		kg, vg, err := lr.ReadNext()
		if err != nil {
			return nil, err
		}
		if kg == nil || vg == nil {
			break
		}
		entry := raftpb.Entry{}
		if err := entry.Unmarshal(vg.Value()); err != nil {
			kg.Close()
			vg.Close()
			return nil, err
		}
		kg.Close()
		vg.Close()

		if entry.Index >= hi {
			break
		}
		size += uint64(entry.Size())
		if len(ret) > 0 && size > maxSize {
			break
		}
		ret = append(ret, entry)
	}
	if len(ret) == 0 {
		return nil, raft.ErrUnavailable
	}
	return ret, nil
}

// Term implements raft.Storage.
func (s *storage) Term(i uint64) (uint64, error) {
	s.mu.RLock()
	first, last, truncTerm := s.firstIndex, s.lastIndex, s.truncTerm
	s.mu.RUnlock()

	if i == first-1 {
		return truncTerm, nil
	}
	if i < first {
		return 0, raft.ErrCompacted
	}
	if i > last {
		return 0, raft.ErrUnavailable
	}

	raw, err := s.kvStore.GetRaw(context.Background(), walCF, encodeLogKey(i), nil)
	if err != nil {
		if err == kvstore.ErrNotFound {
			return 0, raft.ErrUnavailable
		}
		return 0, err
	}
	entry := raftpb.Entry{}
	if err := entry.Unmarshal(raw); err != nil {
		return 0, err
	}
	return entry.Term, nil
}

// LastIndex implements raft.Storage.
func (s *storage) LastIndex() (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastIndex, nil
}

// FirstIndex implements raft.Storage.
func (s *storage) FirstIndex() (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.firstIndex, nil
}

// Snapshot implements raft.Storage. The returned snapshot carries only the
// id of an outgoing snapshot; the state itself is streamed by the transport.
func (s *storage) Snapshot() (raftpb.Snapshot, error) {
	s.mu.RLock()
	applied := s.appliedIndex
	cs := s.confState
	s.mu.RUnlock()

	term, err := s.Term(applied)
	if err != nil {
		return raftpb.Snapshot{}, err
	}

	outgoing := s.snapshotter.Create(applied, term, cs)
	return raftpb.Snapshot{
		Data: []byte(outgoing.ID()),
		Metadata: raftpb.SnapshotMetadata{
			Index:     applied,
			Term:      term,
			ConfState: cs,
		},
	}, nil
}

// SaveReady persists the hard state and new entries of one Ready in a single
// batch. Entries past a truncating append are overwritten in place; stale
// tail entries above the new last index are removed.
func (s *storage) SaveReady(hs raftpb.HardState, entries []raftpb.Entry) error {
	ctx := context.Background()
	batch := s.kvStore.NewWriteBatch()
	defer batch.Close()

	if !raft.IsEmptyHardState(hs) {
		raw, err := hs.Marshal()
		if err != nil {
			return err
		}
		batch.Put(walCF, hardStateKey, raw)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	newLast := s.lastIndex
	if len(entries) > 0 {
		for i := range entries {
			raw, err := entries[i].Marshal()
			if err != nil {
				return err
			}
			batch.Put(walCF, encodeLogKey(entries[i].Index), raw)
		}
		first := entries[0].Index
		last := entries[len(entries)-1].Index
		// a conflicting append truncates everything after it
		if last < s.lastIndex {
			batch.DeleteRange(walCF, encodeLogKey(last+1), encodeLogKey(s.lastIndex+1))
		}
		if first > s.lastIndex+1 {
			return errors.New("raft wal gap on append")
		}
		newLast = last
	}

	if err := s.kvStore.Write(ctx, batch, nil); err != nil {
		return err
	}
	if !raft.IsEmptyHardState(hs) {
		s.hardState = hs
	}
	s.lastIndex = newLast
	return nil
}

func (s *storage) SetConfState(cs raftpb.ConfState) error {
	raw, err := cs.Marshal()
	if err != nil {
		return err
	}
	if err := s.kvStore.SetRaw(context.Background(), walCF, confStateKey, raw, nil); err != nil {
		return err
	}
	s.mu.Lock()
	s.confState = cs
	s.mu.Unlock()
	return nil
}

func (s *storage) SetAppliedIndex(index uint64) {
	s.mu.Lock()
	s.appliedIndex = index
	s.mu.Unlock()
}

func (s *storage) AppliedIndex() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.appliedIndex
}

func (s *storage) PersistAppliedIndex() error {
	raw := make([]byte, 8)
	binary.BigEndian.PutUint64(raw, s.AppliedIndex())
	return s.kvStore.SetRaw(context.Background(), walCF, appliedIndexKey, raw, nil)
}

// Truncate drops wal entries at and below index. The term of the truncation
// point is retained for log matching.
func (s *storage) Truncate(ctx context.Context, index uint64) error {
	s.mu.RLock()
	first := s.firstIndex
	applied := s.appliedIndex
	s.mu.RUnlock()

	if index < first {
		return nil
	}
	if index > applied {
		return errors.New("cannot truncate above applied index")
	}

	term, err := s.Term(index)
	if err != nil {
		return err
	}

	meta := make([]byte, 16)
	binary.BigEndian.PutUint64(meta[:8], index)
	binary.BigEndian.PutUint64(meta[8:], term)

	batch := s.kvStore.NewWriteBatch()
	defer batch.Close()
	batch.Put(walCF, truncMetaKey, meta)
	batch.DeleteRange(walCF, encodeLogKey(first-1), encodeLogKey(index+1))
	if err := s.kvStore.Write(ctx, batch, nil); err != nil {
		return err
	}

	s.mu.Lock()
	s.firstIndex = index + 1
	s.truncTerm = term
	s.mu.Unlock()
	return nil
}

// RestoreSnapshot resets the wal to start just above the snapshot index.
func (s *storage) RestoreSnapshot(meta raftpb.SnapshotMetadata) error {
	ctx := context.Background()

	truncMeta := make([]byte, 16)
	binary.BigEndian.PutUint64(truncMeta[:8], meta.Index)
	binary.BigEndian.PutUint64(truncMeta[8:], meta.Term)

	batch := s.kvStore.NewWriteBatch()
	defer batch.Close()
	batch.DeleteRange(walCF, encodeLogKey(0), encodeLogKey(^uint64(0)))
	batch.Put(walCF, truncMetaKey, truncMeta)
	if err := s.kvStore.Write(ctx, batch, nil); err != nil {
		return err
	}

	s.mu.Lock()
	s.firstIndex = meta.Index + 1
	s.lastIndex = meta.Index
	s.truncTerm = meta.Term
	s.appliedIndex = meta.Index
	s.confState = meta.ConfState
	s.mu.Unlock()

	return s.SetConfState(meta.ConfState)
}

func (s *storage) LoadMembers() ([]Member, error) {
	raw, err := s.kvStore.GetRaw(context.Background(), walCF, membersKey, nil)
	if err == kvstore.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var members []Member
	if err := unmarshalMembers(raw, &members); err != nil {
		return nil, err
	}
	return members, nil
}

func (s *storage) PersistMembers(members []Member) error {
	raw, err := marshalMembers(members)
	if err != nil {
		return err
	}
	return s.kvStore.SetRaw(context.Background(), walCF, membersKey, raw, nil)
}

func encodeLogKey(index uint64) []byte {
	key := make([]byte, 9)
	key[0] = logKeyPrefix
	binary.BigEndian.PutUint64(key[1:], index)
	return key
}

func decodeLogKey(key []byte) uint64 {
	return binary.BigEndian.Uint64(key[1:])
}
