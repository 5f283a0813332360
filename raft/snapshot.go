package raft

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/etcd/raft/v3/raftpb"

	"github.com/tierfs/tierfs/common/kvstore"
	"github.com/tierfs/tierfs/errors"
)

const (
	defaultMaxOutgoingSnapshots = 3
	defaultSnapshotTimeout      = 10 * time.Minute
	defaultSnapshotBatchItems   = 128
)

// SnapshotItem is one key/value of the replicated state, tagged by column
// family. Snapshots travel as a sequence of batches of these.
type SnapshotItem struct {
	CF    string `json:"cf"`
	Key   []byte `json:"k"`
	Value []byte `json:"v"`
}

type SnapshotBatch struct {
	Items []SnapshotItem `json:"items"`
}

// SnapshotHeader leads the snapshot stream so the receiver can fence and
// restore raft metadata before any data arrives.
type SnapshotHeader struct {
	ID    string           `json:"id"`
	Index uint64           `json:"index"`
	Term  uint64           `json:"term"`
	CS    raftpb.ConfState `json:"conf_state"`
}

// snapshotter tracks outgoing snapshots cut from the state store. A snapshot
// pins a kvstore snapshot until it is fully streamed or times out.
type snapshotter struct {
	stateStore kvstore.Store
	stateCFs   func() []kvstore.CF

	mu    sync.Mutex
	snaps map[string]*OutgoingSnapshot
}

func newSnapshotter(stateStore kvstore.Store, stateCFs func() []kvstore.CF) *snapshotter {
	return &snapshotter{
		stateStore: stateStore,
		stateCFs:   stateCFs,
		snaps:      make(map[string]*OutgoingSnapshot),
	}
}

func (s *snapshotter) Create(index, term uint64, cs raftpb.ConfState) *OutgoingSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	// cap concurrent outgoing snapshots, dropping the oldest
	if len(s.snaps) >= defaultMaxOutgoingSnapshots {
		var oldest *OutgoingSnapshot
		for _, snap := range s.snaps {
			if oldest == nil || snap.created.Before(oldest.created) {
				oldest = snap
			}
		}
		oldest.close()
		delete(s.snaps, oldest.id)
	}

	kvSnap := s.stateStore.NewSnapshot()
	readOpt := s.stateStore.NewReadOption()
	readOpt.SetSnapShot(kvSnap)

	snap := &OutgoingSnapshot{
		id:      uuid.NewString(),
		index:   index,
		term:    term,
		cs:      cs,
		created: time.Now(),
		st:      kvSnap,
		ro:      readOpt,
		store:   s.stateStore,
		cfs:     s.stateCFs(),
	}
	s.snaps[snap.id] = snap
	return snap
}

func (s *snapshotter) Get(id string) *OutgoingSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	if snap, ok := s.snaps[id]; ok && time.Since(snap.created) < defaultSnapshotTimeout {
		return snap
	}
	return nil
}

func (s *snapshotter) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if snap, ok := s.snaps[id]; ok {
		snap.close()
		delete(s.snaps, id)
	}
}

type OutgoingSnapshot struct {
	id      string
	index   uint64
	term    uint64
	cs      raftpb.ConfState
	created time.Time

	st    kvstore.Snapshot
	ro    kvstore.ReadOption
	store kvstore.Store
	cfs   []kvstore.CF

	cfIndex int
	lr      kvstore.ListReader
}

func (o *OutgoingSnapshot) ID() string { return o.id }

func (o *OutgoingSnapshot) Index() uint64 { return o.index }

func (o *OutgoingSnapshot) Header() SnapshotHeader {
	return SnapshotHeader{ID: o.id, Index: o.index, Term: o.term, CS: o.cs}
}

// ReadBatch returns the next batch of state items, io.EOF after the last one.
func (o *OutgoingSnapshot) ReadBatch() (*SnapshotBatch, error) {
	batch := &SnapshotBatch{}
	for len(batch.Items) < defaultSnapshotBatchItems {
		if o.lr == nil {
			if o.cfIndex >= len(o.cfs) {
				if len(batch.Items) == 0 {
					return nil, io.EOF
				}
				return batch, nil
			}
			o.lr = o.store.List(context.Background(), o.cfs[o.cfIndex], nil, nil, o.ro)
		}

		key, value, err := o.lr.ReadNextCopy()
		if err != nil {
			return nil, err
		}
		if key == nil {
			o.lr.Close()
			o.lr = nil
			o.cfIndex++
			continue
		}
		batch.Items = append(batch.Items, SnapshotItem{
			CF:    o.cfs[o.cfIndex].String(),
			Key:   key,
			Value: value,
		})
	}
	return batch, nil
}

func (o *OutgoingSnapshot) close() {
	if o.lr != nil {
		o.lr.Close()
		o.lr = nil
	}
	o.ro.Close()
	o.st.Close()
}

// BatchReader decodes a snapshot stream produced by WriteTo.
type BatchReader struct {
	dec *json.Decoder
}

func NewBatchReader(r io.Reader) *BatchReader {
	return &BatchReader{dec: json.NewDecoder(r)}
}

func (r *BatchReader) ReadHeader() (SnapshotHeader, error) {
	var h SnapshotHeader
	err := r.dec.Decode(&h)
	return h, err
}

func (r *BatchReader) ReadBatch() (*SnapshotBatch, error) {
	batch := &SnapshotBatch{}
	if err := r.dec.Decode(batch); err != nil {
		return nil, err
	}
	return batch, nil
}

// restoreSnapshot wipes the state column families and rewrites them from the
// incoming stream. The wipe runs first so a restored tree is never merged
// with stale working data; the caller fences on the snapshot index before
// invoking this.
func restoreSnapshot(stateStore kvstore.Store, cfs []kvstore.CF, reader *BatchReader) error {
	ctx := context.Background()

	wipe := stateStore.NewWriteBatch()
	for _, cf := range cfs {
		wipe.DeleteRange(cf, []byte{0x00}, []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff})
	}
	if err := stateStore.Write(ctx, wipe, nil); err != nil {
		wipe.Close()
		return err
	}
	wipe.Close()

	for {
		batch, err := reader.ReadBatch()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.ErrCorrupted
		}
		wb := stateStore.NewWriteBatch()
		for _, item := range batch.Items {
			wb.Put(kvstore.CF(item.CF), item.Key, item.Value)
		}
		if err := stateStore.Write(ctx, wb, nil); err != nil {
			wb.Close()
			return err
		}
		wb.Close()
	}
}
