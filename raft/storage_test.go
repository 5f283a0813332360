package raft

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"

	"github.com/tierfs/tierfs/common/kvstore"
	"github.com/tierfs/tierfs/util"
)

func newTestStorage(t *testing.T) (*storage, kvstore.Store, func()) {
	path, err := util.GenTmpPath()
	require.NoError(t, err)

	store, err := kvstore.NewKVStore(context.Background(), path, kvstore.RocksdbLsmKVType, &kvstore.Option{
		CreateIfMissing: true,
		ColumnFamily:    []kvstore.CF{walCF},
	})
	require.NoError(t, err)

	s, err := openStorage(store, nil)
	require.NoError(t, err)

	return s, store, func() {
		store.Close()
		os.RemoveAll(path)
	}
}

func testEntries(lo, hi, term uint64) []raftpb.Entry {
	entries := make([]raftpb.Entry, 0, hi-lo)
	for i := lo; i < hi; i++ {
		entries = append(entries, raftpb.Entry{
			Index: i,
			Term:  term,
			Type:  raftpb.EntryNormal,
			Data:  []byte("payload"),
		})
	}
	return entries
}

func TestStorageSaveReady(t *testing.T) {
	s, _, cleanup := newTestStorage(t)
	defer cleanup()

	hs := raftpb.HardState{Term: 2, Vote: 1, Commit: 0}
	require.NoError(t, s.SaveReady(hs, testEntries(1, 6, 2)))

	first, err := s.FirstIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(1), first)
	last, err := s.LastIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(5), last)

	entries, err := s.Entries(1, 6, 1<<20)
	require.NoError(t, err)
	require.Len(t, entries, 5)
	require.Equal(t, uint64(3), entries[2].Index)

	term, err := s.Term(5)
	require.NoError(t, err)
	require.Equal(t, uint64(2), term)
}

func TestStorageConflictingAppend(t *testing.T) {
	s, _, cleanup := newTestStorage(t)
	defer cleanup()

	require.NoError(t, s.SaveReady(raftpb.HardState{Term: 2}, testEntries(1, 6, 2)))

	// a new leader overwrites from index 3 on; the old tail goes away
	require.NoError(t, s.SaveReady(raftpb.HardState{Term: 3}, testEntries(3, 5, 3)))

	last, err := s.LastIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(4), last)

	term, err := s.Term(3)
	require.NoError(t, err)
	require.Equal(t, uint64(3), term)

	_, err = s.Entries(5, 6, 1<<20)
	require.ErrorIs(t, err, raft.ErrUnavailable)
}

func TestStorageTruncate(t *testing.T) {
	s, _, cleanup := newTestStorage(t)
	defer cleanup()

	require.NoError(t, s.SaveReady(raftpb.HardState{Term: 1}, testEntries(1, 11, 1)))
	s.SetAppliedIndex(8)

	require.ErrorContains(t, s.Truncate(context.Background(), 9), "applied")
	require.NoError(t, s.Truncate(context.Background(), 5))

	first, err := s.FirstIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(6), first)

	_, err = s.Entries(3, 8, 1<<20)
	require.ErrorIs(t, err, raft.ErrCompacted)

	// the term at the truncation point is kept for log matching
	term, err := s.Term(5)
	require.NoError(t, err)
	require.Equal(t, uint64(1), term)
	_, err = s.Term(4)
	require.ErrorIs(t, err, raft.ErrCompacted)
}

func TestStorageReopen(t *testing.T) {
	path, err := util.GenTmpPath()
	require.NoError(t, err)
	defer os.RemoveAll(path)

	opt := &kvstore.Option{CreateIfMissing: true, ColumnFamily: []kvstore.CF{walCF}}
	store, err := kvstore.NewKVStore(context.Background(), path, kvstore.RocksdbLsmKVType, opt)
	require.NoError(t, err)

	s, err := openStorage(store, nil)
	require.NoError(t, err)
	hs := raftpb.HardState{Term: 4, Vote: 2, Commit: 7}
	require.NoError(t, s.SaveReady(hs, testEntries(1, 9, 4)))
	s.SetAppliedIndex(7)
	require.NoError(t, s.PersistAppliedIndex())
	require.NoError(t, s.PersistMembers([]Member{{NodeID: 1, Host: "n1:9100"}}))
	store.Close()

	store, err = kvstore.NewKVStore(context.Background(), path, kvstore.RocksdbLsmKVType, opt)
	require.NoError(t, err)
	defer store.Close()

	s, err = openStorage(store, nil)
	require.NoError(t, err)

	got, _, err := s.InitialState()
	require.NoError(t, err)
	require.Equal(t, hs, got)
	require.Equal(t, uint64(7), s.AppliedIndex())

	last, err := s.LastIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(8), last)

	members, err := s.LoadMembers()
	require.NoError(t, err)
	require.Len(t, members, 1)
	require.Equal(t, "n1:9100", members[0].Host)
}

func TestStorageRestoreSnapshot(t *testing.T) {
	s, _, cleanup := newTestStorage(t)
	defer cleanup()

	require.NoError(t, s.SaveReady(raftpb.HardState{Term: 1}, testEntries(1, 6, 1)))
	require.NoError(t, s.RestoreSnapshot(raftpb.SnapshotMetadata{
		Index:     100,
		Term:      3,
		ConfState: raftpb.ConfState{Voters: []uint64{1, 2, 3}},
	}))

	first, err := s.FirstIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(101), first)
	last, err := s.LastIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(100), last)
	require.Equal(t, uint64(100), s.AppliedIndex())

	term, err := s.Term(100)
	require.NoError(t, err)
	require.Equal(t, uint64(3), term)

	_, cs, err := s.InitialState()
	require.NoError(t, err)
	require.Equal(t, []uint64{1, 2, 3}, cs.Voters)
}

func TestMembersMarshal(t *testing.T) {
	members := []Member{
		{NodeID: 1, Host: "n1:9100"},
		{NodeID: 2, Host: "n2:9100"},
	}
	raw, err := marshalMembers(members)
	require.NoError(t, err)

	var got []Member
	require.NoError(t, unmarshalMembers(raw, &got))
	require.Equal(t, members, got)
}
