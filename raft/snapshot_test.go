package raft

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/raft/v3/raftpb"

	"github.com/tierfs/tierfs/common/kvstore"
	"github.com/tierfs/tierfs/util"
)

var testStateCFs = []kvstore.CF{"state-a", "state-b"}

func newStateStore(t *testing.T) (kvstore.Store, func()) {
	path, err := util.GenTmpPath()
	require.NoError(t, err)
	store, err := kvstore.NewKVStore(context.Background(), path, kvstore.RocksdbLsmKVType, &kvstore.Option{
		CreateIfMissing: true,
		ColumnFamily:    testStateCFs,
	})
	require.NoError(t, err)
	return store, func() {
		store.Close()
		os.RemoveAll(path)
	}
}

func fillState(t *testing.T, store kvstore.Store, n int) {
	ctx := context.Background()
	for _, cf := range testStateCFs {
		for i := 0; i < n; i++ {
			key := make([]byte, 8)
			binary.BigEndian.PutUint64(key, uint64(i))
			value := []byte(fmt.Sprintf("%s-%d", cf, i))
			require.NoError(t, store.SetRaw(ctx, cf, key, value, nil))
		}
	}
}

func TestSnapshotStreamRoundTrip(t *testing.T) {
	src, cleanupSrc := newStateStore(t)
	defer cleanupSrc()
	// enough items to span several batches
	fillState(t, src, defaultSnapshotBatchItems+10)

	snapper := newSnapshotter(src, func() []kvstore.CF { return testStateCFs })
	snap := snapper.Create(42, 3, raftpb.ConfState{Voters: []uint64{1, 2, 3}})
	defer snapper.Delete(snap.ID())

	var buf bytes.Buffer
	require.NoError(t, writeSnapshotStream(&buf, snap))

	reader := NewBatchReader(&buf)
	header, err := reader.ReadHeader()
	require.NoError(t, err)
	require.Equal(t, snap.ID(), header.ID)
	require.Equal(t, uint64(42), header.Index)
	require.Equal(t, uint64(3), header.Term)
	require.Equal(t, []uint64{1, 2, 3}, header.CS.Voters)

	dst, cleanupDst := newStateStore(t)
	defer cleanupDst()
	// a stale key that must not survive the restore
	require.NoError(t, dst.SetRaw(context.Background(), testStateCFs[0], []byte("stale"), []byte("x"), nil))

	require.NoError(t, restoreSnapshot(dst, testStateCFs, reader))

	ctx := context.Background()
	_, err = dst.GetRaw(ctx, testStateCFs[0], []byte("stale"), nil)
	require.Equal(t, kvstore.ErrNotFound, err)

	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, 5)
	for _, cf := range testStateCFs {
		raw, err := dst.GetRaw(ctx, cf, key, nil)
		require.NoError(t, err)
		require.Equal(t, []byte(fmt.Sprintf("%s-5", cf)), raw)
	}
}

func TestSnapshotterCapsOutgoing(t *testing.T) {
	src, cleanup := newStateStore(t)
	defer cleanup()
	fillState(t, src, 4)

	snapper := newSnapshotter(src, func() []kvstore.CF { return testStateCFs })

	first := snapper.Create(1, 1, raftpb.ConfState{})
	for i := 0; i < defaultMaxOutgoingSnapshots; i++ {
		snapper.Create(uint64(i+2), 1, raftpb.ConfState{})
	}

	// the oldest snapshot was evicted to make room
	require.Nil(t, snapper.Get(first.ID()))
}
