// Copyright 2024 The TierFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific governing permissions and
// limitations under the License.

package kvstore

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) Store {
	path, err := os.MkdirTemp("", "kvstore")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(path) })

	s, err := NewKVStore(context.TODO(), path, RocksdbLsmKVType, &Option{
		CreateIfMissing: true,
		ColumnFamily:    []CF{"t1", "t2"},
	})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestRocksdb_SetGetDelete(t *testing.T) {
	ctx := context.TODO()
	s := newTestStore(t)

	require.NoError(t, s.SetRaw(ctx, "t1", []byte("k"), []byte("v"), nil))
	v, err := s.GetRaw(ctx, "t1", []byte("k"), nil)
	require.NoError(t, err)
	require.Equal(t, []byte("v"), v)

	// column families do not leak into each other
	_, err = s.GetRaw(ctx, "t2", []byte("k"), nil)
	require.Equal(t, ErrNotFound, err)

	require.NoError(t, s.Delete(ctx, "t1", []byte("k"), nil))
	_, err = s.GetRaw(ctx, "t1", []byte("k"), nil)
	require.Equal(t, ErrNotFound, err)
}

func TestRocksdb_ListPrefix(t *testing.T) {
	ctx := context.TODO()
	s := newTestStore(t)

	for i := 0; i < 5; i++ {
		key := []byte(fmt.Sprintf("a/%d", i))
		require.NoError(t, s.SetRaw(ctx, "t1", key, []byte{byte(i)}, nil))
	}
	require.NoError(t, s.SetRaw(ctx, "t1", []byte("b/0"), []byte("x"), nil))

	lr := s.List(ctx, "t1", []byte("a/"), nil, nil)
	defer lr.Close()

	count := 0
	for {
		kg, vg, err := lr.ReadNext()
		require.NoError(t, err)
		if kg == nil || vg == nil {
			break
		}
		require.Equal(t, byte(count), vg.Value()[0])
		kg.Close()
		vg.Close()
		count++
	}
	require.Equal(t, 5, count)
}

func TestRocksdb_WriteBatchAndDeleteRange(t *testing.T) {
	ctx := context.TODO()
	s := newTestStore(t)

	batch := s.NewWriteBatch()
	for i := 0; i < 10; i++ {
		batch.Put("t1", []byte(fmt.Sprintf("k%02d", i)), []byte("v"))
	}
	require.Equal(t, 10, batch.Count())
	require.NoError(t, s.Write(ctx, batch, nil))
	batch.Close()

	require.NoError(t, s.DeleteRange(ctx, "t1", []byte("k00"), []byte("k05")))
	_, err := s.GetRaw(ctx, "t1", []byte("k04"), nil)
	require.Equal(t, ErrNotFound, err)
	_, err = s.GetRaw(ctx, "t1", []byte("k05"), nil)
	require.NoError(t, err)
}

func TestRocksdb_SnapshotRead(t *testing.T) {
	ctx := context.TODO()
	s := newTestStore(t)

	require.NoError(t, s.SetRaw(ctx, "t1", []byte("k"), []byte("old"), nil))
	snap := s.NewSnapshot()
	defer snap.Close()
	ro := s.NewReadOption()
	defer ro.Close()
	ro.SetSnapShot(snap)

	require.NoError(t, s.SetRaw(ctx, "t1", []byte("k"), []byte("new"), nil))

	v, err := s.GetRaw(ctx, "t1", []byte("k"), ro)
	require.NoError(t, err)
	require.Equal(t, []byte("old"), v)
}
