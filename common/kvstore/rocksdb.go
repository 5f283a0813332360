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
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package kvstore

import (
	"context"
	"errors"
	"os"
	"sync"

	rdb "github.com/tecbot/gorocksdb"
)

type (
	rocksdb struct {
		path      string
		db        *rdb.DB
		opt       *rdb.Options
		readOpt   *rdb.ReadOptions
		writeOpt  *rdb.WriteOptions
		flushOpt  *rdb.FlushOptions
		cfHandles map[CF]*rdb.ColumnFamilyHandle
		lock      sync.RWMutex
	}
	snapshot struct {
		db   *rdb.DB
		snap *rdb.Snapshot
	}
	readOption struct {
		db   *rdb.DB
		snap *rdb.Snapshot
		opt  *rdb.ReadOptions
	}
	writeOption struct {
		opt *rdb.WriteOptions
	}
	listReader struct {
		iterator *rdb.Iterator
		prefix   []byte
		isFirst  bool
	}
	keyGetter struct {
		key *rdb.Slice
	}
	valueGetter struct {
		value *rdb.Slice
	}
	writeBatch struct {
		s     *rocksdb
		batch *rdb.WriteBatch
	}
)

func newRocksdb(ctx context.Context, path string, option *Option) (Store, error) {
	if path == "" {
		return nil, errors.New("path is empty")
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, err
	}

	dbOpt := genRocksdbOpts(option)

	cols := make([]CF, 0, len(option.ColumnFamily)+1)
	cols = append(cols, defaultCF)
	cols = append(cols, option.ColumnFamily...)

	cfNames := make([]string, 0, len(cols))
	cfOpts := make([]*rdb.Options, 0, len(cols))
	for range cols {
		cfOpts = append(cfOpts, dbOpt)
	}
	for _, col := range cols {
		cfNames = append(cfNames, col.String())
	}

	db, cfhs, err := rdb.OpenDbColumnFamilies(dbOpt, path, cfNames, cfOpts)
	if err != nil {
		return nil, err
	}

	cfhMap := make(map[CF]*rdb.ColumnFamilyHandle)
	for i, h := range cfhs {
		cfhMap[cols[i]] = h
	}

	wo := rdb.NewDefaultWriteOptions()
	wo.SetSync(option.Sync)
	if option.DisableWal {
		wo.DisableWAL(true)
	}

	return &rocksdb{
		db:        db,
		path:      path,
		opt:       dbOpt,
		readOpt:   rdb.NewDefaultReadOptions(),
		writeOpt:  wo,
		flushOpt:  rdb.NewDefaultFlushOptions(),
		cfHandles: cfhMap,
	}, nil
}

func (s *rocksdb) NewSnapshot() Snapshot {
	return &snapshot{db: s.db, snap: s.db.NewSnapshot()}
}

func (s *rocksdb) NewReadOption() ReadOption {
	return &readOption{db: s.db, opt: rdb.NewDefaultReadOptions()}
}

func (s *rocksdb) NewWriteOption() WriteOption {
	return &writeOption{opt: rdb.NewDefaultWriteOptions()}
}

func (s *rocksdb) NewWriteBatch() WriteBatch {
	return &writeBatch{s: s, batch: rdb.NewWriteBatch()}
}

func (s *rocksdb) CreateColumn(col CF) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.cfHandles[col] != nil {
		return nil
	}
	h, err := s.db.CreateColumnFamily(s.opt, col.String())
	if err != nil {
		return err
	}
	s.cfHandles[col] = h
	return nil
}

func (s *rocksdb) GetAllColumns() (ret []CF) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	for col := range s.cfHandles {
		ret = append(ret, col)
	}
	return
}

func (s *rocksdb) Get(ctx context.Context, col CF, key []byte, readOpt ReadOption) (ValueGetter, error) {
	cf := s.getColumnFamily(col)
	ro := s.readOpt
	if readOpt != nil {
		ro = readOpt.(*readOption).opt
	}
	v, err := s.db.GetCF(ro, cf, key)
	if err != nil {
		return nil, err
	}
	if !v.Exists() {
		return nil, ErrNotFound
	}
	return &valueGetter{value: v}, nil
}

func (s *rocksdb) GetRaw(ctx context.Context, col CF, key []byte, readOpt ReadOption) ([]byte, error) {
	v, err := s.Get(ctx, col, key, readOpt)
	if err != nil {
		return nil, err
	}
	value := make([]byte, v.Size())
	copy(value, v.Value())
	v.Close()
	return value, nil
}

func (s *rocksdb) SetRaw(ctx context.Context, col CF, key []byte, value []byte, writeOpt WriteOption) error {
	wo := s.writeOpt
	if writeOpt != nil {
		wo = writeOpt.(*writeOption).opt
	}
	return s.db.PutCF(wo, s.getColumnFamily(col), key, value)
}

func (s *rocksdb) Delete(ctx context.Context, col CF, key []byte, writeOpt WriteOption) error {
	wo := s.writeOpt
	if writeOpt != nil {
		wo = writeOpt.(*writeOption).opt
	}
	return s.db.DeleteCF(wo, s.getColumnFamily(col), key)
}

func (s *rocksdb) DeleteRange(ctx context.Context, col CF, start, end []byte) error {
	batch := s.NewWriteBatch()
	defer batch.Close()
	batch.DeleteRange(col, start, end)
	return s.Write(ctx, batch, nil)
}

func (s *rocksdb) List(ctx context.Context, col CF, prefix []byte, marker []byte, readOpt ReadOption) ListReader {
	ro := s.readOpt
	if readOpt != nil {
		ro = readOpt.(*readOption).opt
	}
	t := s.db.NewIteratorCF(ro, s.getColumnFamily(col))
	if len(marker) > 0 {
		t.Seek(marker)
	} else if prefix != nil {
		t.Seek(prefix)
	} else {
		t.SeekToFirst()
	}
	return &listReader{iterator: t, prefix: prefix, isFirst: true}
}

func (s *rocksdb) Write(ctx context.Context, batch WriteBatch, writeOpt WriteOption) error {
	wo := s.writeOpt
	if writeOpt != nil {
		wo = writeOpt.(*writeOption).opt
	}
	return s.db.Write(wo, batch.(*writeBatch).batch)
}

func (s *rocksdb) FlushCF(ctx context.Context, col CF) error {
	return s.db.FlushCF(s.flushOpt, s.getColumnFamily(col))
}

func (s *rocksdb) Close() {
	s.writeOpt.Destroy()
	s.readOpt.Destroy()
	s.opt.Destroy()
	s.flushOpt.Destroy()
	for i := range s.cfHandles {
		s.cfHandles[i].Destroy()
	}
	s.db.Close()
}

func (s *rocksdb) getColumnFamily(col CF) *rdb.ColumnFamilyHandle {
	if col == "" {
		col = defaultCF
	}
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.cfHandles[col]
}

func (ss *snapshot) Close() {
	ss.db.ReleaseSnapshot(ss.snap)
}

func (ro *readOption) SetSnapShot(snap Snapshot) {
	ro.snap = snap.(*snapshot).snap
	ro.opt.SetSnapshot(ro.snap)
}

func (ro *readOption) Close() {
	ro.opt.Destroy()
}

func (wo *writeOption) SetSync(value bool) {
	wo.opt.SetSync(value)
}

func (wo *writeOption) DisableWAL(value bool) {
	wo.opt.DisableWAL(value)
}

func (wo *writeOption) Close() {
	wo.opt.Destroy()
}

func (kg keyGetter) Key() []byte {
	return kg.key.Data()
}

func (kg keyGetter) Close() {
	kg.key.Free()
}

func (vg *valueGetter) Value() []byte {
	return vg.value.Data()
}

func (vg *valueGetter) Size() int {
	return vg.value.Size()
}

func (vg *valueGetter) Close() {
	vg.value.Free()
}

func (lr *listReader) ReadNext() (key KeyGetter, val ValueGetter, err error) {
	if !lr.isFirst {
		lr.iterator.Next()
	}
	lr.isFirst = false
	if err = lr.iterator.Err(); err != nil {
		return nil, nil, err
	}
	if !lr.iterator.Valid() {
		return nil, nil, nil
	}
	if lr.prefix != nil && !lr.iterator.ValidForPrefix(lr.prefix) {
		return nil, nil, nil
	}
	return keyGetter{key: lr.iterator.Key()}, &valueGetter{value: lr.iterator.Value()}, nil
}

func (lr *listReader) ReadNextCopy() (key []byte, value []byte, err error) {
	kg, vg, err := lr.ReadNext()
	if err != nil || kg == nil || vg == nil {
		return nil, nil, err
	}
	key = make([]byte, len(kg.Key()))
	value = make([]byte, vg.Size())
	copy(key, kg.Key())
	copy(value, vg.Value())
	kg.Close()
	vg.Close()
	return
}

func (lr *listReader) ReadLast() (key KeyGetter, val ValueGetter, err error) {
	if lr.prefix == nil {
		lr.iterator.SeekToLast()
	} else {
		for {
			if err = lr.iterator.Err(); err != nil {
				return
			}
			if !lr.iterator.Valid() || !lr.iterator.ValidForPrefix(lr.prefix) {
				lr.iterator.Prev()
				break
			}
			lr.iterator.Next()
		}
	}
	if err = lr.iterator.Err(); err != nil {
		return
	}
	if !lr.iterator.Valid() {
		return
	}
	if lr.prefix != nil && !lr.iterator.ValidForPrefix(lr.prefix) {
		return
	}
	return keyGetter{key: lr.iterator.Key()}, &valueGetter{value: lr.iterator.Value()}, nil
}

func (lr *listReader) SeekTo(key []byte) {
	lr.isFirst = true
	lr.iterator.Seek(key)
}

func (lr *listReader) Close() {
	lr.iterator.Close()
}

func (w *writeBatch) Put(col CF, key, value []byte) {
	w.batch.PutCF(w.s.getColumnFamily(col), key, value)
}

func (w *writeBatch) Delete(col CF, key []byte) {
	w.batch.DeleteCF(w.s.getColumnFamily(col), key)
}

func (w *writeBatch) DeleteRange(col CF, startKey, endKey []byte) {
	w.batch.DeleteRangeCF(w.s.getColumnFamily(col), startKey, endKey)
}

func (w *writeBatch) Count() int {
	return w.batch.Count()
}

func (w *writeBatch) Close() {
	w.batch.Destroy()
}

func genRocksdbOpts(opt *Option) (opts *rdb.Options) {
	opts = rdb.NewDefaultOptions()
	blockBaseOpt := rdb.NewDefaultBlockBasedTableOptions()
	opts.SetCreateIfMissing(opt.CreateIfMissing)
	if opt.BlockSize > 0 {
		blockBaseOpt.SetBlockSize(opt.BlockSize)
	}
	if opt.BlockCache > 0 {
		blockBaseOpt.SetBlockCache(rdb.NewLRUCache(opt.BlockCache))
	}
	if opt.MaxOpenFiles > 0 {
		opts.SetMaxOpenFiles(opt.MaxOpenFiles)
	}
	if opt.WriteBufferSize > 0 {
		opts.SetWriteBufferSize(opt.WriteBufferSize)
	}
	opts.SetStatsDumpPeriodSec(0)
	opts.SetStatsPersistPeriodSec(0)
	opts.SetBlockBasedTableFactory(blockBaseOpt)
	opts.SetCreateIfMissingColumnFamilies(true)
	return
}
