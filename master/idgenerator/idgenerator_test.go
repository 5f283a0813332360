package idgenerator

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tierfs/tierfs/common/kvstore"
	"github.com/tierfs/tierfs/master/store"
	"github.com/tierfs/tierfs/proto"
	"github.com/tierfs/tierfs/raft"
	"github.com/tierfs/tierfs/util"
)

type localGroup struct {
	sm raft.Applier
}

func (g *localGroup) Propose(ctx context.Context, pd *raft.ProposalData) (raft.ProposalResponse, error) {
	rets, err := g.sm.Apply(ctx, []raft.ProposalData{*pd})
	if err != nil {
		return raft.ProposalResponse{}, err
	}
	return raft.ProposalResponse{Data: rets[0]}, nil
}

func (g *localGroup) ReadIndex(ctx context.Context) error              { return nil }
func (g *localGroup) Campaign(ctx context.Context) error               { return nil }
func (g *localGroup) Truncate(ctx context.Context, index uint64) error { return nil }
func (g *localGroup) Stat() *raft.Stat                                 { return &raft.Stat{} }
func (g *localGroup) Start()                                           {}
func (g *localGroup) Close()                                           {}

func newTestGenerator(t *testing.T) (IDGenerator, *store.Store, string) {
	path, err := util.GenTmpPath()
	require.NoError(t, err)

	st, err := store.NewStore(context.Background(), &store.Config{
		Path: path,
		KVOption: kvstore.Option{
			CreateIfMissing: true,
			ColumnFamily:    CFs(),
		},
		RaftOption: kvstore.Option{CreateIfMissing: true},
	})
	require.NoError(t, err)

	gen, err := NewIDGenerator(st)
	require.NoError(t, err)
	gen.SetRaftGroup(&localGroup{sm: gen.GetSM()})
	return gen, st, path
}

func TestIDGeneratorAlloc(t *testing.T) {
	gen, st, path := newTestGenerator(t)
	defer func() {
		st.Close()
		os.RemoveAll(path)
	}()
	ctx := context.Background()

	// the inode scope starts above the reserved root id
	base, new, err := gen.Alloc(ctx, ScopeInode, 1)
	require.NoError(t, err)
	require.Equal(t, base, new)
	require.Equal(t, proto.RootInodeID+1, base)

	base2, new2, err := gen.Alloc(ctx, ScopeInode, 10)
	require.NoError(t, err)
	require.Equal(t, new+1, base2)
	require.Equal(t, base2+9, new2)

	// scopes are independent counters; only the inode scope is floored
	base3, _, err := gen.Alloc(ctx, ScopeWorker, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(1), base3)

	_, _, err = gen.Alloc(ctx, ScopeInode, 0)
	require.ErrorIs(t, err, ErrInvalidCount)
}

func TestIDGeneratorRestart(t *testing.T) {
	path, err := util.GenTmpPath()
	require.NoError(t, err)
	defer os.RemoveAll(path)
	ctx := context.Background()

	cfg := &store.Config{
		Path: path,
		KVOption: kvstore.Option{
			CreateIfMissing: true,
			ColumnFamily:    CFs(),
		},
		RaftOption: kvstore.Option{CreateIfMissing: true},
	}

	st, err := store.NewStore(ctx, cfg)
	require.NoError(t, err)
	gen, err := NewIDGenerator(st)
	require.NoError(t, err)
	gen.SetRaftGroup(&localGroup{sm: gen.GetSM()})
	_, last, err := gen.Alloc(ctx, ScopeBlock, 100)
	require.NoError(t, err)
	st.Close()

	// the high-water mark survives reopen, ids never repeat
	st, err = store.NewStore(ctx, cfg)
	require.NoError(t, err)
	defer st.Close()
	gen, err = NewIDGenerator(st)
	require.NoError(t, err)
	gen.SetRaftGroup(&localGroup{sm: gen.GetSM()})
	base, _, err := gen.Alloc(ctx, ScopeBlock, 1)
	require.NoError(t, err)
	require.Equal(t, last+1, base)
}
