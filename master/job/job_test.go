package job

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tierfs/tierfs/common/kvstore"
	"github.com/tierfs/tierfs/master/idgenerator"
	"github.com/tierfs/tierfs/master/store"
	"github.com/tierfs/tierfs/proto"
	"github.com/tierfs/tierfs/raft"
	"github.com/tierfs/tierfs/util"
)

type localGroup struct {
	sms map[string]raft.Applier
}

func newLocalGroup(sms ...raft.Applier) *localGroup {
	g := &localGroup{sms: make(map[string]raft.Applier)}
	for _, sm := range sms {
		g.sms[sm.GetModule()] = sm
	}
	return g
}

func (g *localGroup) Propose(ctx context.Context, pd *raft.ProposalData) (raft.ProposalResponse, error) {
	rets, err := g.sms[pd.Module].Apply(ctx, []raft.ProposalData{*pd})
	if err != nil {
		return raft.ProposalResponse{}, err
	}
	var data interface{}
	if len(rets) > 0 {
		data = rets[0]
	}
	return raft.ProposalResponse{Data: data}, nil
}

func (g *localGroup) ReadIndex(ctx context.Context) error              { return nil }
func (g *localGroup) Campaign(ctx context.Context) error               { return nil }
func (g *localGroup) Truncate(ctx context.Context, index uint64) error { return nil }
func (g *localGroup) Stat() *raft.Stat                                 { return &raft.Stat{} }
func (g *localGroup) Start()                                           {}
func (g *localGroup) Close()                                           {}

func newTestMgr(t *testing.T) (Mgr, func()) {
	path, err := util.GenTmpPath()
	require.NoError(t, err)

	st, err := store.NewStore(context.Background(), &store.Config{
		Path: path,
		KVOption: kvstore.Option{
			CreateIfMissing: true,
			ColumnFamily:    append(append([]kvstore.CF{}, idgenerator.CFs()...), CFs()...),
		},
		RaftOption: kvstore.Option{CreateIfMissing: true},
	})
	require.NoError(t, err)

	idGen, err := idgenerator.NewIDGenerator(st)
	require.NoError(t, err)

	m, err := NewJobMgr(st, idGen, &Config{NodeID: 1})
	require.NoError(t, err)

	group := newLocalGroup(idGen.GetSM(), m.GetSM())
	idGen.SetRaftGroup(group)
	m.SetRaftGroup(group)
	m.GetSM().LeaderChange(1)

	return m, func() {
		st.Close()
		os.RemoveAll(path)
	}
}

func TestSubmitLoadJob(t *testing.T) {
	m, cleanup := newTestMgr(t)
	defer cleanup()
	ctx := context.Background()

	_, err := m.SubmitLoadJob(ctx, &proto.SubmitLoadJobArgs{UfsPath: "s3://bucket/a"})
	require.Error(t, err)

	r1, err := m.SubmitLoadJob(ctx, &proto.SubmitLoadJobArgs{UfsPath: "s3://bucket/a", CvPath: "/a"})
	require.NoError(t, err)
	r2, err := m.SubmitLoadJob(ctx, &proto.SubmitLoadJobArgs{UfsPath: "s3://bucket/b", CvPath: "/b"})
	require.NoError(t, err)
	require.NotEqual(t, r1.JobID, r2.JobID)

	jobs := m.ListJobs()
	require.Len(t, jobs, 2)
	require.Equal(t, r1.JobID, jobs[0].ID)
	require.Equal(t, "s3://bucket/a", jobs[0].UfsPath)
}

func TestJobDispatch(t *testing.T) {
	m, cleanup := newTestMgr(t)
	defer cleanup()
	ctx := context.Background()

	r, err := m.SubmitLoadJob(ctx, &proto.SubmitLoadJobArgs{UfsPath: "s3://bucket/a", CvPath: "/a"})
	require.NoError(t, err)

	cmds := m.PendingCommands(3, 8)
	require.Len(t, cmds, 1)
	require.Equal(t, proto.CommandType_Load, cmds[0].Type)
	require.Equal(t, r.JobID, cmds[0].JobID)
	require.Equal(t, "s3://bucket/a", cmds[0].UfsPath)
	require.Equal(t, "/a", cmds[0].DstPath)
	require.Equal(t, proto.WorkerID(3), cmds[0].Target)

	// a dispatched job is not handed out twice
	require.Empty(t, m.PendingCommands(4, 8))

	// a new leader forgets dispatch progress and hands the job out again
	require.NoError(t, m.GetSM().LeaderChange(2))
	require.Empty(t, m.PendingCommands(4, 8))
	require.NoError(t, m.GetSM().LeaderChange(1))
	require.Len(t, m.PendingCommands(4, 8), 1)
}

func TestJobReload(t *testing.T) {
	m, cleanup := newTestMgr(t)
	defer cleanup()
	ctx := context.Background()

	r, err := m.SubmitLoadJob(ctx, &proto.SubmitLoadJobArgs{UfsPath: "s3://bucket/a", CvPath: "/a"})
	require.NoError(t, err)

	require.NoError(t, m.(*jobMgr).LoadData(ctx))
	jobs := m.ListJobs()
	require.Len(t, jobs, 1)
	require.Equal(t, r.JobID, jobs[0].ID)
}
