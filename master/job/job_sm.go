package job

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"github.com/tierfs/tierfs/common/kvstore"
	"github.com/tierfs/tierfs/errors"
	"github.com/tierfs/tierfs/proto"
	"github.com/tierfs/tierfs/raft"
)

func (m *jobMgr) GetModule() string {
	return module
}

func (m *jobMgr) GetCF() []kvstore.CF {
	return []kvstore.CF{cf}
}

func (m *jobMgr) Apply(ctx context.Context, pds []raft.ProposalData) (rets []interface{}, err error) {
	rets = make([]interface{}, 0, len(pds))
	for i := range pds {
		pd := &pds[i]
		switch pd.Op {
		case RaftOpCreateJob:
			if err = m.applyCreateJob(ctx, pd.Data); err != nil {
				return nil, err
			}
		default:
			return nil, errors.ErrUnknownOperationType
		}
		rets = append(rets, nil)
	}
	return
}

func (m *jobMgr) LoadData(ctx context.Context) error {
	jobs := make(map[proto.JobID]*JobInfo)
	err := m.storage.LoadJobs(ctx, func(info *JobInfo) error {
		jobs[info.ID] = info
		return nil
	})
	if err != nil {
		return err
	}

	m.lock.Lock()
	m.jobs = jobs
	m.dispatched = make(map[proto.JobID]proto.WorkerID)
	m.lock.Unlock()
	return nil
}

func (m *jobMgr) LeaderChange(peerID uint64) error {
	if peerID == m.cfg.NodeID {
		atomic.StoreInt32(&m.isLeader, 1)
		// dispatch state did not replicate; start over
		m.lock.Lock()
		m.dispatched = make(map[proto.JobID]proto.WorkerID)
		m.lock.Unlock()
	} else {
		atomic.StoreInt32(&m.isLeader, 0)
	}
	return nil
}

func (m *jobMgr) Flush(ctx context.Context) error {
	return m.storage.kvStore.FlushCF(ctx, cf)
}

func (m *jobMgr) applyCreateJob(ctx context.Context, data []byte) error {
	info := &JobInfo{}
	if err := json.Unmarshal(data, info); err != nil {
		return err
	}

	m.lock.Lock()
	defer m.lock.Unlock()

	if _, ok := m.jobs[info.ID]; ok {
		return nil
	}
	if err := m.storage.PutJob(ctx, info); err != nil {
		return err
	}
	m.jobs[info.ID] = info
	return nil
}
