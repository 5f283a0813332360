package cluster

import (
	"github.com/tierfs/tierfs/proto"
)

const module = "cluster"

const (
	RaftOpRegisterWorker uint32 = iota + 1
	RaftOpDecommissionWorker
)

// Journal payloads. Worker identity is replicated; heartbeat liveness and
// reported capacity stay leader-local soft state.

type registerArgs struct {
	Ts        int64                         `json:"ts"`
	WorkerID  proto.WorkerID                `json:"worker_id"`
	Addr      string                        `json:"addr"`
	ClusterID uint32                        `json:"cluster_id"`
	Tiers     map[proto.Tier]proto.TierStat `json:"tiers"`
}

type decommissionArgs struct {
	Ts       int64          `json:"ts"`
	WorkerID proto.WorkerID `json:"worker_id"`
}
