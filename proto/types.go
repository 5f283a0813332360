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

package proto

import "time"

type InodeType uint8

const (
	InodeType_File InodeType = iota + 1
	InodeType_Directory
)

func (t InodeType) String() string {
	switch t {
	case InodeType_File:
		return "file"
	case InodeType_Directory:
		return "directory"
	default:
		return "unknown"
	}
}

type BlockStatus uint8

const (
	BlockStatus_Writing BlockStatus = iota + 1
	BlockStatus_Committed
)

type ReplicaState uint8

const (
	ReplicaState_Provisional ReplicaState = iota + 1
	ReplicaState_Finalized
)

type WorkerState uint8

const (
	WorkerState_Healthy WorkerState = iota + 1
	WorkerState_Lost
	WorkerState_Decommissioning
)

func (s WorkerState) String() string {
	switch s {
	case WorkerState_Healthy:
		return "healthy"
	case WorkerState_Lost:
		return "lost"
	case WorkerState_Decommissioning:
		return "decommissioning"
	default:
		return "unknown"
	}
}

type Tier uint8

const (
	Tier_Memory Tier = iota + 1
	Tier_SSD
	Tier_HDD
)

func (t Tier) String() string {
	switch t {
	case Tier_Memory:
		return "mem"
	case Tier_SSD:
		return "ssd"
	case Tier_HDD:
		return "hdd"
	default:
		return "unknown"
	}
}

type HeartbeatStatus uint8

const (
	HeartbeatStatus_Start HeartbeatStatus = iota + 1
	HeartbeatStatus_Running
	HeartbeatStatus_End
)

type ReportMode uint8

const (
	ReportMode_Full ReportMode = iota + 1
	ReportMode_Incremental
)

// TierStat is the reported capacity state of one storage tier on a worker.
type TierStat struct {
	CapacityBytes uint64 `json:"capacity_bytes"`
	UsedBytes     uint64 `json:"used_bytes"`
}

func (t TierStat) Free() uint64 {
	if t.UsedBytes >= t.CapacityBytes {
		return 0
	}
	return t.CapacityBytes - t.UsedBytes
}

// StorageSnapshot is the full per-tier usage view a worker ships with every
// heartbeat.
type StorageSnapshot struct {
	Tiers map[Tier]TierStat `json:"tiers"`
}

type Worker struct {
	ID            WorkerID          `json:"id"`
	Addr          string            `json:"addr"`
	ClusterID     uint32            `json:"cluster_id"`
	State         WorkerState       `json:"state"`
	Tiers         map[Tier]TierStat `json:"tiers"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
}

// BlockLocation tags one hosting worker with the replica state it reported.
type BlockLocation struct {
	WorkerID WorkerID     `json:"worker_id"`
	State    ReplicaState `json:"state"`
}

type BlockMeta struct {
	ID          BlockID         `json:"id"`
	Status      BlockStatus     `json:"status"`
	Length      uint64          `json:"length"`
	Checksum    uint32          `json:"checksum"`
	Replication int             `json:"replication"`
	Locations   []BlockLocation `json:"locations"`
}

// FinalizedLocations returns the workers holding a finalized copy.
func (b *BlockMeta) FinalizedLocations() []WorkerID {
	ids := make([]WorkerID, 0, len(b.Locations))
	for _, loc := range b.Locations {
		if loc.State == ReplicaState_Finalized {
			ids = append(ids, loc.WorkerID)
		}
	}
	return ids
}

type InodeInfo struct {
	ID       InodeID     `json:"id"`
	ParentID InodeID     `json:"parent_id"`
	Name     string      `json:"name"`
	Type     InodeType   `json:"type"`
	Perms    uint32      `json:"perms"`
	Owner    string      `json:"owner"`
	Length   uint64      `json:"length"`
	Blocks   []BlockMeta `json:"blocks,omitempty"`
	// replica count every block of this file is written with
	Replication int   `json:"replication,omitempty"`
	TTL         int64 `json:"ttl,omitempty"` // milliseconds, 0 means no expiry
	Ctime       int64 `json:"ctime"`
	Mtime       int64 `json:"mtime"`

	// set while a writer holds the file open; cleared on complete
	LeaseClient string `json:"lease_client,omitempty"`
	LeaseToken  string `json:"lease_token,omitempty"`
}

// Open reports whether a writer currently holds the file.
func (i *InodeInfo) Open() bool {
	return i.LeaseToken != ""
}

type CommandType uint8

const (
	CommandType_Replicate CommandType = iota + 1
	CommandType_DeleteReplica
	CommandType_Load
)

// WorkerCommand is shipped back to a worker inside its heartbeat response.
type WorkerCommand struct {
	Type    CommandType `json:"type"`
	BlockID BlockID     `json:"block_id,omitempty"`
	Source  WorkerID    `json:"source,omitempty"`
	Target  WorkerID    `json:"target,omitempty"`
	UfsPath string      `json:"ufs_path,omitempty"`
	DstPath string      `json:"dst_path,omitempty"`
	JobID   JobID       `json:"job_id,omitempty"`
}
