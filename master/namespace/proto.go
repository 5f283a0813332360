package namespace

import (
	"github.com/tierfs/tierfs/proto"
)

const (
	RaftOpCreateInode uint32 = iota + 1
	RaftOpAddBlock
	RaftOpCommitBlock
	RaftOpCompleteFile
	RaftOpDeleteInode
	RaftOpRenameInode
	RaftOpSetTTL
	RaftOpRecoverLease
)

const module = "namespace"

// deletion provenance, recorded for the audit log
const (
	deleteSourceClient = "client"
	deleteSourceTTL    = "ttl"
	deleteSourceLease  = "lease"
)

// Internal journal payloads. The leader resolves everything
// non-deterministic before proposing: ids come from the id generator,
// lease tokens and timestamps from the leader, worker placement from the
// allocator. Apply then replays the identical mutation on every replica.

type createArgs struct {
	Ts          int64           `json:"ts"`
	ClientID    string          `json:"client_id,omitempty"`
	RequestID   string          `json:"request_id,omitempty"`
	Parts       []string        `json:"parts"`
	Type        proto.InodeType `json:"type"`
	Perms       uint32          `json:"perms"`
	Owner       string          `json:"owner,omitempty"`
	Recursive   bool            `json:"recursive,omitempty"`
	Replication int             `json:"replication,omitempty"`
	TTLMillis   int64           `json:"ttl_millis,omitempty"`
	InodeIDs    []proto.InodeID `json:"inode_ids"`
	LeaseToken  string          `json:"lease_token,omitempty"`
}

type addBlockArgs struct {
	Ts         int64            `json:"ts"`
	RequestID  string           `json:"request_id,omitempty"`
	FileID     proto.InodeID    `json:"file_id"`
	LeaseToken string           `json:"lease_token"`
	BlockID    proto.BlockID    `json:"block_id"`
	Tier       proto.Tier       `json:"tier"`
	Workers    []proto.WorkerID `json:"workers"`
}

type commitBlockArgs struct {
	Ts       int64          `json:"ts"`
	WorkerID proto.WorkerID `json:"worker_id"`
	BlockID  proto.BlockID  `json:"block_id"`
	Length   uint64         `json:"length"`
	Checksum uint32         `json:"checksum"`
}

type completeArgs struct {
	Ts         int64         `json:"ts"`
	RequestID  string        `json:"request_id,omitempty"`
	FileID     proto.InodeID `json:"file_id"`
	LeaseToken string        `json:"lease_token"`
	Length     uint64        `json:"length"`
}

type deleteArgs struct {
	Ts        int64    `json:"ts"`
	RequestID string   `json:"request_id,omitempty"`
	Parts     []string `json:"parts"`
	Recursive bool     `json:"recursive,omitempty"`
	Source    string   `json:"source"`
}

type renameArgs struct {
	Ts        int64    `json:"ts"`
	RequestID string   `json:"request_id,omitempty"`
	SrcParts  []string `json:"src_parts"`
	DstParts  []string `json:"dst_parts"`
	Overwrite bool     `json:"overwrite,omitempty"`
}

type setTTLArgs struct {
	Ts        int64    `json:"ts"`
	RequestID string   `json:"request_id,omitempty"`
	Parts     []string `json:"parts"`
	TTLMillis int64    `json:"ttl_millis"`
}

type recoverLeaseArgs struct {
	Ts     int64         `json:"ts"`
	FileID proto.InodeID `json:"file_id"`
}
