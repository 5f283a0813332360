package proto

// Request and reply bodies of the master's client/worker facing API. The
// transport maps these 1:1 onto JSON; the master core only ever sees these
// structs.

type CreateFileArgs struct {
	Path        string `json:"path"`
	Perms       uint32 `json:"perms"`
	Owner       string `json:"owner"`
	Recursive   bool   `json:"recursive"`
	Replication int    `json:"replication"`
	TTLMillis   int64  `json:"ttl_millis"`
	ClientID    string `json:"client_id"`
	RequestID   string `json:"request_id"`
}

type CreateFileReply struct {
	InodeID    InodeID `json:"inode_id"`
	LeaseToken string  `json:"lease_token"`
}

type MkdirArgs struct {
	Path      string `json:"path"`
	Perms     uint32 `json:"perms"`
	Owner     string `json:"owner"`
	Recursive bool   `json:"recursive"`
	RequestID string `json:"request_id"`
}

type MkdirReply struct {
	InodeID InodeID `json:"inode_id"`
}

type AddBlockArgs struct {
	FileID     InodeID `json:"file_id"`
	LeaseToken string  `json:"lease_token"`
	ClientHost string  `json:"client_host"`
	Tier       Tier    `json:"tier"`
	RequestID  string  `json:"request_id"`
}

type AddBlockReply struct {
	BlockID BlockID  `json:"block_id"`
	Workers []Worker `json:"workers"`
}

type CommitBlockArgs struct {
	WorkerID WorkerID `json:"worker_id"`
	BlockID  BlockID  `json:"block_id"`
	Length   uint64   `json:"length"`
	Checksum uint32   `json:"checksum"`
}

type CompleteFileArgs struct {
	FileID     InodeID `json:"file_id"`
	LeaseToken string  `json:"lease_token"`
	Length     uint64  `json:"length"`
	RequestID  string  `json:"request_id"`
}

type DeleteArgs struct {
	Path      string `json:"path"`
	Recursive bool   `json:"recursive"`
	RequestID string `json:"request_id"`
}

type RenameArgs struct {
	Src       string `json:"src"`
	Dst       string `json:"dst"`
	Overwrite bool   `json:"overwrite"`
	RequestID string `json:"request_id"`
}

type SetTTLArgs struct {
	Path      string `json:"path"`
	TTLMillis int64  `json:"ttl_millis"`
	RequestID string `json:"request_id"`
}

type StatArgs struct {
	Path string `json:"path"`
}

type RegisterWorkerArgs struct {
	Addr      string            `json:"addr"`
	ClusterID uint32            `json:"cluster_id"`
	Tiers     map[Tier]TierStat `json:"tiers"`
}

type RegisterWorkerReply struct {
	WorkerID WorkerID `json:"worker_id"`
}

type HeartbeatArgs struct {
	WorkerID  WorkerID        `json:"worker_id"`
	ClusterID uint32          `json:"cluster_id"`
	Status    HeartbeatStatus `json:"status"`
	Storage   StorageSnapshot `json:"storage"`
}

type HeartbeatReply struct {
	Commands []WorkerCommand `json:"commands"`
}

type BlockReportArgs struct {
	WorkerID WorkerID   `json:"worker_id"`
	Mode     ReportMode `json:"mode"`
	Blocks   []BlockID  `json:"blocks"`
	Removed  []BlockID  `json:"removed,omitempty"`
}

type SubmitLoadJobArgs struct {
	UfsPath string `json:"ufs_path"`
	CvPath  string `json:"cv_path"`
}

type SubmitLoadJobReply struct {
	JobID JobID `json:"job_id"`
}
