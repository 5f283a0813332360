package proto

const (
	// RootInodeID is the fixed id of the namespace root directory.
	RootInodeID = uint64(1)
)

type reqIdKey struct{}

// ReqIdKey carries the per-request trace id through a context.
var ReqIdKey = reqIdKey{}

type (
	InodeID  = uint64
	BlockID  = uint64
	WorkerID = uint32
	JobID    = uint64
)
