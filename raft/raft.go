package raft

import (
	"context"
	"encoding/json"

	"github.com/tierfs/tierfs/common/kvstore"
)

type (
	Op   = uint32
	Role int8
)

const (
	RoleFollower Role = iota
	RoleCandidate
	RoleLeader
)

func (r Role) String() string {
	switch r {
	case RoleLeader:
		return "leader"
	case RoleCandidate:
		return "candidate"
	default:
		return "follower"
	}
}

type MemberChangeType int32

const (
	MemberChangeType_AddMember MemberChangeType = iota + 1
	MemberChangeType_RemoveMember
)

type Member struct {
	NodeID uint64           `json:"node_id"`
	Host   string           `json:"host"`
	Type   MemberChangeType `json:"type,omitempty"`
}

// ProposalData is the envelope every journal entry travels in. Module routes
// the entry to its applier, Op selects the mutation, Data carries the
// module-defined payload. Context carries the request id for tracing.
type ProposalData struct {
	Module  string `json:"module"`
	Op      Op     `json:"op"`
	Data    []byte `json:"data"`
	Context []byte `json:"context,omitempty"`

	// filled by the proposing node so only it resolves the waiter
	OriginNode uint64 `json:"origin_node,omitempty"`
	NotifyID   uint64 `json:"notify_id,omitempty"`
}

func (p *ProposalData) Marshal() ([]byte, error) {
	return json.Marshal(p)
}

func (p *ProposalData) Unmarshal(raw []byte) error {
	return json.Unmarshal(raw, p)
}

type ProposalResponse struct {
	Data interface{}
}

// Applier is implemented by every module whose mutations go through the
// journal. Apply is invoked in strict log order on every replica, the leader
// included; the returned values resolve the corresponding Propose calls.
type Applier interface {
	GetModule() string
	GetCF() []kvstore.CF
	Apply(ctx context.Context, pds []ProposalData) (rets []interface{}, err error)
	LoadData(ctx context.Context) error
	LeaderChange(peerID uint64) error
	Flush(ctx context.Context) error
}

// RoleObserver is notified of every follower/candidate/leader transition.
// RPC serving and background maintenance gate on these notifications.
type RoleObserver interface {
	OnRoleChange(role Role, leader uint64)
}

type Group interface {
	Propose(ctx context.Context, pd *ProposalData) (ProposalResponse, error)
	ReadIndex(ctx context.Context) error
	Campaign(ctx context.Context) error
	Truncate(ctx context.Context, index uint64) error
	Stat() *Stat
	Start()
	Close()
}

type Stat struct {
	NodeID    uint64   `json:"node_id"`
	Term      uint64   `json:"term"`
	Commit    uint64   `json:"commit"`
	Applied   uint64   `json:"applied"`
	Leader    uint64   `json:"leader"`
	RaftState string   `json:"raft_state"`
	Peers     []uint64 `json:"peers"`
}

type Config struct {
	NodeID           uint64 `json:"node_id"`
	TickIntervalMs   int    `json:"tick_interval_ms"`
	ElectionTick     int    `json:"election_tick"`
	HeartbeatTick    int    `json:"heartbeat_tick"`
	MaxSizePerMsg    uint64 `json:"max_size_per_msg"`
	MaxInflightMsgs  int    `json:"max_inflight_msgs"`
	ProposeTimeoutMs int    `json:"propose_timeout_ms"`
	ListenAddr       string `json:"listen_addr"`

	Members []Member `json:"members"`

	WalStore   kvstore.Store       `json:"-"`
	StateStore kvstore.Store       `json:"-"`
	StateCFs   func() []kvstore.CF `json:"-"`
}

func marshalMembers(members []Member) ([]byte, error) {
	return json.Marshal(struct {
		Members []Member `json:"members"`
	}{Members: members})
}

func unmarshalMembers(raw []byte, members *[]Member) error {
	wrapper := struct {
		Members []Member `json:"members"`
	}{}
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return err
	}
	*members = wrapper.Members
	return nil
}
