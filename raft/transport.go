package raft

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.etcd.io/etcd/raft/v3/raftpb"

	"github.com/tierfs/tierfs/common/logger"
	"github.com/tierfs/tierfs/errors"
)

const (
	messagePath  = "/raft/message"
	snapshotPath = "/raft/snapshot"

	defaultSendTimeout         = 5 * time.Second
	defaultSnapshotTimeoutSend = 5 * time.Minute
	defaultShutdownTimeout     = 10 * time.Second
)

// AddressResolver turns a raft node id into a reachable peer address.
type AddressResolver interface {
	Resolve(ctx context.Context, nodeID uint64) (string, error)
}

type transportHandler interface {
	HandleMessage(ctx context.Context, msg raftpb.Message) error
	HandleSnapshot(ctx context.Context, header SnapshotHeader, reader *BatchReader) error
}

// transport moves raft messages and snapshot streams between peers over
// plain HTTP. Message bodies are raftpb-marshaled; snapshots are a JSON
// header followed by item batches.
type transport struct {
	listenAddr string
	resolver   AddressResolver
	handler    transportHandler

	server *http.Server
	client *http.Client

	log  interface{ Errorf(string, ...interface{}) }
	once sync.Once
}

func newTransport(listenAddr string, resolver AddressResolver, handler transportHandler) *transport {
	return &transport{
		listenAddr: listenAddr,
		resolver:   resolver,
		handler:    handler,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 16,
				IdleConnTimeout:     60 * time.Second,
			},
		},
		log: logger.New("raft-transport"),
	}
}

func (t *transport) Serve() error {
	mux := http.NewServeMux()
	mux.HandleFunc(messagePath, t.handleMessage)
	mux.HandleFunc(snapshotPath, t.handleSnapshot)

	t.server = &http.Server{
		Addr:         t.listenAddr,
		Handler:      mux,
		ReadTimeout:  0, // snapshot streams may be long
		WriteTimeout: 30 * time.Second,
	}
	err := t.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (t *transport) Stop() {
	t.once.Do(func() {
		if t.server != nil {
			ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
			defer cancel()
			t.server.Shutdown(ctx)
		}
		t.client.CloseIdleConnections()
	})
}

func (t *transport) handleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "post only", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	msg := raftpb.Message{}
	if err := msg.Unmarshal(body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := t.handler.HandleMessage(r.Context(), msg); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (t *transport) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "post only", http.StatusMethodNotAllowed)
		return
	}
	reader := NewBatchReader(r.Body)
	header, err := reader.ReadHeader()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := t.handler.HandleSnapshot(r.Context(), header, reader); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Send posts one raft message to its destination peer.
func (t *transport) Send(ctx context.Context, msg raftpb.Message) error {
	addr, err := t.resolver.Resolve(ctx, msg.To)
	if err != nil {
		return err
	}
	raw, err := msg.Marshal()
	if err != nil {
		return err
	}

	sendCtx, cancel := context.WithTimeout(ctx, defaultSendTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(sendCtx, http.MethodPost, "http://"+addr+messagePath, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("peer %d returned status %d", msg.To, resp.StatusCode)
	}
	return nil
}

// SendSnapshot streams a whole outgoing snapshot to the destination peer.
func (t *transport) SendSnapshot(ctx context.Context, to uint64, snap *OutgoingSnapshot) error {
	addr, err := t.resolver.Resolve(ctx, to)
	if err != nil {
		return err
	}

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(writeSnapshotStream(pw, snap))
	}()

	sendCtx, cancel := context.WithTimeout(ctx, defaultSnapshotTimeoutSend)
	defer cancel()

	req, err := http.NewRequestWithContext(sendCtx, http.MethodPost, "http://"+addr+snapshotPath, pr)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("peer %d rejected snapshot: status %d", to, resp.StatusCode)
	}
	return nil
}

func writeSnapshotStream(w io.Writer, snap *OutgoingSnapshot) error {
	enc := json.NewEncoder(w)
	if err := enc.Encode(snap.Header()); err != nil {
		return err
	}
	for {
		batch, err := snap.ReadBatch()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := enc.Encode(batch); err != nil {
			return err
		}
	}
}

// memberResolver resolves peers from the persisted member table.
type memberResolver struct {
	mu      sync.RWMutex
	members map[uint64]string
}

func newMemberResolver() *memberResolver {
	return &memberResolver{members: make(map[uint64]string)}
}

func (m *memberResolver) Resolve(ctx context.Context, nodeID uint64) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	addr, ok := m.members[nodeID]
	if !ok {
		return "", errors.ErrNotFound
	}
	return addr, nil
}

func (m *memberResolver) Put(nodeID uint64, addr string) {
	m.mu.Lock()
	m.members[nodeID] = addr
	m.mu.Unlock()
}

func (m *memberResolver) Remove(nodeID uint64) {
	m.mu.Lock()
	delete(m.members, nodeID)
	m.mu.Unlock()
}

func (m *memberResolver) Members() []Member {
	m.mu.RLock()
	defer m.mu.RUnlock()
	members := make([]Member, 0, len(m.members))
	for id, addr := range m.members {
		members = append(members, Member{NodeID: id, Host: addr})
	}
	return members
}
