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

package master

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/tierfs/tierfs/common/logger"
	"github.com/tierfs/tierfs/errors"
	"github.com/tierfs/tierfs/metrics"
	"github.com/tierfs/tierfs/proto"
)

// APIServer exposes the master over HTTP with JSON bodies; every reply is
// an envelope carrying either the result or an error message.
type APIServer struct {
	master *Master
	server *http.Server

	stopOnce sync.Once
	lg       *zap.SugaredLogger
}

type apiReply struct {
	Code  int         `json:"code"`
	Error string      `json:"error,omitempty"`
	Data  interface{} `json:"data,omitempty"`
}

func NewAPIServer(listenAddr string, m *Master) *APIServer {
	s := &APIServer{
		master: m,
		lg:     logger.New("api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/file/create", s.handleCreateFile)
	mux.HandleFunc("/v1/file/mkdir", s.handleMkdir)
	mux.HandleFunc("/v1/file/addblock", s.handleAddBlock)
	mux.HandleFunc("/v1/file/commitblock", s.handleCommitBlock)
	mux.HandleFunc("/v1/file/complete", s.handleCompleteFile)
	mux.HandleFunc("/v1/file/delete", s.handleDelete)
	mux.HandleFunc("/v1/file/rename", s.handleRename)
	mux.HandleFunc("/v1/file/setttl", s.handleSetTTL)
	mux.HandleFunc("/v1/file/stat", s.handleStat)
	mux.HandleFunc("/v1/file/list", s.handleList)
	mux.HandleFunc("/v1/lease/renew", s.handleRenewLease)
	mux.HandleFunc("/v1/worker/register", s.handleRegisterWorker)
	mux.HandleFunc("/v1/worker/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("/v1/worker/blockreport", s.handleBlockReport)
	mux.HandleFunc("/v1/worker/decommission", s.handleDecommission)
	mux.HandleFunc("/v1/worker/list", s.handleListWorkers)
	mux.HandleFunc("/v1/job/load", s.handleSubmitLoadJob)
	mux.HandleFunc("/v1/job/list", s.handleListJobs)
	mux.HandleFunc("/stats", s.handleStats)
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	s.server = &http.Server{
		Addr:    listenAddr,
		Handler: s.withRequestID(mux),
	}
	return s
}

func (s *APIServer) Serve() error {
	s.lg.Infof("api server listening on %s", s.server.Addr)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *APIServer) Stop() {
	s.stopOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctx)
	})
}

func (s *APIServer) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqid := r.Header.Get("X-Request-Id")
		if reqid == "" {
			reqid = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", reqid)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), proto.ReqIdKey, reqid)))
	})
}

func (s *APIServer) handleCreateFile(w http.ResponseWriter, r *http.Request) {
	args := &proto.CreateFileArgs{}
	if !s.decode(w, r, args) {
		return
	}
	reply, err := s.master.CreateFile(r.Context(), args)
	s.reply(w, r, reply, err)
}

func (s *APIServer) handleMkdir(w http.ResponseWriter, r *http.Request) {
	args := &proto.MkdirArgs{}
	if !s.decode(w, r, args) {
		return
	}
	reply, err := s.master.Mkdir(r.Context(), args)
	s.reply(w, r, reply, err)
}

func (s *APIServer) handleAddBlock(w http.ResponseWriter, r *http.Request) {
	args := &proto.AddBlockArgs{}
	if !s.decode(w, r, args) {
		return
	}
	if args.ClientHost == "" {
		args.ClientHost = hostOnly(r.RemoteAddr)
	}
	reply, err := s.master.AddBlock(r.Context(), args)
	s.reply(w, r, reply, err)
}

func (s *APIServer) handleCommitBlock(w http.ResponseWriter, r *http.Request) {
	args := &proto.CommitBlockArgs{}
	if !s.decode(w, r, args) {
		return
	}
	s.reply(w, r, nil, s.master.CommitBlock(r.Context(), args))
}

func (s *APIServer) handleCompleteFile(w http.ResponseWriter, r *http.Request) {
	args := &proto.CompleteFileArgs{}
	if !s.decode(w, r, args) {
		return
	}
	s.reply(w, r, nil, s.master.CompleteFile(r.Context(), args))
}

func (s *APIServer) handleDelete(w http.ResponseWriter, r *http.Request) {
	args := &proto.DeleteArgs{}
	if !s.decode(w, r, args) {
		return
	}
	s.reply(w, r, nil, s.master.Delete(r.Context(), args))
}

func (s *APIServer) handleRename(w http.ResponseWriter, r *http.Request) {
	args := &proto.RenameArgs{}
	if !s.decode(w, r, args) {
		return
	}
	s.reply(w, r, nil, s.master.Rename(r.Context(), args))
}

func (s *APIServer) handleSetTTL(w http.ResponseWriter, r *http.Request) {
	args := &proto.SetTTLArgs{}
	if !s.decode(w, r, args) {
		return
	}
	s.reply(w, r, nil, s.master.SetTTL(r.Context(), args))
}

func (s *APIServer) handleStat(w http.ResponseWriter, r *http.Request) {
	info, err := s.master.Stat(r.Context(), r.URL.Query().Get("path"))
	s.reply(w, r, info, err)
}

func (s *APIServer) handleList(w http.ResponseWriter, r *http.Request) {
	infos, err := s.master.List(r.Context(), r.URL.Query().Get("path"))
	s.reply(w, r, infos, err)
}

func (s *APIServer) handleRenewLease(w http.ResponseWriter, r *http.Request) {
	args := &struct {
		ClientID string `json:"client_id"`
	}{}
	if !s.decode(w, r, args) {
		return
	}
	n, err := s.master.RenewLease(r.Context(), args.ClientID)
	s.reply(w, r, map[string]int{"renewed": n}, err)
}

func (s *APIServer) handleRegisterWorker(w http.ResponseWriter, r *http.Request) {
	args := &proto.RegisterWorkerArgs{}
	if !s.decode(w, r, args) {
		return
	}
	reply, err := s.master.RegisterWorker(r.Context(), args)
	s.reply(w, r, reply, err)
}

func (s *APIServer) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	args := &proto.HeartbeatArgs{}
	if !s.decode(w, r, args) {
		return
	}
	reply, err := s.master.Heartbeat(r.Context(), args)
	s.reply(w, r, reply, err)
}

func (s *APIServer) handleBlockReport(w http.ResponseWriter, r *http.Request) {
	args := &proto.BlockReportArgs{}
	if !s.decode(w, r, args) {
		return
	}
	s.reply(w, r, nil, s.master.BlockReport(r.Context(), args))
}

func (s *APIServer) handleDecommission(w http.ResponseWriter, r *http.Request) {
	args := &struct {
		WorkerID proto.WorkerID `json:"worker_id"`
	}{}
	if !s.decode(w, r, args) {
		return
	}
	s.reply(w, r, nil, s.master.DecommissionWorker(r.Context(), args.WorkerID))
}

func (s *APIServer) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	s.reply(w, r, s.master.ListWorkers(), nil)
}

func (s *APIServer) handleSubmitLoadJob(w http.ResponseWriter, r *http.Request) {
	args := &proto.SubmitLoadJobArgs{}
	if !s.decode(w, r, args) {
		return
	}
	reply, err := s.master.SubmitLoadJob(r.Context(), args)
	s.reply(w, r, reply, err)
}

func (s *APIServer) handleListJobs(w http.ResponseWriter, r *http.Request) {
	s.reply(w, r, s.master.ListJobs(), nil)
}

func (s *APIServer) handleStats(w http.ResponseWriter, r *http.Request) {
	s.reply(w, r, s.master.RaftStat(), nil)
}

func (s *APIServer) decode(w http.ResponseWriter, r *http.Request, args interface{}) bool {
	if r.Method != http.MethodPost {
		s.writeReply(w, http.StatusMethodNotAllowed, &apiReply{Code: http.StatusMethodNotAllowed, Error: "post required"})
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(args); err != nil {
		s.writeReply(w, http.StatusBadRequest, &apiReply{Code: http.StatusBadRequest, Error: "invalid request body"})
		return false
	}
	return true
}

func (s *APIServer) reply(w http.ResponseWriter, r *http.Request, data interface{}, err error) {
	if err != nil {
		status := statusOf(err)
		if status >= http.StatusInternalServerError {
			s.lg.Errorf("%s failed: %v", r.URL.Path, err)
		}
		s.writeReply(w, status, &apiReply{Code: status, Error: err.Error()})
		return
	}
	s.writeReply(w, http.StatusOK, &apiReply{Code: http.StatusOK, Data: data})
}

func (s *APIServer) writeReply(w http.ResponseWriter, status int, reply *apiReply) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(reply)
}

// statusOf maps the error taxonomy onto HTTP statuses; retryable errors
// surface as 503 so clients back off and re-resolve the leader.
func statusOf(err error) int {
	switch {
	case errors.Is(err, errors.ErrNotFound), errors.Is(err, errors.ErrWorkerNotExist):
		return http.StatusNotFound
	case errors.Is(err, errors.ErrAlreadyExists),
		errors.Is(err, errors.ErrDestinationExists),
		errors.Is(err, errors.ErrLeaseConflict),
		errors.Is(err, errors.ErrLeaseExpired),
		errors.Is(err, errors.ErrOperationInProgress),
		errors.Is(err, errors.ErrDirectoryNotEmpty):
		return http.StatusConflict
	case errors.Is(err, errors.ErrNotADirectory),
		errors.Is(err, errors.ErrNotAFile),
		errors.Is(err, errors.ErrNotLastBlock),
		errors.Is(err, errors.ErrLengthMismatch):
		return http.StatusBadRequest
	case errors.Is(err, errors.ErrInvalidClusterID):
		return http.StatusForbidden
	case errors.Is(err, errors.ErrNotLeader),
		errors.Is(err, errors.ErrQuorumUnavailable),
		errors.Is(err, errors.ErrWorkerUnavailable),
		errors.Is(err, errors.ErrInsufficientCapacity):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func hostOnly(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
