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

package errors

import "errors"

var (
	ErrNotFound      = errors.New("entry not found")
	ErrAlreadyExists = errors.New("entry already exists")
	ErrNotADirectory = errors.New("path component is not a directory")
	ErrNotAFile      = errors.New("inode is not a file")

	ErrLeaseConflict       = errors.New("file lease held by another client")
	ErrLeaseExpired        = errors.New("file lease expired")
	ErrNotLastBlock        = errors.New("previous block still provisional")
	ErrLengthMismatch      = errors.New("completed length disagrees with block lengths")
	ErrDestinationExists   = errors.New("rename destination already exists")
	ErrOperationInProgress = errors.New("another operation on the file is in flight")
	ErrDirectoryNotEmpty   = errors.New("directory not empty")

	ErrQuorumUnavailable = errors.New("raft quorum unavailable")
	ErrNotLeader         = errors.New("this node is not the raft leader")

	ErrWorkerNotExist       = errors.New("worker not registered")
	ErrWorkerAlreadyExist   = errors.New("worker already registered")
	ErrWorkerUnavailable    = errors.New("no healthy worker available")
	ErrInsufficientCapacity = errors.New("no worker with enough free tier capacity")
	ErrInvalidClusterID     = errors.New("reported cluster id does not match")

	ErrCorrupted = errors.New("journal replay encountered an invalid entry")

	ErrUnknownOperationType = errors.New("unknown raft operation type")
)

// IsRetryable reports whether the caller may safely retry the operation with
// the same idempotency token. Only consensus availability errors qualify;
// validation failures are final.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrQuorumUnavailable) || errors.Is(err, ErrNotLeader)
}

func Is(err, target error) bool { return errors.Is(err, target) }

func New(text string) error { return errors.New(text) }
