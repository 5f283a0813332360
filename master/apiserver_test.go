package master

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tierfs/tierfs/errors"
	"github.com/tierfs/tierfs/proto"
)

func TestStatusOf(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{errors.ErrNotFound, 404},
		{errors.ErrWorkerNotExist, 404},
		{errors.ErrAlreadyExists, 409},
		{errors.ErrDestinationExists, 409},
		{errors.ErrLeaseConflict, 409},
		{errors.ErrLeaseExpired, 409},
		{errors.ErrOperationInProgress, 409},
		{errors.ErrDirectoryNotEmpty, 409},
		{errors.ErrNotADirectory, 400},
		{errors.ErrNotAFile, 400},
		{errors.ErrNotLastBlock, 400},
		{errors.ErrLengthMismatch, 400},
		{errors.ErrInvalidClusterID, 403},
		{errors.ErrNotLeader, 503},
		{errors.ErrQuorumUnavailable, 503},
		{errors.ErrWorkerUnavailable, 503},
		{errors.ErrInsufficientCapacity, 503},
		{errors.New("anything else"), 500},
	}
	for _, c := range cases {
		require.Equal(t, c.status, statusOf(c.err), "err=%v", c.err)
	}
}

func TestWithRequestID(t *testing.T) {
	s := &APIServer{}
	var got interface{}
	h := s.withRequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Context().Value(proto.ReqIdKey)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/stat", nil)
	req.Header.Set("X-Request-Id", "req-42")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, "req-42", got)
	require.Equal(t, "req-42", rec.Header().Get("X-Request-Id"))

	// a missing header gets a generated id
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/stat", nil))
	require.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

func TestHostOnly(t *testing.T) {
	require.Equal(t, "10.0.0.8", hostOnly("10.0.0.8:51442"))
	require.Equal(t, "::1", hostOnly("[::1]:9000"))
	require.Equal(t, "nohost", hostOnly("nohost"))
}
