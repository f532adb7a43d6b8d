package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/huddlehq/huddle/backend/go/internal/v1/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore implements types.CallStore with a scriptable Ping.
type fakeStore struct {
	pingErr error
}

func (s *fakeStore) GetByRoomId(context.Context, types.RoomIdType) (*types.CallRecord, error) {
	return nil, types.ErrCallNotFound
}
func (s *fakeStore) Create(context.Context, *types.CallRecord) error { return nil }
func (s *fakeStore) AddParticipant(context.Context, string, types.UserIdType, types.RoleType) error {
	return nil
}
func (s *fakeStore) UpdateParticipantStatus(context.Context, string, types.UserIdType, bool, types.SocketIdType) error {
	return nil
}
func (s *fakeStore) Start(context.Context, string) error { return nil }

func (s *fakeStore) End(context.Context, string, time.Duration) error { return nil }

func (s *fakeStore) Ping(context.Context) error { return s.pingErr }

func (s *fakeStore) Close() error { return nil }

func performRequest(handler gin.HandlerFunc, path string) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET(path, handler)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	router.ServeHTTP(w, req)
	return w
}

func TestLiveness_AlwaysOK(t *testing.T) {
	h := NewHandler(nil, nil)
	w := performRequest(h.Liveness, "/healthz")

	assert.Equal(t, http.StatusOK, w.Code)

	var body LivenessResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "alive", body.Status)
	assert.NotEmpty(t, body.Timestamp)
}

func TestReadiness_AllHealthy(t *testing.T) {
	h := NewHandler(&fakeStore{}, func() bool { return true })
	w := performRequest(h.Readiness, "/readyz")

	assert.Equal(t, http.StatusOK, w.Code)

	var body ReadinessResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ready", body.Status)
	assert.Equal(t, "healthy", body.Checks["call_store"])
	assert.Equal(t, "healthy", body.Checks["sfu_worker"])
}

func TestReadiness_StoreDown(t *testing.T) {
	h := NewHandler(&fakeStore{pingErr: errors.New("connection refused")}, func() bool { return true })
	w := performRequest(h.Readiness, "/readyz")

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var body ReadinessResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "unavailable", body.Status)
	assert.Equal(t, "unhealthy", body.Checks["call_store"])
}

func TestReadiness_WorkerDead(t *testing.T) {
	h := NewHandler(&fakeStore{}, func() bool { return false })
	w := performRequest(h.Readiness, "/readyz")

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var body ReadinessResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "unhealthy", body.Checks["sfu_worker"])
}

func TestReadiness_NilDependenciesHealthy(t *testing.T) {
	h := NewHandler(nil, nil)
	w := performRequest(h.Readiness, "/readyz")

	assert.Equal(t, http.StatusOK, w.Code)
}
