package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type FakeStatusProvider struct {
	lastTick  time.Time
	riskSlots int
}

func (f *FakeStatusProvider) LastSuccessfulTick() time.Time { return f.lastTick }
func (f *FakeStatusProvider) EvictionRiskSlots() int        { return f.riskSlots }

func getHealth(t *testing.T, handler *Handler) (int, HealthResponse) {
	t.Helper()
	recorder := httptest.NewRecorder()
	handler.GetHealth(recorder, httptest.NewRequest(http.MethodGet, "/health", nil))

	var response HealthResponse
	require.NoError(t, json.NewDecoder(recorder.Body).Decode(&response))
	return recorder.Code, response
}

func TestHandler_GetHealth_Up(t *testing.T) {
	now := time.Now()
	provider := &FakeStatusProvider{lastTick: now.Add(-10 * time.Second), riskSlots: 2}
	handler := NewHandler(provider, time.Minute)
	handler.now = func() time.Time { return now }

	code, response := getHealth(t, handler)

	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "UP", response.Status)
	assert.Equal(t, int64(10), response.SecondsSinceLastTick)
	assert.Equal(t, 2, response.EvictionRiskSlotCount)
}

func TestHandler_GetHealth_DownWhenTicksStale(t *testing.T) {
	now := time.Now()
	provider := &FakeStatusProvider{lastTick: now.Add(-5 * time.Minute)}
	handler := NewHandler(provider, time.Minute)
	handler.now = func() time.Time { return now }

	code, response := getHealth(t, handler)

	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "DOWN", response.Status)
	assert.Equal(t, int64(300), response.SecondsSinceLastTick)
}

func TestHandler_GetHealth_DownBeforeFirstTick(t *testing.T) {
	handler := NewHandler(&FakeStatusProvider{}, time.Minute)

	code, response := getHealth(t, handler)

	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "DOWN", response.Status)
	assert.Equal(t, int64(-1), response.SecondsSinceLastTick)
}
