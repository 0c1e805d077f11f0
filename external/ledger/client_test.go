package ledger

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient([]string{server.URL}, "oracle-program", 5*time.Second, time.Minute)
	require.NoError(t, err)
	return client
}

func rpcResult(t *testing.T, w http.ResponseWriter, result any) {
	raw, err := json.Marshal(result)
	require.NoError(t, err)
	err = json.NewEncoder(w).Encode(rpcResponse{Result: raw})
	require.NoError(t, err)
}

func TestClient_GetChannelState(t *testing.T) {
	client := createTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, methodGetChannelState, req.Method)

		rpcResult(t, w, channelStateResult{
			LatestEpoch: 105,
			Slots: []struct {
				Epoch      uint64 `json:"epoch"`
				Root       string `json:"root"` // hex
				ClaimCount uint16 `json:"claimCount"`
				Bitmap     string `json:"bitmap"` // hex
			}{
				{Epoch: 105, Root: "ab12", ClaimCount: 3, Bitmap: "0500"},
			},
		})
	})

	state, err := client.GetChannelState(context.Background(), "alpha")
	require.NoError(t, err)

	assert.Equal(t, uint64(105), state.LatestEpoch)
	require.Len(t, state.Slots, 1)
	assert.Equal(t, uint64(105), state.Slots[0].Epoch)
	assert.Equal(t, []byte{0xab, 0x12}, state.Slots[0].Root)
	assert.Equal(t, uint16(3), state.Slots[0].ClaimCount)
	assert.Equal(t, []byte{0x05, 0x00}, state.Slots[0].Bitmap)
}

func TestClient_PublishRoot_SendsSimulateFlag(t *testing.T) {
	var params map[string]any
	client := createTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		raw, err := json.Marshal(req.Params)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(raw, &params))
		rpcResult(t, w, nil)
	})

	req := PublishRequest{Channel: "alpha", Epoch: 100, Root: []byte{0x01, 0x02}, ClaimCount: 2}
	require.NoError(t, client.PublishRoot(context.Background(), req))

	assert.Equal(t, "alpha", params["channel"])
	assert.Equal(t, "0102", params["root"])
	assert.Equal(t, false, params["simulate"])
}

func TestClient_SimulatePublishRoot(t *testing.T) {
	client := createTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		raw, err := json.Marshal(req.Params)
		require.NoError(t, err)
		var params map[string]any
		require.NoError(t, json.Unmarshal(raw, &params))
		assert.Equal(t, true, params["simulate"])

		rpcResult(t, w, Simulation{Valid: true, EstimatedCost: 5000})
	})

	sim, err := client.SimulatePublishRoot(context.Background(), PublishRequest{Channel: "alpha", Epoch: 100})
	require.NoError(t, err)
	assert.True(t, sim.Valid)
	assert.Equal(t, uint64(5000), sim.EstimatedCost)
}

func TestClient_UnauthorizedPublisher(t *testing.T) {
	client := createTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		err := json.NewEncoder(w).Encode(rpcResponse{
			Error: &rpcError{Code: codeUnauthorized, Message: "publisher mismatch"},
		})
		require.NoError(t, err)
	})

	err := client.PublishRoot(context.Background(), PublishRequest{Channel: "alpha", Epoch: 100})
	assert.ErrorIs(t, err, ErrUnauthorizedPublisher)
	assert.False(t, IsTransient(err))
}

func TestClient_ServerError_IsTransient(t *testing.T) {
	client := createTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := client.GetChannelState(context.Background(), "alpha")
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestClient_NodeBusy_IsTransient(t *testing.T) {
	client := createTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		err := json.NewEncoder(w).Encode(rpcResponse{
			Error: &rpcError{Code: codeNodeBusy, Message: "try again"},
		})
		require.NoError(t, err)
	})

	_, err := client.MaturedPositions(context.Background(), "alpha")
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestClient_RpcValidationError_IsNotTransient(t *testing.T) {
	client := createTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		err := json.NewEncoder(w).Encode(rpcResponse{
			Error: &rpcError{Code: -32602, Message: "invalid params"},
		})
		require.NoError(t, err)
	})

	err := client.CompoundPosition(context.Background(), "alpha", "pos-1")
	require.Error(t, err)
	assert.False(t, IsTransient(err))
}
