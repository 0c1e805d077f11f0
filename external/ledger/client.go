// Package ledger is the JSON-RPC client for the on-ledger attention oracle
// program. It is the only component talking to the network; every call
// carries a timeout and rotates across an endpoint pool.
package ledger

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/twzrd/go-oracle-keeper/business/domain/ring"
)

// On-ledger instruction names of the oracle program.
const (
	methodGetChannelState  = "twzrd_getChannelState"
	methodSetRootRing      = "twzrd_setMerkleRootRing"
	methodMaturedPositions = "twzrd_getMaturedPositions"
	methodCompound         = "twzrd_compound"
)

// ErrUnauthorizedPublisher maps the program's publisher authority check: only
// the configured publisher key may set roots or compound.
var ErrUnauthorizedPublisher = errors.New("signer is not the channel publisher")

// transientError marks network and node-side failures that are worth
// retrying with backoff. Everything else surfaces immediately.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// AsTransient marks an error as retryable. Exported for fakes implementing
// the keeper's ledger interface.
func AsTransient(err error) error {
	return &transientError{err}
}

// IsTransient reports whether the error came from the network or a busy node
// rather than from request validation.
func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}

// JSON-RPC error codes returned by the node.
const (
	codeUnauthorized = -32001
	codeNodeBusy     = -32005
)

// ChannelState is the ledger's view of one channel's ring.
type ChannelState struct {
	Channel     string
	LatestEpoch uint64
	Slots       []ring.Slot
}

// PublishRequest carries one root publication.
type PublishRequest struct {
	Channel    string
	Epoch      uint64
	Root       []byte
	ClaimCount uint16
}

// Simulation is the node's dry-run verdict for a mutating call.
type Simulation struct {
	Valid         bool   `json:"valid"`
	EstimatedCost uint64 `json:"estimatedCost"`
	Reason        string `json:"reason,omitempty"`
}

// Position is a channel-vault stake position eligible for compounding.
type Position struct {
	ID      string `json:"id"`
	Channel string `json:"channel"`
	Matured bool   `json:"matured"`
	Amount  uint64 `json:"amount"`
}

type Client struct {
	httpClient *http.Client
	pool       *endpointPool
	program    string
	requestID  atomic.Uint64
}

func NewClient(endpoints []string, program string, requestTimeout, coolDown time.Duration) (*Client, error) {
	pool, err := newEndpointPool(endpoints, coolDown)
	if err != nil {
		return nil, errors.Wrap(err, "creating endpoint pool")
	}
	return &Client{
		httpClient: &http.Client{Timeout: requestTimeout},
		pool:       pool,
		program:    program,
	}, nil
}

type rpcRequest struct {
	JsonRpc string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (c *Client) call(ctx context.Context, method string, params any, result any) error {
	endpoint := c.pool.Next()

	payload, err := json.Marshal(rpcRequest{
		JsonRpc: "2.0",
		ID:      c.requestID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return errors.Wrap(err, "marshalling rpc request")
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "creating rpc request")
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := c.httpClient.Do(request)
	if err != nil {
		c.pool.MarkFailed(endpoint)
		return &transientError{errors.Wrapf(err, "calling [%s] on [%s]", method, endpoint)}
	}
	defer response.Body.Close()

	body, err := io.ReadAll(response.Body)
	if err != nil {
		c.pool.MarkFailed(endpoint)
		return &transientError{errors.Wrap(err, "reading rpc response")}
	}
	if response.StatusCode >= 500 {
		c.pool.MarkFailed(endpoint)
		return &transientError{errors.Errorf("endpoint [%s] returned status [%d]", endpoint, response.StatusCode)}
	}
	if response.StatusCode != http.StatusOK {
		return errors.Errorf("endpoint [%s] returned status [%d]", endpoint, response.StatusCode)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return errors.Wrap(err, "unmarshalling rpc response")
	}
	if rpcResp.Error != nil {
		switch rpcResp.Error.Code {
		case codeUnauthorized:
			return errors.Wrapf(ErrUnauthorizedPublisher, "calling [%s]", method)
		case codeNodeBusy:
			c.pool.MarkFailed(endpoint)
			return &transientError{errors.Errorf("node busy: %s", rpcResp.Error.Message)}
		default:
			return errors.Errorf("rpc error [%d] calling [%s]: %s", rpcResp.Error.Code, method, rpcResp.Error.Message)
		}
	}
	if result != nil {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return errors.Wrap(err, "unmarshalling rpc result")
		}
	}
	return nil
}

type channelStateResult struct {
	LatestEpoch uint64 `json:"latestEpoch"`
	Slots       []struct {
		Epoch      uint64 `json:"epoch"`
		Root       string `json:"root"` // hex
		ClaimCount uint16 `json:"claimCount"`
		Bitmap     string `json:"bitmap"` // hex
	} `json:"slots"`
}

// GetChannelState fetches the channel's ring account: the latest published
// epoch plus every occupied slot with its root and claim bitmap.
func (c *Client) GetChannelState(ctx context.Context, channel string) (*ChannelState, error) {
	var result channelStateResult
	params := map[string]string{"program": c.program, "channel": channel}
	if err := c.call(ctx, methodGetChannelState, params, &result); err != nil {
		return nil, errors.Wrapf(err, "getting channel state for [%s]", channel)
	}

	state := ChannelState{Channel: channel, LatestEpoch: result.LatestEpoch}
	for _, s := range result.Slots {
		root, err := hex.DecodeString(s.Root)
		if err != nil {
			return nil, errors.Wrapf(err, "decoding slot root [%s]", s.Root)
		}
		bitmap, err := hex.DecodeString(s.Bitmap)
		if err != nil {
			return nil, errors.Wrapf(err, "decoding slot bitmap for epoch [%d]", s.Epoch)
		}
		state.Slots = append(state.Slots, ring.Slot{
			Epoch:      s.Epoch,
			Root:       root,
			ClaimCount: s.ClaimCount,
			Bitmap:     bitmap,
		})
	}
	return &state, nil
}

func publishParams(program string, req PublishRequest, simulate bool) map[string]any {
	return map[string]any{
		"program":    program,
		"channel":    req.Channel,
		"epoch":      req.Epoch,
		"root":       hex.EncodeToString(req.Root),
		"claimCount": req.ClaimCount,
		"simulate":   simulate,
	}
}

// PublishRoot invokes set_merkle_root_ring, occupying the epoch's ring slot.
func (c *Client) PublishRoot(ctx context.Context, req PublishRequest) error {
	if err := c.call(ctx, methodSetRootRing, publishParams(c.program, req, false), nil); err != nil {
		return errors.Wrapf(err, "publishing root for epoch [%d] channel [%s]", req.Epoch, req.Channel)
	}
	return nil
}

// SimulatePublishRoot runs the same validation path node-side without
// mutating the ring, returning the node's verdict and cost estimate.
func (c *Client) SimulatePublishRoot(ctx context.Context, req PublishRequest) (*Simulation, error) {
	var sim Simulation
	if err := c.call(ctx, methodSetRootRing, publishParams(c.program, req, true), &sim); err != nil {
		return nil, errors.Wrapf(err, "simulating root publication for epoch [%d] channel [%s]", req.Epoch, req.Channel)
	}
	return &sim, nil
}

// MaturedPositions lists channel-vault positions whose lock has expired and
// can be compounded.
func (c *Client) MaturedPositions(ctx context.Context, channel string) ([]Position, error) {
	var positions []Position
	params := map[string]string{"program": c.program, "channel": channel}
	if err := c.call(ctx, methodMaturedPositions, params, &positions); err != nil {
		return nil, errors.Wrapf(err, "getting matured positions for [%s]", channel)
	}
	return positions, nil
}

// CompoundPosition folds a matured position's rewards back into its stake.
func (c *Client) CompoundPosition(ctx context.Context, channel, positionID string) error {
	params := map[string]string{"program": c.program, "channel": channel, "position": positionID}
	if err := c.call(ctx, methodCompound, params, nil); err != nil {
		return errors.Wrapf(err, "compounding position [%s]", positionID)
	}
	return nil
}
