package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kaspool/kaspool/internal/util"
)

// ErrNotSynced is returned when the node refuses work because it is
// still in initial block download.
var ErrNotSynced = errors.New("rpc: node is not synced")

// Client is a kaspad JSON-RPC-over-WebSocket client. Requests are
// correlated by id; subscription notifications are dispatched to
// registered handlers by method name.
type Client struct {
	url     string
	timeout time.Duration

	conn    *websocket.Conn
	writeMu sync.Mutex

	requestID uint64

	mu       sync.Mutex
	pending  map[uint64]chan envelope
	handlers map[string]func(json.RawMessage)

	quit chan struct{}
	wg   sync.WaitGroup
}

// Dial connects to the node WebSocket endpoint and starts the read pump.
func Dial(ctx context.Context, url string, timeout time.Duration) (*Client, error) {
	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial node %s: %w", url, err)
	}

	c := &Client{
		url:      url,
		timeout:  timeout,
		conn:     conn,
		pending:  map[uint64]chan envelope{},
		handlers: map[string]func(json.RawMessage){},
		quit:     make(chan struct{}),
	}

	c.wg.Add(1)
	go c.readPump()

	util.Infof("Connected to node at %s", url)
	return c, nil
}

// Close tears down the connection and fails all in-flight calls.
func (c *Client) Close() error {
	close(c.quit)
	err := c.conn.Close()
	c.wg.Wait()
	return err
}

// readPump routes inbound frames to pending calls or notification handlers.
func (c *Client) readPump() {
	defer c.wg.Done()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.quit:
			default:
				util.Warnf("Node connection read error: %v", err)
			}
			c.failPending(err)
			return
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			util.Warnf("Malformed frame from node: %v", err)
			continue
		}

		if env.ID != nil {
			c.mu.Lock()
			ch, ok := c.pending[*env.ID]
			if ok {
				delete(c.pending, *env.ID)
			}
			c.mu.Unlock()
			if ok {
				ch <- env
			}
			continue
		}

		c.mu.Lock()
		handler := c.handlers[env.Method]
		c.mu.Unlock()
		if handler != nil {
			handler(env.Params)
		}
	}
}

func (c *Client) failPending(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		ch <- envelope{Error: &RPCError{Code: -1, Message: err.Error()}}
		delete(c.pending, id)
	}
}

// Call performs one request/response round-trip.
func (c *Client) Call(ctx context.Context, method string, params, result interface{}) error {
	id := atomic.AddUint64(&c.requestID, 1)
	ch := make(chan envelope, 1)

	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	req := Request{ID: id, Method: method, Params: params}
	c.writeMu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	err := c.conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return fmt.Errorf("%s: %w", method, err)
	}

	select {
	case env := <-ch:
		if env.Error != nil {
			return fmt.Errorf("%s: %w", method, env.Error)
		}
		if result != nil {
			if err := json.Unmarshal(env.Params, result); err != nil {
				return fmt.Errorf("%s: decode result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return ctx.Err()
	case <-c.quit:
		return fmt.Errorf("%s: client closed", method)
	}
}

// onNotification registers a handler for a notification method.
func (c *Client) onNotification(method string, fn func(json.RawMessage)) {
	c.mu.Lock()
	c.handlers[method] = fn
	c.mu.Unlock()
}

// GetServerInfo returns node identity and sync state.
func (c *Client) GetServerInfo(ctx context.Context) (*ServerInfo, error) {
	var info ServerInfo
	if err := c.Call(ctx, "getServerInfo", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// GetBlockDAGInfo returns DAG-wide state, including the virtual DAA score.
func (c *Client) GetBlockDAGInfo(ctx context.Context) (*BlockDAGInfo, error) {
	var info BlockDAGInfo
	if err := c.Call(ctx, "getBlockDagInfo", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// GetBlockTemplate fetches a template paying payAddress.
func (c *Client) GetBlockTemplate(ctx context.Context, payAddress, extraData string) (*Block, error) {
	params := map[string]interface{}{
		"payAddress": payAddress,
		"extraData":  extraData,
	}
	var result struct {
		Block    Block `json:"block"`
		IsSynced bool  `json:"isSynced"`
	}
	if err := c.Call(ctx, "getBlockTemplate", params, &result); err != nil {
		return nil, err
	}
	if !result.IsSynced {
		return nil, ErrNotSynced
	}
	return &result.Block, nil
}

// SubmitBlock submits a solved block. Node-side rejects surface as errors.
func (c *Client) SubmitBlock(ctx context.Context, block *Block) error {
	params := map[string]interface{}{
		"block":             block,
		"allowNonDAABlocks": false,
	}
	var report SubmitBlockReport
	if err := c.Call(ctx, "submitBlock", params, &report); err != nil {
		return err
	}
	if report.Report.Type == "reject" {
		return fmt.Errorf("submitBlock rejected: %s", report.Report.Reason)
	}
	return nil
}

// GetBlock fetches a block by hash. A node-side "not found" is returned
// as a nil block with nil error, so callers can distinguish orphans from
// transport failures.
func (c *Client) GetBlock(ctx context.Context, hash string, includeTransactions bool) (*Block, error) {
	params := map[string]interface{}{
		"hash":                hash,
		"includeTransactions": includeTransactions,
	}
	var block Block
	if err := c.Call(ctx, "getBlock", params, &block); err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) && rpcErr.Code == -32603 {
			return nil, nil
		}
		return nil, err
	}
	return &block, nil
}

// GetCurrentBlockColor reports whether the block is blue (confirmed on
// the canonical DAG front).
func (c *Client) GetCurrentBlockColor(ctx context.Context, hash string) (bool, error) {
	params := map[string]interface{}{"hash": hash}
	var result struct {
		Blue bool `json:"blue"`
	}
	if err := c.Call(ctx, "getCurrentBlockColor", params, &result); err != nil {
		return false, err
	}
	return result.Blue, nil
}

// GetDAAScoreTimestampEstimate estimates wall-clock timestamps (ms) for
// the given DAA scores.
func (c *Client) GetDAAScoreTimestampEstimate(ctx context.Context, daaScores []uint64) ([]int64, error) {
	params := map[string]interface{}{"daaScores": daaScores}
	var result struct {
		Timestamps []int64 `json:"timestamps"`
	}
	if err := c.Call(ctx, "getDaaScoreTimestampEstimate", params, &result); err != nil {
		return nil, err
	}
	return result.Timestamps, nil
}

// GetFeeEstimate returns current feerate buckets.
func (c *Client) GetFeeEstimate(ctx context.Context) (*FeeEstimate, error) {
	var fe FeeEstimate
	if err := c.Call(ctx, "getFeeEstimate", nil, &fe); err != nil {
		return nil, err
	}
	return &fe, nil
}

// GetUtxosByAddresses returns the live UTXO set of the given addresses.
func (c *Client) GetUtxosByAddresses(ctx context.Context, addresses []string) ([]UTXOPair, error) {
	params := map[string]interface{}{"addresses": addresses}
	var result struct {
		Entries []UTXOPair `json:"entries"`
	}
	if err := c.Call(ctx, "getUtxosByAddresses", params, &result); err != nil {
		return nil, err
	}
	return result.Entries, nil
}

// GetBalanceByAddress returns the confirmed balance of one address.
func (c *Client) GetBalanceByAddress(ctx context.Context, address string) (uint64, error) {
	params := map[string]interface{}{"address": address}
	var result struct {
		Balance uint64 `json:"balance"`
	}
	if err := c.Call(ctx, "getBalanceByAddress", params, &result); err != nil {
		return 0, err
	}
	return result.Balance, nil
}

// SubscribeNewBlockTemplate invokes fn whenever the node announces a
// fresh template.
func (c *Client) SubscribeNewBlockTemplate(ctx context.Context, fn func()) error {
	c.onNotification("newBlockTemplateNotification", func(json.RawMessage) { fn() })
	return c.Call(ctx, "subscribeNewBlockTemplate", nil, nil)
}

// SubscribeBlockAdded invokes fn for every block accepted by the node.
func (c *Client) SubscribeBlockAdded(ctx context.Context, fn func(*Block)) error {
	c.onNotification("blockAddedNotification", func(params json.RawMessage) {
		var payload struct {
			Block Block `json:"block"`
		}
		if err := json.Unmarshal(params, &payload); err != nil {
			util.Warnf("Malformed blockAdded notification: %v", err)
			return
		}
		fn(&payload.Block)
	})
	return c.Call(ctx, "subscribeBlockAdded", nil, nil)
}

// UnsubscribeBlockAdded cancels the block-added stream; used by the
// treasury watchdog before resubscribing.
func (c *Client) UnsubscribeBlockAdded(ctx context.Context) error {
	return c.Call(ctx, "unsubscribeBlockAdded", nil, nil)
}

// SubscribeUtxosChanged invokes fn with the added entries for the
// watched addresses.
func (c *Client) SubscribeUtxosChanged(ctx context.Context, addresses []string, fn func(added []UTXOPair)) error {
	c.onNotification("utxosChangedNotification", func(params json.RawMessage) {
		var payload struct {
			Added []UTXOPair `json:"added"`
		}
		if err := json.Unmarshal(params, &payload); err != nil {
			util.Warnf("Malformed utxosChanged notification: %v", err)
			return
		}
		fn(payload.Added)
	})
	return c.Call(ctx, "subscribeUtxosChanged", map[string]interface{}{"addresses": addresses}, nil)
}
