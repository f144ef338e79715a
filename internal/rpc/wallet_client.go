package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// WalletClient talks to the wallet daemon that signs and broadcasts
// payout transactions. Key handling and signing stay inside the daemon;
// the pool only hands it outputs and a feerate.
type WalletClient struct {
	endpoint string
	client   *http.Client
}

// NewWalletClient creates a wallet daemon client.
func NewWalletClient(endpoint string) *WalletClient {
	return &WalletClient{
		endpoint: endpoint,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// SendRequest is the wallet daemon send call.
type SendRequest struct {
	FromKeyHex string  `json:"fromKey"` // funding key, never logged
	ToAddress  string  `json:"toAddress"`
	Amount     uint64  `json:"amount"`
	Feerate    float64 `json:"feerate,omitempty"`
}

type walletRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int         `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type walletResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// call makes a JSON-RPC call to the wallet daemon.
func (w *WalletClient) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	req := walletRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  method,
		Params:  params,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal wallet request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", w.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("wallet request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var rpcResp walletResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("decode wallet response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}
	return rpcResp.Result, nil
}

// Send signs and broadcasts one transaction paying amount to toAddress
// from the funding key, returning the transaction ID.
func (w *WalletClient) Send(ctx context.Context, req SendRequest) (string, error) {
	raw, err := w.call(ctx, "send", req)
	if err != nil {
		return "", err
	}
	var result struct {
		TransactionID string `json:"transactionId"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", fmt.Errorf("decode send result: %w", err)
	}
	if result.TransactionID == "" {
		return "", fmt.Errorf("wallet returned empty transaction id")
	}
	return result.TransactionID, nil
}
