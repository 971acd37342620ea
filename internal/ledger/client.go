package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Signed is a call bound to a signing account and an assigned nonce,
// ready for submission.
type Signed struct {
	Account string `json:"account"`
	Nonce   uint64 `json:"nonce"`
	Call    Call   `json:"call"`
}

// SubmitResult is the per-transaction inclusion outcome.
type SubmitResult struct {
	Ok          bool   `json:"ok"`
	TxHash      string `json:"txHash,omitempty"`
	BlockHash   string `json:"blockHash,omitempty"`
	BlockNumber uint64 `json:"blockNumber,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Client talks to the chain. Submission I/O errors and on-chain
// rejections are treated identically by callers, so SubmitBatch may
// either return an error (whole batch failed to reach the chain) or
// per-transaction failures in the results.
type Client interface {
	AccountNonce(ctx context.Context, account string) (uint64, error)
	SubmitBatch(ctx context.Context, txs []Signed) ([]SubmitResult, error)
}

// RPCClient is a JSON-RPC-over-HTTP Client.
type RPCClient struct {
	url  string
	http *http.Client
}

func NewRPCClient(url string) *RPCClient {
	return &RPCClient{
		url:  url,
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int         `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (c *RPCClient) call(ctx context.Context, method string, params, out interface{}) error {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("rpc %s: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("rpc %s: unexpected status %d", method, resp.StatusCode)
	}

	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  *rpcError       `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("rpc %s: decoding response: %w", method, err)
	}
	if envelope.Error != nil {
		return fmt.Errorf("rpc %s: %s (code %d)", method, envelope.Error.Message, envelope.Error.Code)
	}
	return json.Unmarshal(envelope.Result, out)
}

func (c *RPCClient) AccountNonce(ctx context.Context, account string) (uint64, error) {
	var nonce uint64
	if err := c.call(ctx, "system_accountNextIndex", []string{account}, &nonce); err != nil {
		return 0, err
	}
	return nonce, nil
}

func (c *RPCClient) SubmitBatch(ctx context.Context, txs []Signed) ([]SubmitResult, error) {
	var results []SubmitResult
	if err := c.call(ctx, "author_submitAndWatchBatch", txs, &results); err != nil {
		return nil, err
	}
	if len(results) != len(txs) {
		return nil, fmt.Errorf("rpc returned %d results for %d transactions", len(results), len(txs))
	}
	return results, nil
}
