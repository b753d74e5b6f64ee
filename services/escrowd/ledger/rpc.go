package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// RPCClient moves funds into and out of the escrow account through the
// ledger's JSON-RPC endpoint.
type RPCClient struct {
	baseURL   string
	authToken string
	from      string
	http      *http.Client
	nextID    atomic.Int64
}

// NewRPCClient constructs a client that debits escrowAccount. A zero timeout
// falls back to ten seconds.
func NewRPCClient(baseURL, authToken, escrowAccount string, timeout time.Duration) *RPCClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RPCClient{
		baseURL:   strings.TrimSpace(baseURL),
		authToken: strings.TrimSpace(authToken),
		from:      strings.TrimSpace(escrowAccount),
		http:      &http.Client{Timeout: timeout},
	}
}

type jsonRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      int64       `json:"id"`
}

type jsonRPCResponse struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      int64            `json:"id"`
	Result  json.RawMessage  `json:"result"`
	Error   *jsonRPCErrorObj `json:"error"`
}

type jsonRPCErrorObj struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// TransferParams is the payload of a ledger_transfer call.
type TransferParams struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Amount string `json:"amount"`
	Memo   string `json:"memo,omitempty"`
}

// TransferResult is the ledger's answer to ledger_transfer.
type TransferResult struct {
	TxHash  string `json:"txHash"`
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
}

// Transfer sends amount from the escrow account to the recipient and returns
// the ledger transaction hash. Any answer other than an explicit success is an
// error.
func (c *RPCClient) Transfer(ctx context.Context, to string, amount uint64) (string, error) {
	return c.move(ctx, TransferParams{From: c.from, To: to, Amount: strconv.FormatUint(amount, 10), Memo: "escrow refund"})
}

// Collect moves a deposit from the party into the escrow account. The ledger
// is expected to reject the call unless the party has authorised the debit.
func (c *RPCClient) Collect(ctx context.Context, from string, amount uint64) (string, error) {
	return c.move(ctx, TransferParams{From: from, To: c.from, Amount: strconv.FormatUint(amount, 10), Memo: "escrow deposit"})
}

func (c *RPCClient) move(ctx context.Context, params TransferParams) (string, error) {
	var result TransferResult
	if err := c.call(ctx, "ledger_transfer", []interface{}{params}, &result); err != nil {
		return "", err
	}
	if !result.Success {
		reason := result.Reason
		if reason == "" {
			reason = "transfer not confirmed"
		}
		return "", fmt.Errorf("ledger: %s", reason)
	}
	return result.TxHash, nil
}

func (c *RPCClient) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	id := c.nextID.Add(1)
	bodyStruct := jsonRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      id,
	}
	buf, err := json.Marshal(bodyStruct)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("ledger rpc %s failed: status=%d body=%s", method, resp.StatusCode, string(body))
	}
	var rpcResp jsonRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return err
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("ledger rpc error: %s", rpcResp.Error.Message)
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 {
		return errors.New("ledger rpc returned empty result")
	}
	return json.Unmarshal(rpcResp.Result, out)
}
