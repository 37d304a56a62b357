// Package settlement talks to the external settlement network over JSON-RPC.
// The network itself is opaque to the rest of the service: everything the
// escrow engine needs travels through the Client interface, so tests swap in
// an in-memory ledger and production points at the real node URL.
package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// Transfer describes an outbound value movement on the settlement network.
type Transfer struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Amount int64  `json:"amount"`
	Memo   string `json:"memo,omitempty"`
}

// TransferReceipt is returned once the network accepts a transfer.
type TransferReceipt struct {
	Reference string `json:"reference"`
	Submitted int64  `json:"submittedAt"`
}

// BalanceDelta records an account's balance before and after a transaction.
type BalanceDelta struct {
	Account string `json:"account"`
	Pre     int64  `json:"pre"`
	Post    int64  `json:"post"`
}

// Transaction is the network's view of a settled transaction, including the
// per-account balance movements the escrow lock check inspects.
type Transaction struct {
	Reference string         `json:"reference"`
	From      string         `json:"from"`
	To        string         `json:"to"`
	Amount    int64          `json:"amount"`
	Timestamp int64          `json:"timestamp"`
	Deltas    []BalanceDelta `json:"balanceDeltas"`
}

// Received reports how many base units the given account gained in this
// transaction, derived from its balance delta. Zero when the account does
// not appear.
func (t *Transaction) Received(account string) int64 {
	for _, delta := range t.Deltas {
		if strings.EqualFold(delta.Account, account) {
			if gain := delta.Post - delta.Pre; gain > 0 {
				return gain
			}
			return 0
		}
	}
	return 0
}

// Client is the settlement-network surface used by the escrow engine.
type Client interface {
	SubmitTransfer(ctx context.Context, transfer Transfer) (*TransferReceipt, error)
	GetBalance(ctx context.Context, account string) (int64, error)
	GetTransaction(ctx context.Context, reference string) (*Transaction, error)
	ConfirmTransaction(ctx context.Context, reference string) (bool, error)
}

// ErrTransactionNotFound is returned when the network has no record of the
// referenced transaction.
var ErrTransactionNotFound = errors.New("settlement: transaction not found")

// RPCClient implements Client against the settlement node's JSON-RPC server.
type RPCClient struct {
	baseURL   string
	authToken string
	http      *http.Client
	nextID    atomic.Int64
}

func NewRPCClient(baseURL, authToken string) *RPCClient {
	return &RPCClient{
		baseURL:   baseURL,
		authToken: authToken,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
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

const rpcCodeNotFound = -32004

func (c *RPCClient) SubmitTransfer(ctx context.Context, transfer Transfer) (*TransferReceipt, error) {
	var result TransferReceipt
	if err := c.call(ctx, "settlement_submitTransfer", []interface{}{transfer}, &result); err != nil {
		return nil, err
	}
	if strings.TrimSpace(result.Reference) == "" {
		return nil, errors.New("settlement: node accepted transfer without a reference")
	}
	return &result, nil
}

func (c *RPCClient) GetBalance(ctx context.Context, account string) (int64, error) {
	var result struct {
		Balance int64 `json:"balance"`
	}
	params := []interface{}{map[string]string{"account": account}}
	if err := c.call(ctx, "settlement_getBalance", params, &result); err != nil {
		return 0, err
	}
	return result.Balance, nil
}

func (c *RPCClient) GetTransaction(ctx context.Context, reference string) (*Transaction, error) {
	var result Transaction
	params := []interface{}{map[string]string{"reference": reference}}
	if err := c.call(ctx, "settlement_getTransaction", params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCClient) ConfirmTransaction(ctx context.Context, reference string) (bool, error) {
	var result struct {
		Confirmed bool `json:"confirmed"`
	}
	params := []interface{}{map[string]string{"reference": reference}}
	if err := c.call(ctx, "settlement_confirmTransaction", params, &result); err != nil {
		return false, err
	}
	return result.Confirmed, nil
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
	if strings.TrimSpace(c.authToken) != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("settlement rpc %s failed: status=%d body=%s", method, resp.StatusCode, string(body))
	}
	var rpcResp jsonRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return err
	}
	if rpcResp.Error != nil {
		if rpcResp.Error.Code == rpcCodeNotFound {
			return ErrTransactionNotFound
		}
		return fmt.Errorf("settlement rpc error: %s", rpcResp.Error.Message)
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 {
		return errors.New("settlement rpc returned empty result")
	}
	return json.Unmarshal(rpcResp.Result, out)
}
