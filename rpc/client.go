package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/holiman/uint256"
	"github.com/tolelom/bikerush/core"
)

// Client calls a node's JSON-RPC endpoint.
type Client struct {
	url       string
	authToken string
	http      *http.Client
	nextID    atomic.Int64
}

// NewClient returns a client for the endpoint at url.
func NewClient(url, authToken string) *Client {
	return &Client{
		url:       url,
		authToken: authToken,
		http:      &http.Client{Timeout: 10 * time.Second},
	}
}

// Call invokes method with params and decodes the result into out. A
// not-found error from the node wraps core.ErrNotFound.
func (c *Client) Call(ctx context.Context, method string, params, out any) error {
	req := Request{JSONRPC: "2.0", ID: c.nextID.Add(1), Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("encode %s params: %w", method, err)
		}
		req.Params = raw
	}
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: http status %d", method, httpResp.StatusCode)
	}

	var resp Response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return fmt.Errorf("%s: decode response: %w", method, err)
	}
	if resp.Error != nil {
		if resp.Error.Code == CodeNotFound {
			return fmt.Errorf("%s: %s: %w", method, resp.Error.Message, core.ErrNotFound)
		}
		return fmt.Errorf("%s: %w", method, resp.Error)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(resp.Result, out)
}

func (c *Client) Height(ctx context.Context) (int64, error) {
	var h int64
	err := c.Call(ctx, "getBlockHeight", nil, &h)
	return h, err
}

func (c *Client) Account(ctx context.Context, addr string) (*core.Account, error) {
	var acc core.Account
	if err := c.Call(ctx, "getAccount", map[string]string{"address": addr}, &acc); err != nil {
		return nil, err
	}
	return &acc, nil
}

func (c *Client) TokenBalance(ctx context.Context, token core.Token, owner string) (*uint256.Int, error) {
	var out TokenBalance
	if err := c.Call(ctx, "getTokenBalance", map[string]string{"token": string(token), "owner": owner}, &out); err != nil {
		return nil, err
	}
	return uint256.FromDecimal(out.Amount)
}

func (c *Client) PlayerRewards(ctx context.Context, player string) (*uint256.Int, error) {
	var out PlayerRewards
	if err := c.Call(ctx, "getPlayerRewards", map[string]string{"player": player}, &out); err != nil {
		return nil, err
	}
	return uint256.FromDecimal(out.Amount)
}

func (c *Client) Bike(ctx context.Context, id uint64) (*core.Bike, error) {
	var b core.Bike
	if err := c.Call(ctx, "getBike", map[string]uint64{"id": id}, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (c *Client) BikesByOwner(ctx context.Context, owner string) ([]uint64, error) {
	var ids []uint64
	err := c.Call(ctx, "getBikesByOwner", map[string]string{"owner": owner}, &ids)
	return ids, err
}

func (c *Client) Session(ctx context.Context, id uint64) (*core.Session, error) {
	var s core.Session
	if err := c.Call(ctx, "getSession", map[string]uint64{"id": id}, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *Client) SessionsByPlayer(ctx context.Context, player string) ([]uint64, error) {
	var ids []uint64
	err := c.Call(ctx, "getSessionsByPlayer", map[string]string{"player": player}, &ids)
	return ids, err
}

func (c *Client) SessionCounter(ctx context.Context) (uint64, error) {
	var n uint64
	err := c.Call(ctx, "getSessionCounter", nil, &n)
	return n, err
}

// DailyChallenge returns the challenge for day, or the current one when day
// is nil.
func (c *Client) DailyChallenge(ctx context.Context, day *uint64) (*core.DailyChallenge, error) {
	var params any
	if day != nil {
		params = map[string]uint64{"day": *day}
	}
	var ch core.DailyChallenge
	if err := c.Call(ctx, "getDailyChallenge", params, &ch); err != nil {
		return nil, err
	}
	return &ch, nil
}

func (c *Client) PrizePool(ctx context.Context) (*Pools, error) {
	var p Pools
	if err := c.Call(ctx, "getPrizePool", nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Receipt returns the settled receipt of txID, or an error wrapping
// core.ErrNotFound while the batch is pending.
func (c *Client) Receipt(ctx context.Context, txID string) (*core.Receipt, error) {
	var r core.Receipt
	if err := c.Call(ctx, "getReceipt", map[string]string{"tx_id": txID}, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// SendTx submits a signed batch and returns its id.
func (c *Client) SendTx(ctx context.Context, tx *core.Transaction) (string, error) {
	var out SendTxResult
	if err := c.Call(ctx, "sendTx", tx, &out); err != nil {
		return "", err
	}
	return out.TxID, nil
}

func (c *Client) MempoolSize(ctx context.Context) (int, error) {
	var n int
	err := c.Call(ctx, "getMempoolSize", nil, &n)
	return n, err
}
