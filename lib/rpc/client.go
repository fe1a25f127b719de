package rpc

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultClientTimeout bounds dialing and each call when ClientConfig
// leaves Timeout unset.
const DefaultClientTimeout = 30 * time.Second

// ClientConfig configures the RPC client. UnixSocketPath wins when both
// addresses are set.
type ClientConfig struct {
	UnixSocketPath string
	TCPAddress     string
	// AuthToken is the hex-encoded token. It takes precedence over AuthFile.
	AuthToken string
	// AuthFile is read for the token when AuthToken is empty.
	AuthFile string
	// Timeout bounds dialing and each call.
	Timeout time.Duration
}

// Client speaks to a Server over one connection. Calls are serialized, so a
// Client may be shared between goroutines.
type Client struct {
	mu      sync.Mutex
	conn    net.Conn
	enc     *json.Encoder
	dec     *json.Decoder
	nextID  int64
	timeout time.Duration
}

// NewClient dials the server and authenticates when a token is configured.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultClientTimeout
	}

	token, err := cfg.token()
	if err != nil {
		return nil, err
	}

	conn, err := cfg.dial()
	if err != nil {
		return nil, err
	}

	c := &Client{
		conn:    conn,
		enc:     json.NewEncoder(conn),
		dec:     json.NewDecoder(conn),
		timeout: cfg.Timeout,
	}

	if token != nil {
		params := map[string]string{"token": hex.EncodeToString(token)}
		if err := c.Call(context.Background(), MethodAuth, params, nil); err != nil {
			conn.Close()
			return nil, fmt.Errorf("authentication failed: %w", err)
		}
	}
	return c, nil
}

func (cfg ClientConfig) dial() (net.Conn, error) {
	network, address := "unix", cfg.UnixSocketPath
	if address == "" {
		network, address = "tcp", cfg.TCPAddress
	}
	if address == "" {
		return nil, errors.New("no connection address specified")
	}

	conn, err := net.DialTimeout(network, address, cfg.Timeout)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", network, err)
	}
	return conn, nil
}

func (cfg ClientConfig) token() ([]byte, error) {
	if cfg.AuthToken != "" {
		tok, err := hex.DecodeString(cfg.AuthToken)
		if err != nil {
			return nil, fmt.Errorf("invalid auth token: %w", err)
		}
		return tok, nil
	}
	if cfg.AuthFile == "" {
		return nil, nil
	}

	data, err := os.ReadFile(cfg.AuthFile)
	if err != nil {
		return nil, fmt.Errorf("reading auth file: %w", err)
	}
	tok, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("invalid auth token in file: %w", err)
	}
	return tok, nil
}

// Call invokes method and decodes its result into result, which may be nil.
// A JSON-RPC error from the server is returned as *Error.
func (c *Client) Call(ctx context.Context, method string, params, result any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	req := Request{JSONRPC: "2.0", Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		req.Params = raw
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	req.ID = strconv.AppendInt(nil, c.nextID, 10)

	if err := c.conn.SetDeadline(c.deadline(ctx)); err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}
	if err := c.enc.Encode(&req); err != nil {
		return fmt.Errorf("write request: %w", err)
	}

	var resp struct {
		Result json.RawMessage `json:"result"`
		Error  *Error          `json:"error"`
		ID     json.RawMessage `json:"id"`
	}
	if err := c.dec.Decode(&resp); err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.Error != nil {
		return resp.Error
	}
	if string(resp.ID) != string(req.ID) {
		return fmt.Errorf("response id %s does not match request id %s", resp.ID, req.ID)
	}

	if result == nil || len(resp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Result, result); err != nil {
		return fmt.Errorf("unmarshal result: %w", err)
	}
	return nil
}

// deadline is the earlier of the client timeout and ctx's deadline.
func (c *Client) deadline(ctx context.Context) time.Time {
	d := time.Now().Add(c.timeout)
	if cd, ok := ctx.Deadline(); ok && cd.Before(d) {
		return cd
	}
	return d
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Status calls "status".
func (c *Client) Status(ctx context.Context) (*StatusResult, error) {
	var res StatusResult
	if err := c.Call(ctx, MethodStatus, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// PoolStats calls "pool.stats".
func (c *Client) PoolStats(ctx context.Context) (*PoolStatsResult, error) {
	var res PoolStatsResult
	if err := c.Call(ctx, MethodPoolStats, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Metrics calls "metrics" and returns the exposition text.
func (c *Client) Metrics(ctx context.Context) (string, error) {
	var res MetricsResult
	if err := c.Call(ctx, MethodMetrics, nil, &res); err != nil {
		return "", err
	}
	return res.Text, nil
}

// SaveMemory calls "memory.save".
func (c *Client) SaveMemory(ctx context.Context, text, userID string) (string, error) {
	return c.callText(ctx, MethodMemorySave, MemorySaveParams{Text: text, UserID: userID})
}

// ListMemories calls "memory.list".
func (c *Client) ListMemories(ctx context.Context, userID string) (string, error) {
	return c.callText(ctx, MethodMemoryList, MemoryListParams{UserID: userID})
}

// SearchMemories calls "memory.search". A non-positive limit uses the
// server default.
func (c *Client) SearchMemories(ctx context.Context, query, userID string, limit int) (string, error) {
	return c.callText(ctx, MethodMemorySearch, MemorySearchParams{Query: query, UserID: userID, Limit: limit})
}

// callText calls one of the memory methods, which all answer with a string.
func (c *Client) callText(ctx context.Context, method string, params any) (string, error) {
	var text string
	if err := c.Call(ctx, method, params, &text); err != nil {
		return "", err
	}
	return text, nil
}
