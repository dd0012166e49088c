package bertec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Client owns the command and sample channels to one treadmill server.
// Connect and Disconnect are idempotent; commands are serialized so only one
// request is ever in flight.
type Client struct {
	cfg    Config
	logger *slog.Logger
	dialer Dialer

	mu        sync.Mutex
	cmd       CommandChannel
	heartbeat *heartbeat
	nextID    int64
	started   bool
	initResp  *Response

	// samples is read by PollLatestSample without taking mu, so polling
	// never waits behind an in-flight command.
	samples   atomic.Pointer[subscription]
	connected atomic.Bool
	stats     counters
}

type counters struct {
	requestsSent     atomic.Int64
	repliesReceived  atomic.Int64
	sendFailures     atomic.Int64
	timeouts         atomic.Int64
	malformedReplies atomic.Int64
	rpcErrors        atomic.Int64
	samplesReceived  atomic.Int64
	samplesConflated atomic.Int64
	malformedSamples atomic.Int64
	sampleErrors     atomic.Int64
	reconnects       atomic.Int64
}

// New creates a client. Call Connect to open the channels. A nil dialer uses
// ZeroMQ; a nil logger uses slog.Default.
func New(cfg Config, dialer Dialer, logger *slog.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if dialer == nil {
		dialer = ZMQDialer{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		logger: logger.With("component", "bertec"),
		dialer: dialer,
		nextID: 1,
	}, nil
}

// Config returns the client's configuration.
func (c *Client) Config() Config {
	return c.cfg
}

// Connect opens both channels and performs InitConnect. The connection is
// only established when the server answers with CodeSuccess within the
// timeout; otherwise every opened channel is closed again. Calling Connect
// on a connected client returns the original InitConnect reply.
func (c *Client) Connect(ctx context.Context) (*Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected.Load() {
		return c.initResp, nil
	}
	if c.started {
		// Leftovers from a connection the heartbeat tore down halfway.
		c.teardownLocked()
	}

	c.started = true
	c.nextID = 1

	c.logger.Info("connecting to treadmill server",
		"command", c.cfg.CommandEndpoint(),
		"data", c.cfg.DataEndpoint(),
	)

	cmd, err := c.dialer.DialCommand(c.cfg.CommandEndpoint())
	if err != nil {
		c.teardownLocked()
		return nil, fmt.Errorf("open command channel: %w", err)
	}
	c.cmd = cmd

	sub, err := c.dialer.DialSamples(c.cfg.DataEndpoint())
	if err != nil {
		c.teardownLocked()
		return nil, fmt.Errorf("open sample channel: %w", err)
	}
	c.samples.Store(newSubscription(sub, c.logger, &c.stats))

	resp, err := c.sendLocked(ctx, MethodInitConnect, map[string]any{
		"ip":   c.cfg.ClientHost,
		"port": strconv.Itoa(c.cfg.ClientPort),
	})
	if err != nil {
		c.teardownLocked()
		return nil, fmt.Errorf("init connect: %w", err)
	}
	if err := checkResponse(MethodInitConnect, resp); err != nil {
		c.teardownLocked()
		return resp, err
	}

	if c.cfg.Heartbeat.Enabled {
		hbCh, err := c.dialer.ListenHeartbeat(c.cfg.HeartbeatEndpoint())
		if err != nil {
			c.teardownLocked()
			return nil, fmt.Errorf("open heartbeat channel: %w", err)
		}
		var hb *heartbeat
		hb = newHeartbeat(hbCh, c.cfg.Heartbeat, c.cfg.Timeout, c.logger, func() {
			go c.dropHeartbeat(hb)
		})
		c.heartbeat = hb
		hb.start()
	}

	c.initResp = resp
	c.connected.Store(true)
	c.logger.Info("connected to treadmill server", "message", resp.Message)
	return resp, nil
}

// dropHeartbeat disconnects if hb still belongs to the live connection.
func (c *Client) dropHeartbeat(hb *heartbeat) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.heartbeat != hb {
		return
	}
	c.teardownLocked()
}

// Disconnect closes every channel. It is a no-op when nothing was started
// and is safe after a failed Connect.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		return nil
	}
	err := c.teardownLocked()
	c.logger.Info("disconnected from treadmill server")
	return err
}

func (c *Client) teardownLocked() error {
	var errs []error

	c.connected.Store(false)
	c.started = false
	c.initResp = nil

	if c.heartbeat != nil {
		if err := c.heartbeat.stop(); err != nil {
			errs = append(errs, fmt.Errorf("close heartbeat channel: %w", err))
		}
		c.heartbeat = nil
	}
	if sub := c.samples.Swap(nil); sub != nil {
		if err := sub.close(); err != nil {
			errs = append(errs, fmt.Errorf("close sample channel: %w", err))
		}
	}
	if c.cmd != nil {
		if err := c.cmd.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close command channel: %w", err))
		}
		c.cmd = nil
	}
	return errors.Join(errs...)
}

// IsConnected reports whether InitConnect succeeded and the connection has
// not been torn down since.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// SendCommand sends one request and waits for its reply. A non-success code
// is returned as the reply together with an *RPCError. Transport failures
// return a nil reply and wrap ErrSendFailed, ErrNoReply or
// ErrMalformedReply.
func (c *Client) SendCommand(ctx context.Context, method string, params map[string]any) (*Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected.Load() {
		return nil, ErrNotConnected
	}

	resp, err := c.sendLocked(ctx, method, params)
	if err != nil {
		return nil, err
	}
	if err := checkResponse(method, resp); err != nil {
		c.stats.rpcErrors.Add(1)
		c.logger.Warn("command rejected", "method", method, "code", resp.Code, "message", resp.Message)
		return resp, err
	}
	return resp, nil
}

func (c *Client) sendLocked(ctx context.Context, method string, params map[string]any) (*Response, error) {
	if c.cmd == nil {
		if err := c.redialLocked(); err != nil {
			c.stats.sendFailures.Add(1)
			return nil, fmt.Errorf("%w: %v", ErrSendFailed, err)
		}
	}

	if params == nil {
		params = map[string]any{}
	}
	req := Request{
		Version: ProtocolVersion,
		ID:      c.nextID,
		Method:  method,
		Params:  params,
	}
	data, err := json.Marshal(req)
	if err != nil {
		c.stats.sendFailures.Add(1)
		return nil, fmt.Errorf("%w: encode: %v", ErrSendFailed, err)
	}

	c.logger.Debug("sending command", "id", req.ID, "method", method, "params", params)

	if err := c.cmd.Send(data); err != nil {
		c.stats.sendFailures.Add(1)
		c.logger.Warn("command send failed", "id", req.ID, "method", method, "error", err)
		// A REQ socket that failed mid-send is in an unknown state.
		c.dropCommandLocked()
		return nil, fmt.Errorf("%w: %s: %v", ErrSendFailed, method, err)
	}
	c.nextID++
	c.stats.requestsSent.Add(1)

	reply, err := c.recvLocked(ctx)
	if err != nil {
		c.stats.timeouts.Add(1)
		c.logger.Warn("no reply", "id", req.ID, "method", method, "timeout", c.cfg.Timeout, "error", err)
		// REQ sockets refuse a second send without a reply; start over.
		c.dropCommandLocked()
		return nil, fmt.Errorf("%w: %s: %v", ErrNoReply, method, err)
	}

	resp, err := decodeResponse(reply)
	if err != nil {
		c.stats.malformedReplies.Add(1)
		c.logger.Warn("malformed reply", "id", req.ID, "method", method, "error", err)
		return nil, err
	}
	c.stats.repliesReceived.Add(1)
	c.logger.Debug("received reply", "id", req.ID, "method", method, "code", resp.Code, "message", resp.Message)
	return resp, nil
}

var errReplyTimeout = errors.New("timed out waiting for reply")

// recvLocked waits for one reply, bounded by the configured timeout and ctx.
// On timeout the pending Recv is abandoned; dropCommandLocked closes the
// channel, which unblocks it.
func (c *Client) recvLocked(ctx context.Context) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}
	ch := c.cmd
	results := make(chan result, 1)
	go func() {
		data, err := ch.Recv()
		results <- result{data, err}
	}()

	timer := time.NewTimer(c.cfg.Timeout)
	defer timer.Stop()

	select {
	case r := <-results:
		return r.data, r.err
	case <-timer.C:
		return nil, errReplyTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) dropCommandLocked() {
	if c.cmd == nil {
		return
	}
	if err := c.cmd.Close(); err != nil {
		c.logger.Debug("closing command channel", "error", err)
	}
	c.cmd = nil
}

func (c *Client) redialLocked() error {
	if !c.started {
		return ErrNotConnected
	}
	cmd, err := c.dialer.DialCommand(c.cfg.CommandEndpoint())
	if err != nil {
		return fmt.Errorf("redial command channel: %w", err)
	}
	c.cmd = cmd
	c.stats.reconnects.Add(1)
	c.logger.Info("command channel re-established", "endpoint", c.cfg.CommandEndpoint())
	return nil
}

// PollLatestSample waits up to timeout for a force-plate sample and returns
// the newest one. It returns false on timeout or when not connected.
func (c *Client) PollLatestSample(timeout time.Duration) (Sample, bool) {
	sub := c.samples.Load()
	if sub == nil || !c.connected.Load() {
		return Sample{}, false
	}
	return sub.poll(timeout)
}

// NextID returns the id the next request will carry.
func (c *Client) NextID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextID
}

// Stats returns transport counters.
func (c *Client) Stats() ClientStats {
	return ClientStats{
		Connected:        c.connected.Load(),
		RequestsSent:     c.stats.requestsSent.Load(),
		RepliesReceived:  c.stats.repliesReceived.Load(),
		SendFailures:     c.stats.sendFailures.Load(),
		Timeouts:         c.stats.timeouts.Load(),
		MalformedReplies: c.stats.malformedReplies.Load(),
		RPCErrors:        c.stats.rpcErrors.Load(),
		SamplesReceived:  c.stats.samplesReceived.Load(),
		SamplesConflated: c.stats.samplesConflated.Load(),
		MalformedSamples: c.stats.malformedSamples.Load(),
		SampleErrors:     c.stats.sampleErrors.Load(),
		Reconnects:       c.stats.reconnects.Load(),
	}
}

// ClientStats contains transport counters.
type ClientStats struct {
	Connected        bool  `json:"connected"`
	RequestsSent     int64 `json:"requests_sent"`
	RepliesReceived  int64 `json:"replies_received"`
	SendFailures     int64 `json:"send_failures"`
	Timeouts         int64 `json:"timeouts"`
	MalformedReplies int64 `json:"malformed_replies"`
	RPCErrors        int64 `json:"rpc_errors"`
	SamplesReceived  int64 `json:"samples_received"`
	SamplesConflated int64 `json:"samples_conflated"`
	MalformedSamples int64 `json:"malformed_samples"`
	SampleErrors     int64 `json:"sample_errors"`
	Reconnects       int64 `json:"reconnects"`
}
