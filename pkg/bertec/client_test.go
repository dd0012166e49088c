package bertec

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Timeout = 50 * time.Millisecond
	return cfg
}

func newTestClient(t *testing.T, d Dialer, cfg Config) *Client {
	t.Helper()
	c, err := New(cfg, d, testLogger())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { c.Disconnect() })
	return c
}

func TestConnect_Success(t *testing.T) {
	d := newFakeDialer(alwaysOK)
	c := newTestClient(t, d, testConfig())

	resp, err := c.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if !resp.OK() {
		t.Errorf("Expected success reply, got code %d", resp.Code)
	}
	if !c.IsConnected() {
		t.Error("Expected client to be connected")
	}

	reqs := d.command(0).requests()
	if len(reqs) != 1 {
		t.Fatalf("Expected 1 request, got %d", len(reqs))
	}
	init := reqs[0]
	if init.Method != MethodInitConnect {
		t.Errorf("Method: got %q, want %q", init.Method, MethodInitConnect)
	}
	if init.ID != 1 {
		t.Errorf("ID: got %d, want 1", init.ID)
	}
	if init.Version != ProtocolVersion {
		t.Errorf("Version: got %q, want %q", init.Version, ProtocolVersion)
	}
	if init.Params["ip"] != "127.0.0.1" || init.Params["port"] != "5560" {
		t.Errorf("Unexpected InitConnect params: %v", init.Params)
	}
}

func TestConnect_NoReplyLeavesDisconnected(t *testing.T) {
	d := newFakeDialer(silent)
	c := newTestClient(t, d, testConfig())

	start := time.Now()
	resp, err := c.Connect(context.Background())
	if !errors.Is(err, ErrNoReply) {
		t.Fatalf("Expected ErrNoReply, got %v", err)
	}
	if resp != nil {
		t.Errorf("Expected nil reply, got %+v", resp)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("Connect returned after %v, before the timeout", elapsed)
	}
	if c.IsConnected() {
		t.Error("Client must not be connected after a timeout")
	}
	if !d.command(0).isClosed() {
		t.Error("Command channel was not closed")
	}
	if !d.samples.isClosed() {
		t.Error("Sample channel was not closed")
	}
}

func TestConnect_Rejected(t *testing.T) {
	d := newFakeDialer(func(Request) []byte { return reply(CodeInvalidParams, "bad port") })
	c := newTestClient(t, d, testConfig())

	resp, err := c.Connect(context.Background())
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("Expected *RPCError, got %v", err)
	}
	if rpcErr.Code != CodeInvalidParams {
		t.Errorf("Code: got %d, want %d", rpcErr.Code, CodeInvalidParams)
	}
	if resp == nil || resp.Message != "bad port" {
		t.Errorf("Expected the rejecting reply, got %+v", resp)
	}
	if c.IsConnected() {
		t.Error("Client must not be connected after rejection")
	}
	if !d.command(0).isClosed() || !d.samples.isClosed() {
		t.Error("Channels were not closed after rejection")
	}
}

func TestConnect_DialFailure(t *testing.T) {
	d := newFakeDialer(alwaysOK)
	d.dialErr = errors.New("connection refused")
	c := newTestClient(t, d, testConfig())

	if _, err := c.Connect(context.Background()); err == nil {
		t.Fatal("Expected dial error")
	}
	if c.IsConnected() {
		t.Error("Client must not be connected")
	}
	if err := c.Disconnect(); err != nil {
		t.Errorf("Disconnect after failed connect: %v", err)
	}
}

func TestConnect_Idempotent(t *testing.T) {
	d := newFakeDialer(alwaysOK)
	c := newTestClient(t, d, testConfig())

	first, err := c.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	second, err := c.Connect(context.Background())
	if err != nil {
		t.Fatalf("Second Connect failed: %v", err)
	}
	if first != second {
		t.Error("Second Connect should return the original reply")
	}
	if d.dialCount() != 1 {
		t.Errorf("Expected 1 dial, got %d", d.dialCount())
	}
}

func TestDisconnect_NotStarted(t *testing.T) {
	c := newTestClient(t, newFakeDialer(alwaysOK), testConfig())
	if err := c.Disconnect(); err != nil {
		t.Errorf("Disconnect on fresh client: %v", err)
	}
	if err := c.Disconnect(); err != nil {
		t.Errorf("Second Disconnect: %v", err)
	}
}

func TestDisconnect_ClosesChannels(t *testing.T) {
	d := newFakeDialer(alwaysOK)
	c := newTestClient(t, d, testConfig())
	if _, err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	if err := c.Disconnect(); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	if c.IsConnected() {
		t.Error("Still connected after Disconnect")
	}
	if !d.command(0).isClosed() || !d.samples.isClosed() {
		t.Error("Channels were not closed")
	}
	if _, err := c.IsTreadmillMoving(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Expected ErrNotConnected after Disconnect, got %v", err)
	}
}

func TestSendCommand_IDIncrementsOnlyAfterSend(t *testing.T) {
	d := newFakeDialer(alwaysOK)
	c := newTestClient(t, d, testConfig())
	if _, err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if got := c.NextID(); got != 2 {
		t.Fatalf("NextID after InitConnect: got %d, want 2", got)
	}

	if _, err := c.IsTreadmillMoving(context.Background()); err != nil {
		t.Fatalf("IsTreadmillMoving failed: %v", err)
	}
	if got := c.NextID(); got != 3 {
		t.Errorf("NextID after one command: got %d, want 3", got)
	}

	d.command(0).sendErr = errors.New("resource temporarily unavailable")
	resp, err := c.IsInclineMoving(context.Background())
	if !errors.Is(err, ErrSendFailed) {
		t.Fatalf("Expected ErrSendFailed, got %v", err)
	}
	if resp != nil {
		t.Errorf("Expected nil reply on send failure, got %+v", resp)
	}
	if got := c.NextID(); got != 3 {
		t.Errorf("NextID after failed send: got %d, want 3", got)
	}
}

func TestSendCommand_MalformedReply(t *testing.T) {
	var calls atomic.Int32
	d := newFakeDialer(func(Request) []byte {
		if calls.Add(1) == 1 {
			return reply(CodeSuccess, "Success")
		}
		return []byte("not json")
	})
	c := newTestClient(t, d, testConfig())
	if _, err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	resp, err := c.IsClientAuthenticated(context.Background())
	if !errors.Is(err, ErrMalformedReply) {
		t.Fatalf("Expected ErrMalformedReply, got %v", err)
	}
	if resp != nil {
		t.Errorf("Expected nil reply, got %+v", resp)
	}
	if got := c.Stats().MalformedReplies; got != 1 {
		t.Errorf("MalformedReplies: got %d, want 1", got)
	}
}

func TestSendCommand_NoReplyRedials(t *testing.T) {
	var calls atomic.Int32
	d := newFakeDialer(func(Request) []byte {
		if calls.Add(1) == 2 {
			return nil
		}
		return reply(CodeSuccess, "Success")
	})
	c := newTestClient(t, d, testConfig())
	if _, err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	if _, err := c.IsTreadmillMoving(context.Background()); !errors.Is(err, ErrNoReply) {
		t.Fatalf("Expected ErrNoReply, got %v", err)
	}
	if !d.command(0).isClosed() {
		t.Error("Timed-out command channel should be closed")
	}

	if _, err := c.IsTreadmillMoving(context.Background()); err != nil {
		t.Fatalf("Command after redial failed: %v", err)
	}
	if d.dialCount() != 2 {
		t.Errorf("Expected 2 dials, got %d", d.dialCount())
	}
	stats := c.Stats()
	if stats.Timeouts != 1 || stats.Reconnects != 1 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
	if !c.IsConnected() {
		t.Error("A reply timeout should not drop the connection")
	}
}

func TestSendCommand_RPCError(t *testing.T) {
	var calls atomic.Int32
	d := newFakeDialer(func(Request) []byte {
		if calls.Add(1) == 1 {
			return reply(CodeSuccess, "Success")
		}
		return reply(CodeTreadmillError, "treadmill fault")
	})
	c := newTestClient(t, d, testConfig())
	if _, err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	resp, err := c.RunIncline(context.Background(), 2.5)
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("Expected *RPCError, got %v", err)
	}
	if rpcErr.Method != MethodRunIncline {
		t.Errorf("Method: got %q, want %q", rpcErr.Method, MethodRunIncline)
	}
	if resp == nil || resp.Code != CodeTreadmillError {
		t.Errorf("Expected reply with code -1, got %+v", resp)
	}
	if !c.IsConnected() {
		t.Error("Protocol errors must not drop the connection")
	}
}

func TestRunTreadmill_Params(t *testing.T) {
	tests := []struct {
		name  string
		comma bool
		want  string
	}{
		{"decimal_comma", true, "1,25"},
		{"decimal_point", false, "1.25"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newFakeDialer(alwaysOK)
			cfg := testConfig()
			cfg.DecimalComma = tt.comma
			c := newTestClient(t, d, cfg)
			if _, err := c.Connect(context.Background()); err != nil {
				t.Fatalf("Connect failed: %v", err)
			}

			if _, err := c.RunTreadmill(context.Background(), Symmetric(1.25, 0.25, 0.25)); err != nil {
				t.Fatalf("RunTreadmill failed: %v", err)
			}

			reqs := d.command(0).requests()
			run := reqs[len(reqs)-1]
			if run.Method != MethodRunTreadmill {
				t.Fatalf("Method: got %q", run.Method)
			}
			for _, key := range []string{"leftVel", "rightVel"} {
				if run.Params[key] != tt.want {
					t.Errorf("%s: got %v, want %q", key, run.Params[key], tt.want)
				}
			}
		})
	}
}

func TestPollLatestSample_Conflates(t *testing.T) {
	d := newFakeDialer(alwaysOK)
	c := newTestClient(t, d, testConfig())
	if _, err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	d.samples.data <- []byte(`{"fz": 10, "copx": 0.0, "copy": 0.5}`)
	d.samples.data <- []byte(`{"fz": 20, "copx": 0.1, "copy": 0.6}`)
	d.samples.data <- []byte(`{"fz": 30, "copx": 0.2, "copy": 0.7}`)

	deadline := time.Now().Add(time.Second)
	for c.Stats().SamplesReceived < 3 {
		if time.Now().After(deadline) {
			t.Fatal("Samples were not consumed")
		}
		time.Sleep(time.Millisecond)
	}

	sample, ok := c.PollLatestSample(10 * time.Millisecond)
	if !ok {
		t.Fatal("Expected a sample")
	}
	if sample.Fz != 30 || sample.CopY != 0.7 || !sample.HasCopY {
		t.Errorf("Expected the newest sample, got %+v", sample)
	}
	if _, ok := c.PollLatestSample(10 * time.Millisecond); ok {
		t.Error("A conflated sample must only be delivered once")
	}
	if got := c.Stats().SamplesConflated; got != 2 {
		t.Errorf("SamplesConflated: got %d, want 2", got)
	}
}

func TestPollLatestSample_DropsMalformed(t *testing.T) {
	d := newFakeDialer(alwaysOK)
	c := newTestClient(t, d, testConfig())
	if _, err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	d.samples.data <- []byte(`garbage`)
	d.samples.data <- []byte(`{"fz": 42}`)

	sample, ok := c.PollLatestSample(time.Second)
	if !ok {
		t.Fatal("Expected a sample")
	}
	if sample.Fz != 42 || sample.HasCopY {
		t.Errorf("Unexpected sample: %+v", sample)
	}
	if got := c.Stats().MalformedSamples; got != 1 {
		t.Errorf("MalformedSamples: got %d, want 1", got)
	}
}

func TestPollLatestSample_SurvivesReceiveErrors(t *testing.T) {
	d := newFakeDialer(alwaysOK)
	c := newTestClient(t, d, testConfig())
	if _, err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	d.samples.errs <- io.EOF
	d.samples.errs <- io.EOF
	deadline := time.Now().Add(time.Second)
	for c.Stats().SampleErrors < 2 {
		if time.Now().After(deadline) {
			t.Fatal("Receive errors were not counted")
		}
		time.Sleep(time.Millisecond)
	}

	d.samples.data <- []byte(`{"fz": 55, "copy": 0.4}`)
	sample, ok := c.PollLatestSample(time.Second)
	if !ok {
		t.Fatal("No sample after the channel recovered")
	}
	if sample.Fz != 55 {
		t.Errorf("Unexpected sample: %+v", sample)
	}

	// Close still ends the reader while it is backing off.
	d.samples.errs <- io.EOF
	done := make(chan struct{})
	go func() {
		c.Disconnect()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Disconnect blocked on the sample reader")
	}
}

func TestPollLatestSample_NotConnected(t *testing.T) {
	c := newTestClient(t, newFakeDialer(alwaysOK), testConfig())
	if _, ok := c.PollLatestSample(time.Millisecond); ok {
		t.Error("Expected no sample without a connection")
	}
}

func TestHeartbeat_DisconnectsAfterMaxAttempts(t *testing.T) {
	d := newFakeDialer(alwaysOK)
	cfg := testConfig()
	cfg.Timeout = 5 * time.Millisecond
	cfg.Heartbeat = HeartbeatConfig{Enabled: true, Interval: time.Millisecond, MaxAttempts: 3}
	c := newTestClient(t, d, cfg)

	if _, err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for c.IsConnected() {
		if time.Now().After(deadline) {
			t.Fatal("Client stayed connected without heartbeats")
		}
		time.Sleep(2 * time.Millisecond)
	}
	if !d.command(0).isClosed() {
		t.Error("Command channel should be closed after heartbeat loss")
	}
}

func TestHeartbeat_EchoResetsAttempts(t *testing.T) {
	ch := newFakeHeartbeat()
	var dead atomic.Bool
	hb := newHeartbeat(ch, HeartbeatConfig{Interval: time.Millisecond, MaxAttempts: 1000}, 5*time.Millisecond,
		testLogger(), func() { dead.Store(true) })
	hb.start()
	defer hb.stop()

	time.Sleep(20 * time.Millisecond)

	probe := Probe{Frames: [][]byte{[]byte("server"), []byte("ping")}}
	ch.probes <- probe

	select {
	case got := <-ch.replies:
		if string(got.Frames[1]) != "ping" || string(got.Frames[0]) != "server" {
			t.Errorf("Echo mismatch: %q", got.Frames)
		}
	case <-time.After(time.Second):
		t.Fatal("Probe was not echoed")
	}

	if n := hb.Attempts(); n > 1 {
		t.Errorf("Attempts after echo: got %d, want at most 1", n)
	}
	if dead.Load() {
		t.Error("Heartbeat declared the server dead")
	}
}
