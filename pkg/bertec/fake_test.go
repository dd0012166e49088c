package bertec

import (
	"encoding/json"
	"errors"
	"sync"
)

var errFakeClosed = errors.New("fake channel closed")

// fakeCommand answers each Send through respond. A nil reply means the
// server stays silent.
type fakeCommand struct {
	respond func(Request) []byte
	sendErr error

	mu      sync.Mutex
	sent    []Request
	replies chan []byte
	closed  chan struct{}
	once    sync.Once
}

func newFakeCommand(respond func(Request) []byte) *fakeCommand {
	return &fakeCommand{
		respond: respond,
		replies: make(chan []byte, 1),
		closed:  make(chan struct{}),
	}
}

func (f *fakeCommand) Send(data []byte) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return err
	}
	f.mu.Lock()
	f.sent = append(f.sent, req)
	f.mu.Unlock()
	if reply := f.respond(req); reply != nil {
		f.replies <- reply
	}
	return nil
}

func (f *fakeCommand) Recv() ([]byte, error) {
	select {
	case r := <-f.replies:
		return r, nil
	case <-f.closed:
		return nil, errFakeClosed
	}
}

func (f *fakeCommand) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeCommand) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *fakeCommand) requests() []Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Request, len(f.sent))
	copy(out, f.sent)
	return out
}

// fakeSamples delivers data and injected receive errors until closed.
type fakeSamples struct {
	data   chan []byte
	errs   chan error
	closed chan struct{}
	once   sync.Once
}

func newFakeSamples() *fakeSamples {
	return &fakeSamples{
		data:   make(chan []byte, 16),
		errs:   make(chan error, 4),
		closed: make(chan struct{}),
	}
}

func (f *fakeSamples) Recv() ([]byte, error) {
	select {
	case d := <-f.data:
		return d, nil
	case err := <-f.errs:
		return nil, err
	case <-f.closed:
		return nil, errFakeClosed
	}
}

func (f *fakeSamples) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeSamples) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

type fakeHeartbeat struct {
	probes  chan Probe
	replies chan Probe
	closed  chan struct{}
	once    sync.Once
}

func newFakeHeartbeat() *fakeHeartbeat {
	return &fakeHeartbeat{
		probes:  make(chan Probe, 4),
		replies: make(chan Probe, 4),
		closed:  make(chan struct{}),
	}
}

func (f *fakeHeartbeat) Recv() (Probe, error) {
	select {
	case p := <-f.probes:
		return p, nil
	case <-f.closed:
		return Probe{}, errFakeClosed
	}
}

func (f *fakeHeartbeat) Reply(p Probe) error {
	f.replies <- p
	return nil
}

func (f *fakeHeartbeat) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

// fakeDialer hands out a fresh fakeCommand per dial so redials are visible.
type fakeDialer struct {
	respond func(Request) []byte

	mu        sync.Mutex
	commands  []*fakeCommand
	samples   *fakeSamples
	heartbeat *fakeHeartbeat
	dialErr   error
}

func newFakeDialer(respond func(Request) []byte) *fakeDialer {
	return &fakeDialer{respond: respond}
}

func (d *fakeDialer) DialCommand(string) (CommandChannel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	c := newFakeCommand(d.respond)
	d.commands = append(d.commands, c)
	return c, nil
}

func (d *fakeDialer) DialSamples(string) (SampleChannel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.samples = newFakeSamples()
	return d.samples, nil
}

func (d *fakeDialer) ListenHeartbeat(string) (HeartbeatChannel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.heartbeat = newFakeHeartbeat()
	return d.heartbeat, nil
}

func (d *fakeDialer) command(i int) *fakeCommand {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.commands[i]
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.commands)
}

func reply(code int, message string) []byte {
	data, _ := json.Marshal(map[string]any{"code": code, "message": message})
	return data
}

func alwaysOK(Request) []byte {
	return reply(CodeSuccess, "Success")
}

func silent(Request) []byte {
	return nil
}
