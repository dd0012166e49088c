package bertec

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-zeromq/zmq4"
)

// DefaultDialRetry is the pause between TCP dial attempts.
const DefaultDialRetry = 250 * time.Millisecond

// ZMQDialer opens ZeroMQ sockets: REQ for commands, SUB for samples,
// ROUTER for heartbeat probes.
type ZMQDialer struct {
	// Retry is the pause between dial attempts. Zero uses DefaultDialRetry.
	Retry time.Duration
}

func (d ZMQDialer) options() []zmq4.Option {
	retry := d.Retry
	if retry <= 0 {
		retry = DefaultDialRetry
	}
	return []zmq4.Option{zmq4.WithDialerRetry(retry)}
}

// DialCommand connects a REQ socket to endpoint.
func (d ZMQDialer) DialCommand(endpoint string) (CommandChannel, error) {
	sock := zmq4.NewReq(context.Background(), d.options()...)
	if err := sock.Dial(endpoint); err != nil {
		sock.Close()
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	return &zmqChannel{sock: sock}, nil
}

// DialSamples connects a SUB socket to endpoint and subscribes to every topic.
// The socket re-dials and re-subscribes when the publisher goes away.
func (d ZMQDialer) DialSamples(endpoint string) (SampleChannel, error) {
	sock := zmq4.NewSub(context.Background(), append(d.options(), zmq4.WithAutomaticReconnect(true))...)
	if err := sock.Dial(endpoint); err != nil {
		sock.Close()
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	if err := sock.SetOption(zmq4.OptionSubscribe, ""); err != nil {
		sock.Close()
		return nil, fmt.Errorf("subscribe %s: %w", endpoint, err)
	}
	return &zmqChannel{sock: sock}, nil
}

// ListenHeartbeat binds a ROUTER socket at endpoint.
func (d ZMQDialer) ListenHeartbeat(endpoint string) (HeartbeatChannel, error) {
	sock := zmq4.NewRouter(context.Background(), zmq4.WithID(zmq4.SocketIdentity("treadmill-client")))
	if err := sock.Listen(endpoint); err != nil {
		sock.Close()
		return nil, fmt.Errorf("listen %s: %w", endpoint, err)
	}
	return &zmqRouter{sock: sock}, nil
}

type zmqChannel struct {
	sock zmq4.Socket
}

func (c *zmqChannel) Send(data []byte) error {
	return c.sock.Send(zmq4.NewMsg(data))
}

func (c *zmqChannel) Recv() ([]byte, error) {
	msg, err := c.sock.Recv()
	if err != nil {
		return nil, err
	}
	return msg.Bytes(), nil
}

func (c *zmqChannel) Close() error {
	return c.sock.Close()
}

type zmqRouter struct {
	sock zmq4.Socket
}

func (r *zmqRouter) Recv() (Probe, error) {
	msg, err := r.sock.Recv()
	if err != nil {
		return Probe{}, err
	}
	return Probe{Frames: msg.Frames}, nil
}

func (r *zmqRouter) Reply(p Probe) error {
	if len(p.Frames) == 0 {
		return errors.New("empty probe")
	}
	return r.sock.SendMulti(zmq4.NewMsgFrom(p.Frames...))
}

func (r *zmqRouter) Close() error {
	return r.sock.Close()
}
