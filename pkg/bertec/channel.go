package bertec

// CommandChannel is a strict request/reply channel: every Send must be
// followed by a Recv before the next Send.
type CommandChannel interface {
	Send(data []byte) error
	Recv() ([]byte, error)
	Close() error
}

// SampleChannel delivers force-plate payloads published by the server.
type SampleChannel interface {
	Recv() ([]byte, error)
	Close() error
}

// Probe is one heartbeat message, kept with its routing frames so the echo
// reaches the peer that sent it.
type Probe struct {
	Frames [][]byte
}

// HeartbeatChannel receives liveness probes from the server.
type HeartbeatChannel interface {
	Recv() (Probe, error)
	Reply(p Probe) error
	Close() error
}

// Dialer opens the channels used by Client. Blocking operations on returned
// channels must unblock with an error once Close is called.
type Dialer interface {
	DialCommand(endpoint string) (CommandChannel, error)
	DialSamples(endpoint string) (SampleChannel, error)
	ListenHeartbeat(endpoint string) (HeartbeatChannel, error)
}
