// Package mockserver is a stand-in for the Bertec treadmill server. It
// answers the command protocol on a REP socket and publishes force-plate
// samples on a PUB socket, which is enough to run the controller on a bench
// or in tests.
package mockserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"

	"github.com/teslashibe/go-treadmill/pkg/bertec"
)

// Handler computes the reply for one request. Returning nil sends no reply.
type Handler func(req bertec.Request) *bertec.Response

// Server is a mock treadmill server.
type Server struct {
	logger *slog.Logger

	rep zmq4.Socket
	pub zmq4.Socket

	mu       sync.Mutex
	handlers map[string]Handler
	requests []bertec.Request
	silent   bool
	belt     Belt
	incline  float64

	pubMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Belt is the last speed command the server accepted.
type Belt struct {
	LeftVel  float64 `json:"left_vel"`
	RightVel float64 `json:"right_vel"`
	Accel    float64 `json:"accel"`
	Decel    float64 `json:"decel"`
}

// Start listens on the given endpoints, e.g. "tcp://127.0.0.1:5555". Port 0
// picks a free port; see CommandPort and DataPort.
func Start(commandEndpoint, dataEndpoint string, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		logger:   logger.With("component", "mockserver"),
		handlers: make(map[string]Handler),
		ctx:      ctx,
		cancel:   cancel,
	}

	s.rep = zmq4.NewRep(ctx)
	if err := s.rep.Listen(commandEndpoint); err != nil {
		cancel()
		return nil, fmt.Errorf("listen %s: %w", commandEndpoint, err)
	}
	s.pub = zmq4.NewPub(ctx)
	if err := s.pub.Listen(dataEndpoint); err != nil {
		s.rep.Close()
		cancel()
		return nil, fmt.Errorf("listen %s: %w", dataEndpoint, err)
	}

	s.wg.Add(1)
	go s.serve()
	return s, nil
}

// CommandPort returns the bound request port.
func (s *Server) CommandPort() int {
	return portOf(s.rep.Addr())
}

// DataPort returns the bound publish port.
func (s *Server) DataPort() int {
	return portOf(s.pub.Addr())
}

func portOf(addr net.Addr) int {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.Port
	}
	_, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(port)
	return n
}

// SetSilent makes the server swallow requests without replying.
func (s *Server) SetSilent(silent bool) {
	s.mu.Lock()
	s.silent = silent
	s.mu.Unlock()
}

// Handle overrides the reply for one method.
func (s *Server) Handle(method string, h Handler) {
	s.mu.Lock()
	s.handlers[method] = h
	s.mu.Unlock()
}

// Requests returns every request received so far.
func (s *Server) Requests() []bertec.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]bertec.Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// Belt returns the last accepted belt command.
func (s *Server) Belt() Belt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.belt
}

// Incline returns the last accepted incline angle.
func (s *Server) Incline() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.incline
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		msg, err := s.rep.Recv()
		if err != nil {
			if s.ctx.Err() == nil {
				s.logger.Warn("recv failed", "error", err)
			}
			return
		}

		var req bertec.Request
		if err := json.Unmarshal(msg.Bytes(), &req); err != nil {
			s.reply(map[string]any{"code": bertec.CodeParseError, "message": "Parse error"})
			continue
		}

		s.mu.Lock()
		s.requests = append(s.requests, req)
		silent := s.silent
		h, ok := s.handlers[req.Method]
		s.mu.Unlock()

		if silent {
			s.logger.Debug("swallowing request", "method", req.Method, "id", req.ID)
			continue
		}

		var resp *bertec.Response
		if ok {
			resp = h(req)
		} else {
			resp = s.defaultReply(req)
		}
		if resp == nil {
			continue
		}

		out := map[string]any{"code": resp.Code, "message": resp.Message}
		for k, v := range resp.Payload {
			out[k] = v
		}
		s.reply(out)
	}
}

func (s *Server) reply(v map[string]any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("encode reply", "error", err)
		return
	}
	if err := s.rep.Send(zmq4.NewMsg(data)); err != nil && s.ctx.Err() == nil {
		s.logger.Warn("send failed", "error", err)
	}
}

func (s *Server) defaultReply(req bertec.Request) *bertec.Response {
	switch req.Method {
	case bertec.MethodInitConnect, bertec.MethodIsClientAuthenticated:
		return &bertec.Response{Code: bertec.CodeSuccess, Message: "Success"}

	case bertec.MethodRunTreadmill:
		belt, err := parseBelt(req.Params)
		if err != nil {
			return &bertec.Response{Code: bertec.CodeInvalidParams, Message: err.Error()}
		}
		s.mu.Lock()
		s.belt = belt
		s.mu.Unlock()
		return &bertec.Response{Code: bertec.CodeSuccess, Message: "Success"}

	case bertec.MethodRunIncline:
		angle, err := parseNumber(req.Params["inclineAngle"])
		if err != nil {
			return &bertec.Response{Code: bertec.CodeInvalidParams, Message: err.Error()}
		}
		s.mu.Lock()
		s.incline = angle
		s.mu.Unlock()
		return &bertec.Response{Code: bertec.CodeSuccess, Message: "Success"}

	case bertec.MethodIsTreadmillMoving:
		s.mu.Lock()
		moving := s.belt.LeftVel != 0 || s.belt.RightVel != 0
		s.mu.Unlock()
		return payloadReply("isMoving", moving)

	case bertec.MethodIsInclineMoving:
		return payloadReply("isMoving", false)
	}
	return &bertec.Response{Code: bertec.CodeMethodNotFound, Message: "Method not found"}
}

func payloadReply(key string, v any) *bertec.Response {
	raw, _ := json.Marshal(v)
	return &bertec.Response{
		Code:    bertec.CodeSuccess,
		Message: "Success",
		Payload: map[string]json.RawMessage{key: raw},
	}
}

func parseBelt(params map[string]any) (Belt, error) {
	var b Belt
	fields := []struct {
		key string
		dst *float64
	}{
		{"leftVel", &b.LeftVel},
		{"rightVel", &b.RightVel},
		{"leftAccel", &b.Accel},
		{"leftDecel", &b.Decel},
	}
	for _, f := range fields {
		v, err := parseNumber(params[f.key])
		if err != nil {
			return Belt{}, fmt.Errorf("%s: %w", f.key, err)
		}
		*f.dst = v
	}
	return b, nil
}

// parseNumber accepts JSON numbers and strings with either decimal separator.
func parseNumber(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case string:
		return strconv.ParseFloat(strings.Replace(n, ",", ".", 1), 64)
	case nil:
		return 0, errors.New("missing")
	}
	return 0, fmt.Errorf("unsupported type %T", v)
}

// Publish sends one sample to every subscriber.
func (s *Server) Publish(sample bertec.Sample) error {
	data, err := json.Marshal(sample)
	if err != nil {
		return err
	}
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	return s.pub.Send(zmq4.NewMsg(data))
}

// Gait configures the synthetic walking signal published by Stream.
type Gait struct {
	Rate      time.Duration // publish period
	StepTime  time.Duration // duration of one step (stance + swing)
	Center    float64       // mean COP-y
	Amplitude float64       // COP-y excursion per step
	PeakForce float64       // vertical force at mid-stance
}

// DefaultGait is a steady walk around the belt center.
func DefaultGait() Gait {
	return Gait{
		Rate:      5 * time.Millisecond,
		StepTime:  550 * time.Millisecond,
		Center:    0.8,
		Amplitude: 0.15,
		PeakForce: 700,
	}
}

// Stream publishes gait samples until ctx is done or the server closes.
func (s *Server) Stream(ctx context.Context, g Gait) {
	ticker := time.NewTicker(g.Rate)
	defer ticker.Stop()
	start := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.ctx.Done():
			return
		case now := <-ticker.C:
			if err := s.Publish(g.sample(now.Sub(start))); err != nil {
				if s.ctx.Err() == nil {
					s.logger.Warn("publish failed", "error", err)
				}
				return
			}
		}
	}
}

// sample models stance as the first 60% of each step: the force rises and
// falls as a half sine while the COP travels backwards with the belt.
func (g Gait) sample(t time.Duration) bertec.Sample {
	phase := math.Mod(t.Seconds(), g.StepTime.Seconds()) / g.StepTime.Seconds()
	const stance = 0.6
	if phase > stance {
		return bertec.Sample{Fz: 5, CopX: 0, CopY: g.Center}
	}
	p := phase / stance
	return bertec.Sample{
		Fz:   g.PeakForce * math.Sin(math.Pi*p),
		CopX: 0.05 * math.Sin(2*math.Pi*p),
		CopY: g.Center + g.Amplitude*(0.5-p),
	}
}

// Close stops the server and releases both sockets.
func (s *Server) Close() error {
	s.cancel()
	err := errors.Join(s.rep.Close(), s.pub.Close())
	s.wg.Wait()
	return err
}
