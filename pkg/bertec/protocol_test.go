package bertec

import (
	"errors"
	"testing"
)

func TestDecodeResponse(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		code    int
		message string
		wantErr bool
	}{
		{"success", `{"code": 1, "message": "Success"}`, 1, "Success", false},
		{"rpc_error", `{"code": -32601, "message": "Method not found"}`, CodeMethodNotFound, "Method not found", false},
		{"code_only", `{"code": 1}`, 1, "", false},
		{"missing_code", `{"message": "hi"}`, 0, "", true},
		{"string_code", `{"code": "1"}`, 0, "", true},
		{"not_json", `hello`, 0, "", true},
		{"array", `[1, 2]`, 0, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := decodeResponse([]byte(tt.data))
			if tt.wantErr {
				if !errors.Is(err, ErrMalformedReply) {
					t.Fatalf("Expected ErrMalformedReply, got %v", err)
				}
				if resp != nil {
					t.Errorf("Expected nil response, got %+v", resp)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if resp.Code != tt.code || resp.Message != tt.message {
				t.Errorf("Got code=%d message=%q, want code=%d message=%q", resp.Code, resp.Message, tt.code, tt.message)
			}
		})
	}
}

func TestResponse_Payload(t *testing.T) {
	resp, err := decodeResponse([]byte(`{"code": 1, "message": "Success", "isMoving": true, "speed": 1.2}`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(resp.Payload) != 2 {
		t.Errorf("Expected 2 payload fields, got %d", len(resp.Payload))
	}
	moving, ok := resp.Bool("isMoving")
	if !ok || !moving {
		t.Errorf("isMoving: got %v (ok=%v), want true", moving, ok)
	}
	if _, ok := resp.Bool("speed"); ok {
		t.Error("speed is not a boolean")
	}
	if _, ok := resp.Bool("absent"); ok {
		t.Error("absent key reported present")
	}
}

func TestFormatDecimal(t *testing.T) {
	tests := []struct {
		v     float64
		comma bool
		want  string
	}{
		{1.5, true, "1,50"},
		{1.5, false, "1.50"},
		{0, true, "0,00"},
		{0.256, true, "0,26"},
		{2, false, "2.00"},
	}
	for _, tt := range tests {
		if got := formatDecimal(tt.v, tt.comma); got != tt.want {
			t.Errorf("formatDecimal(%v, %v) = %q, want %q", tt.v, tt.comma, got, tt.want)
		}
	}
}

func TestCheckResponse(t *testing.T) {
	if err := checkResponse(MethodRunTreadmill, &Response{Code: CodeSuccess}); err != nil {
		t.Errorf("Success reply produced error: %v", err)
	}

	err := checkResponse(MethodRunTreadmill, &Response{Code: CodeTreadmillError, Message: "fault"})
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("Expected *RPCError, got %T", err)
	}
	if rpcErr.Error() != "bertec: RunTreadmill failed with code -1: fault" {
		t.Errorf("Unexpected message: %q", rpcErr.Error())
	}
}

func TestDecodeSample(t *testing.T) {
	s, err := DecodeSample([]byte(`{"fz": 512.5, "copx": -0.02, "copy": 0.81, "fx": 3}`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if s.Fz != 512.5 || s.CopX != -0.02 || s.CopY != 0.81 || !s.HasCopY {
		t.Errorf("Unexpected sample: %+v", s)
	}

	if _, err := DecodeSample([]byte(`{"fz": "heavy"}`)); err == nil {
		t.Error("Expected error for non-numeric fz")
	}
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default config invalid: %v", err)
	}

	bad := DefaultConfig()
	bad.ServerHost = ""
	bad.DataPort = 70000
	bad.Timeout = 0
	bad.Heartbeat.Enabled = true
	bad.Heartbeat.MaxAttempts = 0
	if err := bad.Validate(); err == nil {
		t.Fatal("Expected validation error")
	}

	if got := cfg.CommandEndpoint(); got != "tcp://127.0.0.1:5555" {
		t.Errorf("CommandEndpoint: got %q", got)
	}
	if got := cfg.DataEndpoint(); got != "tcp://127.0.0.1:5556" {
		t.Errorf("DataEndpoint: got %q", got)
	}
}
