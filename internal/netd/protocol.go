// Package netd implements the privileged network daemon that owns per-lab
// bridges, TAP devices, and NAT rules, plus the client the control plane
// uses to reach it. The wire protocol is one JSON object followed by a
// newline, one request per connection, over a UNIX domain socket.
package netd

import (
	"encoding/json"

	"github.com/octolab/octolab/internal/observability"
)

// DefaultSocketPath is where the daemon listens. Mode 0660, root:octolab.
const DefaultSocketPath = "/run/octolab/microvm-netd.sock"

// Error codes carried in responses.
const (
	CodeInvalidArgument    = "invalid_argument"
	CodeNotFound           = "not_found"
	CodePreconditionFailed = "precondition_failed"
	CodeInternal           = "internal"
)

// Operations.
const (
	OpPing    = "ping"
	OpCreate  = "create"
	OpDestroy = "destroy"
)

// Request is the single request frame. LabID is the only client-controlled
// field that reaches the daemon; it must parse as a UUID and nothing else
// from the wire ever influences a command line. Trace carries W3C trace
// context so daemon spans join the caller's trace.
type Request struct {
	Op    string                      `json:"op"`
	LabID string                      `json:"lab_id,omitempty"`
	Trace *observability.TraceContext `json:"trace,omitempty"`
}

// ProtoError is the error half of a response.
type ProtoError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Response is the single response frame.
type Response struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ProtoError     `json:"error,omitempty"`
}

// CreateResult reports the interfaces and addressing backing a lab after
// create. The daemon owns subnet allocation; clients must use these
// addresses rather than derive their own.
type CreateResult struct {
	Bridge  string `json:"bridge"`
	Tap     string `json:"tap"`
	Subnet  string `json:"subnet"`
	Gateway string `json:"gateway"`
	GuestIP string `json:"guest_ip"`
}

// DestroyResult reports what destroy removed. Missing devices are not an
// error; the corresponding field is empty.
type DestroyResult struct {
	BridgeDeleted string `json:"bridge_deleted"`
	TapDeleted    string `json:"tap_deleted"`
}

// PingResult is the health response.
type PingResult struct {
	Version string `json:"version"`
}

func okResponse(result any) Response {
	raw, _ := json.Marshal(result)
	return Response{OK: true, Result: raw}
}

func errResponse(code, message string) Response {
	return Response{OK: false, Error: &ProtoError{Code: code, Message: message}}
}
