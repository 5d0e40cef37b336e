// Package guest implements the in-VM agent: a JSON-lines service on a
// vsock port that receives the lab's compose bundle and drives the guest
// Docker daemon. The host side talks to it through the firecracker
// backend's vsock client; both share the wire types defined here.
package guest

import (
	"encoding/json"

	"github.com/octolab/octolab/internal/observability"
)

// Port is the vsock port the agent listens on inside every lab VM.
const Port = 5000

// MaxBundleBytes bounds the decoded compose bundle.
const MaxBundleBytes = 16 << 20

// Error codes.
const (
	CodeUnauthenticated = "unauthenticated"
	CodeInvalidArgument = "invalid_argument"
	CodeInternal        = "internal"
)

// Operations.
const (
	OpPing          = "ping"
	OpUploadProject = "upload_project"
	OpComposeUp     = "compose_up"
	OpComposeDown   = "compose_down"
	OpStatus        = "status"
)

// Request is one agent request. Token must match the per-lab token the
// host passed on the kernel command line; every op checks it. Trace
// carries the host's W3C trace context over the vsock hop.
type Request struct {
	Op    string                      `json:"op"`
	Token string                      `json:"token"`
	Trace *observability.TraceContext `json:"trace,omitempty"`

	// upload_project only. Base64 via encoding/json []byte rules.
	Bundle []byte `json:"bundle,omitempty"`
}

// AgentError is the error half of a response.
type AgentError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Response is one agent response.
type Response struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *AgentError     `json:"error,omitempty"`
}

// PingResult answers ping.
type PingResult struct {
	Version string `json:"version"`
}

// StatusResult reports the compose project's container states.
type StatusResult struct {
	Services   map[string]string `json:"services"`
	AllRunning bool              `json:"all_running"`
}

func okResponse(result any) Response {
	raw, _ := json.Marshal(result)
	return Response{OK: true, Result: raw}
}

func errResponse(code, message string) Response {
	return Response{OK: false, Error: &AgentError{Code: code, Message: message}}
}
