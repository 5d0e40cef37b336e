package guest

import (
	"archive/tar"
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/mdlayher/vsock"

	"github.com/octolab/octolab/internal/logging"
	"github.com/octolab/octolab/internal/observability"
)

const (
	agentVersion = "1"

	// DefaultProjectDir is where the uploaded bundle is unpacked.
	DefaultProjectDir = "/var/lib/octolab/project"

	requestTimeout = 120 * time.Second
)

// Runner executes guest commands. Injected for tests.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Agent serves the lab's vsock control channel. The agent never dials
// out; it only answers requests arriving over vsock.
type Agent struct {
	token        string
	projectDir   string
	dockerBin    string
	runner       Runner
	maxLineBytes int
}

// Options configures an Agent.
type Options struct {
	Token      string
	ProjectDir string
	DockerBin  string
	Runner     Runner
}

func NewAgent(opts Options) (*Agent, error) {
	if opts.Token == "" {
		return nil, fmt.Errorf("agent token is required")
	}
	if opts.ProjectDir == "" {
		opts.ProjectDir = DefaultProjectDir
	}
	if opts.DockerBin == "" {
		opts.DockerBin = "docker"
	}
	if opts.Runner == nil {
		opts.Runner = execRunner{}
	}
	return &Agent{
		token:      opts.Token,
		projectDir: opts.ProjectDir,
		dockerBin:  opts.DockerBin,
		runner:     opts.Runner,
		// Bundles arrive base64-encoded inside one request line.
		maxLineBytes: MaxBundleBytes * 2,
	}, nil
}

// TokenFromKernelCmdline extracts octolab.token=<value> from the given
// kernel command line. The token never appears in logs.
func TokenFromKernelCmdline(cmdline string) (string, error) {
	for _, field := range strings.Fields(cmdline) {
		if v, ok := strings.CutPrefix(field, "octolab.token="); ok && v != "" {
			return v, nil
		}
	}
	return "", fmt.Errorf("octolab.token missing from kernel cmdline")
}

// ListenAndServe accepts vsock connections until ctx is cancelled.
func (a *Agent) ListenAndServe(ctx context.Context) error {
	ln, err := vsock.Listen(Port, nil)
	if err != nil {
		return fmt.Errorf("listen vsock port %d: %w", Port, err)
	}
	logging.Op().Info("guest agent listening", "vsock_port", Port)
	return a.Serve(ctx, ln)
}

// Serve runs the accept loop on an already bound listener.
func (a *Agent) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logging.Op().Error("accept failed", "error", err)
			continue
		}
		go a.handleConn(ctx, conn)
	}
}

// handleConn serves JSON-line requests until the peer closes.
func (a *Agent) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	// The scanner's cap on a token is max(len(buf), max), so the initial
	// buffer must not exceed the line bound.
	initial := 64 * 1024
	if initial > a.maxLineBytes {
		initial = a.maxLineBytes
	}
	scanner.Buffer(make([]byte, initial), a.maxLineBytes)

	for scanner.Scan() {
		_ = conn.SetDeadline(time.Now().Add(requestTimeout))
		resp := a.handleLine(ctx, scanner.Bytes())
		out, _ := json.Marshal(resp)
		out = append(out, '\n')
		if _, err := conn.Write(out); err != nil {
			return
		}
	}

	// An oversized request line ends the scan without a token; answer
	// with an error instead of hanging up silently.
	if errors.Is(scanner.Err(), bufio.ErrTooLong) {
		resp := errResponse(CodeInvalidArgument,
			fmt.Sprintf("request exceeds %d bytes", a.maxLineBytes))
		out, _ := json.Marshal(resp)
		out = append(out, '\n')
		_, _ = conn.Write(out)
	}
}

func (a *Agent) handleLine(ctx context.Context, line []byte) Response {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return errResponse(CodeInvalidArgument, "malformed request")
	}
	return a.Handle(ctx, &req)
}

// Handle dispatches one request. Exported for tests.
func (a *Agent) Handle(ctx context.Context, req *Request) Response {
	if subtle.ConstantTimeCompare([]byte(req.Token), []byte(a.token)) != 1 {
		return errResponse(CodeUnauthenticated, "token mismatch")
	}
	if req.Trace != nil {
		ctx = observability.InjectTraceContext(ctx, *req.Trace)
	}

	switch req.Op {
	case OpPing:
		return okResponse(PingResult{Version: agentVersion})
	case OpUploadProject:
		return a.handleUpload(req.Bundle)
	case OpComposeUp:
		return a.handleComposeUp(ctx)
	case OpComposeDown:
		return a.handleComposeDown(ctx)
	case OpStatus:
		return a.handleStatus(ctx)
	default:
		return errResponse(CodeInvalidArgument, fmt.Sprintf("unknown op %q", req.Op))
	}
}

// handleUpload unpacks the bundle into a staging dir and renames it over
// the project dir, so a crashed upload never leaves a half-written project.
func (a *Agent) handleUpload(bundle []byte) Response {
	if len(bundle) == 0 {
		return errResponse(CodeInvalidArgument, "bundle is empty")
	}
	if len(bundle) > MaxBundleBytes {
		return errResponse(CodeInvalidArgument,
			fmt.Sprintf("bundle exceeds %d bytes", MaxBundleBytes))
	}

	parent := filepath.Dir(a.projectDir)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return errResponse(CodeInternal, fmt.Sprintf("create project parent: %v", err))
	}
	staging, err := os.MkdirTemp(parent, ".project-*")
	if err != nil {
		return errResponse(CodeInternal, fmt.Sprintf("create staging dir: %v", err))
	}
	defer os.RemoveAll(staging)

	if err := extractBundle(bundle, staging); err != nil {
		return errResponse(CodeInvalidArgument, fmt.Sprintf("unpack bundle: %v", err))
	}

	old := a.projectDir + ".old"
	_ = os.RemoveAll(old)
	if err := os.Rename(a.projectDir, old); err != nil && !errors.Is(err, os.ErrNotExist) {
		return errResponse(CodeInternal, fmt.Sprintf("stash old project: %v", err))
	}
	if err := os.Rename(staging, a.projectDir); err != nil {
		_ = os.Rename(old, a.projectDir)
		return errResponse(CodeInternal, fmt.Sprintf("install project: %v", err))
	}
	_ = os.RemoveAll(old)

	logging.Op().Info("project bundle installed", "bytes", len(bundle))
	return okResponse(struct{}{})
}

// extractBundle unpacks a tar.gz, rejecting any entry that does not stay
// under dest.
func extractBundle(bundle []byte, dest string) error {
	gz, err := gzip.NewReader(bytes.NewReader(bundle))
	if err != nil {
		return fmt.Errorf("gzip: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(io.LimitReader(gz, MaxBundleBytes*4))
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("tar: %w", err)
		}

		name := filepath.Clean(hdr.Name)
		if !filepath.IsLocal(name) {
			return fmt.Errorf("unsafe path %q in bundle", hdr.Name)
		}
		target := filepath.Join(dest, name)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode)&0o777)
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
		default:
			// Symlinks and devices have no business in a compose bundle.
			return fmt.Errorf("unsupported entry type %d for %q", hdr.Typeflag, hdr.Name)
		}
	}
}

func (a *Agent) handleComposeUp(ctx context.Context) Response {
	if _, err := os.Stat(filepath.Join(a.projectDir, "docker-compose.yml")); err != nil {
		return errResponse(CodeInvalidArgument, "no project uploaded")
	}
	out, err := a.runner.Run(ctx, a.dockerBin, "compose",
		"--project-directory", a.projectDir, "up", "-d")
	if err != nil {
		return errResponse(CodeInternal,
			fmt.Sprintf("compose up: %s", strings.TrimSpace(string(out))))
	}
	return okResponse(struct{}{})
}

// handleComposeDown is a no-op success when no project was ever uploaded.
func (a *Agent) handleComposeDown(ctx context.Context) Response {
	if _, err := os.Stat(filepath.Join(a.projectDir, "docker-compose.yml")); err != nil {
		return okResponse(struct{}{})
	}
	out, err := a.runner.Run(ctx, a.dockerBin, "compose",
		"--project-directory", a.projectDir, "down", "-v", "--remove-orphans")
	if err != nil {
		return errResponse(CodeInternal,
			fmt.Sprintf("compose down: %s", strings.TrimSpace(string(out))))
	}
	return okResponse(struct{}{})
}

func (a *Agent) handleStatus(ctx context.Context) Response {
	out, err := a.runner.Run(ctx, a.dockerBin, "compose",
		"--project-directory", a.projectDir, "ps", "--format", "{{.Service}}\t{{.State}}")
	if err != nil {
		return errResponse(CodeInternal,
			fmt.Sprintf("compose ps: %s", strings.TrimSpace(string(out))))
	}

	result := StatusResult{Services: make(map[string]string), AllRunning: true}
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 2)
		if len(parts) != 2 {
			continue
		}
		result.Services[parts[0]] = parts[1]
		if parts[1] != "running" {
			result.AllRunning = false
		}
	}
	if len(result.Services) == 0 {
		result.AllRunning = false
	}
	return okResponse(result)
}
