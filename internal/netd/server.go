package netd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/octolab/octolab/internal/logging"
	"github.com/octolab/octolab/internal/netnames"
	"github.com/octolab/octolab/internal/observability"
)

const (
	// SocketGroup is granted connect access via 0660 on the socket.
	SocketGroup = "octolab"

	serverVersion = "1"

	// maxRequestBytes bounds one request line.
	maxRequestBytes = 64 * 1024

	requestTimeout = 30 * time.Second
)

// Runner executes a host command. The indirection keeps ip/iptables
// handling testable without root.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Server is the privileged daemon. It validates every lab_id as a UUID and
// derives all interface names itself; nothing from the wire reaches a
// command line. Subnet allocation is tracked in memory and recovered from
// live bridges after a restart.
type Server struct {
	socketPath string
	runner     Runner

	mu      sync.Mutex
	subnets map[uuid.UUID]int // lab -> allocated /24 index
	inUse   map[int]uuid.UUID
}

func NewServer(socketPath string, runner Runner) *Server {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Server{
		socketPath: socketPath,
		runner:     runner,
		subnets:    make(map[uuid.UUID]int),
		inUse:      make(map[int]uuid.UUID),
	}
}

// Listen binds the UNIX socket with mode 0660 and group ownership for
// SocketGroup when that group exists.
func (s *Server) Listen() (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0755); err != nil {
		return nil, fmt.Errorf("create socket dir: %w", err)
	}
	_ = os.Remove(s.socketPath)

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0o660); err != nil {
		ln.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}
	if grp, err := user.LookupGroup(SocketGroup); err == nil {
		if gid, err := strconv.Atoi(grp.Gid); err == nil {
			if err := os.Chown(s.socketPath, 0, gid); err != nil {
				logging.Op().Warn("chown socket failed", "error", err)
			}
		}
	} else {
		logging.Op().Warn("socket group missing, leaving default ownership",
			"group", SocketGroup)
	}
	return ln, nil
}

// Serve accepts connections until ctx is cancelled. One request per
// connection.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
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
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(requestTimeout))

	logPeerCredentials(conn)

	reader := bufio.NewReaderSize(conn, maxRequestBytes)
	line, err := reader.ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return
	}

	var req Request
	resp := func() Response {
		if err := json.Unmarshal(line, &req); err != nil {
			return errResponse(CodeInvalidArgument, "malformed request")
		}
		return s.Handle(ctx, &req)
	}()

	out, _ := json.Marshal(resp)
	out = append(out, '\n')
	_, _ = conn.Write(out)
}

// logPeerCredentials records who connected. Redacted logs only: uid/gid/pid
// of the peer, nothing from the payload.
func logPeerCredentials(conn net.Conn) {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return
	}
	var cred *unix.Ucred
	_ = raw.Control(func(fd uintptr) {
		cred, _ = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if cred != nil {
		logging.Op().Debug("netd request", "peer_pid", cred.Pid, "peer_uid", cred.Uid, "peer_gid", cred.Gid)
	}
}

// Handle dispatches a validated request. Exported for in-process tests.
func (s *Server) Handle(ctx context.Context, req *Request) Response {
	if req.Trace != nil {
		ctx = observability.InjectTraceContext(ctx, *req.Trace)
	}
	// Span names come from the fixed op set, never from the wire.
	spanName := "netd.unknown"
	switch req.Op {
	case OpPing, OpCreate, OpDestroy:
		spanName = "netd." + req.Op
	}
	ctx, span := observability.StartServerSpan(ctx, spanName)
	defer span.End()

	switch req.Op {
	case OpPing:
		return okResponse(PingResult{Version: serverVersion})
	case OpCreate:
		return s.handleCreate(ctx, req.LabID)
	case OpDestroy:
		return s.handleDestroy(ctx, req.LabID)
	default:
		return errResponse(CodeInvalidArgument, fmt.Sprintf("unknown op %q", req.Op))
	}
}

// subnetIndex is the preferred /24 for a lab, derived from the UUID's
// leading bytes. Two live labs can collide here; allocation resolves
// that by probing forward from this index.
func subnetIndex(labID uuid.UUID) int {
	return int(labID[0])<<8 | int(labID[1])
}

func subnetAt(idx int) (subnet, gateway, guest string) {
	hi, lo := (idx>>8)&0xff, idx&0xff
	return fmt.Sprintf("10.%d.%d.0/24", hi, lo),
		fmt.Sprintf("10.%d.%d.1", hi, lo),
		fmt.Sprintf("10.%d.%d.2", hi, lo)
}

// LabSubnet is the subnet a lab gets on an otherwise idle host. Unlike
// the interface names it is only a starting point, not a guarantee; the
// allocated subnet is whatever create returns.
func LabSubnet(labID uuid.UUID) (subnet, gateway, guest string) {
	return subnetAt(subnetIndex(labID))
}

var bridgeAddrPattern = regexp.MustCompile(`\b10\.(\d{1,3})\.(\d{1,3})\.1/24\b`)

// recoverSubnet reads the subnet off an existing bridge so a lab created
// before a daemon restart keeps its addressing.
func (s *Server) recoverSubnet(ctx context.Context, bridge string) (int, bool) {
	out, err := s.runner.Run(ctx, "ip", "-o", "-4", "addr", "show", "dev", bridge)
	if err != nil {
		return 0, false
	}
	m := bridgeAddrPattern.FindStringSubmatch(string(out))
	if m == nil {
		return 0, false
	}
	hi, _ := strconv.Atoi(m[1])
	lo, _ := strconv.Atoi(m[2])
	return hi<<8 | lo, true
}

// subnetActiveOnHost reports whether any host interface already carries
// an address inside the subnet. Catches addresses this daemon did not
// assign, like a VPN or docker network on the same 10.x range.
func (s *Server) subnetActiveOnHost(ctx context.Context, subnet string) bool {
	out, err := s.runner.Run(ctx, "ip", "-o", "-4", "addr", "show", "to", subnet)
	return err == nil && len(strings.TrimSpace(string(out))) > 0
}

// allocateSubnet returns the lab's /24 index, claiming a fresh one when
// the lab has none. fresh reports whether this call claimed it, so a
// failed create can release exactly what it took.
func (s *Server) allocateSubnet(ctx context.Context, labID uuid.UUID, bridge string) (idx int, fresh bool, err error) {
	s.mu.Lock()
	if idx, ok := s.subnets[labID]; ok {
		s.mu.Unlock()
		return idx, false, nil
	}
	s.mu.Unlock()

	if idx, ok := s.recoverSubnet(ctx, bridge); ok {
		s.claim(labID, idx)
		return idx, false, nil
	}

	base := subnetIndex(labID)
	for off := 0; off < 1<<16; off++ {
		idx := (base + off) % (1 << 16)
		s.mu.Lock()
		taken := false
		if _, ok := s.inUse[idx]; ok {
			taken = true
		}
		s.mu.Unlock()
		if taken {
			continue
		}
		subnet, _, _ := subnetAt(idx)
		if s.subnetActiveOnHost(ctx, subnet) {
			continue
		}
		s.mu.Lock()
		if _, ok := s.inUse[idx]; ok {
			// Another connection raced us to this index.
			s.mu.Unlock()
			continue
		}
		s.subnets[labID] = idx
		s.inUse[idx] = labID
		s.mu.Unlock()
		return idx, true, nil
	}
	return 0, false, fmt.Errorf("no free /24 left in 10.0.0.0/8")
}

func (s *Server) claim(labID uuid.UUID, idx int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subnets[labID] = idx
	s.inUse[idx] = labID
}

func (s *Server) allocated(labID uuid.UUID) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.subnets[labID]
	return idx, ok
}

func (s *Server) release(labID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx, ok := s.subnets[labID]; ok {
		delete(s.subnets, labID)
		delete(s.inUse, idx)
	}
}

func natComment(labID uuid.UUID) string {
	return "octolab:" + labID.String()
}

func (s *Server) handleCreate(ctx context.Context, rawID string) Response {
	labID, err := uuid.Parse(rawID)
	if err != nil {
		return errResponse(CodeInvalidArgument, "lab_id must be a UUID")
	}

	bridge := netnames.Bridge(labID)
	tap := netnames.Tap(labID)
	idx, fresh, err := s.allocateSubnet(ctx, labID, bridge)
	if err != nil {
		return errResponse(CodeInternal, err.Error())
	}
	subnet, gateway, guest := subnetAt(idx)

	// Track what this call created so a failing step can roll back and
	// leave the daemon's view consistent.
	var createdBridge, createdTap, createdNAT bool
	rollback := func() {
		if createdNAT {
			_, _ = s.runner.Run(ctx, "iptables", natRuleArgs("-D", subnet, natComment(labID))...)
		}
		if createdTap {
			_, _ = s.runner.Run(ctx, "ip", "link", "del", tap)
		}
		if createdBridge {
			_, _ = s.runner.Run(ctx, "ip", "link", "del", bridge)
		}
		if fresh {
			s.release(labID)
		}
	}

	if !s.linkExists(ctx, bridge) {
		if out, err := s.runner.Run(ctx, "ip", "link", "add", bridge, "type", "bridge"); err != nil {
			return errResponse(CodeInternal, commandError("create bridge", out, err))
		}
		createdBridge = true

		if out, err := s.runner.Run(ctx, "ip", "addr", "add", gateway+"/24", "dev", bridge); err != nil {
			if !strings.Contains(string(out), "File exists") {
				rollback()
				return errResponse(CodeInternal, commandError("assign gateway", out, err))
			}
		}
		if out, err := s.runner.Run(ctx, "ip", "link", "set", bridge, "up"); err != nil {
			rollback()
			return errResponse(CodeInternal, commandError("bring up bridge", out, err))
		}
	}

	if !s.linkExists(ctx, tap) {
		if out, err := s.runner.Run(ctx, "ip", "tuntap", "add", tap, "mode", "tap"); err != nil {
			rollback()
			return errResponse(CodeInternal, commandError("create tap", out, err))
		}
		createdTap = true

		if out, err := s.runner.Run(ctx, "ip", "link", "set", tap, "master", bridge); err != nil {
			rollback()
			return errResponse(CodeInternal, commandError("attach tap", out, err))
		}
		if out, err := s.runner.Run(ctx, "ip", "link", "set", tap, "up"); err != nil {
			rollback()
			return errResponse(CodeInternal, commandError("bring up tap", out, err))
		}
	}

	// NAT for lab egress, tagged with the lab id for exact removal.
	if _, err := s.runner.Run(ctx, "iptables", natRuleArgs("-C", subnet, natComment(labID))...); err != nil {
		if out, err := s.runner.Run(ctx, "iptables", natRuleArgs("-A", subnet, natComment(labID))...); err != nil {
			rollback()
			return errResponse(CodeInternal, commandError("install NAT", out, err))
		}
		createdNAT = true
	}

	logging.Op().Info("lab network created",
		"lab_id", labID.String(), "bridge", bridge, "tap", tap, "subnet", subnet)
	return okResponse(CreateResult{
		Bridge:  bridge,
		Tap:     tap,
		Subnet:  subnet,
		Gateway: gateway,
		GuestIP: guest,
	})
}

func (s *Server) handleDestroy(ctx context.Context, rawID string) Response {
	labID, err := uuid.Parse(rawID)
	if err != nil {
		return errResponse(CodeInvalidArgument, "lab_id must be a UUID")
	}

	bridge := netnames.Bridge(labID)
	tap := netnames.Tap(labID)

	// The NAT rule names the subnet the lab actually got, which may not
	// be the UUID-derived one after collision probing or a restart.
	var subnet string
	if idx, ok := s.allocated(labID); ok {
		subnet, _, _ = subnetAt(idx)
	} else if idx, ok := s.recoverSubnet(ctx, bridge); ok {
		subnet, _, _ = subnetAt(idx)
	} else {
		subnet, _, _ = LabSubnet(labID)
	}

	result := DestroyResult{}

	// Remove exactly the NAT rule this lab installed, matched by comment.
	if _, err := s.runner.Run(ctx, "iptables", natRuleArgs("-C", subnet, natComment(labID))...); err == nil {
		if out, err := s.runner.Run(ctx, "iptables", natRuleArgs("-D", subnet, natComment(labID))...); err != nil {
			return errResponse(CodeInternal, commandError("remove NAT", out, err))
		}
	}

	if s.linkExists(ctx, tap) {
		if out, err := s.runner.Run(ctx, "ip", "link", "del", tap); err != nil {
			return errResponse(CodeInternal, commandError("delete tap", out, err))
		}
		result.TapDeleted = tap
	}

	if s.linkExists(ctx, bridge) {
		if out, err := s.runner.Run(ctx, "ip", "link", "del", bridge); err != nil {
			return errResponse(CodeInternal, commandError("delete bridge", out, err))
		}
		result.BridgeDeleted = bridge
	}

	s.release(labID)

	logging.Op().Info("lab network destroyed", "lab_id", labID.String(),
		"bridge_deleted", result.BridgeDeleted, "tap_deleted", result.TapDeleted)
	return okResponse(result)
}

func (s *Server) linkExists(ctx context.Context, name string) bool {
	_, err := s.runner.Run(ctx, "ip", "link", "show", name)
	return err == nil
}

func natRuleArgs(action, subnet, comment string) []string {
	return []string{
		"-t", "nat", action, "POSTROUTING",
		"-s", subnet, "-j", "MASQUERADE",
		"-m", "comment", "--comment", comment,
	}
}

// commandError builds a response message from command output. Output stays
// in the message because netd's peer is the control plane, not an end user.
func commandError(what string, out []byte, err error) string {
	msg := strings.TrimSpace(string(out))
	if msg == "" {
		msg = err.Error()
	}
	return what + ": " + msg
}
