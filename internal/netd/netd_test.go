package netd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/octolab/octolab/internal/observability"
)

// fakeRunner records commands and simulates link and address state so
// create/destroy can be exercised without root.
type fakeRunner struct {
	mu    sync.Mutex
	links map[string]bool
	addrs map[string]string // device -> CIDR address
	nat   map[string]bool
	calls []string
	fail  map[string]string // substring of command -> error output
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		links: make(map[string]bool),
		addrs: make(map[string]string),
		nat:   make(map[string]bool),
		fail:  make(map[string]string),
	}
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	cmd := name + " " + strings.Join(args, " ")
	f.calls = append(f.calls, cmd)

	for sub, msg := range f.fail {
		if strings.Contains(cmd, sub) {
			return []byte(msg), fmt.Errorf("exit status 2")
		}
	}

	switch {
	case name == "ip" && args[0] == "link" && args[1] == "show":
		if f.links[args[2]] {
			return nil, nil
		}
		return []byte("Device does not exist"), fmt.Errorf("exit status 1")
	case name == "ip" && args[0] == "link" && args[1] == "add":
		f.links[args[2]] = true
	case name == "ip" && args[0] == "tuntap" && args[1] == "add":
		f.links[args[2]] = true
	case name == "ip" && args[0] == "link" && args[1] == "del":
		delete(f.links, args[2])
		delete(f.addrs, args[2])
	case name == "ip" && args[0] == "addr" && args[1] == "add":
		// ip addr add <cidr> dev <device>
		f.addrs[args[4]] = args[2]
	case name == "ip" && args[0] == "-o":
		// ip -o -4 addr show dev <device> | to <subnet>
		switch args[4] {
		case "dev":
			if !f.links[args[5]] {
				return []byte("Device does not exist"), fmt.Errorf("exit status 1")
			}
			if a := f.addrs[args[5]]; a != "" {
				return []byte("4: " + args[5] + "    inet " + a + " scope global " + args[5]), nil
			}
			return nil, nil
		case "to":
			prefix := strings.TrimSuffix(args[5], ".0/24") + "."
			for dev, a := range f.addrs {
				if f.links[dev] && strings.HasPrefix(a, prefix) {
					return []byte("4: " + dev + "    inet " + a), nil
				}
			}
			return nil, nil
		}
	case name == "iptables":
		key := natKey(args)
		switch action(args) {
		case "-C":
			if f.nat[key] {
				return nil, nil
			}
			return nil, fmt.Errorf("exit status 1")
		case "-A":
			f.nat[key] = true
		case "-D":
			delete(f.nat, key)
		}
	}
	return nil, nil
}

func action(args []string) string {
	for _, a := range args {
		if a == "-C" || a == "-A" || a == "-D" {
			return a
		}
	}
	return ""
}

func natKey(args []string) string {
	for i, a := range args {
		if a == "--comment" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestHandleRejectsNonUUIDLabIDs(t *testing.T) {
	runner := newFakeRunner()
	srv := NewServer("", runner)

	dangerous := []string{
		"",
		"not-a-uuid",
		"lab; rm -rf /",
		"../../etc/passwd",
		"lab id with spaces",
		"$(reboot)",
		"3f2c9a01-0000-0000-0000-00000000000", // one digit short
	}
	for _, id := range dangerous {
		for _, op := range []string{OpCreate, OpDestroy} {
			resp := srv.Handle(context.Background(), &Request{Op: op, LabID: id})
			if resp.OK {
				t.Fatalf("op %s accepted lab_id %q", op, id)
			}
			if resp.Error.Code != CodeInvalidArgument {
				t.Fatalf("op %s lab_id %q: code = %s, want %s", op, id, resp.Error.Code, CodeInvalidArgument)
			}
		}
	}
	if n := runner.callCount(); n != 0 {
		t.Fatalf("rejected requests ran %d commands, want 0", n)
	}
}

func TestHandleUnknownOp(t *testing.T) {
	srv := NewServer("", newFakeRunner())
	resp := srv.Handle(context.Background(), &Request{Op: "reconfigure"})
	if resp.OK || resp.Error.Code != CodeInvalidArgument {
		t.Fatalf("unknown op: got %+v", resp)
	}
}

func TestCreateIsIdempotent(t *testing.T) {
	runner := newFakeRunner()
	srv := NewServer("", runner)
	labID := uuid.New()

	first := srv.Handle(context.Background(), &Request{Op: OpCreate, LabID: labID.String()})
	if !first.OK {
		t.Fatalf("first create failed: %+v", first.Error)
	}
	var res CreateResult
	if err := json.Unmarshal(first.Result, &res); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(res.Bridge, "obr") || !strings.HasPrefix(res.Tap, "otp") {
		t.Fatalf("unexpected names: %+v", res)
	}

	callsAfterFirst := runner.callCount()
	second := srv.Handle(context.Background(), &Request{Op: OpCreate, LabID: labID.String()})
	if !second.OK {
		t.Fatalf("repeat create failed: %+v", second.Error)
	}
	var res2 CreateResult
	if err := json.Unmarshal(second.Result, &res2); err != nil {
		t.Fatal(err)
	}
	if res2 != res {
		t.Fatalf("repeat create returned %+v, want %+v", res2, res)
	}
	// Second call only probes existence, no mutating commands.
	for _, cmd := range runner.calls[callsAfterFirst:] {
		if strings.Contains(cmd, " add ") || strings.Contains(cmd, "-A POSTROUTING") {
			t.Fatalf("repeat create ran mutating command: %s", cmd)
		}
	}
}

func TestCreateRollsBackOnTapFailure(t *testing.T) {
	runner := newFakeRunner()
	runner.fail["tuntap add"] = "ioctl(TUNSETIFF) failed"
	srv := NewServer("", runner)
	labID := uuid.New()

	resp := srv.Handle(context.Background(), &Request{Op: OpCreate, LabID: labID.String()})
	if resp.OK {
		t.Fatal("create succeeded despite tap failure")
	}
	if resp.Error.Code != CodeInternal {
		t.Fatalf("code = %s, want %s", resp.Error.Code, CodeInternal)
	}
	runner.mu.Lock()
	defer runner.mu.Unlock()
	if len(runner.links) != 0 {
		t.Fatalf("rollback left links behind: %v", runner.links)
	}
	if len(runner.nat) != 0 {
		t.Fatalf("rollback left NAT rules behind: %v", runner.nat)
	}
}

func TestDestroyIsIdempotent(t *testing.T) {
	runner := newFakeRunner()
	srv := NewServer("", runner)
	labID := uuid.New()

	if resp := srv.Handle(context.Background(), &Request{Op: OpCreate, LabID: labID.String()}); !resp.OK {
		t.Fatalf("create failed: %+v", resp.Error)
	}

	first := srv.Handle(context.Background(), &Request{Op: OpDestroy, LabID: labID.String()})
	if !first.OK {
		t.Fatalf("destroy failed: %+v", first.Error)
	}
	var res DestroyResult
	if err := json.Unmarshal(first.Result, &res); err != nil {
		t.Fatal(err)
	}
	if res.BridgeDeleted == "" || res.TapDeleted == "" {
		t.Fatalf("first destroy reported nothing removed: %+v", res)
	}

	second := srv.Handle(context.Background(), &Request{Op: OpDestroy, LabID: labID.String()})
	if !second.OK {
		t.Fatalf("repeat destroy failed: %+v", second.Error)
	}
	var res2 DestroyResult
	if err := json.Unmarshal(second.Result, &res2); err != nil {
		t.Fatal(err)
	}
	if res2.BridgeDeleted != "" || res2.TapDeleted != "" {
		t.Fatalf("repeat destroy reported removals: %+v", res2)
	}

	runner.mu.Lock()
	defer runner.mu.Unlock()
	if len(runner.nat) != 0 {
		t.Fatalf("NAT rules survived destroy: %v", runner.nat)
	}
}

func TestDestroyOnlyRemovesOwnNATRule(t *testing.T) {
	runner := newFakeRunner()
	srv := NewServer("", runner)
	a, b := uuid.New(), uuid.New()

	for _, id := range []uuid.UUID{a, b} {
		if resp := srv.Handle(context.Background(), &Request{Op: OpCreate, LabID: id.String()}); !resp.OK {
			t.Fatalf("create %s failed: %+v", id, resp.Error)
		}
	}
	if resp := srv.Handle(context.Background(), &Request{Op: OpDestroy, LabID: a.String()}); !resp.OK {
		t.Fatalf("destroy failed: %+v", resp.Error)
	}

	runner.mu.Lock()
	defer runner.mu.Unlock()
	if runner.nat[natComment(a)] {
		t.Fatal("destroyed lab's NAT rule survived")
	}
	if !runner.nat[natComment(b)] {
		t.Fatal("other lab's NAT rule was removed")
	}
}

func TestLabSubnetDeterministic(t *testing.T) {
	id := uuid.MustParse("3f2c9a01-d4e5-4f60-8b7a-1234567890ab")
	subnet, gateway, guest := LabSubnet(id)
	if subnet != "10.63.44.0/24" {
		t.Fatalf("subnet = %s", subnet)
	}
	if gateway != "10.63.44.1" || guest != "10.63.44.2" {
		t.Fatalf("gateway/guest = %s/%s", gateway, guest)
	}
}

// Two live labs whose UUIDs share their leading bytes must not share a
// subnet; the second allocation probes forward to the next free /24.
func TestCreateProbesPastSubnetCollision(t *testing.T) {
	runner := newFakeRunner()
	srv := NewServer("", runner)
	a := uuid.MustParse("3f2c9a01-d4e5-4f60-8b7a-1234567890ab")
	b := uuid.MustParse("3f2c0000-1111-4222-8333-444444444444")

	var results []CreateResult
	for _, id := range []uuid.UUID{a, b} {
		resp := srv.Handle(context.Background(), &Request{Op: OpCreate, LabID: id.String()})
		if !resp.OK {
			t.Fatalf("create %s failed: %+v", id, resp.Error)
		}
		var res CreateResult
		if err := json.Unmarshal(resp.Result, &res); err != nil {
			t.Fatal(err)
		}
		results = append(results, res)
	}

	if results[0].Subnet != "10.63.44.0/24" {
		t.Fatalf("first lab subnet = %s", results[0].Subnet)
	}
	if results[1].Subnet != "10.63.45.0/24" {
		t.Fatalf("second lab subnet = %s, want the next /24", results[1].Subnet)
	}
	if results[1].Gateway != "10.63.45.1" || results[1].GuestIP != "10.63.45.2" {
		t.Fatalf("second lab addressing = %s/%s", results[1].Gateway, results[1].GuestIP)
	}

	runner.mu.Lock()
	defer runner.mu.Unlock()
	if !runner.nat[natComment(a)] || !runner.nat[natComment(b)] {
		t.Fatalf("NAT rules = %v, want one per lab", runner.nat)
	}
}

func TestDestroyReleasesSubnet(t *testing.T) {
	runner := newFakeRunner()
	srv := NewServer("", runner)
	a := uuid.MustParse("3f2c9a01-d4e5-4f60-8b7a-1234567890ab")
	b := uuid.MustParse("3f2c0000-1111-4222-8333-444444444444")

	if resp := srv.Handle(context.Background(), &Request{Op: OpCreate, LabID: a.String()}); !resp.OK {
		t.Fatalf("create failed: %+v", resp.Error)
	}
	if resp := srv.Handle(context.Background(), &Request{Op: OpDestroy, LabID: a.String()}); !resp.OK {
		t.Fatalf("destroy failed: %+v", resp.Error)
	}

	resp := srv.Handle(context.Background(), &Request{Op: OpCreate, LabID: b.String()})
	if !resp.OK {
		t.Fatalf("create failed: %+v", resp.Error)
	}
	var res CreateResult
	if err := json.Unmarshal(resp.Result, &res); err != nil {
		t.Fatal(err)
	}
	if res.Subnet != "10.63.44.0/24" {
		t.Fatalf("subnet = %s, want the released /24 back", res.Subnet)
	}
}

// A bridge that survived a daemon restart keeps its subnet: the fresh
// server reads it off the link instead of reallocating.
func TestCreateRecoversSubnetFromLiveBridge(t *testing.T) {
	runner := newFakeRunner()
	labID := uuid.MustParse("3f2c9a01-d4e5-4f60-8b7a-1234567890ab")
	first := NewServer("", runner)
	if resp := first.Handle(context.Background(), &Request{Op: OpCreate, LabID: labID.String()}); !resp.OK {
		t.Fatalf("create failed: %+v", resp.Error)
	}

	restarted := NewServer("", runner)
	resp := restarted.Handle(context.Background(), &Request{Op: OpCreate, LabID: labID.String()})
	if !resp.OK {
		t.Fatalf("create after restart failed: %+v", resp.Error)
	}
	var res CreateResult
	if err := json.Unmarshal(resp.Result, &res); err != nil {
		t.Fatal(err)
	}
	if res.Subnet != "10.63.44.0/24" {
		t.Fatalf("subnet = %s, want the bridge's existing /24", res.Subnet)
	}
}

func TestHandleCarriesTraceContext(t *testing.T) {
	srv := NewServer("", newFakeRunner())
	resp := srv.Handle(context.Background(), &Request{
		Op:    OpPing,
		Trace: &observability.TraceContext{TraceParent: "00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01"},
	})
	if !resp.OK {
		t.Fatalf("ping with trace context failed: %+v", resp.Error)
	}
}

func TestClientServerRoundTrip(t *testing.T) {
	dir := t.TempDir()
	sock := filepath.Join(dir, "netd.sock")

	runner := newFakeRunner()
	srv := NewServer(sock, runner)
	ln, err := srv.Listen()
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx, ln)
	}()

	client := NewClient(sock, 0)

	ping, err := client.Ping(context.Background())
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	if ping.Version == "" {
		t.Fatal("ping returned empty version")
	}

	labID := uuid.New()
	created, err := client.Create(context.Background(), labID.String())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Bridge == "" || created.Tap == "" || created.Subnet == "" {
		t.Fatalf("incomplete create result: %+v", created)
	}

	if _, err := client.Create(context.Background(), "nope"); err == nil {
		t.Fatal("client accepted invalid lab id")
	} else {
		var opErr *OpError
		if !errors.As(err, &opErr) || opErr.Code != CodeInvalidArgument {
			t.Fatalf("error = %v, want invalid_argument OpError", err)
		}
	}

	destroyed, err := client.Destroy(context.Background(), labID.String())
	if err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if destroyed.BridgeDeleted == "" {
		t.Fatalf("destroy removed nothing: %+v", destroyed)
	}

	cancel()
	<-done
}
