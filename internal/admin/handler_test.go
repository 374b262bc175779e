package admin

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/10yihang/pcdsync/internal/coordinator"
	"github.com/10yihang/pcdsync/internal/keeper"
	"github.com/10yihang/pcdsync/internal/keeper/keepertest"
	"github.com/10yihang/pcdsync/internal/pcd"
	"github.com/10yihang/pcdsync/internal/proofsvc"
	"github.com/10yihang/pcdsync/internal/store/memory"
)

const testAddr = "127.0.0.1:0"

func waitForServer(t *testing.T, s *Server, timeout time.Duration) string {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		addr := s.Addr()
		if addr != testAddr && addr != "" {
			return addr
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("server did not start in time")
	return ""
}

type fixture struct {
	coord  *coordinator.Coordinator
	keeper *keeper.Client
	fake   *keepertest.Server
	server *Server
	addr   string
}

func setupFixture(t *testing.T, withKeeper bool) *fixture {
	t.Helper()

	svc, err := proofsvc.NewLocal([]byte("admin-test"))
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	f := &fixture{
		coord: coordinator.New(pcd.New(svc, memory.NewStore(), nil), coordinator.NewSpoolSource(t.TempDir()), nil),
	}

	h := NewHandler(f.coord, &Config{CommandTimeout: 5 * time.Second})
	if withKeeper {
		f.fake = keepertest.NewServer()
		f.fake.SetStatus(keeper.Status{IsRunning: true, PcdHeight: 3, ChainHeight: 8, BlocksBehind: 5})
		cfg := keeper.DefaultConfig()
		cfg.URL = f.fake.URL()
		f.keeper = keeper.NewClient(cfg)
		if err := f.keeper.Connect(context.Background()); err != nil {
			t.Fatalf("keeper connect: %v", err)
		}
		h.SetKeeper(f.keeper)
	}

	f.server = NewServer(&Config{Addr: testAddr}, h)
	go func() {
		f.server.Start()
	}()
	f.addr = waitForServer(t, f.server, 2*time.Second)

	t.Cleanup(func() {
		f.server.Stop()
		if f.keeper != nil {
			f.keeper.Close()
			f.fake.Close()
		}
	})
	return f
}

func (f *fixture) dial(t *testing.T) *Conn {
	t.Helper()
	c, err := Dial(context.Background(), f.addr)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func doString(t *testing.T, c *Conn, args ...string) string {
	t.Helper()
	v, err := c.Do(args...)
	if err != nil {
		t.Fatalf("%s: %v", strings.Join(args, " "), err)
	}
	s, ok := v.(string)
	if !ok {
		t.Fatalf("%s: expected string reply, got %T", args[0], v)
	}
	return s
}

func TestPing_RawRESP(t *testing.T) {
	f := setupFixture(t, false)

	conn, err := net.Dial("tcp", f.addr)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("*1\r\n$4\r\nping\r\n")); err != nil {
		t.Fatalf("failed to write: %v", err)
	}

	buf := make([]byte, 64)
	conn.SetReadDeadline(time.Now().Add(time.Second))
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("failed to read: %v", err)
	}
	if got := string(buf[:n]); got != "+PONG\r\n" {
		t.Errorf("expected +PONG\\r\\n, got %q", got)
	}
}

func TestPing_Echo(t *testing.T) {
	f := setupFixture(t, false)
	c := f.dial(t)

	if got := doString(t, c, "PING", "hello"); got != "hello" {
		t.Errorf("PING hello = %q", got)
	}
}

func TestUnknownCommand(t *testing.T) {
	f := setupFixture(t, false)
	c := f.dial(t)

	_, err := c.Do("pcd.launch")
	re, ok := err.(ReplyError)
	if !ok {
		t.Fatalf("expected ReplyError, got %v", err)
	}
	if string(re) != "ERR unknown command 'PCD.LAUNCH'" {
		t.Errorf("unexpected error %q", re)
	}
}

func TestPcdCommands_NotInitialized(t *testing.T) {
	f := setupFixture(t, false)
	c := f.dial(t)

	var st pcdStatus
	if err := json.Unmarshal([]byte(doString(t, c, "PCD.STATUS")), &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.Initialized || st.Status != "idle" {
		t.Errorf("unexpected status %+v", st)
	}

	for _, cmd := range []string{"PCD.VERIFY", "PCD.EXPORT"} {
		_, err := c.Do(cmd)
		re, ok := err.(ReplyError)
		if !ok || re.Code() != "NOTINIT" {
			t.Errorf("%s: expected NOTINIT, got %v", cmd, err)
		}
	}

	if got := doString(t, c, "PCD.NOTES"); got != "[]" {
		t.Errorf("PCD.NOTES = %q, want []", got)
	}
}

func TestPcdCommands_Initialized(t *testing.T) {
	f := setupFixture(t, false)
	ctx := context.Background()
	notes := []pcd.NoteIdentifier{{Commitment: "0x01", Value: 5}, {Commitment: "0x02", Value: 7}}
	if err := f.coord.Initialize(ctx, notes); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	delta := pcd.BlockDelta{
		BlockHeight:     10,
		SpentNullifiers: []pcd.NullifierIdentifier{{Nullifier: "0xaa", NoteCommitment: "0x01"}},
	}
	if err := f.coord.ApplyDelta(ctx, delta); err != nil {
		t.Fatalf("ApplyDelta: %v", err)
	}
	c := f.dial(t)

	var st pcdStatus
	if err := json.Unmarshal([]byte(doString(t, c, "pcd.status")), &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if !st.Initialized || st.Height != 10 || st.ChainLength != 1 || st.Balance != 7 || st.Nullifiers != 1 {
		t.Errorf("unexpected status %+v", st)
	}
	if st.SCurrent == "" || st.UpdatedAt == 0 {
		t.Errorf("missing state fields %+v", st)
	}

	var got []pcd.NoteIdentifier
	if err := json.Unmarshal([]byte(doString(t, c, "PCD.NOTES")), &got); err != nil {
		t.Fatalf("decode notes: %v", err)
	}
	if len(got) != 1 || got[0].Commitment != "0x02" {
		t.Errorf("unexpected notes %+v", got)
	}

	if got := doString(t, c, "PCD.VERIFY"); got != `{"valid":true}` {
		t.Errorf("PCD.VERIFY = %q", got)
	}

	var ps pcd.PersistedState
	if err := json.Unmarshal([]byte(doString(t, c, "PCD.EXPORT")), &ps); err != nil {
		t.Fatalf("decode export: %v", err)
	}
	if ps.PcdState == nil || ps.PcdState.ChainLength != 1 {
		t.Errorf("unexpected export %+v", ps)
	}
}

func TestKeeperCommands_NotConfigured(t *testing.T) {
	f := setupFixture(t, false)
	c := f.dial(t)

	_, err := c.Do("KEEPER.STATUS")
	if err == nil || !strings.Contains(err.Error(), "keeper client not configured") {
		t.Errorf("expected not configured error, got %v", err)
	}
}

func TestKeeperCommands(t *testing.T) {
	f := setupFixture(t, true)
	c := f.dial(t)

	deadline := time.Now().Add(2 * time.Second)
	for f.keeper.Status() == nil && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	var st keeperStatus
	if err := json.Unmarshal([]byte(doString(t, c, "KEEPER.STATUS")), &st); err != nil {
		t.Fatalf("decode keeper status: %v", err)
	}
	if st.State != keeper.StateConnected || st.Status == nil || st.Status.BlocksBehind != 5 {
		t.Errorf("unexpected keeper status %+v", st)
	}

	for i := 0; i < 3; i++ {
		if err := f.fake.Push(keeper.EventWarning, keeper.WarningData{Code: "W", Message: "m"}); err != nil {
			t.Fatalf("push: %v", err)
		}
	}
	deadline = time.Now().Add(2 * time.Second)
	for len(f.keeper.Events()) < 4 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	var events []keeper.Event
	if err := json.Unmarshal([]byte(doString(t, c, "KEEPER.EVENTS", "2")), &events); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	if len(events) != 2 || events[0].Type != keeper.EventWarning {
		t.Errorf("unexpected events %+v", events)
	}

	if _, err := c.Do("KEEPER.EVENTS", "-1"); err == nil {
		t.Error("expected error for negative count")
	}

	if got := doString(t, c, "KEEPER.SYNC"); got != `{"queued":true}` {
		t.Errorf("KEEPER.SYNC = %q", got)
	}

	info := doString(t, c, "INFO")
	for _, want := range []string{"# PCD", "initialized:0", "# Keeper", "state:connected", "blocks_behind:5"} {
		if !strings.Contains(info, want) {
			t.Errorf("INFO missing %q:\n%s", want, info)
		}
	}
}

func TestKeeperSync_NotConnected(t *testing.T) {
	f := setupFixture(t, true)
	f.keeper.Disconnect()
	c := f.dial(t)

	_, err := c.Do("KEEPER.SYNC")
	re, ok := err.(ReplyError)
	if !ok || re.Code() != "NOTCONN" {
		t.Errorf("expected NOTCONN, got %v", err)
	}
}

func TestCommand_ListsCommands(t *testing.T) {
	f := setupFixture(t, false)
	c := f.dial(t)

	v, err := c.Do("COMMAND")
	if err != nil {
		t.Fatalf("COMMAND: %v", err)
	}
	names, ok := v.([]interface{})
	if !ok || len(names) != 12 {
		t.Fatalf("unexpected COMMAND reply %v", v)
	}
}

func TestQuit(t *testing.T) {
	f := setupFixture(t, false)
	c := f.dial(t)

	if got := doString(t, c, "QUIT"); got != "OK" {
		t.Errorf("QUIT = %q", got)
	}
	if _, err := c.Do("PING"); err == nil {
		t.Error("expected error after QUIT")
	}
}

func TestServer_Clients(t *testing.T) {
	f := setupFixture(t, false)
	c := f.dial(t)
	doString(t, c, "PING")

	if n := f.server.Clients(); n != 1 {
		t.Fatalf("Clients() = %d, want 1", n)
	}
	c.Close()

	deadline := time.Now().Add(2 * time.Second)
	for f.server.Clients() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("Clients() = %d after close, want 0", f.server.Clients())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPipeline(t *testing.T) {
	f := setupFixture(t, false)

	conn, err := net.Dial("tcp", f.addr)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer conn.Close()

	req := AppendCommand(nil, "PING")
	req = AppendCommand(req, "PING", "x")
	if _, err := conn.Write(req); err != nil {
		t.Fatalf("failed to write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(time.Second))
	r := bufio.NewReader(conn)
	for _, want := range []string{"PONG", "x"} {
		v, err := readReply(r)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if v != want {
			t.Errorf("got %v, want %s", v, want)
		}
	}
}

func TestAppendCommand(t *testing.T) {
	got := string(AppendCommand(nil, "KEEPER.EVENTS", "10"))
	want := "*2\r\n$13\r\nKEEPER.EVENTS\r\n$2\r\n10\r\n"
	if got != want {
		t.Errorf("AppendCommand = %q, want %q", got, want)
	}
}

func TestCmdMap_CaseInsensitive(t *testing.T) {
	h := NewHandler(nil, nil)
	for _, name := range []string{"ping", "Pcd.Status", "KEEPER.events"} {
		if h.cmds.lookup([]byte(name)) == nil {
			t.Errorf("lookup(%q) = nil", name)
		}
	}
	if h.cmds.lookup([]byte("PCD.STATU")) != nil {
		t.Error("prefix should not match")
	}
}
