package adminipc

import (
	"bufio"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func startTestServer(t *testing.T, h Handlers) (*Server, string) {
	t.Helper()
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "daemon.sock")
	srv, err := Bind(sockPath, h)
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	go srv.Serve()
	t.Cleanup(func() { srv.Close() })
	return srv, sockPath
}

func roundTrip(t *testing.T, sockPath string, req Request) Response {
	t.Helper()
	conn, err := net.Dial("unix", sockPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	if _, err := conn.Write(append(data, '\n')); err != nil {
		t.Fatalf("write request: %v", err)
	}

	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		t.Fatalf("no response: %v", scanner.Err())
	}
	var resp Response
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	return resp
}

func TestPingReceivesPong(t *testing.T) {
	_, sockPath := startTestServer(t, Handlers{StartTime: time.Now()})
	resp := roundTrip(t, sockPath, Request{Type: "ping"})
	if resp.Type != "pong" {
		t.Fatalf("expected pong, got %+v", resp)
	}
}

func TestKillMissingSessionReturnsNotFoundError(t *testing.T) {
	_, sockPath := startTestServer(t, Handlers{
		StartTime: time.Now(),
		KillSession: func(id string, signal int) error {
			return os.ErrNotExist
		},
	})
	resp := roundTrip(t, sockPath, Request{Type: "kill_session", ID: "missing"})
	if resp.Type != "error" {
		t.Fatalf("expected error response, got %+v", resp)
	}
}

func TestStatusReportsSessionAndDeviceCounts(t *testing.T) {
	_, sockPath := startTestServer(t, Handlers{
		StartTime:    time.Now().Add(-5 * time.Second),
		ListSessions: func() []SessionInfo { return []SessionInfo{{ID: "a"}, {ID: "b"}} },
		DeviceCount:  func() int { return 3 },
	})
	resp := roundTrip(t, sockPath, Request{Type: "status"})
	if resp.Type != "status" || !resp.Running || resp.SessionCount != 2 || resp.DeviceCount != 3 {
		t.Fatalf("unexpected status response: %+v", resp)
	}
}

func TestListSessionsReturnsSnapshot(t *testing.T) {
	_, sockPath := startTestServer(t, Handlers{
		StartTime:    time.Now(),
		ListSessions: func() []SessionInfo { return []SessionInfo{{ID: "s1", PID: 42, Running: true}} },
	})
	resp := roundTrip(t, sockPath, Request{Type: "list_sessions"})
	if resp.Type != "sessions" || len(resp.Sessions) != 1 || resp.Sessions[0].ID != "s1" {
		t.Fatalf("unexpected sessions response: %+v", resp)
	}
}

func TestPIDFileLivenessDetection(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_DATA_HOME", dir)

	path := PIDFilePath()
	os.MkdirAll(filepath.Dir(path), 0700)

	if err := os.WriteFile(path, []byte("4000000000\n"), 0644); err != nil {
		t.Fatalf("write stale pid file: %v", err)
	}
	if IsDaemonRunning() {
		t.Fatal("expected stale pid to report not running")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("expected stale pid file to be removed")
	}

	if err := os.WriteFile(path, []byte("1\n"), 0644); err != nil {
		t.Fatalf("write live pid file: %v", err)
	}
	if !IsProcessRunning(1) {
		t.Skip("pid 1 not observable in this sandbox")
	}
}

func TestSocketPathPrefersXDGRuntimeDir(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", "/run/user/1000")
	path := SocketPath()
	want := filepath.Join("/run/user/1000", AppName, "daemon.sock")
	if path != want {
		t.Fatalf("got %q, want %q", path, want)
	}
}
