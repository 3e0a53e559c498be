// Command remoshellctl is the administrative control CLI described in
// spec.md §6: it talks to a locally running remoshelld over the admin IPC
// unix socket to start/stop the daemon, report status, and manage PTY
// sessions. Modeled on relaydns's cobra-based cmd/server.go — a small
// persistent-flag root plus one subcommand per admin operation, instead of
// the single binary/flag daemon entrypoint remoshelld itself uses.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/moukrea/remoshell-sub001/internal/adminipc"
)

var (
	flagSocket     string
	flagDaemonPath string
	flagSignal     int
)

var rootCmd = &cobra.Command{
	Use:   "remoshellctl",
	Short: "Control and inspect a running remoshelld instance",
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "launch the daemon if it is not already running",
	RunE:  runStart,
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "ask the daemon to shut down",
	RunE:  runStop,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "print a human-readable status report",
	RunE:  runStatus,
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "inspect or terminate PTY sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "list active sessions",
	RunE:  runSessionsList,
}

var sessionsKillCmd = &cobra.Command{
	Use:   "kill <id>",
	Short: "terminate a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsKill,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagSocket, "socket", adminipc.SocketPath(), "path to the admin IPC unix socket")
	flags.StringVar(&flagDaemonPath, "daemon-path", "remoshelld", "path to the remoshelld binary used by 'start'")

	sessionsKillCmd.Flags().IntVar(&flagSignal, "signal", 15, "POSIX signal number to send (default SIGTERM)")

	sessionsCmd.AddCommand(sessionsListCmd, sessionsKillCmd)
	rootCmd.AddCommand(startCmd, stopCmd, statusCmd, sessionsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// dial opens a line-oriented connection to the admin socket, timing out
// per spec.md §5's 5-second default for admin IPC operations.
func dial() (net.Conn, error) {
	conn, err := net.DialTimeout("unix", flagSocket, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", flagSocket, err)
	}
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	return conn, nil
}

func roundTrip(req adminipc.Request) (adminipc.Response, error) {
	conn, err := dial()
	if err != nil {
		return adminipc.Response{}, err
	}
	defer conn.Close()

	data, err := json.Marshal(req)
	if err != nil {
		return adminipc.Response{}, fmt.Errorf("encode request: %w", err)
	}
	if _, err := conn.Write(append(data, '\n')); err != nil {
		return adminipc.Response{}, fmt.Errorf("write request: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return adminipc.Response{}, fmt.Errorf("read response: %w", err)
		}
		return adminipc.Response{}, fmt.Errorf("no response from daemon")
	}
	var resp adminipc.Response
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		return adminipc.Response{}, fmt.Errorf("decode response: %w", err)
	}
	return resp, nil
}

func runStart(cmd *cobra.Command, args []string) error {
	if adminipc.IsDaemonRunning() {
		fmt.Println("daemon already running")
		return nil
	}

	proc := exec.Command(flagDaemonPath)
	proc.Stdout = nil
	proc.Stderr = nil
	if err := proc.Start(); err != nil {
		return fmt.Errorf("launch %s: %w", flagDaemonPath, err)
	}
	if err := proc.Process.Release(); err != nil {
		return fmt.Errorf("detach from launched daemon: %w", err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if adminipc.IsDaemonRunning() {
			fmt.Println("daemon started")
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("daemon did not report ready within 10s")
}

func runStop(cmd *cobra.Command, args []string) error {
	resp, err := roundTrip(adminipc.Request{Type: "stop"})
	if err != nil {
		return err
	}
	if resp.Type != "stopping" {
		return fmt.Errorf("stop failed: %s", resp.Message)
	}
	fmt.Println("daemon stopping")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	resp, err := roundTrip(adminipc.Request{Type: "status"})
	if err != nil {
		fmt.Println("daemon not running")
		return err
	}
	fmt.Printf("running: %v\nuptime: %ds\nsessions: %d\ndevices: %d\n",
		resp.Running, resp.UptimeSecs, resp.SessionCount, resp.DeviceCount)
	return nil
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	resp, err := roundTrip(adminipc.Request{Type: "list_sessions"})
	if err != nil {
		return err
	}
	if len(resp.Sessions) == 0 {
		fmt.Println("no active sessions")
		return nil
	}
	for _, s := range resp.Sessions {
		fmt.Printf("%s\tpid=%d\t%dx%d\trunning=%v\tsubscribers=%d\n", s.ID, s.PID, s.Cols, s.Rows, s.Running, s.Subscribers)
	}
	return nil
}

func runSessionsKill(cmd *cobra.Command, args []string) error {
	resp, err := roundTrip(adminipc.Request{Type: "kill_session", ID: args[0], Signal: flagSignal})
	if err != nil {
		return err
	}
	if resp.Type != "session_killed" {
		return fmt.Errorf("kill failed: %s", resp.Message)
	}
	fmt.Println("session " + strconv.Quote(args[0]) + " killed")
	return nil
}
