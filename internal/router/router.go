// Package router implements the orchestrator described in spec.md
// §4.11: it accepts peer connections, performs the Noise XX handshake,
// authorizes the peer against the trust store, and dispatches decoded
// envelopes to the session manager, file ops, and trust store — the
// "capability bundle passed at construction" pattern spec.md §9
// prescribes to avoid a cyclic dependency between the orchestrator and
// its handlers.
package router

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/moukrea/remoshell-sub001/internal/fileops"
	"github.com/moukrea/remoshell-sub001/internal/identity"
	"github.com/moukrea/remoshell-sub001/internal/muxchan"
	"github.com/moukrea/remoshell-sub001/internal/noiseconn"
	"github.com/moukrea/remoshell-sub001/internal/protocol"
	"github.com/moukrea/remoshell-sub001/internal/pty"
	"github.com/moukrea/remoshell-sub001/internal/ptysession"
	"github.com/moukrea/remoshell-sub001/internal/trust"
)

// DefaultHandshakeTimeout bounds how long the Noise XX exchange may take,
// per spec.md §5.
const DefaultHandshakeTimeout = 10 * time.Second

// PendingApprovalTTL is how long an auto-generated pending approval stays
// open before it expires to rejected.
const PendingApprovalTTL = 10 * time.Minute

// Options bundles every collaborator the router dispatches to.
type Options struct {
	Credential       *identity.Credential
	Trust            *trust.Store
	Sessions         *ptysession.Manager
	AllowPaths       func(deviceID string) *fileops.AllowSet
	RequireApproval  bool
	HandshakeTimeout time.Duration
	Hostname         string
	Version          string
}

// Router accepts peer connections and runs the message loop for each.
type Router struct {
	opts       Options
	handshaker *noiseconn.Handshaker
}

// New builds a Router bound to opts.
func New(opts Options) *Router {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	return &Router{
		opts:       opts,
		handshaker: noiseconn.New(opts.Credential),
	}
}

// Serve accepts connections from ln until ctx is cancelled or Accept
// fails, handling each on its own goroutine.
func (r *Router) Serve(ctx context.Context, ln net.Listener) error {
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
			return fmt.Errorf("router: accept: %w", err)
		}
		go r.HandleConn(ctx, conn)
	}
}

// HandleConn runs the full per-connection lifecycle: handshake,
// authorization, channel setup, and message loop. Exported so tests can
// drive it directly over a net.Pipe without a real listener.
func (r *Router) HandleConn(ctx context.Context, conn net.Conn) {
	hsCtx, cancel := context.WithTimeout(ctx, r.opts.HandshakeTimeout)
	secure, err := r.handshaker.ServerHandshake(hsCtx, conn)
	cancel()
	if err != nil {
		log.Warn().Err(err).Msg("[router] handshake failed")
		conn.Close()
		return
	}
	defer secure.Close()

	peer := secure.RemoteIdentity()
	log.Info().Str("peer", peer.Fingerprint()).Msg("[router] handshake complete")

	session, err := muxchan.NewServerSession(secure)
	if err != nil {
		log.Error().Err(err).Msg("[router] yamux session setup failed")
		return
	}

	cs, err := muxchan.Open(ctx, session, false)
	if err != nil {
		log.Error().Err(err).Msg("[router] channel setup failed")
		return
	}
	defer cs.Close()

	h := &connHandler{
		r:        r,
		cs:       cs,
		peer:     peer,
		termSeq:  make(map[string]uint64),
		attached: make(map[string]func()),
	}
	h.run(ctx)
}

// connHandler holds per-connection dispatch state: send-side sequence
// counters (one per channel, per spec.md §3's "sequence strictly
// increasing per direction per channel") and the set of sessions this
// connection is currently attached to.
type connHandler struct {
	r    *Router
	cs   *muxchan.ChannelSet
	peer identity.PeerIdentity

	controlMu  sync.Mutex
	controlSeq uint64
	filesSeq   uint64

	termSeqMu   sync.Mutex
	terminalSeq uint64
	termSeq     map[string]uint64

	attachMu sync.Mutex
	attached map[string]func()
}

func (h *connHandler) run(ctx context.Context) {
	h.ensureAuthorizationFlow()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); h.controlLoop(ctx) }()
	go func() { defer wg.Done(); h.terminalLoop(ctx) }()
	go func() { defer wg.Done(); h.filesLoop(ctx) }()
	wg.Wait()

	h.attachMu.Lock()
	for id, unsub := range h.attached {
		unsub()
		delete(h.attached, id)
	}
	h.attachMu.Unlock()
}

func (h *connHandler) isAuthorized() bool {
	return h.r.opts.Trust.IsAuthorized(h.peer)
}

// ensureAuthorizationFlow implements spec.md §4.11 step 3: if the peer
// is not yet trusted, either auto-reject (when RequireApproval is false
// — nothing to do but let per-message checks fail) or enqueue a pending
// approval and notify the peer. Once authorized, it
// sends the first message spec.md §6 requires on every newly authorized
// connection: a Capabilities announcement.
func (h *connHandler) ensureAuthorizationFlow() {
	if h.isAuthorized() {
		_ = h.r.opts.Trust.TouchLastSeen(h.peer)
		h.sendControl(protocol.Capabilities{ProtocolVersion: protocol.ProtocolVersion})
		return
	}

	if !h.r.opts.RequireApproval {
		log.Warn().Str("peer", h.peer.Fingerprint()).Msg("[router] unknown device rejected (approval disabled)")
		return
	}

	if _, err := h.r.opts.Trust.AddPending(h.peer, "", time.Now().Add(PendingApprovalTTL)); err != nil {
		log.Error().Err(err).Msg("[router] failed to record pending approval")
	}
	h.sendControl(protocol.DeviceApprovalRequest{
		DeviceID:    h.peer.Fingerprint(),
		Fingerprint: h.peer.Fingerprint(),
	})
}

func (h *connHandler) nextControlSeq() uint64 {
	h.controlSeq++
	return h.controlSeq
}

func (h *connHandler) nextFilesSeq() uint64 {
	h.filesSeq++
	return h.filesSeq
}

func (h *connHandler) sendEnvelope(ch muxchan.Channel, seq uint64, msg protocol.Message) {
	data, err := protocol.EncodeMsgpack(protocol.Envelope{
		Version:  protocol.ProtocolVersion,
		Sequence: seq,
		Payload:  msg,
	})
	if err != nil {
		log.Error().Err(err).Msg("[router] failed to encode outgoing envelope")
		return
	}
	if err := h.cs.Send(ch, data); err != nil {
		log.Debug().Err(err).Str("channel", ch.String()).Msg("[router] send failed")
	}
}

func (h *connHandler) sendControl(msg protocol.Message) {
	h.controlMu.Lock()
	defer h.controlMu.Unlock()
	h.sendEnvelope(muxchan.ChannelControl, h.nextControlSeq(), msg)
}

func (h *connHandler) sendFiles(msg protocol.Message) {
	h.sendEnvelope(muxchan.ChannelFiles, h.nextFilesSeq(), msg)
}

// sendTerminal stamps msg (expected to be a SessionData) with the next
// per-session sequence number before sending, per spec.md §4.4: the
// sequence lives on the message itself so a best-effort terminal channel
// can reorder or drop independently of the envelope's own sequence.
func (h *connHandler) sendTerminal(sessionID string, msg protocol.SessionData) {
	h.termSeqMu.Lock()
	defer h.termSeqMu.Unlock()
	seq := h.termSeq[sessionID]
	h.termSeq[sessionID] = seq + 1
	h.terminalSeq++
	msg.Sequence = seq
	h.sendEnvelope(muxchan.ChannelTerminal, h.terminalSeq, msg)
}

func (h *connHandler) sendError(ch muxchan.Channel, code, message string, recoverable bool) {
	errMsg := protocol.Error{Code: code, Message: message, Recoverable: recoverable}
	switch ch {
	case muxchan.ChannelFiles:
		h.sendFiles(errMsg)
	default:
		h.sendControl(errMsg)
	}
}

// --- Control channel ---

func (h *connHandler) controlLoop(ctx context.Context) {
	for {
		data, err := h.cs.Recv(muxchan.ChannelControl)
		if err != nil {
			return
		}
		env, err := protocol.DecodeMsgpack(data)
		if err != nil {
			if errors.Is(err, protocol.ErrVersionMismatch) {
				h.sendControl(protocol.Error{Code: protocol.ErrCodeVersionMismatch, Message: "unsupported protocol version", Recoverable: false})
				return
			}
			h.sendControl(protocol.Error{Code: protocol.ErrCodeUnknownMessage, Message: err.Error(), Recoverable: true})
			continue
		}
		h.dispatchControl(ctx, env.Payload)
	}
}

func (h *connHandler) dispatchControl(ctx context.Context, msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.Ping:
		h.sendControl(protocol.Pong{Echo: m.Payload})
	case protocol.Capabilities:
		h.sendControl(protocol.Capabilities{ProtocolVersion: protocol.ProtocolVersion})
	case protocol.SessionCreate:
		h.handleSessionCreate(m)
	case protocol.SessionAttach:
		h.handleSessionAttach(m)
	case protocol.SessionDetach:
		h.handleSessionDetach(m)
	case protocol.SessionResize:
		h.handleSessionResize(m)
	case protocol.SessionKill:
		h.handleSessionKill(m)
	case protocol.FileListRequest:
		h.handleFileList(m)
	default:
		h.sendControl(protocol.Error{Code: protocol.ErrCodeUnknownMessage, Message: "unexpected message on control channel", Recoverable: true})
	}
}

func (h *connHandler) requireAuthorized() bool {
	if h.isAuthorized() {
		return true
	}
	h.sendControl(protocol.Error{Code: protocol.ErrCodeUnauthorized, Message: "device is not trusted", Recoverable: true})
	return false
}

func (h *connHandler) handleSessionCreate(m protocol.SessionCreate) {
	if !h.requireAuthorized() {
		return
	}
	env := make([]string, 0, len(m.Env))
	for k, v := range m.Env {
		env = append(env, k+"="+v)
	}
	id, pid, err := h.r.opts.Sessions.Create(h.peer.Fingerprint(), m.Shell, m.Cols, m.Rows, env, m.Cwd)
	if err != nil {
		h.sendControl(protocol.Error{Code: protocol.ErrCodePTYOpenFailed, Message: err.Error(), Recoverable: true})
		return
	}
	h.sendControl(protocol.SessionCreated{ID: id, PID: pid})
}

func (h *connHandler) handleSessionAttach(m protocol.SessionAttach) {
	if !h.requireAuthorized() {
		return
	}
	ch, unsub, err := h.r.opts.Sessions.Attach(m.ID)
	if err != nil {
		h.sendControl(protocol.Error{Code: protocol.ErrCodeNotFound, Message: err.Error(), Recoverable: true})
		return
	}

	h.attachMu.Lock()
	if existing, ok := h.attached[m.ID]; ok {
		existing()
	}
	h.attached[m.ID] = unsub
	h.attachMu.Unlock()

	go h.pumpSessionOutput(m.ID, ch)
}

// pumpSessionOutput forwards PTY output chunks as SessionData envelopes
// on the terminal channel until the subscription closes. It notifies the
// peer with SessionClosed only when it receives the read loop's final
// error chunk; a subscription closed by detach or by a lag drop ends
// without a SessionClosed.
func (h *connHandler) pumpSessionOutput(sessionID string, ch <-chan pty.Chunk) {
	for chunk := range ch {
		if chunk.Err != nil {
			h.sendControl(protocol.SessionClosed{ID: sessionID, Status: "terminated"})
			return
		}
		h.sendTerminal(sessionID, protocol.SessionData{
			ID:     sessionID,
			Stream: protocol.StreamStdout,
			Bytes:  chunk.Data,
		})
	}
}

func (h *connHandler) handleSessionDetach(m protocol.SessionDetach) {
	h.attachMu.Lock()
	unsub, ok := h.attached[m.ID]
	if ok {
		delete(h.attached, m.ID)
	}
	h.attachMu.Unlock()
	if ok {
		unsub()
	}
}

func (h *connHandler) handleSessionResize(m protocol.SessionResize) {
	if !h.requireAuthorized() {
		return
	}
	if err := h.r.opts.Sessions.Resize(m.ID, m.Cols, m.Rows); err != nil {
		h.sendControl(protocol.Error{Code: protocol.ErrCodeResizeTerminated, Message: err.Error(), Recoverable: true})
	}
}

func (h *connHandler) handleSessionKill(m protocol.SessionKill) {
	if !h.requireAuthorized() {
		return
	}
	sig := signalFromName(m.Signal)
	status, err := h.r.opts.Sessions.Kill(m.ID, sig)
	if err != nil {
		h.sendControl(protocol.Error{Code: protocol.ErrCodeNotFound, Message: err.Error(), Recoverable: true})
		return
	}
	h.r.opts.Sessions.Remove(m.ID)
	h.sendControl(protocol.SessionClosed{ID: m.ID, Status: statusString(status)})
}

func (h *connHandler) handleFileList(m protocol.FileListRequest) {
	if !h.requireAuthorized() {
		return
	}
	allow := h.allowSet()
	entries, err := fileops.List(allow, m.Path)
	if err != nil {
		h.sendControl(protocol.Error{Code: protocol.ErrCodePathDenied, Message: err.Error(), Recoverable: true})
		return
	}
	out := make([]protocol.FileEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, protocol.FileEntry{
			Name:    e.Name,
			Size:    e.Size,
			IsDir:   e.Kind == fileops.KindDir,
			Mode:    e.Mode,
			ModTime: e.ModTime.Unix(),
		})
	}
	h.sendControl(protocol.FileListResponse{Path: m.Path, Entries: out})
}

func (h *connHandler) allowSet() *fileops.AllowSet {
	if h.r.opts.AllowPaths == nil {
		allow, _ := fileops.NewAllowSet(nil)
		return allow
	}
	return h.r.opts.AllowPaths(h.peer.Fingerprint())
}

// --- Terminal channel ---

func (h *connHandler) terminalLoop(ctx context.Context) {
	for {
		data, err := h.cs.Recv(muxchan.ChannelTerminal)
		if err != nil {
			return
		}
		env, err := protocol.DecodeMsgpack(data)
		if err != nil {
			continue
		}
		sd, ok := env.Payload.(protocol.SessionData)
		if !ok || sd.Stream != protocol.StreamStdin {
			continue
		}
		if !h.isAuthorized() {
			continue
		}
		h.r.opts.Sessions.Write(sd.ID, sd.Bytes)
	}
}

// --- Files channel ---

func (h *connHandler) filesLoop(ctx context.Context) {
	var currentUpload *fileops.Upload
	var currentPath string

	for {
		data, err := h.cs.Recv(muxchan.ChannelFiles)
		if err != nil {
			if currentUpload != nil {
				currentUpload.Abort()
			}
			return
		}
		env, err := protocol.DecodeMsgpack(data)
		if err != nil {
			continue
		}

		switch m := env.Payload.(type) {
		case protocol.FileDownloadRequest:
			h.handleDownload(m)
		case protocol.FileUploadStart:
			if currentUpload != nil {
				currentUpload.Abort()
			}
			up, err := fileops.BeginUpload(h.allowSet(), m.Path, m.Size, os.FileMode(m.Mode))
			if err != nil {
				h.sendError(muxchan.ChannelFiles, protocol.ErrCodePathDenied, err.Error(), true)
				currentUpload = nil
				continue
			}
			currentUpload = up
			currentPath = m.Path
		case protocol.FileUploadChunk:
			if currentUpload == nil {
				h.sendError(muxchan.ChannelFiles, protocol.ErrCodeInternal, "no upload in progress", true)
				continue
			}
			if err := currentUpload.WriteChunk(m.Seq, m.Bytes); err != nil {
				h.sendError(muxchan.ChannelFiles, protocol.ErrCodeInternal, err.Error(), true)
				currentUpload.Abort()
				currentUpload = nil
			}
		case protocol.FileUploadComplete:
			if currentUpload == nil {
				h.sendError(muxchan.ChannelFiles, protocol.ErrCodeInternal, "no upload in progress", true)
				continue
			}
			err := currentUpload.Complete(m.SHA256)
			currentUpload = nil
			if err != nil {
				h.sendError(muxchan.ChannelFiles, protocol.ErrCodeInternal, err.Error(), true)
				continue
			}
			log.Info().Str("path", currentPath).Msg("[router] upload complete")
		}
	}
}

func (h *connHandler) handleDownload(m protocol.FileDownloadRequest) {
	if !h.isAuthorized() {
		h.sendError(muxchan.ChannelFiles, protocol.ErrCodeUnauthorized, "device is not trusted", true)
		return
	}
	allow := h.allowSet()
	err := fileops.Download(allow, m.Path, m.Offset, m.Length, func(c fileops.DownloadChunk) error {
		h.sendFiles(protocol.FileDownloadChunk{Seq: c.Seq, Bytes: c.Bytes, EOF: c.EOF})
		return nil
	})
	if err != nil {
		h.sendError(muxchan.ChannelFiles, protocol.ErrCodePathDenied, err.Error(), true)
	}
}

func signalFromName(name string) uint32 {
	switch name {
	case "", "SIGTERM":
		return 15
	case "SIGKILL":
		return 9
	case "SIGHUP":
		return 1
	case "SIGINT":
		return 2
	default:
		return 15
	}
}

func statusString(s pty.Status) string {
	switch {
	case s.Signaled:
		return fmt.Sprintf("signaled(%s)", s.Signal)
	default:
		return fmt.Sprintf("exited(%d)", s.Code)
	}
}
