// Package protocol implements the typed envelope and tagged-union message
// model described in spec.md §3 / §4.4: a binary MessagePack encoding for
// the wire and a JSON encoding for the administrative IPC, both decoding
// to the same Go types.
//
// The discriminant is encoded explicitly as a Kind byte alongside the
// payload, the same "tag + data" shape the teacher's frame header uses
// (portal/corev2/serdes/packet.go) to distinguish record types on the wire.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// ProtocolVersion is the currently negotiated envelope version. Envelopes
// carrying a different version are rejected with ErrVersionMismatch.
const ProtocolVersion uint8 = 1

var (
	ErrVersionMismatch = errors.New("protocol: version mismatch")
	ErrUnknownMessage  = errors.New("protocol: unknown message kind")
	ErrMalformed       = errors.New("protocol: malformed envelope")
)

// MessageKind tags a Message's concrete type on the wire.
type MessageKind uint8

const (
	KindPing MessageKind = iota + 1
	KindPong
	KindCapabilities
	KindError

	KindSessionCreate
	KindSessionCreated
	KindSessionAttach
	KindSessionDetach
	KindSessionResize
	KindSessionData
	KindSessionKill
	KindSessionClosed

	KindFileListRequest
	KindFileListResponse
	KindFileDownloadRequest
	KindFileDownloadChunk
	KindFileUploadStart
	KindFileUploadChunk
	KindFileUploadComplete

	KindDeviceInfo
	KindDeviceApprovalRequest
	KindDeviceApproved
	KindDeviceRejected
)

// Message is implemented by every concrete payload type in the tagged
// union described in spec.md §3.
type Message interface {
	Kind() MessageKind
}

// --- Control ---

type Ping struct {
	Timestamp int64  `msgpack:"timestamp" json:"timestamp"`
	Payload   []byte `msgpack:"payload,omitempty" json:"payload,omitempty"`
}

func (Ping) Kind() MessageKind { return KindPing }

type Pong struct {
	Echo []byte `msgpack:"echo,omitempty" json:"echo,omitempty"`
}

func (Pong) Kind() MessageKind { return KindPong }

// Capabilities is exchanged as the first message on every newly authorized
// connection in both directions. Extra preserves unrecognized fields so a
// future protocol version's additions round-trip through an older peer
// instead of being silently dropped.
type Capabilities struct {
	ProtocolVersion uint8          `msgpack:"protocol_version" json:"protocol_version"`
	Features        []string       `msgpack:"features,omitempty" json:"features,omitempty"`
	Extra           map[string]any `msgpack:"extra,omitempty" json:"extra,omitempty"`
}

func (Capabilities) Kind() MessageKind { return KindCapabilities }

// Error carries a stable error code, a human-readable message, optional
// structured context, and whether the connection survives it.
type Error struct {
	Code        string         `msgpack:"code" json:"code"`
	Message     string         `msgpack:"message" json:"message"`
	Context     map[string]any `msgpack:"context,omitempty" json:"context,omitempty"`
	Recoverable bool           `msgpack:"recoverable" json:"recoverable"`
}

func (Error) Kind() MessageKind { return KindError }
func (e Error) Error() string   { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

// Well-known error codes, per spec.md §7.
const (
	ErrCodeVersionMismatch  = "version_mismatch"
	ErrCodeUnknownMessage   = "unknown_message"
	ErrCodePTYOpenFailed    = "pty_open_failed"
	ErrCodeWriteTerminated  = "write_when_terminated"
	ErrCodeResizeTerminated = "resize_when_terminated"
	ErrCodeAlreadyTerm      = "already_terminated"
	ErrCodeNotFound         = "not_found"
	ErrCodePathDenied       = "path_denied"
	ErrCodeUnauthorized     = "unauthorized"
	ErrCodeInternal         = "internal"
)

// --- Session ---

type SessionCreate struct {
	Cols  uint16            `msgpack:"cols" json:"cols"`
	Rows  uint16            `msgpack:"rows" json:"rows"`
	Shell string            `msgpack:"shell,omitempty" json:"shell,omitempty"`
	Env   map[string]string `msgpack:"env,omitempty" json:"env,omitempty"`
	Cwd   string            `msgpack:"cwd,omitempty" json:"cwd,omitempty"`
}

func (SessionCreate) Kind() MessageKind { return KindSessionCreate }

type SessionCreated struct {
	ID  string `msgpack:"id" json:"id"`
	PID int    `msgpack:"pid" json:"pid"`
}

func (SessionCreated) Kind() MessageKind { return KindSessionCreated }

type SessionAttach struct {
	ID string `msgpack:"id" json:"id"`
}

func (SessionAttach) Kind() MessageKind { return KindSessionAttach }

type SessionDetach struct {
	ID string `msgpack:"id" json:"id"`
}

func (SessionDetach) Kind() MessageKind { return KindSessionDetach }

type SessionResize struct {
	ID   string `msgpack:"id" json:"id"`
	Cols uint16 `msgpack:"cols" json:"cols"`
	Rows uint16 `msgpack:"rows" json:"rows"`
}

func (SessionResize) Kind() MessageKind { return KindSessionResize }

// StreamKind distinguishes the three PTY data streams.
type StreamKind string

const (
	StreamStdout StreamKind = "stdout"
	StreamStderr StreamKind = "stderr"
	StreamStdin  StreamKind = "stdin"
)

// SessionData carries a chunk of PTY I/O. Sequence increases monotonically
// per session per direction so a receiver on a best-effort terminal
// channel can detect and optionally drop reordered payloads (spec.md
// §4.4/§9 Open Question — the daemon itself never reorders or buffers).
type SessionData struct {
	ID       string     `msgpack:"id" json:"id"`
	Stream   StreamKind `msgpack:"stream" json:"stream"`
	Sequence uint64     `msgpack:"sequence" json:"sequence"`
	Bytes    []byte     `msgpack:"bytes" json:"bytes"`
}

func (SessionData) Kind() MessageKind { return KindSessionData }

type SessionKill struct {
	ID     string `msgpack:"id" json:"id"`
	Signal string `msgpack:"signal,omitempty" json:"signal,omitempty"`
}

func (SessionKill) Kind() MessageKind { return KindSessionKill }

type SessionClosed struct {
	ID     string `msgpack:"id" json:"id"`
	Status string `msgpack:"status" json:"status"`
}

func (SessionClosed) Kind() MessageKind { return KindSessionClosed }

// --- Files ---

type FileListRequest struct {
	Path string `msgpack:"path" json:"path"`
}

func (FileListRequest) Kind() MessageKind { return KindFileListRequest }

type FileEntry struct {
	Name    string `msgpack:"name" json:"name"`
	Size    int64  `msgpack:"size" json:"size"`
	IsDir   bool   `msgpack:"is_dir" json:"is_dir"`
	Mode    uint32 `msgpack:"mode" json:"mode"`
	ModTime int64  `msgpack:"mod_time" json:"mod_time"`
}

type FileListResponse struct {
	Path    string      `msgpack:"path" json:"path"`
	Entries []FileEntry `msgpack:"entries" json:"entries"`
}

func (FileListResponse) Kind() MessageKind { return KindFileListResponse }

type FileDownloadRequest struct {
	Path   string `msgpack:"path" json:"path"`
	Offset int64  `msgpack:"offset,omitempty" json:"offset,omitempty"`
	Length int64  `msgpack:"length,omitempty" json:"length,omitempty"`
}

func (FileDownloadRequest) Kind() MessageKind { return KindFileDownloadRequest }

type FileDownloadChunk struct {
	Seq   uint64 `msgpack:"seq" json:"seq"`
	Bytes []byte `msgpack:"bytes" json:"bytes"`
	EOF   bool   `msgpack:"eof" json:"eof"`
}

func (FileDownloadChunk) Kind() MessageKind { return KindFileDownloadChunk }

type FileUploadStart struct {
	Path string `msgpack:"path" json:"path"`
	Size int64  `msgpack:"size" json:"size"`
	Mode uint32 `msgpack:"mode" json:"mode"`
}

func (FileUploadStart) Kind() MessageKind { return KindFileUploadStart }

type FileUploadChunk struct {
	Seq   uint64 `msgpack:"seq" json:"seq"`
	Bytes []byte `msgpack:"bytes" json:"bytes"`
}

func (FileUploadChunk) Kind() MessageKind { return KindFileUploadChunk }

type FileUploadComplete struct {
	SHA256 string `msgpack:"sha256" json:"sha256"`
}

func (FileUploadComplete) Kind() MessageKind { return KindFileUploadComplete }

// --- Device ---

type DeviceInfo struct {
	DeviceID    string `msgpack:"device_id" json:"device_id"`
	Fingerprint string `msgpack:"fingerprint" json:"fingerprint"`
	Hostname    string `msgpack:"hostname,omitempty" json:"hostname,omitempty"`
	Version     string `msgpack:"version,omitempty" json:"version,omitempty"`
}

func (DeviceInfo) Kind() MessageKind { return KindDeviceInfo }

type DeviceApprovalRequest struct {
	DeviceID    string `msgpack:"device_id" json:"device_id"`
	Fingerprint string `msgpack:"fingerprint" json:"fingerprint"`
}

func (DeviceApprovalRequest) Kind() MessageKind { return KindDeviceApprovalRequest }

type DeviceApproved struct {
	DeviceID string `msgpack:"device_id" json:"device_id"`
}

func (DeviceApproved) Kind() MessageKind { return KindDeviceApproved }

type DeviceRejected struct {
	DeviceID string `msgpack:"device_id" json:"device_id"`
	Reason   string `msgpack:"reason,omitempty" json:"reason,omitempty"`
}

func (DeviceRejected) Kind() MessageKind { return KindDeviceRejected }

// Envelope is the outermost wire wrapper: protocol version, a
// per-direction monotonic sequence number, and a tagged Message payload.
type Envelope struct {
	Version  uint8
	Sequence uint64
	Payload  Message
}

// envelopeWire is the on-the-wire shape of Envelope: the payload is kept
// as a raw sub-document so it can be decoded into the right concrete type
// only after the Kind tag has been read.
type envelopeWire struct {
	Version  uint8           `msgpack:"v" json:"v"`
	Sequence uint64          `msgpack:"seq" json:"seq"`
	Kind     MessageKind     `msgpack:"kind" json:"kind"`
	Data     msgpack.RawMessage `msgpack:"data" json:"-"`
	JSONData json.RawMessage `msgpack:"-" json:"data"`
}

func newPayload(kind MessageKind) (Message, error) {
	switch kind {
	case KindPing:
		return &Ping{}, nil
	case KindPong:
		return &Pong{}, nil
	case KindCapabilities:
		return &Capabilities{}, nil
	case KindError:
		return &Error{}, nil
	case KindSessionCreate:
		return &SessionCreate{}, nil
	case KindSessionCreated:
		return &SessionCreated{}, nil
	case KindSessionAttach:
		return &SessionAttach{}, nil
	case KindSessionDetach:
		return &SessionDetach{}, nil
	case KindSessionResize:
		return &SessionResize{}, nil
	case KindSessionData:
		return &SessionData{}, nil
	case KindSessionKill:
		return &SessionKill{}, nil
	case KindSessionClosed:
		return &SessionClosed{}, nil
	case KindFileListRequest:
		return &FileListRequest{}, nil
	case KindFileListResponse:
		return &FileListResponse{}, nil
	case KindFileDownloadRequest:
		return &FileDownloadRequest{}, nil
	case KindFileDownloadChunk:
		return &FileDownloadChunk{}, nil
	case KindFileUploadStart:
		return &FileUploadStart{}, nil
	case KindFileUploadChunk:
		return &FileUploadChunk{}, nil
	case KindFileUploadComplete:
		return &FileUploadComplete{}, nil
	case KindDeviceInfo:
		return &DeviceInfo{}, nil
	case KindDeviceApprovalRequest:
		return &DeviceApprovalRequest{}, nil
	case KindDeviceApproved:
		return &DeviceApproved{}, nil
	case KindDeviceRejected:
		return &DeviceRejected{}, nil
	default:
		return nil, fmt.Errorf("%w: kind %d", ErrUnknownMessage, kind)
	}
}

// unwrap dereferences the pointer newPayload hands back into the plain
// value each Kind() method is defined on, so callers get the same shape
// whether the envelope was just decoded or built by hand.
func unwrap(m Message) Message {
	switch v := m.(type) {
	case *Ping:
		return *v
	case *Pong:
		return *v
	case *Capabilities:
		return *v
	case *Error:
		return *v
	case *SessionCreate:
		return *v
	case *SessionCreated:
		return *v
	case *SessionAttach:
		return *v
	case *SessionDetach:
		return *v
	case *SessionResize:
		return *v
	case *SessionData:
		return *v
	case *SessionKill:
		return *v
	case *SessionClosed:
		return *v
	case *FileListRequest:
		return *v
	case *FileListResponse:
		return *v
	case *FileDownloadRequest:
		return *v
	case *FileDownloadChunk:
		return *v
	case *FileUploadStart:
		return *v
	case *FileUploadChunk:
		return *v
	case *FileUploadComplete:
		return *v
	case *DeviceInfo:
		return *v
	case *DeviceApprovalRequest:
		return *v
	case *DeviceApproved:
		return *v
	case *DeviceRejected:
		return *v
	default:
		return m
	}
}

// EncodeMsgpack serializes e as a binary MessagePack document for the
// wire transport.
func EncodeMsgpack(e Envelope) ([]byte, error) {
	if e.Payload == nil {
		return nil, fmt.Errorf("%w: nil payload", ErrMalformed)
	}
	data, err := msgpack.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal payload: %w", err)
	}
	wire := envelopeWire{
		Version:  e.Version,
		Sequence: e.Sequence,
		Kind:     e.Payload.Kind(),
		Data:     data,
	}
	out, err := msgpack.Marshal(&wire)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal envelope: %w", err)
	}
	return out, nil
}

// DecodeMsgpack parses a binary envelope previously produced by
// EncodeMsgpack. It rejects envelopes whose version does not match
// ProtocolVersion and tags not in the known set, per spec.md §4.4.
func DecodeMsgpack(data []byte) (Envelope, error) {
	var wire envelopeWire
	if err := msgpack.Unmarshal(data, &wire); err != nil {
		return Envelope{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if wire.Version != ProtocolVersion {
		return Envelope{}, ErrVersionMismatch
	}
	payload, err := newPayload(wire.Kind)
	if err != nil {
		return Envelope{}, err
	}
	if err := msgpack.Unmarshal(wire.Data, payload); err != nil {
		return Envelope{}, fmt.Errorf("%w: payload: %w", ErrMalformed, err)
	}
	return Envelope{Version: wire.Version, Sequence: wire.Sequence, Payload: unwrap(payload)}, nil
}

// EncodeJSON serializes e as one JSON document with no trailing newline;
// callers on the admin IPC path append the delimiter themselves (see
// internal/adminipc), matching the "one JSON object per line" framing in
// spec.md §6.
func EncodeJSON(e Envelope) ([]byte, error) {
	if e.Payload == nil {
		return nil, fmt.Errorf("%w: nil payload", ErrMalformed)
	}
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal payload: %w", err)
	}
	wire := envelopeWire{
		Version:  e.Version,
		Sequence: e.Sequence,
		Kind:     e.Payload.Kind(),
		JSONData: data,
	}
	out, err := json.Marshal(&wire)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal envelope: %w", err)
	}
	return out, nil
}

// DecodeJSON parses one JSON envelope document.
func DecodeJSON(data []byte) (Envelope, error) {
	var wire envelopeWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return Envelope{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if wire.Version != ProtocolVersion {
		return Envelope{}, ErrVersionMismatch
	}
	payload, err := newPayload(wire.Kind)
	if err != nil {
		return Envelope{}, err
	}
	if err := json.Unmarshal(wire.JSONData, payload); err != nil {
		return Envelope{}, fmt.Errorf("%w: payload: %w", ErrMalformed, err)
	}
	return Envelope{Version: wire.Version, Sequence: wire.Sequence, Payload: unwrap(payload)}, nil
}
