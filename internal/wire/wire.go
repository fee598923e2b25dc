// Package wire defines the relay's text-frame JSON message catalog and
// a two-pass discriminated-union decoder: peek the type field, then
// unmarshal into the concrete struct it names. Unknown types and
// unknown fields are tolerated, never fatal.
package wire

import "encoding/json"

// Message type discriminants.
const (
	TypeRegister        = "register"
	TypeScreen          = "screen"
	TypeScreenGz        = "screenGz"
	TypeSessions        = "sessions"
	TypeFileView        = "file_view"
	TypeUploadComplete  = "uploadComplete"
	TypeUploadError     = "uploadError"
	TypeKeys            = "keys"
	TypeResize          = "resize"
	TypeCreateSession   = "createSession"
	TypeKillSession     = "killSession"
	TypeRequestFileView = "requestFileView"
	TypeUploadFile      = "uploadFile"
	TypeError           = "error"
	TypePing            = "ping"
	TypePong            = "pong"
)

// envelope is the shape used to peek a frame's type before dispatching
// to the concrete struct it names.
type envelope struct {
	Type string `json:"type"`
}

// Decode peeks the `type` field of a raw frame and returns the frame's
// type string alongside the raw bytes, for the caller to unmarshal into
// the concrete struct matching that type. Returns ("", false) if the
// frame is not valid JSON or carries no type field.
func Decode(data []byte) (msgType string, ok bool) {
	var e envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return "", false
	}
	if e.Type == "" {
		return "", false
	}
	return e.Type, true
}

// --- Outbound (agent -> relay) ---

type Register struct {
	Type      string `json:"type"`
	MachineID string `json:"machineId"`
	Label     string `json:"label,omitempty"`
	Token     string `json:"token"`
	Role      string `json:"role"`
}

func NewRegister(machineID, label, token string) Register {
	return Register{Type: TypeRegister, MachineID: machineID, Label: label, Token: token, Role: "host"}
}

type Screen struct {
	Type        string `json:"type"`
	SessionName string `json:"sessionName"`
	Screen      string `json:"screen"`
}

func NewScreen(session, base64Screen string) Screen {
	return Screen{Type: TypeScreen, SessionName: session, Screen: base64Screen}
}

type ScreenGz struct {
	Type        string `json:"type"`
	SessionName string `json:"sessionName"`
	Screen      string `json:"screen"`
}

func NewScreenGz(session, base64Screen string) ScreenGz {
	return ScreenGz{Type: TypeScreenGz, SessionName: session, Screen: base64Screen}
}

type SessionSummary struct {
	Name     string `json:"name"`
	Windows  int    `json:"windows"`
	Attached bool   `json:"attached"`
}

type Sessions struct {
	Type     string           `json:"type"`
	Sessions []SessionSummary `json:"sessions"`
}

func NewSessions(sessions []SessionSummary) Sessions {
	return Sessions{Type: TypeSessions, Sessions: sessions}
}

type FileView struct {
	Type        string `json:"type"`
	Filename    string `json:"filename"`
	Content     string `json:"content"`
	ContentType string `json:"contentType"`
	Path        string `json:"path"`
}

type UploadComplete struct {
	Type     string `json:"type"`
	Filename string `json:"filename"`
	Path     string `json:"path"`
	Size     int64  `json:"size"`
}

type UploadError struct {
	Type     string `json:"type"`
	Filename string `json:"filename"`
	Error    string `json:"error"`
}

// --- Inbound (relay -> agent) ---

type Keys struct {
	Type        string `json:"type"`
	SessionName string `json:"sessionName"`
	Keys        string `json:"keys"`
	Enter       bool   `json:"enter,omitempty"`
}

type Resize struct {
	Type        string `json:"type"`
	SessionName string `json:"sessionName"`
	Cols        int    `json:"cols"`
	Rows        int    `json:"rows"`
}

type CreateSession struct {
	Type        string `json:"type"`
	SessionName string `json:"sessionName"`
	WorkDir     string `json:"workDir,omitempty"`
}

type KillSession struct {
	Type        string `json:"type"`
	SessionName string `json:"sessionName"`
}

type RequestFileView struct {
	Type        string `json:"type"`
	SessionName string `json:"sessionName"`
	Path        string `json:"path"`
}

type UploadFile struct {
	Type        string `json:"type"`
	SessionName string `json:"sessionName"`
	Filename    string `json:"filename"`
	Content     string `json:"content"`
	ChunkIndex  int    `json:"chunkIndex"`
	TotalChunks int    `json:"totalChunks"`
}

type Error struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type Ping struct {
	Type string `json:"type"`
}

type Pong struct {
	Type string `json:"type"`
}

func NewPong() Pong {
	return Pong{Type: TypePong}
}
