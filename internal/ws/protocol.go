package ws

// Message types for the terminal WebSocket protocol.
const (
	TypeTermOutput = "term.output" // server → browser
	TypeTermInput  = "term.input"  // browser → server
	TypeTermResize = "term.resize" // browser → server
	TypeTermExited = "term.exited" // server → browser
	TypeError      = "error"
)

// Envelope wraps every WebSocket message with a type field for routing.
type Envelope struct {
	Type string `json:"type"`
}

// TermOutput carries raw terminal bytes to the browser. History replay on
// attach uses the same frame as live output.
type TermOutput struct {
	Type string `json:"type"`
	Data string `json:"data"` // base64-encoded
}

// TermInput carries keystrokes from the browser.
type TermInput struct {
	Type string `json:"type"`
	Data string `json:"data"` // base64-encoded
}

// TermResize tells the server to resize the PTY.
type TermResize struct {
	Type string `json:"type"`
	Cols int    `json:"cols"`
	Rows int    `json:"rows"`
}

// TermExited tells the browser the shell process exited.
type TermExited struct {
	Type     string `json:"type"`
	ExitCode int    `json:"exit_code"`
}

// ErrorMsg is sent for protocol errors before the connection closes.
type ErrorMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
