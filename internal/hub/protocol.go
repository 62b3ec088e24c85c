package hub

// Server → client message types.
const (
	TypeOutput  = "output"
	TypeHistory = "history"
	TypeClosed  = "closed"
	TypeError   = "error"
)

// Client → server message types.
const (
	TypeInput  = "input"
	TypeKey    = "key"
	TypeResize = "resize"
)

type OutputMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
	Ts   int64  `json:"ts,omitempty"`
}

type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ClientMessage is any JSON frame sent by a browser. Frames that are not
// JSON objects with a type are treated as raw input.
type ClientMessage struct {
	Type string `json:"type"`
	Keys string `json:"keys,omitempty"`
	Key  string `json:"key,omitempty"`
	Cols int    `json:"cols,omitempty"`
	Rows int    `json:"rows,omitempty"`
}
