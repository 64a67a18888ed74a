package realtime

const (
	ActionJoin  = "join"
	ActionLeave = "leave"

	ReplyJoined = "joined"
	ReplyLeft   = "left"
	ReplyError  = "error"
)

// Command is a client frame.
type Command struct {
	Action string `json:"action"`
	Room   string `json:"room"`
}

// Reply acknowledges a Command. Bus events are written as notify.Envelope.
type Reply struct {
	Event   string `json:"event"`
	Room    string `json:"room,omitempty"`
	Message string `json:"message,omitempty"`
}
