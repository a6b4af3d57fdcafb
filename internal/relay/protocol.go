package relay

import "encoding/json"

// Client protocol: tagged JSON envelopes in both directions.
//
// Inbound tags: subscribe, unsubscribe, terminal.open, terminal.input,
// terminal.resize, terminal.close, heartbeat.
//
// Outbound tags: event, error, pong, terminal.ready, terminal.data,
// terminal.closed, terminal.error.
//
// The event `data` field is either a structured object or a raw string,
// depending on whether the bus payload decoded as JSON; clients must handle
// both.

// inboundMessage covers every inbound tag. Per-tag shape checks happen in
// the dispatcher; pointer fields distinguish missing from zero.
type inboundMessage struct {
	Type      string  `json:"type"`
	Topic     string  `json:"topic,omitempty"`
	SessionID string  `json:"session_id,omitempty"`
	Data      *string `json:"data,omitempty"`
	Cols      *int    `json:"cols,omitempty"`
	Rows      *int    `json:"rows,omitempty"`
}

type eventMessage struct {
	Type  string `json:"type"`
	Topic string `json:"topic"`
	Data  any    `json:"data"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type pongMessage struct {
	Type string `json:"type"`
	TS   int64  `json:"ts"`
}

type terminalReadyMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

type terminalDataMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Data      string `json:"data"`
}

type terminalClosedMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Code      int    `json:"code"`
}

type terminalErrorMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Message   string `json:"message"`
}

// resizeFrame is the single in-band control message written to the gateway
// stream; all other terminal input is raw bytes.
type resizeFrame struct {
	Type string `json:"type"`
	Cols int    `json:"cols"`
	Rows int    `json:"rows"`
}

// Handshake close codes. 4xxx is the application range; the reason text is
// the category the client sees.
const (
	closeAuthRequired = 4401 // authentication_required
	closeAuthFailed   = 4403 // authentication_failed
	closeAuthError    = 4500 // authentication_error
)

// parsePayload decodes a bus payload opportunistically: JSON when it
// parses, raw text otherwise.
func parsePayload(b []byte) any {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return string(b)
	}
	return v
}
