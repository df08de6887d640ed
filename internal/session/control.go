package session

import "encoding/json"

// Inbound and outbound control messages are plain JSON lines
// multiplexed in-band with rendered terminal text (spec §6/§9): a
// client that wants to resume an existing session, or needs the
// engine's idea of node placement and remaining time, exchanges these
// instead of keystrokes.

type controlEnvelope struct {
	Type string `json:"type"`
}

// authControl is the one inbound control message the engine accepts:
// a client presenting a previously-issued session token, skipping the
// login prompt (and, if it arrives before ceremony pacing starts, the
// ceremony itself).
type authControl struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// sessionControl is the outbound control message announcing a
// session (spec §4.J/§6: "{type:\"session\", token}", sent on success
// so the client can persist the token for reconnection). The same
// struct also carries node placement once Authenticated is entered,
// with Token left empty on that second use.
type sessionControl struct {
	Type     string `json:"type"`
	Token    string `json:"token,omitempty"`
	NodeSlot int    `json:"node_slot,omitempty"`
	MaxNodes int    `json:"max_nodes,omitempty"`
	Handle   string `json:"handle,omitempty"`
}

// logoutControl precedes the connection actually closing, so a client
// can distinguish a clean goodbye from a dropped transport.
type logoutControl struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// parseAuthControl reports whether raw is a well-formed
// {"type":"auth",...} line. Any parse failure or mismatched type means
// "not a control message" rather than an error: plain keystrokes are
// not JSON and must fall through to ordinary input handling.
func parseAuthControl(raw string) (authControl, bool) {
	var env controlEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil || env.Type != "auth" {
		return authControl{}, false
	}
	var ac authControl
	if err := json.Unmarshal([]byte(raw), &ac); err != nil {
		return authControl{}, false
	}
	return ac, true
}
