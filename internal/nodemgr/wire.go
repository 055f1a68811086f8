package nodemgr

import "encoding/json"

// typeProbe peeks at a raw inbound frame's discriminator without committing to a payload
// shape, matching the wire protocol's "every message has a top-level type discriminator."
type typeProbe struct {
	Type string `json:"type"`
}

func probeType(raw []byte) (string, error) {
	var p typeProbe
	if err := json.Unmarshal(raw, &p); err != nil {
		return "", err
	}
	return p.Type, nil
}

// commandMessage is the outbound wire shape: `{ type, commandId, data }`.
type commandMessage struct {
	Type      string      `json:"type"`
	CommandID string      `json:"commandId"`
	Data      interface{} `json:"data"`
}

// registeredMessage is sent exactly once, after a successful registration handshake.
type registeredMessage struct {
	Type              string `json:"type"`
	NodeID            string `json:"nodeId"`
	HeartbeatInterval int64  `json:"heartbeatInterval"`
	ProtocolVersion   string `json:"protocolVersion"`
	SessionToken      string `json:"sessionToken"`
	SessionExpiresAt  string `json:"sessionExpiresAt"`
}

// errorMessage is the soft, non-closing protocol-validation-failure response.
type errorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
