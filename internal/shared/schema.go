package shared

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// RegisterPayload is the first inbound message on a freshly accepted session.
type RegisterPayload struct {
	NodeID       string                 `json:"nodeId" validate:"required"`
	Location     string                 `json:"location" validate:"required"`
	Capabilities []string               `json:"capabilities"`
	Metadata     RegisterMetadata       `json:"metadata" validate:"required"`
	AuthToken    string                 `json:"authToken"`
	Extra        map[string]interface{} `json:"-"`
}

type RegisterMetadata struct {
	Version         string `json:"version" validate:"required"`
	Platform        string `json:"platform" validate:"required"`
	ProtocolVersion string `json:"protocolVersion"`
}

// HeartbeatPayload carries no required fields beyond the envelope; presence alone refreshes
// the bound session's lastHeartbeat.
type HeartbeatPayload struct{}

type HostDiscoveredPayload struct {
	Name       string `json:"name" validate:"required"`
	MacAddress string `json:"mac"`
	IPAddress  string `json:"ip"`
}

type HostUpdatedPayload struct {
	Name   string `json:"name" validate:"required"`
	Status string `json:"status"`
}

type HostRemovedPayload struct {
	Name string `json:"name" validate:"required"`
}

type ScanCompletePayload struct {
	HostsFound int `json:"hostsFound" validate:"gte=0"`
}

// CommandResultPayload is the node's reply to a dispatched command.
type CommandResultPayload struct {
	CommandID     string          `json:"commandId" validate:"required"`
	Success       bool            `json:"success"`
	Error         string          `json:"error"`
	Timestamp     int64           `json:"timestamp" validate:"required"`
	CorrelationID string          `json:"correlationId"`
	HostPing      json.RawMessage `json:"hostPing"`
	HostPortScan  json.RawMessage `json:"hostPortScan"`
}

// ValidateInbound parses and validates a node-originated payload against the schema for
// msgType, returning ErrInvalidPayload wrapped with the underlying cause on failure.
func ValidateInbound(msgType MessageType, raw json.RawMessage) (interface{}, error) {
	var target interface{}
	switch msgType {
	case MessageTypeRegister:
		target = &RegisterPayload{}
	case MessageTypeHeartbeat:
		target = &HeartbeatPayload{}
	case MessageTypeHostDiscover:
		target = &HostDiscoveredPayload{}
	case MessageTypeHostUpdate:
		target = &HostUpdatedPayload{}
	case MessageTypeHostRemove:
		target = &HostRemovedPayload{}
	case MessageTypeScanComplete:
		target = &ScanCompletePayload{}
	case MessageTypeCommandResult:
		target = &CommandResultPayload{}
	default:
		return nil, fmt.Errorf("%w: unknown inbound message type %q", ErrInvalidPayload, msgType)
	}

	if err := json.Unmarshal(raw, target); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := validate.Struct(target); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return target, nil
}

// Outbound command payloads. Every field is a design contract, not a literal wire schema:
// field names mirror each route's payload shape.

type WakeCommandData struct {
	HostName string `json:"hostName" validate:"required"`
	Mac      string `json:"mac" validate:"required"`
}

type PingHostCommandData struct {
	HostName string `json:"hostName" validate:"required"`
	Mac      string `json:"mac"`
	IP       string `json:"ip"`
}

type ScanCommandData struct {
	Immediate bool `json:"immediate"`
}

type ScanHostPortsCommandData struct {
	HostName  string `json:"hostName" validate:"required"`
	Mac       string `json:"mac"`
	IP        string `json:"ip"`
	Ports     []int  `json:"ports,omitempty" validate:"omitempty,max=1024,dive,gte=1,lte=65535"`
	TimeoutMs int    `json:"timeoutMs,omitempty" validate:"omitempty,gte=0"`
}

type UpdateHostCommandData struct {
	CurrentName string   `json:"currentName" validate:"required"`
	Name        string   `json:"name"`
	Mac         string   `json:"mac"`
	IP          string   `json:"ip"`
	Status      string   `json:"status"`
	Notes       *Tristate `json:"notes,omitempty"`
	Tags        *Tristate `json:"tags,omitempty"`
}

type DeleteHostCommandData struct {
	Name string `json:"name" validate:"required"`
}

// Tristate, used through a *Tristate, distinguishes "absent key" (a nil *Tristate) from
// "explicit JSON null" (Clear == true) from "present value" (Value != nil), since a bare
// *string cannot make that three-way distinction through encoding/json alone.
type Tristate struct {
	Clear bool
	Value *string
}

// ParseTristateField looks up key in a pre-decoded raw object and returns nil if the key is
// absent, a Tristate with Clear=true if the key is present and JSON null, or a Tristate
// wrapping the decoded string otherwise.
func ParseTristateField(raw map[string]json.RawMessage, key string) (*Tristate, error) {
	val, present := raw[key]
	if !present {
		return nil, nil
	}
	if string(val) == "null" {
		return &Tristate{Clear: true}, nil
	}
	var s string
	if err := json.Unmarshal(val, &s); err != nil {
		return nil, fmt.Errorf("%w: field %q: %v", ErrInvalidPayload, key, err)
	}
	return &Tristate{Value: &s}, nil
}

// ValidateOutboundCommand validates a command payload against the schema for msgType before
// NodeManager.sendCommand writes it to the transport.
func ValidateOutboundCommand(msgType MessageType, payload interface{}) error {
	if !OutboundCommandTypes[msgType] {
		return fmt.Errorf("%w: unknown outbound command type %q", ErrInvalidOutboundCommand, msgType)
	}
	if err := validate.Struct(payload); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOutboundCommand, err)
	}
	return nil
}
