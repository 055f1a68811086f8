package shared

import "errors"

// Protocol version constant
const ProtocolVersion = 1

// Error types for protocol validation
var (
	ErrUnsupportedVersion = errors.New("unsupported protocol version")
	ErrMissingType        = errors.New("missing required field: type")
	ErrMissingTimestamp   = errors.New("missing required field: timestamp")
	ErrInvalidPayload     = errors.New("invalid payload")
)

// MessageType represents the type discriminator carried by every envelope.
type MessageType string

// Inbound, from node agent to control plane.
const (
	MessageTypeRegister      MessageType = "register"
	MessageTypeHeartbeat     MessageType = "heartbeat"
	MessageTypeHostDiscover  MessageType = "host-discovered"
	MessageTypeHostUpdate    MessageType = "host-updated"
	MessageTypeHostRemove    MessageType = "host-removed"
	MessageTypeScanComplete  MessageType = "scan-complete"
	MessageTypeCommandResult MessageType = "command-result"
)

// Outbound, from control plane to node agent.
const (
	MessageTypeRegistered MessageType = "registered"
	MessageTypeError      MessageType = "error"

	MessageTypeWake           MessageType = "wake"
	MessageTypeScan           MessageType = "scan"
	MessageTypePingHost       MessageType = "ping-host"
	MessageTypeScanHostPorts  MessageType = "scan-host-ports"
	MessageTypeUpdateHost     MessageType = "update-host"
	MessageTypeDeleteHost     MessageType = "delete-host"
	MessageTypeSleepHost      MessageType = "sleep-host"
	MessageTypeShutdownHost   MessageType = "shutdown-host"
)

// InboundNodeMessageTypes are the message types accepted from a registered node session,
// in NodeManager's inbound demux.
var InboundNodeMessageTypes = map[MessageType]bool{
	MessageTypeHeartbeat:     true,
	MessageTypeHostDiscover:  true,
	MessageTypeHostUpdate:    true,
	MessageTypeHostRemove:    true,
	MessageTypeScanComplete:  true,
	MessageTypeCommandResult: true,
}

// OutboundCommandTypes are the command types CommandRouter may dispatch to a node via
// NodeManager.sendCommand.
var OutboundCommandTypes = map[MessageType]bool{
	MessageTypeWake:          true,
	MessageTypeScan:          true,
	MessageTypePingHost:      true,
	MessageTypeScanHostPorts: true,
	MessageTypeUpdateHost:    true,
	MessageTypeDeleteHost:    true,
	MessageTypeSleepHost:     true,
	MessageTypeShutdownHost:  true,
}
