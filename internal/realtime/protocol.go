package realtime

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Engine.IO packet types.
const (
	EngineOpen    byte = '0'
	EngineClose   byte = '1'
	EnginePing    byte = '2'
	EnginePong    byte = '3'
	EngineMessage byte = '4'
	EngineNoop    byte = '6'
)

// Socket.IO packet types, carried inside an Engine.IO message.
const (
	SocketConnect      byte = '0'
	SocketDisconnect   byte = '1'
	SocketEvent        byte = '2'
	SocketConnectError byte = '4'
)

// EventQueueUpdate is the event carrying task update batches.
const EventQueueUpdate = "queue_update"

// OpenPayload is the Engine.IO handshake body.
type OpenPayload struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int      `json:"pingInterval"`
	PingTimeout  int      `json:"pingTimeout"`
	MaxPayload   int      `json:"maxPayload"`
}

// Liveness is how long the client waits for any frame before declaring the
// connection dead.
func (o OpenPayload) Liveness() time.Duration {
	interval := time.Duration(o.PingInterval) * time.Millisecond
	timeout := time.Duration(o.PingTimeout) * time.Millisecond
	if interval <= 0 {
		interval = 25 * time.Second
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return interval + timeout
}

// ConnectAuth is the auth object sent with the namespace connect packet.
type ConnectAuth struct {
	Token string `json:"token,omitempty"`
}

// Frame is a decoded Socket.IO packet.
type Frame struct {
	Type      byte
	Namespace string
	Data      json.RawMessage
}

// EncodeOpen builds the Engine.IO open frame a server sends first.
func EncodeOpen(open OpenPayload) ([]byte, error) {
	data, err := json.Marshal(open)
	if err != nil {
		return nil, err
	}
	return append([]byte{EngineOpen}, data...), nil
}

// EncodeConnect builds a namespace connect packet. A nil payload sends a bare "40".
func EncodeConnect(payload any) ([]byte, error) {
	return encodeSocket(SocketConnect, payload)
}

// EncodeConnectError builds a "44" packet with a message.
func EncodeConnectError(message string) ([]byte, error) {
	return encodeSocket(SocketConnectError, map[string]string{"message": message})
}

// EncodeEvent builds a "42" event frame: 42["name",payload].
func EncodeEvent(name string, payload any) ([]byte, error) {
	return encodeSocket(SocketEvent, []any{name, payload})
}

func encodeSocket(kind byte, payload any) ([]byte, error) {
	out := []byte{EngineMessage, kind}
	if payload == nil {
		return out, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode socket packet: %w", err)
	}
	return append(out, data...), nil
}

// DecodeSocket parses the Socket.IO packet that follows an Engine.IO
// message byte. Namespaces other than "/" are reported as-is; ack ids are
// skipped.
func DecodeSocket(packet []byte) (Frame, error) {
	if len(packet) == 0 {
		return Frame{}, errors.New("empty socket packet")
	}
	frame := Frame{Type: packet[0], Namespace: "/"}
	rest := packet[1:]
	if len(rest) > 0 && rest[0] == '/' {
		end := bytes.IndexByte(rest, ',')
		if end < 0 {
			frame.Namespace = string(rest)
			return frame, nil
		}
		frame.Namespace = string(rest[:end])
		rest = rest[end+1:]
	}
	for len(rest) > 0 && rest[0] >= '0' && rest[0] <= '9' {
		rest = rest[1:]
	}
	if len(rest) > 0 {
		frame.Data = json.RawMessage(rest)
	}
	return frame, nil
}

// DecodeEvent splits an event frame into its name and first argument.
func DecodeEvent(data json.RawMessage) (string, json.RawMessage, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return "", nil, fmt.Errorf("decode event: %w", err)
	}
	if len(parts) == 0 {
		return "", nil, errors.New("decode event: empty array")
	}
	var name string
	if err := json.Unmarshal(parts[0], &name); err != nil {
		return "", nil, fmt.Errorf("decode event name: %w", err)
	}
	if len(parts) < 2 {
		return name, nil, nil
	}
	return name, parts[1], nil
}

// ErrorMessage extracts the message of a connect error payload.
func ErrorMessage(data json.RawMessage) string {
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &payload); err == nil && payload.Message != "" {
		return payload.Message
	}
	return strings.TrimSpace(string(data))
}

// Endpoint converts an HTTP origin into the Engine.IO WebSocket URL.
func Endpoint(origin *url.URL, path string) (*url.URL, error) {
	if origin == nil {
		return nil, errors.New("realtime: origin is required")
	}
	u := *origin
	switch strings.ToLower(u.Scheme) {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("realtime: unsupported scheme %q", origin.Scheme)
	}
	if path == "" {
		path = "/socket.io/"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.Trim(path, "/") + "/"
	u.RawQuery = url.Values{"EIO": {"4"}, "transport": {"websocket"}}.Encode()
	u.Fragment = ""
	return &u, nil
}
