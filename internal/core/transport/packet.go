package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// EngineType is the Engine.IO (protocol 3) packet type.
type EngineType byte

const (
	EngineOpen EngineType = iota
	EngineClose
	EnginePing
	EnginePong
	EngineMessage
	EngineUpgrade
	EngineNoop
)

// SocketType is the Socket.IO packet type carried by an EngineMessage.
type SocketType byte

const (
	SocketConnect SocketType = iota
	SocketDisconnect
	SocketEvent
	SocketAck
	SocketError
	SocketBinaryEvent
	SocketBinaryAck
)

// ErrBadPacket is returned for frames that are not valid Engine.IO packets.
var ErrBadPacket = errors.New("transport: malformed packet")

// Packet is one text frame on the push channel.
type Packet struct {
	Engine    EngineType
	Socket    SocketType // only meaningful for EngineMessage
	Namespace string     // "" for the default namespace
	Data      json.RawMessage
}

// Handshake is the payload of the EngineOpen packet.
type Handshake struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int64    `json:"pingInterval"` // ms
	PingTimeout  int64    `json:"pingTimeout"`  // ms
}

// Interval returns the ping interval, or def when the server did not send one.
func (h Handshake) Interval(def time.Duration) time.Duration {
	if h.PingInterval <= 0 {
		return def
	}
	return time.Duration(h.PingInterval) * time.Millisecond
}

// Timeout returns the ping timeout, or def when the server did not send one.
func (h Handshake) Timeout(def time.Duration) time.Duration {
	if h.PingTimeout <= 0 {
		return def
	}
	return time.Duration(h.PingTimeout) * time.Millisecond
}

// Namespace returns the push namespace of a user.
func Namespace(userID string) string {
	return "/v1/user/" + userID
}

// Ping returns an Engine.IO ping packet.
func Ping() Packet { return Packet{Engine: EnginePing} }

// Connect returns the Socket.IO namespace connect packet.
func Connect(namespace string) Packet {
	return Packet{Engine: EngineMessage, Socket: SocketConnect, Namespace: namespace}
}

// Disconnect returns the Socket.IO namespace disconnect packet.
func Disconnect(namespace string) Packet {
	return Packet{Engine: EngineMessage, Socket: SocketDisconnect, Namespace: namespace}
}

// Encode renders the packet as a text frame.
func (p Packet) Encode() string {
	var b strings.Builder
	b.WriteByte('0' + byte(p.Engine))
	if p.Engine != EngineMessage {
		b.Write(p.Data)
		return b.String()
	}

	b.WriteByte('0' + byte(p.Socket))
	if p.Namespace != "" && p.Namespace != "/" {
		b.WriteString(p.Namespace)
		if len(p.Data) > 0 {
			b.WriteByte(',')
		}
	}
	b.Write(p.Data)
	return b.String()
}

// DecodePacket parses a text frame.
func DecodePacket(frame string) (Packet, error) {
	if frame == "" {
		return Packet{}, fmt.Errorf("%w: empty frame", ErrBadPacket)
	}

	engine := EngineType(frame[0] - '0')
	if engine > EngineNoop {
		return Packet{}, fmt.Errorf("%w: engine type %q", ErrBadPacket, frame[0])
	}
	p := Packet{Engine: engine}
	rest := frame[1:]

	if engine != EngineMessage {
		if rest != "" {
			p.Data = json.RawMessage(rest)
		}
		return p, nil
	}

	if rest == "" {
		return Packet{}, fmt.Errorf("%w: message without socket type", ErrBadPacket)
	}
	socket := SocketType(rest[0] - '0')
	if socket > SocketBinaryAck {
		return Packet{}, fmt.Errorf("%w: socket type %q", ErrBadPacket, rest[0])
	}
	p.Socket = socket
	rest = rest[1:]

	if strings.HasPrefix(rest, "/") {
		ns := rest
		if i := strings.IndexByte(rest, ','); i >= 0 {
			ns, rest = rest[:i], rest[i+1:]
		} else {
			rest = ""
		}
		if i := strings.IndexByte(ns, '?'); i >= 0 {
			ns = ns[:i]
		}
		p.Namespace = ns
	}

	// Skip the ack id, if any.
	rest = strings.TrimLeft(rest, "0123456789")
	if rest != "" {
		p.Data = json.RawMessage(rest)
	}
	return p, nil
}

// EventArgs splits the data of a SocketEvent packet into the event name and
// its arguments.
func EventArgs(data json.RawMessage) (string, []json.RawMessage, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return "", nil, fmt.Errorf("%w: event payload: %w", ErrBadPacket, err)
	}
	if len(parts) == 0 {
		return "", nil, fmt.Errorf("%w: event without name", ErrBadPacket)
	}
	var name string
	if err := json.Unmarshal(parts[0], &name); err != nil {
		return "", nil, fmt.Errorf("%w: event name: %w", ErrBadPacket, err)
	}
	return name, parts[1:], nil
}

// ErrorMessage extracts the message of a SocketError packet.
func ErrorMessage(data json.RawMessage) string {
	var s string
	if json.Unmarshal(data, &s) == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &obj) == nil && obj.Message != "" {
		return obj.Message
	}
	return string(data)
}
