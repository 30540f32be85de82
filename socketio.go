package chatsync

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Engine.IO v4 packet types.
const (
	eioOpen    = '0'
	eioClose   = '1'
	eioPing    = '2'
	eioPong    = '3'
	eioMessage = '4'
)

// Socket.IO v5 packet types, carried inside Engine.IO message packets.
const (
	sioConnect      = '0'
	sioDisconnect   = '1'
	sioEvent        = '2'
	sioAck          = '3'
	sioConnectError = '4'
)

// engineOpen is the handshake the server sends first.
type engineOpen struct {
	SID          string `json:"sid"`
	PingInterval int    `json:"pingInterval"`
	PingTimeout  int    `json:"pingTimeout"`
	MaxPayload   int    `json:"maxPayload"`
}

// liveness is how long the client waits for a server ping before it gives
// the connection up.
func (o engineOpen) liveness() time.Duration {
	interval, timeout := o.PingInterval, o.PingTimeout
	if interval <= 0 {
		interval = 25000
	}
	if timeout <= 0 {
		timeout = 20000
	}
	return time.Duration(interval+timeout) * time.Millisecond
}

type socketPacket struct {
	Type      byte
	Namespace string
	ID        int
	HasID     bool
	Event     string
	Args      []json.RawMessage
	Data      json.RawMessage
}

// splitEngine separates the Engine.IO type byte from its data.
func splitEngine(frame string) (byte, string, error) {
	if frame == "" {
		return 0, "", fmt.Errorf("empty engine.io frame")
	}
	t := frame[0]
	if t < eioOpen || t > '6' {
		return 0, "", fmt.Errorf("unknown engine.io packet type %q", t)
	}
	return t, frame[1:], nil
}

func decodeSocketPacket(s string) (socketPacket, error) {
	if s == "" {
		return socketPacket{}, fmt.Errorf("empty socket.io packet")
	}
	p := socketPacket{Type: s[0], Namespace: "/"}
	if p.Type < sioConnect || p.Type > '6' {
		return socketPacket{}, fmt.Errorf("unknown socket.io packet type %q", p.Type)
	}
	rest := s[1:]
	if p.Type == '5' || p.Type == '6' {
		return socketPacket{}, fmt.Errorf("binary socket.io packets are not supported")
	}

	if strings.HasPrefix(rest, "/") {
		end := strings.IndexByte(rest, ',')
		if end < 0 {
			p.Namespace, rest = rest, ""
		} else {
			p.Namespace, rest = rest[:end], rest[end+1:]
		}
	}

	digits := 0
	for digits < len(rest) && rest[digits] >= '0' && rest[digits] <= '9' {
		digits++
	}
	if digits > 0 {
		id, err := strconv.Atoi(rest[:digits])
		if err != nil {
			return socketPacket{}, fmt.Errorf("packet id: %w", err)
		}
		p.ID, p.HasID = id, true
		rest = rest[digits:]
	}

	switch p.Type {
	case sioEvent, sioAck:
		if rest == "" {
			return socketPacket{}, fmt.Errorf("packet %q has no payload", p.Type)
		}
		if err := json.Unmarshal([]byte(rest), &p.Args); err != nil {
			return socketPacket{}, fmt.Errorf("decode payload: %w", err)
		}
		if p.Type == sioEvent {
			if len(p.Args) == 0 {
				return socketPacket{}, fmt.Errorf("event packet without a name")
			}
			if err := json.Unmarshal(p.Args[0], &p.Event); err != nil {
				return socketPacket{}, fmt.Errorf("event name: %w", err)
			}
			p.Args = p.Args[1:]
		}
	default:
		if rest != "" {
			p.Data = json.RawMessage(rest)
		}
	}
	return p, nil
}

// encodeEvent builds the websocket frame for an EVENT packet. id < 0 means
// no acknowledgement is requested.
func encodeEvent(id int, event string, payload any) (string, error) {
	body, err := json.Marshal([]any{event, payload})
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", event, err)
	}
	var b strings.Builder
	b.WriteByte(eioMessage)
	b.WriteByte(sioEvent)
	if id >= 0 {
		b.WriteString(strconv.Itoa(id))
	}
	b.Write(body)
	return b.String(), nil
}

func encodeConnect(auth any) (string, error) {
	if auth == nil {
		return string([]byte{eioMessage, sioConnect}), nil
	}
	body, err := json.Marshal(auth)
	if err != nil {
		return "", fmt.Errorf("encode auth: %w", err)
	}
	return string([]byte{eioMessage, sioConnect}) + string(body), nil
}

// connectErrorMessage extracts the server's reason from a CONNECT_ERROR
// payload, which is either {"message": ...} or a bare string.
func connectErrorMessage(data json.RawMessage) string {
	var obj struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &obj) == nil && obj.Message != "" {
		return obj.Message
	}
	var s string
	if json.Unmarshal(data, &s) == nil && s != "" {
		return s
	}
	return "connection refused"
}
