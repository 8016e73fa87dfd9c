package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const headerLen = 12

// Encode frames a signal in the binary wire format: a 12-byte header
// (type, version, payload length, unix seconds, all big-endian)
// followed by the JSON payload. The sender name is injected into the
// payload before serialization.
func Encode(signalType uint16, sender string, payload map[string]any) ([]byte, error) {
	body := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		body[k] = v
	}
	body["sender"] = sender

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	buf := make([]byte, headerLen+len(data))
	binary.BigEndian.PutUint16(buf[0:2], signalType)
	binary.BigEndian.PutUint16(buf[2:4], Version)
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(data)))
	binary.BigEndian.PutUint32(buf[8:12], uint32(time.Now().Unix()))
	copy(buf[headerLen:], data)
	return buf, nil
}

// Decode parses a datagram, trying the framed binary format first and
// the legacy text variants after it. Returns nil if nothing parses;
// malformed input never panics or errors out of this function.
func Decode(data []byte) *Message {
	if m := decodeBinary(data); m != nil {
		return m
	}
	if m := decodeLegacyShort(data); m != nil {
		return m
	}
	if m := decodeLegacyLong(data); m != nil {
		return m
	}
	return decodeLegacyColon(data)
}

func decodeBinary(data []byte) *Message {
	if len(data) < headerLen {
		return nil
	}
	signalType := binary.BigEndian.Uint16(data[0:2])
	version := binary.BigEndian.Uint16(data[2:4])
	payloadLen := binary.BigEndian.Uint32(data[4:8])
	ts := binary.BigEndian.Uint32(data[8:12])

	if signalType == 0 || signalType > 0xFF {
		return nil
	}
	if int(payloadLen) > len(data)-headerLen {
		return nil
	}

	var payload map[string]any
	if err := json.Unmarshal(data[headerLen:headerLen+int(payloadLen)], &payload); err != nil {
		return nil
	}
	return &Message{
		SignalType: signalType,
		Version:    version,
		Timestamp:  int64(ts),
		Payload:    payload,
	}
}

// decodeLegacyShort handles the abbreviated JSON form {t, s, d, ts}.
func decodeLegacyShort(data []byte) *Message {
	var raw struct {
		T  any             `json:"t"`
		S  string          `json:"s"`
		D  map[string]any  `json:"d"`
		TS json.RawMessage `json:"ts"`
	}
	if err := json.Unmarshal(data, &raw); err != nil || raw.T == nil {
		return nil
	}
	return legacyMessage(raw.T, raw.S, raw.D, raw.TS)
}

// decodeLegacyLong handles the verbose JSON form
// {type, source, payload, timestamp}.
func decodeLegacyLong(data []byte) *Message {
	var raw struct {
		Type      any             `json:"type"`
		Source    string          `json:"source"`
		Payload   map[string]any  `json:"payload"`
		Timestamp json.RawMessage `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &raw); err != nil || raw.Type == nil {
		return nil
	}
	return legacyMessage(raw.Type, raw.Source, raw.Payload, raw.Timestamp)
}

// decodeLegacyColon handles TYPE:SENDER:PAYLOAD_JSON:TIMESTAMP_MS.
// The payload may itself contain colons, so the type and sender are
// taken from the front and the timestamp from the back.
func decodeLegacyColon(data []byte) *Message {
	s := string(data)
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 {
		return nil
	}
	rest := parts[2]
	idx := strings.LastIndex(rest, ":")
	if idx < 0 {
		return nil
	}
	tsMs, err := strconv.ParseInt(strings.TrimSpace(rest[idx+1:]), 10, 64)
	if err != nil {
		return nil
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(rest[:idx]), &payload); err != nil {
		return nil
	}

	code := legacyCode(parts[0])
	out := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		out[k] = v
	}
	out["sender"] = parts[1]
	return &Message{
		SignalType: code,
		Version:    Version,
		Timestamp:  tsMs / 1000,
		Payload:    out,
	}
}

func legacyMessage(typ any, sender string, payload map[string]any, ts json.RawMessage) *Message {
	out := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		out[k] = v
	}
	if sender != "" {
		out["sender"] = sender
	}

	var tsMs int64
	if len(ts) > 0 {
		var n float64
		if err := json.Unmarshal(ts, &n); err == nil {
			tsMs = int64(n)
		}
	}
	if tsMs == 0 {
		tsMs = time.Now().UnixMilli()
	}

	return &Message{
		SignalType: legacyCode(typ),
		Version:    Version,
		Timestamp:  tsMs / 1000,
		Payload:    out,
	}
}
