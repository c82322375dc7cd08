// SPDX-License-Identifier: Apache-2.0

package transform

import (
	"encoding/json"
	"fmt"
	"strings"
)

// wireMessage is the superset JSON shape covering both dialects described in
// §4.4: the "test" dialect embeds the payload as a JSON string under
// "message", the structured dialect nests it as an object under the same
// key. Decode sniffs which one it received by trying the object form first.
type wireMessage struct {
	Action   string          `json:"action"`
	LSN      string          `json:"lsn"`
	Time     int64           `json:"timestamp"`
	XID      uint32          `json:"xid"`
	Schema   string          `json:"schema"`
	Relation string          `json:"relation"`
	Identity *wireTuple      `json:"identity"`
	New      *wireTuple      `json:"new"`
	Timeline uint32          `json:"timeline"`
	WalSegSz uint64          `json:"walSegSz"`
	NextLSN  string          `json:"nextLsn"`
	Message  json.RawMessage `json:"message"`
}

type wireTuple struct {
	Columns []string      `json:"columns"`
	Values  []wireValue   `json:"values"`
}

type wireValue struct {
	Null   bool    `json:"null"`
	Bool   *bool   `json:"bool"`
	Int    *int64  `json:"int"`
	Float  *float64 `json:"float"`
	Text   *string `json:"text"`
	Bytea  string  `json:"bytea"`
	Quoted bool    `json:"quoted"`
}

// Decode parses one newline-delimited JSON record into a Message. It
// transparently unwraps the "test" dialect (payload as a JSON-encoded
// string under "message") by re-decoding that string as a wireMessage.
func Decode(line []byte) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(line, &w); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}

	if len(w.Message) > 0 && w.Message[0] == '"' {
		var inner string
		if err := json.Unmarshal(w.Message, &inner); err != nil {
			return Message{}, fmt.Errorf("decode nested test-dialect message: %w", err)
		}
		return Decode([]byte(inner))
	}
	if len(w.Message) > 0 {
		var nested wireMessage
		if err := json.Unmarshal(w.Message, &nested); err != nil {
			return Message{}, fmt.Errorf("decode nested structured message: %w", err)
		}
		if w.Action != "" {
			nested.Action = w.Action
		}
		w = nested
	}

	kind, err := parseKind(w.Action)
	if err != nil {
		return Message{}, err
	}

	msg := Message{
		Kind:     kind,
		XID:      w.XID,
		Schema:   w.Schema,
		Relation: w.Relation,
		Timeline: w.Timeline,
		WalSegSz: w.WalSegSz,
		Time:     w.Time,
	}

	msg.LSN, err = ParseLSN(w.LSN)
	if err != nil {
		return Message{}, err
	}
	if w.NextLSN != "" {
		msg.NextLSN, err = ParseLSN(w.NextLSN)
		if err != nil {
			return Message{}, err
		}
	}

	if w.Identity != nil {
		t := fromWireTuple(w.Identity)
		msg.Identity = &t
	}
	if w.New != nil {
		t := fromWireTuple(w.New)
		msg.New = &t
	}

	if (kind == KindUpdate || kind == KindDelete) && (msg.Identity == nil || len(msg.Identity.Columns) != 1) {
		return Message{}, fmt.Errorf("%s requires a single-column identity tuple", kind)
	}
	if (kind == KindUpdate) && (msg.New == nil || len(msg.New.Columns) != 1) {
		return Message{}, fmt.Errorf("update requires a single-column new tuple")
	}

	return msg, nil
}

func parseKind(action string) (Kind, error) {
	switch action {
	case "B", "BEGIN", "begin":
		return KindBegin, nil
	case "C", "COMMIT", "commit":
		return KindCommit, nil
	case "I", "INSERT", "insert":
		return KindInsert, nil
	case "U", "UPDATE", "update":
		return KindUpdate, nil
	case "D", "DELETE", "delete":
		return KindDelete, nil
	case "T", "TRUNCATE", "truncate":
		return KindTruncate, nil
	case "SWITCH", "switch":
		return KindSwitch, nil
	case "K", "KEEPALIVE", "keepalive":
		return KindKeepalive, nil
	default:
		return "", fmt.Errorf("unrecognized message action %q", action)
	}
}

func fromWireTuple(w *wireTuple) Tuple {
	t := Tuple{Columns: w.Columns, Values: make([]Value, len(w.Values))}
	for i, v := range w.Values {
		val := Value{Null: v.Null, Bool: v.Bool, Int: v.Int, Float: v.Float, Text: v.Text, Quoted: v.Quoted}
		if v.Bytea != "" {
			val.Bytea = []byte(v.Bytea)
		}
		t.Values[i] = val
	}
	return t
}

// ParseLSN parses a Postgres LSN in its textual "XXXXXXXX/XXXXXXXX" form (or
// a bare decimal, used by the test dialect) into its 64-bit integer value.
func ParseLSN(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	var hi, lo uint64
	if n, err := fmt.Sscanf(s, "%X/%X", &hi, &lo); err == nil && n == 2 {
		return hi<<32 | lo, nil
	}
	var dec uint64
	if _, err := fmt.Sscanf(s, "%d", &dec); err == nil {
		return dec, nil
	}
	return 0, fmt.Errorf("malformed lsn %q", s)
}

// FormatLSN renders lsn in Postgres's textual "XXXXXXXX/XXXXXXXX" form — two
// uppercase-hex halves separated by "/" (§6) — the inverse of ParseLSN.
func FormatLSN(lsn uint64) string {
	return fmt.Sprintf("%X/%X", lsn>>32, lsn&0xFFFFFFFF)
}

// ControlRecord is one parsed BEGIN/COMMIT/SWITCH/KEEPALIVE line from the
// transformer's output: the "<tag>{json}" control records of §6, as opposed
// to the plain SQL payload lines between them.
type ControlRecord struct {
	Tag string
	XID uint32
	LSN uint64
}

// ParseControlRecord parses one output line as a control record. ok is false
// for a plain SQL payload line, which callers should treat as a statement
// belonging to whichever transaction the most recent BEGIN/control record
// opened — this is the inverse of renderTransaction, and is what the
// round-trip law (§3 property 4) replays output files against.
func ParseControlRecord(line string) (ControlRecord, bool, error) {
	var tag string
	for _, t := range []string{"BEGIN", "COMMIT", "SWITCH", "KEEPALIVE"} {
		if strings.HasPrefix(line, t+"{") {
			tag = t
			break
		}
	}
	if tag == "" {
		return ControlRecord{}, false, nil
	}

	var body struct {
		XID uint32 `json:"xid"`
		LSN string `json:"lsn"`
	}
	if err := json.Unmarshal([]byte(line[len(tag):]), &body); err != nil {
		return ControlRecord{}, false, fmt.Errorf("parse %s control record: %w", tag, err)
	}
	lsn, err := ParseLSN(body.LSN)
	if err != nil {
		return ControlRecord{}, false, fmt.Errorf("parse %s control record: %w", tag, err)
	}
	return ControlRecord{Tag: tag, XID: body.XID, LSN: lsn}, true, nil
}
