package protocol

import (
	"bytes"
	"cmp"
	"encoding/base64"
	"encoding/json"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

type Kind string

const (
	KindSetupAck     Kind = "setup_ack"
	KindAudio        Kind = "audio_chunk"
	KindText         Kind = "text_chunk"
	KindResumption   Kind = "resumption_update"
	KindError        Kind = "error_notice"
	KindTurnComplete Kind = "turn_complete"
	KindInterrupted  Kind = "interrupted"
	KindGoAway       Kind = "go_away"
)

type Speaker string

const (
	SpeakerUser  Speaker = "user"
	SpeakerModel Speaker = "model"
)

// Message is one decoded inbound item. A single envelope can carry several,
// e.g. text and audio parts of the same model turn.
type Message struct {
	Kind Kind

	// KindAudio
	Audio    []byte
	MimeType string

	// KindText
	Text    string
	Speaker Speaker

	// KindResumption
	Handle    string
	Resumable bool

	// KindError
	Code    int
	Status  string
	Message string

	// KindGoAway
	TimeLeft time.Duration
}

// Decoder turns raw inbound frames into Messages.
type Decoder struct {
	logger *zap.Logger
}

func NewDecoder(logger *zap.Logger) *Decoder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Decoder{logger: logger.With(zap.String("component", "protocol_decoder"))}
}

// keyRank fixes the order top-level keys are handled in, so an envelope
// decodes the same way every time: acknowledgement and handle first, content
// next, then goAway and error, which end the connection. Unknown keys sort
// last by name.
var keyRank = map[string]int{
	"setupComplete":             0,
	"setup_complete":            0,
	"sessionResumptionUpdate":   1,
	"session_resumption_update": 1,
	"serverContent":             2,
	"server_content":            2,
	"goAway":                    3,
	"go_away":                   3,
	"error":                     4,
}

func rank(key string) int {
	if r, ok := keyRank[key]; ok {
		return r
	}
	return len(keyRank)
}

func orderedKeys(obj map[string]any) []string {
	return slices.SortedFunc(maps.Keys(obj), func(a, b string) int {
		return cmp.Or(cmp.Compare(rank(a), rank(b)), cmp.Compare(a, b))
	})
}

// quietKeys are recognized but carry nothing the session acts on.
var quietKeys = map[string]bool{
	"usageMetadata":  true,
	"usage_metadata": true,
}

// Decode parses one inbound envelope. Unknown top-level keys are logged and
// skipped. Malformed input returns *Error.
func (d *Decoder) Decode(raw []byte) ([]Message, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, newError("empty frame", nil)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var root any
	if err := dec.Decode(&root); err != nil {
		return nil, newError("invalid json", err)
	}
	obj, ok := root.(map[string]any)
	if !ok {
		return nil, newError("envelope is not an object", nil)
	}

	var out []Message
	for _, key := range orderedKeys(obj) {
		val := obj[key]
		switch key {
		case "setupComplete", "setup_complete":
			// Presence is the acknowledgement; the value may be {}, true or null.
			out = append(out, Message{Kind: KindSetupAck})
		case "serverContent", "server_content":
			msgs, err := decodeServerContent(val)
			if err != nil {
				return nil, err
			}
			out = append(out, msgs...)
		case "sessionResumptionUpdate", "session_resumption_update":
			m, ok := asObject(val)
			if !ok {
				return nil, newError("sessionResumptionUpdate is not an object", nil)
			}
			out = append(out, Message{
				Kind:      KindResumption,
				Handle:    pickString(m, "newHandle", "new_handle", "handle"),
				Resumable: pickBool(m, true, "resumable"),
			})
		case "goAway", "go_away":
			m, _ := asObject(val)
			out = append(out, Message{Kind: KindGoAway, TimeLeft: parseDuration(pick(m, "timeLeft", "time_left"))})
		case "error":
			out = append(out, decodeErrorNotice(val))
		default:
			if !quietKeys[key] {
				d.logger.Debug("ignoring unknown envelope key", zap.String("key", key))
			}
		}
	}
	return out, nil
}

func decodeServerContent(val any) ([]Message, error) {
	sc, ok := asObject(val)
	if !ok {
		return nil, newError("serverContent is not an object", nil)
	}
	var out []Message

	if pickBool(sc, false, "interrupted") {
		out = append(out, Message{Kind: KindInterrupted})
	}
	if t, ok := asObject(pick(sc, "inputTranscription", "input_transcription")); ok {
		if text := pickString(t, "text"); text != "" {
			out = append(out, Message{Kind: KindText, Text: text, Speaker: SpeakerUser})
		}
	}

	if turn, ok := asObject(pick(sc, "modelTurn", "model_turn")); ok {
		parts, _ := turn["parts"].([]any)
		for _, p := range parts {
			part, ok := asObject(p)
			if !ok {
				continue
			}
			if text := pickString(part, "text"); text != "" {
				out = append(out, Message{Kind: KindText, Text: text, Speaker: SpeakerModel})
			}
			inline, ok := asObject(pick(part, "inlineData", "inline_data"))
			if !ok {
				continue
			}
			data := pickString(inline, "data")
			if data == "" {
				continue
			}
			pcm, err := base64.StdEncoding.DecodeString(data)
			if err != nil {
				return nil, newError("invalid inlineData base64", err)
			}
			out = append(out, Message{
				Kind:     KindAudio,
				Audio:    pcm,
				MimeType: pickString(inline, "mimeType", "mime_type"),
			})
		}
	}

	if t, ok := asObject(pick(sc, "outputTranscription", "output_transcription")); ok {
		if text := pickString(t, "text"); text != "" {
			out = append(out, Message{Kind: KindText, Text: text, Speaker: SpeakerModel})
		}
	}
	if pickBool(sc, false, "turnComplete", "turn_complete") {
		out = append(out, Message{Kind: KindTurnComplete})
	}
	return out, nil
}

func decodeErrorNotice(val any) Message {
	msg := Message{Kind: KindError}
	obj, ok := asObject(val)
	if !ok {
		msg.Message = asString(val)
		return msg
	}
	msg.Message = pickString(obj, "message")
	msg.Status = strings.ToUpper(pickString(obj, "status"))
	switch c := pick(obj, "code").(type) {
	case json.Number:
		if n, err := c.Int64(); err == nil {
			msg.Code = int(n)
		}
	case string:
		if n, err := strconv.Atoi(c); err == nil {
			msg.Code = n
		} else if msg.Status == "" {
			msg.Status = strings.ToUpper(c)
		}
	}
	if msg.Code == 0 {
		msg.Code = StatusCode(msg.Status)
	}
	return msg
}

// StatusCode maps canonical RPC status names onto the HTTP codes the
// supervisor routes on.
func StatusCode(status string) int {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "UNAUTHENTICATED":
		return 401
	case "PERMISSION_DENIED":
		return 403
	case "NOT_FOUND":
		return 404
	case "INVALID_ARGUMENT", "FAILED_PRECONDITION":
		return 400
	case "RESOURCE_EXHAUSTED":
		return 429
	case "UNAVAILABLE":
		return 503
	case "INTERNAL":
		return 500
	case "DEADLINE_EXCEEDED":
		return 504
	default:
		return 0
	}
}

func parseDuration(v any) time.Duration {
	switch t := v.(type) {
	case string:
		d, err := time.ParseDuration(strings.TrimSpace(t))
		if err != nil {
			return 0
		}
		return d
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return 0
		}
		return time.Duration(f * float64(time.Second))
	case map[string]any:
		secs, _ := asNumber(t["seconds"])
		nanos, _ := asNumber(t["nanos"])
		return time.Duration(secs*float64(time.Second) + nanos)
	default:
		return 0
	}
}

func pick(obj map[string]any, keys ...string) any {
	if obj == nil {
		return nil
	}
	for _, k := range keys {
		if v, ok := obj[k]; ok {
			return v
		}
	}
	return nil
}

func pickString(obj map[string]any, keys ...string) string {
	return asString(pick(obj, keys...))
}

func pickBool(obj map[string]any, fallback bool, keys ...string) bool {
	if b, ok := pick(obj, keys...).(bool); ok {
		return b
	}
	return fallback
}

func asObject(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	default:
		return ""
	}
}

func asNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
