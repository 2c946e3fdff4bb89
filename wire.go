package havenchat

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
)

// Servers in the wild send ids as numbers or strings and timestamps as ISO
// strings or epoch numbers, so frames are decoded loosely: JSON into a generic
// map first, then into the typed shape with weak typing and a time hook.

type wireMessage struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversationId"`
	SenderID       string         `json:"senderId"`
	Sender         any            `json:"sender"`
	SenderName     string         `json:"senderName"`
	Content        string         `json:"content"`
	Kind           string         `json:"kind"`
	Type           string         `json:"type"`
	Timestamp      time.Time      `json:"timestamp"`
	CreatedAt      time.Time      `json:"createdAt"`
	IsBot          bool           `json:"isBot"`
	Status         string         `json:"status"`
	Metadata       map[string]any `json:"metadata"`
}

type wireFrame struct {
	Type           string       `json:"type"`
	Event          string       `json:"event"`
	ConversationID string       `json:"conversationId"`
	Message        *wireMessage `json:"message"`
	UserID         string       `json:"userId"`
	IsTyping       bool         `json:"isTyping"`
	MessageID      string       `json:"messageId"`
	MessageIDs     []string     `json:"messageIds"`
	Status         string       `json:"status"`
	Online         *bool        `json:"online"`
}

var timeType = reflect.TypeOf(time.Time{})

// timeHook converts ISO-8601 strings and epoch numbers (seconds or
// milliseconds) into time.Time.
func timeHook() mapstructure.DecodeHookFuncType {
	return func(from, to reflect.Type, data any) (any, error) {
		if to != timeType {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			if v == "" {
				return time.Time{}, nil
			}
			if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
				return t, nil
			}
			if n, err := strconv.ParseFloat(v, 64); err == nil {
				return epochTime(n), nil
			}
			return nil, fmt.Errorf("unrecognized timestamp %q", v)
		case json.Number:
			n, err := v.Float64()
			if err != nil {
				return nil, err
			}
			return epochTime(n), nil
		case float64:
			return epochTime(v), nil
		case int64:
			return epochTime(float64(v)), nil
		}
		return data, nil
	}
}

// jsonStringToMapHook accepts metadata that arrives as a JSON-encoded string.
func jsonStringToMapHook() mapstructure.DecodeHookFuncType {
	return func(from, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.String || to.Kind() != reflect.Map {
			return data, nil
		}
		s := reflect.ValueOf(data).String()
		if s == "" {
			return map[string]any{}, nil
		}
		raw, err := parseJSON([]byte(s))
		if err != nil {
			return nil, errors.Wrap(err, "metadata string")
		}
		return raw, nil
	}
}

func epochTime(n float64) time.Time {
	// Anything past year 33658 in seconds is really milliseconds.
	if n > 1e12 {
		return time.UnixMilli(int64(n)).UTC()
	}
	sec := int64(n)
	return time.Unix(sec, int64((n-float64(sec))*1e9)).UTC()
}

func decodeLoose(input any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           out,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.ComposeDecodeHookFunc(timeHook(), jsonStringToMapHook()),
	})
	if err != nil {
		return errors.Wrap(err, "new decoder")
	}
	return dec.Decode(input)
}

func parseJSON(data []byte) (any, error) {
	d := json.NewDecoder(bytes.NewReader(data))
	d.UseNumber()
	var v any
	if err := d.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// decodeEvent decodes one inbound duplex frame.
func decodeEvent(data []byte) (*Event, error) {
	raw, err := parseJSON(data)
	if err != nil {
		return nil, errors.Wrap(err, "parse frame")
	}
	if _, ok := raw.(map[string]any); !ok {
		return nil, fmt.Errorf("frame is %T, want object", raw)
	}
	var f wireFrame
	if err := decodeLoose(raw, &f); err != nil {
		return nil, errors.Wrap(err, "decode frame")
	}

	evt := &Event{
		Type:           EventType(strings.ToLower(f.Type)),
		Name:           f.Event,
		ConversationID: f.ConversationID,
		UserID:         f.UserID,
		IsTyping:       f.IsTyping,
		MessageID:      f.MessageID,
		MessageIDs:     f.MessageIDs,
	}
	switch evt.Type {
	case EventMessage:
		if f.Message == nil {
			return nil, fmt.Errorf("message frame without message body")
		}
		m := f.Message.toMessage(f.ConversationID)
		if m.ID == "" {
			return nil, fmt.Errorf("message frame without message id")
		}
		evt.Message = &m
		if evt.ConversationID == "" {
			evt.ConversationID = m.ConversationID
		}
	case EventPresence:
		evt.Presence = presenceOf(f.Status, f.Online)
	case EventTyping, EventRead:
	default:
		return nil, fmt.Errorf("unknown frame type %q", f.Type)
	}
	return evt, nil
}

func presenceOf(status string, online *bool) PresenceStatus {
	switch PresenceStatus(strings.ToLower(status)) {
	case PresenceOnline:
		return PresenceOnline
	case PresenceAway:
		return PresenceAway
	case PresenceOffline:
		return PresenceOffline
	}
	if online != nil && *online {
		return PresenceOnline
	}
	return PresenceOffline
}

func (w *wireMessage) toMessage(conversationID string) Message {
	m := Message{
		ID:             w.ID,
		ConversationID: w.ConversationID,
		SenderID:       w.SenderID,
		SenderName:     w.SenderName,
		Content:        w.Content,
		Timestamp:      w.Timestamp,
		IsBot:          w.IsBot,
		Status:         StatusSent,
		Metadata:       w.Metadata,
	}
	if m.ConversationID == "" {
		m.ConversationID = conversationID
	}
	switch s := w.Sender.(type) {
	case string:
		if m.SenderID == "" {
			m.SenderID = s
		}
	case json.Number:
		if m.SenderID == "" {
			m.SenderID = s.String()
		}
	case map[string]any:
		if m.SenderID == "" {
			m.SenderID = stringField(s, "id", "_id", "userId")
		}
		if m.SenderName == "" {
			m.SenderName = stringField(s, "name", "displayName", "username")
		}
		if b, ok := s["isBot"].(bool); ok && b {
			m.IsBot = true
		}
	}

	kind := w.Kind
	if kind == "" {
		kind = w.Type
	}
	switch MessageKind(kind) {
	case KindImage, KindFile:
		m.Kind = MessageKind(kind)
	default:
		m.Kind = KindText
	}

	if m.Timestamp.IsZero() {
		m.Timestamp = w.CreatedAt
	}
	if st, ok := parseStatus(w.Status); ok && st.rank() > StatusSent.rank() {
		m.Status = st
	}
	if w.Metadata != nil {
		m.ClientID = stringField(w.Metadata, "clientId")
	}
	return m
}

func stringField(m map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case json.Number:
			return v.String()
		}
	}
	return ""
}

// unwrapEnvelope strips the {ok, data, error} envelope some endpoints use.
func unwrapEnvelope(raw any) (any, error) {
	obj, ok := raw.(map[string]any)
	if !ok {
		return raw, nil
	}
	if okv, present := obj["ok"]; present {
		if b, isBool := okv.(bool); isBool && !b {
			apiErr := &APIError{Message: "request failed"}
			if e, isMap := obj["error"].(map[string]any); isMap {
				apiErr.Code = stringField(e, "code")
				if msg := stringField(e, "message"); msg != "" {
					apiErr.Message = msg
				}
			}
			return nil, apiErr
		}
	}
	if data, present := obj["data"]; present {
		return data, nil
	}
	return raw, nil
}

// decodeMessageReply decodes the reply of a fallback send.
func decodeMessageReply(data []byte, conversationID string) (*Message, error) {
	raw, err := parseJSON(data)
	if err != nil {
		return nil, errors.Wrap(err, "parse reply")
	}
	body, err := unwrapEnvelope(raw)
	if err != nil {
		return nil, err
	}
	if obj, ok := body.(map[string]any); ok {
		if inner, ok := obj["message"].(map[string]any); ok {
			body = inner
		}
	}
	var w wireMessage
	if err := decodeLoose(body, &w); err != nil {
		return nil, errors.Wrap(err, "decode reply")
	}
	if w.ID == "" {
		return nil, fmt.Errorf("reply carries no message id")
	}
	m := w.toMessage(conversationID)
	return &m, nil
}

// decodeMessageList decodes a history reply.
func decodeMessageList(data []byte, conversationID string) ([]Message, error) {
	raw, err := parseJSON(data)
	if err != nil {
		return nil, errors.Wrap(err, "parse history")
	}
	body, err := unwrapEnvelope(raw)
	if err != nil {
		return nil, err
	}
	if obj, ok := body.(map[string]any); ok {
		body = obj["messages"]
	}
	items, ok := body.([]any)
	if !ok {
		if body == nil {
			return nil, nil
		}
		return nil, fmt.Errorf("history is %T, want array", body)
	}
	var ws []wireMessage
	if err := decodeLoose(items, &ws); err != nil {
		return nil, errors.Wrap(err, "decode history")
	}
	out := make([]Message, 0, len(ws))
	for i := range ws {
		if ws[i].ID == "" {
			continue
		}
		out = append(out, ws[i].toMessage(conversationID))
	}
	return out, nil
}
