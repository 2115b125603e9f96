package chat

import (
	"encoding/json"
	"reflect"
	"strings"

	"github.com/tidwall/gjson"
)

// UnrenderableContent is the text used for values that cannot be represented any other way
const UnrenderableContent = "[unrenderable content]"

const (
	tagToolCall   = "tool-call"
	tagToolResult = "tool-result"

	// Streaming handles may wrap other handles; stop following them past this depth
	maxHandleDepth = 32
)

// StreamingHandle is a value whose current contents are exposed through Value, e.g. a streamed text cell
type StreamingHandle interface {
	Value() any
}

// Normalize converts an arbitrary value into Content. It accepts strings, nil, streaming handles, decoded JSON
// (maps and slices), raw JSON bytes, legacy tool part arrays and arbitrary structs. It never panics; anything it
// cannot represent becomes UnrenderableContent.
func Normalize(raw any) (content Content) {
	defer func() {
		if r := recover(); r != nil {
			content = Text(UnrenderableContent)
		}
	}()
	return normalize(raw, 0)
}

func normalize(raw any, depth int) Content {
	if depth > maxHandleDepth {
		return Text(UnrenderableContent)
	}

	switch v := raw.(type) {
	case string:
		return Text(v)
	case nil:
		return Text("")
	case Content:
		return v
	case json.RawMessage:
		return normalizeJSON(v, depth)
	case []byte:
		return normalizeJSON(v, depth)
	case []string:
		return Text(strings.Join(v, " "))
	}

	if isNilValue(raw) {
		return Text("")
	}

	// Streaming handles expose their current value
	if h, ok := raw.(StreamingHandle); ok {
		return normalize(h.Value(), depth+1)
	}
	if m, ok := raw.(map[string]any); ok {
		if v, ok := m["value"]; ok {
			return normalize(v, depth+1)
		}
	}

	if isSequence(raw) {
		if content, ok := normalizeSequence(raw); ok {
			return content
		}
	}

	if obj, ok := asJSONObject(raw); ok {
		if text, ok := textField(obj); ok {
			return Text(text)
		}
	}

	return serialize(raw)
}

// normalizeJSON handles partially-serialized content: the bytes are parsed and fed back through the normal rules.
// Bytes that are not JSON are treated as plain text.
func normalizeJSON(b []byte, depth int) Content {
	if !gjson.ValidBytes(b) {
		return Text(string(b))
	}
	r := gjson.ParseBytes(b)
	if content, ok := classifyToolParts(r); ok {
		return content
	}
	return normalize(r.Value(), depth+1)
}

func normalizeSequence(raw any) (Content, bool) {
	b, err := json.Marshal(raw)
	if err != nil {
		return Content{}, false
	}
	r := gjson.ParseBytes(b)
	if content, ok := classifyToolParts(r); ok {
		return content, true
	}

	// A sequence made up entirely of strings is joined into a single text
	var parts []string
	allStrings := true
	r.ForEach(func(_, item gjson.Result) bool {
		if item.Type != gjson.String {
			allStrings = false
			return false
		}
		parts = append(parts, item.Str)
		return true
	})
	if allStrings {
		return Text(strings.Join(parts, " ")), true
	}
	return Content{}, false
}

// classifyToolParts recognizes arrays of tool parts as written by tool-calling SDKs and by the persistence layer,
// e.g. [{"type":"tool-call","toolName":"showStockPrice","toolCallId":"abc","args":{"symbol":"AAPL"}}]
func classifyToolParts(r gjson.Result) (Content, bool) {
	if !r.IsArray() {
		return Content{}, false
	}
	first := r.Get("0")
	if !first.IsObject() {
		return Content{}, false
	}
	tag := first.Get("type").String()
	if !first.Get("toolName").Exists() && tag != tagToolCall && tag != tagToolResult {
		return Content{}, false
	}

	isResult := tag == tagToolResult || (tag != tagToolCall && first.Get("result").Exists())
	if isResult {
		var results []ToolResult
		r.ForEach(func(_, item gjson.Result) bool {
			results = append(results, ToolResult{
				ToolName: item.Get("toolName").String(),
				CallID:   callID(item),
				Result:   rawField(item, "result"),
			})
			return true
		})
		return ToolResults(results...), true
	}

	var calls []ToolCall
	r.ForEach(func(_, item gjson.Result) bool {
		calls = append(calls, ToolCall{
			ToolName: item.Get("toolName").String(),
			CallID:   callID(item),
			Args:     rawField(item, "args"),
		})
		return true
	})
	return ToolCalls(calls...), true
}

func callID(item gjson.Result) string {
	for _, key := range []string{"toolCallId", "callId", "id"} {
		if v := item.Get(key); v.Exists() {
			return v.String()
		}
	}
	return ""
}

func rawField(item gjson.Result, key string) json.RawMessage {
	v := item.Get(key)
	if !v.Exists() {
		return nil
	}
	return json.RawMessage(v.Raw)
}

func textField(obj gjson.Result) (string, bool) {
	if t := obj.Get("text"); t.Type == gjson.String && t.Str != "" {
		return t.Str, true
	}
	if t := obj.Get("content"); t.Type == gjson.String {
		return t.Str, true
	}
	if t := obj.Get("message"); t.Type == gjson.String {
		return t.Str, true
	}
	return "", false
}

func serialize(raw any) Content {
	b, err := json.Marshal(raw)
	if err != nil {
		return Text(UnrenderableContent)
	}
	return Text(string(b))
}

func isNilValue(raw any) bool {
	v := reflect.ValueOf(raw)
	switch v.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan:
		return v.IsNil()
	}
	return false
}

func isSequence(raw any) bool {
	k := reflect.ValueOf(raw).Kind()
	return k == reflect.Slice || k == reflect.Array
}

func asJSONObject(raw any) (gjson.Result, bool) {
	v := reflect.ValueOf(raw)
	for v.Kind() == reflect.Pointer {
		v = v.Elem()
	}
	if v.Kind() != reflect.Map && v.Kind() != reflect.Struct {
		return gjson.Result{}, false
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return gjson.Result{}, false
	}
	r := gjson.ParseBytes(b)
	return r, r.IsObject()
}

// NormalizeStored restores persisted message content. kind is the content kind recorded alongside the message; rows
// written before kinds were recorded have an empty kind, in which case serialized tool parts are detected from the
// content itself. The result is always legal for role.
func NormalizeStored(role Role, kind ContentKind, stored string) Content {
	var content Content
	switch kind {
	case KindText:
		content = Text(stored)
	case KindToolCalls, KindToolResults:
		content = Normalize(json.RawMessage(stored))
	default:
		if role != RoleUser && strings.HasPrefix(strings.TrimSpace(stored), "[") {
			content = Normalize(json.RawMessage(stored))
		} else {
			content = Text(stored)
		}
	}
	return coerceForRole(role, content, stored)
}

func coerceForRole(role Role, content Content, stored string) Content {
	switch role {
	case RoleTool:
		if content.Kind != KindToolResults {
			return ToolResults()
		}
	case RoleAssistant:
		if content.Kind == KindToolResults {
			return Text(stored)
		}
	default:
		if content.Kind != KindText {
			return Text(stored)
		}
	}
	return content
}
