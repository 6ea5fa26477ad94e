package agent

import (
	"encoding/json"
	"fmt"
	"reflect"
	"unicode/utf8"
)

// clipPayload returns a copy of data with every string longer than
// limit shortened. Nested maps and slices are walked. Typed composite
// values (structs, typed slices and maps) are converted to their JSON
// form first so their strings are bounded too.
func clipPayload(data map[string]any, limit int) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = clipValue(v, limit)
	}
	return out
}

func clipValue(v any, limit int) any {
	switch x := v.(type) {
	case nil:
		return nil
	case string:
		return clip(x, limit)
	case map[string]any:
		return clipPayload(x, limit)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = clipValue(e, limit)
		}
		return out
	case []string:
		out := make([]string, len(x))
		for i, e := range x {
			out[i] = clip(e, limit)
		}
		return out
	}

	switch reflect.TypeOf(v).Kind() {
	case reflect.Struct, reflect.Map, reflect.Slice, reflect.Array, reflect.Pointer, reflect.Interface:
		return clipValue(generic(v), limit)
	}
	return v
}

// generic converts v to the untyped form encoding/json decodes into.
// Values that cannot be marshaled fall back to their printed form.
func generic(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return string(data)
	}
	return out
}

// clip shortens s to at most limit bytes without splitting a rune.
func clip(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "...[truncated]"
}
