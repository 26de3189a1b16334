package query

import (
	"bytes"
	"encoding/json"
)

// Metadata "source" values attached to passages that arrived without their
// own metadata.
const (
	SourceRemote        = "remote"
	SourceRemoteUnknown = "remote-unknown"
)

// NormalizeSources converts the heterogeneous "sources" list returned by the
// inference service into Sources. Objects keep their text and metadata,
// strings become text tagged as remote, and anything else is rendered as its
// JSON text and tagged remote-unknown. The result is never nil.
func NormalizeSources(raw []json.RawMessage) []Source {
	out := make([]Source, 0, len(raw))
	for _, r := range raw {
		out = append(out, normalizeSource(r))
	}
	return out
}

func normalizeSource(raw json.RawMessage) Source {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return Source{Text: "", Metadata: map[string]any{"source": SourceRemoteUnknown}}
	}

	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil {
			return Source{Text: s, Metadata: map[string]any{"source": SourceRemote}}
		}
	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &obj); err == nil {
			return Source{Text: fieldText(obj["text"]), Metadata: fieldMetadata(obj["metadata"])}
		}
	}
	return Source{Text: string(trimmed), Metadata: map[string]any{"source": SourceRemoteUnknown}}
}

func fieldText(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func fieldMetadata(raw json.RawMessage) map[string]any {
	md := map[string]any{}
	if len(bytes.TrimSpace(raw)) == 0 {
		return md
	}
	if err := json.Unmarshal(raw, &md); err != nil || md == nil {
		return map[string]any{}
	}
	return md
}
