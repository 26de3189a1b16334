// Package query holds the request and result types shared by every stage of
// question answering, plus the rules that normalize them.
package query

import (
	"encoding/json"
)

// Backend labels which path produced a Result.
type Backend string

const (
	BackendMock          Backend = "mock"
	BackendRemote        Backend = "remote"
	BackendRemoteOffline Backend = "remote-offline"
	BackendRemoteRaw     Backend = "remote-raw"
	BackendError         Backend = "error"
)

// Valid reports whether b is one of the known labels.
func (b Backend) Valid() bool {
	switch b {
	case BackendMock, BackendRemote, BackendRemoteOffline, BackendRemoteRaw, BackendError:
		return true
	}
	return false
}

// Cacheable reports whether results with this label may be stored in the
// response cache. Failures and offline stubs are transient and must be
// recomputed on the next ask.
func (b Backend) Cacheable() bool {
	return b.Valid() && b != BackendError && b != BackendRemoteOffline
}

// Upstream reports whether the result came from the remote inference service.
func (b Backend) Upstream() bool {
	return b == BackendRemote || b == BackendRemoteRaw
}

const (
	MinLimit     = 1
	MaxLimit     = 10
	DefaultLimit = 3
)

// ClampLimit maps a requested number of results into [MinLimit, MaxLimit].
// Zero means "unspecified" and yields DefaultLimit.
func ClampLimit(k int) int {
	switch {
	case k == 0:
		return DefaultLimit
	case k < MinLimit:
		return MinLimit
	case k > MaxLimit:
		return MaxLimit
	}
	return k
}

// Request is a question as submitted by a caller.
type Request struct {
	Question       string `json:"question"`
	Limit          int    `json:"k"`
	TranslateLocal bool   `json:"translate_local"`
}

// Source is one supporting passage returned with an answer.
type Source struct {
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata"`
}

// Result is the answer to a Request.
type Result struct {
	Answer      string   `json:"answer"`
	Backend     Backend  `json:"backend"`
	Sources     []Source `json:"sources"`
	AnswerLocal *string  `json:"answer_local"`
}

// MarshalJSON guarantees "sources" encodes as a list, never null.
func (r Result) MarshalJSON() ([]byte, error) {
	type plain Result
	p := plain(r)
	if p.Sources == nil {
		p.Sources = []Source{}
	}
	return json.Marshal(p)
}
