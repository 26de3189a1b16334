package query

import "encoding/json"

// Fingerprint identifies semantically identical requests. Two requests with
// equal fingerprints share one cache entry.
type Fingerprint struct {
	Question       string
	Limit          int
	TranslateLocal bool
}

// FingerprintOf builds the fingerprint of req using its clamped limit.
func FingerprintOf(req Request) Fingerprint {
	return Fingerprint{
		Question:       req.Question,
		Limit:          ClampLimit(req.Limit),
		TranslateLocal: req.TranslateLocal,
	}
}

// Key encodes the fingerprint as a JSON array. JSON string quoting makes the
// encoding injective, so no question text can collide with another tuple.
func (f Fingerprint) Key() string {
	b, _ := json.Marshal([]any{f.Question, f.Limit, f.TranslateLocal})
	return string(b)
}
