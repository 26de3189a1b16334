// Package fallback produces canned advisory answers when the service runs
// without an inference backend.
package fallback

import (
	"strings"

	"github.com/kalambet/advisor/internal/query"
)

// DefaultCorpus is the built-in set of advisory statements, most general first.
var DefaultCorpus = []string{
	"Teff is typically planted during June–July in Ethiopian highlands.",
	"Maize requires timely planting and nitrogen fertilization.",
	"Improving soil organic matter boosts crop yield.",
}

const lastResort = "Consult your local agricultural extension office for planting advice."

// Provider answers from a fixed corpus. It is deterministic and never
// returns an empty answer.
type Provider struct {
	corpus []string
}

// NewProvider creates a Provider over statements, or DefaultCorpus when none
// are given.
func NewProvider(statements ...string) *Provider {
	corpus := make([]string, 0, len(statements))
	for _, s := range statements {
		if s = strings.TrimSpace(s); s != "" {
			corpus = append(corpus, s)
		}
	}
	if len(statements) == 0 {
		corpus = append(corpus, DefaultCorpus...)
	}
	if len(corpus) == 0 {
		corpus = []string{lastResort}
	}
	return &Provider{corpus: corpus}
}

// Answer joins the first limit statements (at least one, at most the whole
// corpus) with blank lines.
func (p *Provider) Answer(limit int) query.Result {
	n := min(max(limit, 1), len(p.corpus))
	return query.Result{
		Answer:  strings.Join(p.corpus[:n], "\n\n"),
		Backend: query.BackendMock,
		Sources: []query.Source{},
	}
}
