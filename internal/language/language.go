// Package language detects the script of incoming questions and routes text
// through a pluggable translator.
package language

import (
	"context"
	"fmt"
	"unicode"
)

// Code is an ISO 639-1 language code.
type Code string

const (
	English  Code = "en"
	Amharic  Code = "am"
	Tigrinya Code = "ti"
)

// Working is the language the inference service is queried in.
const Working = English

var (
	ethiopic = &unicode.RangeTable{R16: []unicode.Range16{{Lo: 0x1200, Hi: 0x137F, Stride: 1}}}

	// Letters used in Tigrinya but not in Amharic (qhe and xe series).
	tigrinyaOnly = &unicode.RangeTable{R16: []unicode.Range16{
		{Lo: 0x1250, Hi: 0x125D, Stride: 1},
		{Lo: 0x12B8, Hi: 0x12C5, Stride: 1},
	}}
)

// Detect classifies text by script. Ethiopic text is Tigrinya when it uses
// letters specific to Tigrinya and Amharic otherwise; everything else is
// English.
func Detect(text string) Code {
	geez := false
	for _, r := range text {
		if unicode.Is(tigrinyaOnly, r) {
			return Tigrinya
		}
		if unicode.Is(ethiopic, r) {
			geez = true
		}
	}
	if geez {
		return Amharic
	}
	return English
}

// Translator converts text between languages.
type Translator interface {
	Translate(ctx context.Context, text string, from, to Code) (string, error)
}

// Passthrough returns text unchanged.
type Passthrough struct{}

func (Passthrough) Translate(_ context.Context, text string, _, _ Code) (string, error) {
	return text, nil
}

// Normalizer brings questions into the working language and answers back out.
type Normalizer struct {
	translator Translator
}

// NewNormalizer wraps t. A nil t means Passthrough.
func NewNormalizer(t Translator) *Normalizer {
	if t == nil {
		t = Passthrough{}
	}
	return &Normalizer{translator: t}
}

// Detect reports the language of text.
func (n *Normalizer) Detect(text string) Code {
	return Detect(text)
}

// ToWorking translates text from lang into the working language. It reports
// whether a translation took place.
func (n *Normalizer) ToWorking(ctx context.Context, text string, lang Code) (string, bool, error) {
	if lang == Working {
		return text, false, nil
	}
	out, err := n.translator.Translate(ctx, text, lang, Working)
	if err != nil {
		return "", false, fmt.Errorf("translating %s to %s: %w", lang, Working, err)
	}
	return out, true, nil
}

// FromWorking translates text from the working language into lang.
func (n *Normalizer) FromWorking(ctx context.Context, text string, lang Code) (string, error) {
	if lang == Working {
		return text, nil
	}
	out, err := n.translator.Translate(ctx, text, Working, lang)
	if err != nil {
		return "", fmt.Errorf("translating %s to %s: %w", Working, lang, err)
	}
	return out, nil
}
