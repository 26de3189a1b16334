package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/kalambet/advisor/internal/query"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorDim    = "\033[2m"
	colorBold   = "\033[1m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printSuccess(format string, args ...any) {
	fmt.Fprintln(os.Stderr, colorize(colorGreen, "✓ "+fmt.Sprintf(format, args...)))
}

func printError(format string, args ...any) {
	fmt.Fprintln(os.Stderr, colorize(colorRed, "✗ "+fmt.Sprintf(format, args...)))
}

func printWarning(format string, args ...any) {
	fmt.Fprintln(os.Stderr, colorize(colorYellow, "⚠ "+fmt.Sprintf(format, args...)))
}

func printStatus(label string, format string, args ...any) {
	l := colorize(colorBold, label+":")
	fmt.Fprintf(os.Stderr, "  %s %s\n", l, fmt.Sprintf(format, args...))
}

func printStep(format string, args ...any) {
	fmt.Fprintln(os.Stderr, colorize(colorCyan, "→ "+fmt.Sprintf(format, args...)))
}

// backendColor highlights answers that did not come from the documents.
func backendColor(b query.Backend) string {
	switch b {
	case query.BackendRemote:
		return colorGreen
	case query.BackendRemoteOffline, query.BackendMock, query.BackendRemoteRaw:
		return colorYellow
	default:
		return colorRed
	}
}

// printAnswer writes an answer and its sources to w.
func printAnswer(w io.Writer, a askResponse) {
	fmt.Fprintln(w, a.Answer)
	if a.AnswerLocal != nil && *a.AnswerLocal != "" {
		fmt.Fprintln(w)
		fmt.Fprintln(w, *a.AnswerLocal)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "%s %s  %s %s\n",
		colorize(colorBold, "backend:"), colorize(backendColor(a.Backend), string(a.Backend)),
		colorize(colorBold, "question_id:"), a.QuestionID,
	)
	for i, s := range a.Sources {
		text := strings.Join(strings.Fields(s.Text), " ")
		if len(text) > 120 {
			text = text[:120] + "..."
		}
		fmt.Fprintf(w, "  %s %s\n", colorize(colorDim, fmt.Sprintf("[%d]", i+1)), text)
	}
}
