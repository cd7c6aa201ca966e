package tidy

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	mw "greekroom/internal/middleware"
)

func init() {
	mw.Register(Tidy{})
}

// Tidy strips transport noise from user text before it reaches the model:
// control characters, stray zero-width characters and CRLF line endings.
// Spacing is part of what the analysis tools inspect, so it is left alone
// unless Event.Context["tidy_whitespace"] = true asks for runs of spaces and
// blank lines to be folded.
//
// Disable per request with Event.Context["tidy"] = false.
type Tidy struct{}

func (Tidy) ID() string    { return "tidy" }
func (Tidy) Priority() int { return 100 }

func (Tidy) ShouldLoad(_ context.Context, e *mw.Event) bool {
	if e == nil || e.Context == nil {
		return true
	}
	if v, ok := e.Context["tidy"].(bool); ok {
		return v
	}
	return true
}

func (Tidy) OnEvent(_ context.Context, e *mw.Event) (mw.Decision, error) {
	if e == nil || e.Name != mw.EventBeforeUserMessage {
		return mw.Decision{}, nil
	}
	orig := e.UserText
	clean := Clean(orig)
	if fold, _ := e.Context["tidy_whitespace"].(bool); fold {
		clean = FoldWhitespace(clean)
	}

	// Never turn a message into nothing; let the controller reject it.
	if strings.TrimSpace(clean) == "" || clean == orig {
		return mw.Decision{}, nil
	}
	return mw.Decision{ReplaceText: &clean, Reason: "tidy: removed control characters"}, nil
}

var (
	// Fenced code keeps its own spacing.
	reFenceCode = regexp.MustCompile("(?s)```.*?```")

	// Control chars except \n and \t.
	reCtl = regexp.MustCompile(`[\x00-\x08\x0B\x0C\x0E-\x1F\x7F]+`)
	// Zero-width space/joiners and BOM that messaging apps leave behind.
	// ZWJ/ZWNJ (U+200D, U+200C) are kept: some scripts need them.
	reZeroWidth = regexp.MustCompile("[\u200B\u2060\uFEFF]+")

	reWS = regexp.MustCompile(`[ \t]+`)
	reNL = regexp.MustCompile(`\n{3,}`)
)

const phPrefix, phSuffix = "⟦P", "⟧"

// Clean removes control and zero-width characters and normalizes line
// endings. Everything else, spacing included, is kept byte for byte.
func Clean(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = reCtl.ReplaceAllString(s, "")
	return reZeroWidth.ReplaceAllString(s, "")
}

// FoldWhitespace collapses runs of spaces, trims lines and squeezes blank
// gaps. Fenced code keeps its own spacing.
func FoldWhitespace(s string) string {
	var fences []string
	s = reFenceCode.ReplaceAllStringFunc(s, func(m string) string {
		fences = append(fences, m)
		return phPrefix + strconv.Itoa(len(fences)-1) + phSuffix
	})

	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(reWS.ReplaceAllString(l, " "))
	}
	s = reNL.ReplaceAllString(strings.Join(lines, "\n"), "\n\n")

	for i := len(fences) - 1; i >= 0; i-- {
		s = strings.ReplaceAll(s, phPrefix+strconv.Itoa(i)+phSuffix, fences[i])
	}
	return strings.TrimSpace(s)
}
