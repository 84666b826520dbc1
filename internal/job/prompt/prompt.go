// Package prompt infers when a running subprocess is blocked waiting
// for interactive input.
//
// Two signals feed the detector: output lines, checked against a
// configured pattern list, and stretches of silence, a best-effort
// heuristic for programs that print a prompt without a trailing
// newline. Detection is one-shot per quiet period: once a prompt is
// signalled the detector stays quiet until new output resets it, so a
// consumer is not asked to open an input widget repeatedly for the
// same pause.
package prompt

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// windowSize bounds the rolling window of recent program lines kept
// for pattern matching.
const windowSize = 8

// DefaultPatterns matches the prompt shapes interactive CLI tools
// commonly emit: confirmation brackets, password requests, bare shell
// style prompts and trailing question marks.
var DefaultPatterns = []string{
	`\[y/N\]:?\s*$`,
	`\[Y/n\]:?\s*$`,
	`\[yes/no\]:?\s*$`,
	`(?i)password:\s*$`,
	`(?i)^enter .*:\s*$`,
	`>\s$`,
	`\?\s*$`,
}

// Detector folds over recent output and silence durations to decide
// whether the subprocess is waiting for input.
type Detector struct {
	patterns         []*regexp.Regexp
	silenceThreshold time.Duration

	window     []string
	suppressed bool
}

// NewDetector creates a Detector from raw pattern strings. An empty
// pattern list falls back to DefaultPatterns.
func NewDetector(patterns []string, silenceThreshold time.Duration) (*Detector, error) {
	if len(patterns) == 0 {
		patterns = DefaultPatterns
	}
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid prompt pattern %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}
	return &Detector{
		patterns:         compiled,
		silenceThreshold: silenceThreshold,
	}, nil
}

// SilenceThreshold returns the configured quiet period after which the
// detector assumes a prompt.
func (d *Detector) SilenceThreshold() time.Duration {
	return d.silenceThreshold
}

// ObserveLine records an output line and reports whether it looks like
// an input prompt. Any new output re-arms silence detection.
func (d *Detector) ObserveLine(text string) bool {
	d.suppressed = false

	d.window = append(d.window, text)
	if len(d.window) > windowSize {
		d.window = d.window[len(d.window)-windowSize:]
	}

	if d.matches(text) {
		d.suppressed = true
		return true
	}
	return false
}

// ObservePartial checks a newline-less output tail against the
// pattern list without recording it in the window; the text arrives
// again once the line completes. Like ObserveLine, it counts as new
// output and re-arms silence detection.
func (d *Detector) ObservePartial(text string) bool {
	d.suppressed = false
	if d.matches(text) {
		d.suppressed = true
		return true
	}
	return false
}

// Rearm re-enables detection after output that is not eligible for
// pattern matching, without touching the window.
func (d *Detector) Rearm() {
	d.suppressed = false
}

// ObserveSilence reports whether the given quiet period should be
// treated as a prompt. It fires at most once per quiet period; new
// output via ObserveLine re-arms it.
func (d *Detector) ObserveSilence(idle time.Duration) bool {
	if d.suppressed {
		return false
	}
	if idle < d.silenceThreshold {
		return false
	}
	d.suppressed = true
	return true
}

// Reset clears the rolling window and re-arms detection. Called when
// input is delivered to the subprocess.
func (d *Detector) Reset() {
	d.window = d.window[:0]
	d.suppressed = false
}

// matches checks a line against the pattern list. Trailing carriage
// returns are stripped first so Windows line endings do not defeat
// end-of-line anchors.
func (d *Detector) matches(text string) bool {
	trimmed := strings.TrimRight(text, "\r")
	if trimmed == "" {
		return false
	}
	for _, re := range d.patterns {
		if re.MatchString(trimmed) {
			return true
		}
	}
	return false
}
