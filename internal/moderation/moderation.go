// Package moderation gates chat content against a blocklist.
//
// The list is a flat file of comma- or newline-separated entries. Plain
// entries match as case-folded substrings; entries prefixed with "re:"
// compile as regular expressions. Pre-checks run before any credit is
// frozen, post-checks run on the full assistant text before settlement.
package moderation

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/emberai/huoyuan/internal/metrics"
)

// Stage names a check point for metrics and error codes.
type Stage string

const (
	StagePre  Stage = "pre"
	StagePost Stage = "post"
)

// Verdict is the outcome of a check. Reason names the matched entry.
type Verdict struct {
	OK     bool
	Reason string
}

// Gate matches text against the loaded blocklist.
type Gate struct {
	words    []string
	patterns []*regexp.Regexp
}

// Load reads the blocklist at path. An empty path yields a gate that
// passes everything.
func Load(path string) (*Gate, error) {
	if path == "" {
		return &Gate{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read blocklist: %w", err)
	}
	return Parse(string(raw))
}

// Parse builds a gate from raw blocklist content.
func Parse(raw string) (*Gate, error) {
	g := &Gate{}
	for _, entry := range strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == '\n' || r == '\r'
	}) {
		entry = strings.TrimSpace(entry)
		if entry == "" || strings.HasPrefix(entry, "#") {
			continue
		}
		if pat, ok := strings.CutPrefix(entry, "re:"); ok {
			re, err := regexp.Compile("(?i)" + pat)
			if err != nil {
				return nil, fmt.Errorf("blocklist pattern %q: %w", pat, err)
			}
			g.patterns = append(g.patterns, re)
			continue
		}
		g.words = append(g.words, strings.ToLower(entry))
	}
	return g, nil
}

// CheckPre screens user input before any balance is frozen.
func (g *Gate) CheckPre(text string) Verdict {
	return g.check(StagePre, text)
}

// CheckPost screens the assembled assistant output before settlement.
func (g *Gate) CheckPost(text string) Verdict {
	return g.check(StagePost, text)
}

func (g *Gate) check(stage Stage, text string) Verdict {
	folded := strings.ToLower(text)
	for _, w := range g.words {
		if strings.Contains(folded, w) {
			metrics.ModerationHitsTotal.WithLabelValues(string(stage)).Inc()
			return Verdict{OK: false, Reason: w}
		}
	}
	for _, re := range g.patterns {
		if re.MatchString(text) {
			metrics.ModerationHitsTotal.WithLabelValues(string(stage)).Inc()
			return Verdict{OK: false, Reason: re.String()}
		}
	}
	return Verdict{OK: true}
}

// Size returns the number of loaded entries, for startup logging.
func (g *Gate) Size() int {
	return len(g.words) + len(g.patterns)
}
