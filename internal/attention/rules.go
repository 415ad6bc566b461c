package attention

import (
	"fmt"
	"regexp"

	"github.com/switchboard-sh/switchboard/internal/shared/types"
	"github.com/switchboard-sh/switchboard/internal/terminal"
)

// Rule is one compiled detection pattern. Prompt rules anchor at the
// end of the tail; error rules match anywhere in the window.
type Rule struct {
	Name       string
	Pattern    *regexp.Regexp
	Category   types.AttentionCategory
	Priority   float64
	Confidence float64
	Source     string
}

// NewRule compiles a pattern into a Rule. Zero priority or confidence
// fall back to the category defaults.
func NewRule(name, pattern string, category types.AttentionCategory, priority, confidence float64, source string) (Rule, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return Rule{}, fmt.Errorf("rule %s: %w", name, err)
	}
	switch category {
	case types.CategoryInputPrompt, types.CategoryChoicePrompt, types.CategoryErrorHalt:
	default:
		return Rule{}, fmt.Errorf("rule %s: unknown category %q", name, category)
	}
	if priority <= 0 {
		priority = DefaultPriority(category)
	}
	if confidence <= 0 {
		confidence = 0.5
	}
	return Rule{
		Name:       name,
		Pattern:    re,
		Category:   category,
		Priority:   priority,
		Confidence: confidence,
		Source:     source,
	}, nil
}

// DefaultPriority returns the base priority score for a category.
func DefaultPriority(category types.AttentionCategory) float64 {
	switch category {
	case types.CategoryErrorHalt:
		return 80
	case types.CategoryChoicePrompt:
		return 60
	case types.CategoryInputPrompt:
		return 50
	case types.CategoryEvictNotice:
		return 30
	case types.CategoryTerminated:
		return 20
	default:
		return 10
	}
}

func mustRule(name, pattern string, category types.AttentionCategory, priority, confidence float64) Rule {
	r, err := NewRule(name, pattern, category, priority, confidence, "builtin")
	if err != nil {
		panic(err)
	}
	return r
}

// DefaultRules is the builtin detection table, tuned against the prompt
// formats of common CLI agents and installers. Project rule files are
// merged after these, so a file rule with a longer match wins.
func DefaultRules() []Rule {
	return []Rule{
		// Choice prompts: an explicit set of answers is on screen.
		mustRule("yes-no", `\((?i:y/n|yes/no|y/n/a)\)[^\n]{0,20}$`, types.CategoryChoicePrompt, 60, 0.95),
		mustRule("yes-no-bracket", `\[(?i:y/n|yes/no)\][^\n]{0,20}$`, types.CategoryChoicePrompt, 60, 0.95),
		mustRule("do-you-want", `(?i)(?:do you want|would you like)[^\n]{0,40}\?[ \t]*$`, types.CategoryChoicePrompt, 60, 0.85),
		mustRule("confirm-question", `(?i)(?:proceed|continue)\?[ \t]*$`, types.CategoryChoicePrompt, 60, 0.8),
		mustRule("numbered-menu", `(?i)(?:^|\n)[ \t]*(?:\x{276f}|>)?[ \t]*\d+[.)][ \t]+(?:yes|no|skip|always|don't)[^\n]*$`, types.CategoryChoicePrompt, 60, 0.9),
		mustRule("select-option", `(?i)(?:select|choose)(?: an?)? (?:option|one|action)[^\n]{0,20}$`, types.CategoryChoicePrompt, 60, 0.8),

		// Input prompts: free-form text is expected.
		mustRule("press-enter", `(?i)press (?:enter|any key)(?: to continue)?[^\n]{0,10}$`, types.CategoryInputPrompt, 55, 0.9),
		mustRule("password", `(?i)(?:password|passphrase|api key|token)[^\n]{0,10}:[ \t]*$`, types.CategoryInputPrompt, 55, 0.95),
		mustRule("enter-value", `(?i)(?:^|\n)[ \t]*enter [^\n]{0,60}:[ \t]*$`, types.CategoryInputPrompt, 50, 0.8),
		mustRule("shortcuts-footer", `\? for shortcuts[ \t]*$`, types.CategoryInputPrompt, 45, 0.8),
		mustRule("trailing-colon", `\S:[ \t]$`, types.CategoryInputPrompt, 40, 0.4),
		mustRule("bare-caret", `(?:^|\n)[ \t]*(?:>|\x{276f}|\$)[ \t]?$`, types.CategoryInputPrompt, 40, 0.5),

		// Fatal errors: matched anywhere in the window, promoted to the
		// error state only after the grace period passes with no output.
		mustRule("error-line", `(?i)(?:^|\n)[ \t]*(?:error|fatal|panic):`, types.CategoryErrorHalt, 80, 0.8),
		mustRule("rust-error", `(?:^|\n)error\[E\d+\]`, types.CategoryErrorHalt, 80, 0.9),
		mustRule("npm-error", `(?:^|\n)npm ERR!`, types.CategoryErrorHalt, 80, 0.85),
		mustRule("python-traceback", `Traceback \(most recent call last\)`, types.CategoryErrorHalt, 80, 0.9),
		mustRule("segfault", `(?i)segmentation fault`, types.CategoryErrorHalt, 80, 0.9),
		mustRule("oom", `(?i)(?:out of memory|cannot allocate memory)`, types.CategoryErrorHalt, 80, 0.85),
		mustRule("not-found", `(?i)command not found`, types.CategoryErrorHalt, 75, 0.7),
		mustRule("permission-denied", `(?i)permission denied`, types.CategoryErrorHalt, 75, 0.7),
	}
}

// Match is one rule hit inside the match window.
type Match struct {
	Rule  Rule
	Text  string
	Start int
	End   int
}

// RuleSet is an immutable ordered collection of rules. The pool swaps
// the whole set atomically when rule files reload.
type RuleSet struct {
	rules []Rule
}

// NewRuleSet copies rules into a set, preserving order.
func NewRuleSet(rules ...[]Rule) *RuleSet {
	var all []Rule
	for _, group := range rules {
		all = append(all, group...)
	}
	return &RuleSet{rules: all}
}

// Rules returns the rules in match order.
func (rs *RuleSet) Rules() []Rule {
	out := make([]Rule, len(rs.rules))
	copy(out, rs.rules)
	return out
}

// Len returns the number of rules in the set.
func (rs *RuleSet) Len() int { return len(rs.rules) }

// Match returns the winning hit for text. When several rules hit, the
// longest matched literal wins; equal lengths fall back to category
// rank (input prompts over choice prompts over errors), then to rule
// order in the set. Error rules report their last occurrence in the
// window, since the most recent error is the one that may have halted
// the session.
func (rs *RuleSet) Match(text string) (Match, bool) {
	var best Match
	found := false
	for _, r := range rs.rules {
		var loc []int
		if r.Category == types.CategoryErrorHalt {
			if all := r.Pattern.FindAllStringIndex(text, -1); len(all) > 0 {
				loc = all[len(all)-1]
			}
		} else {
			loc = r.Pattern.FindStringIndex(text)
		}
		if loc == nil {
			continue
		}
		m := Match{Rule: r, Text: text[loc[0]:loc[1]], Start: loc[0], End: loc[1]}
		if !found || better(m, best) {
			best = m
			found = true
		}
	}
	return best, found
}

func better(a, b Match) bool {
	if len(a.Text) != len(b.Text) {
		return len(a.Text) > len(b.Text)
	}
	return categoryRank(a.Rule.Category) > categoryRank(b.Rule.Category)
}

func categoryRank(c types.AttentionCategory) int {
	switch c {
	case types.CategoryInputPrompt:
		return 3
	case types.CategoryChoicePrompt:
		return 2
	case types.CategoryErrorHalt:
		return 1
	default:
		return 0
	}
}

// Kind classifies one completed line for the output ring: lines that
// hit a prompt rule are tagged as prompts, the rest fall back to the
// stderr heuristic.
func (rs *RuleSet) Kind(line string) types.LineKind {
	if m, ok := rs.Match(line); ok {
		switch m.Rule.Category {
		case types.CategoryInputPrompt, types.CategoryChoicePrompt:
			return types.LinePrompt
		}
	}
	return terminal.DefaultClassifier(line)
}
