// Package classify tags build-tool output lines by semantic category.
//
// Classification is a pure function over a small ordered rule table:
// the first rule whose pattern matches wins, and a line that matches
// nothing is tagged Program (ordinary program output). Matches are
// anchored to the start of the line (after leading indentation) so
// program output that merely mentions a marker word mid-line is not
// misclassified.
package classify

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Tag is the semantic category of an output line.
type Tag string

const (
	TagError   Tag = "error"
	TagWarning Tag = "warning"
	TagInfo    Tag = "info"
	TagSuccess Tag = "success"
	TagCommand Tag = "command"
	TagProgram Tag = "program"
)

// Rule maps a line pattern to a tag. Patterns are matched against the
// line with leading whitespace stripped.
type Rule struct {
	Pattern *regexp.Regexp
	Tag     Tag
}

// Classifier applies an ordered rule table to output lines.
type Classifier struct {
	rules []Rule
}

// defaultRules covers the markers cargo and similar build tools emit.
// Order matters: error before warning before progress before success.
var defaultRules = []Rule{
	{regexp.MustCompile(`^error(\[[A-Z0-9]+\])?[:\s]`), TagError},
	{regexp.MustCompile(`^error$`), TagError},
	{regexp.MustCompile(`^(thread '.*' panicked|panicked at)`), TagError},
	{regexp.MustCompile(`^(FAILED|failures:)`), TagError},
	{regexp.MustCompile(`^warning(\[[A-Z0-9]+\])?[:\s]`), TagWarning},
	{regexp.MustCompile(`^(Compiling|Checking|Building|Downloading|Downloaded|Updating|Installing|Documenting|Fresh|Blocking|Unpacking)\b`), TagInfo},
	{regexp.MustCompile(`^Running\b`), TagInfo},
	{regexp.MustCompile(`^Finished\b`), TagSuccess},
	{regexp.MustCompile(`^test result: ok`), TagSuccess},
	{regexp.MustCompile(`^(Installed|Created|Generated)\b`), TagSuccess},
}

// NewClassifier returns a Classifier with the built-in rule table.
func NewClassifier() *Classifier {
	return &Classifier{rules: defaultRules}
}

// NewClassifierWithRules returns a Classifier that consults extra rules
// before the built-in table. Extra rules win on conflict.
func NewClassifierWithRules(extra []Rule) *Classifier {
	rules := make([]Rule, 0, len(extra)+len(defaultRules))
	rules = append(rules, extra...)
	rules = append(rules, defaultRules...)
	return &Classifier{rules: rules}
}

// Classify returns the tag for a single output line. It is total and
// deterministic: every line gets exactly one tag.
func (c *Classifier) Classify(line string) Tag {
	trimmed := strings.TrimLeft(line, " \t")
	for _, rule := range c.rules {
		if rule.Pattern.MatchString(trimmed) {
			return rule.Tag
		}
	}
	return TagProgram
}

// ruleFile is the on-disk shape of a custom rule table.
type ruleFile struct {
	Rules []struct {
		Pattern string `yaml:"pattern"`
		Tag     string `yaml:"tag"`
	} `yaml:"rules"`
}

var validTags = map[Tag]bool{
	TagError:   true,
	TagWarning: true,
	TagInfo:    true,
	TagSuccess: true,
	TagCommand: true,
	TagProgram: true,
}

// LoadRules reads extra classification rules from a YAML file. Each
// entry has a regular expression pattern and a target tag.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}

	var file ruleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse rules file: %w", err)
	}

	rules := make([]Rule, 0, len(file.Rules))
	for i, entry := range file.Rules {
		re, err := regexp.Compile(entry.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %d: invalid pattern %q: %w", i, entry.Pattern, err)
		}
		tag := Tag(entry.Tag)
		if !validTags[tag] {
			return nil, fmt.Errorf("rule %d: unknown tag %q", i, entry.Tag)
		}
		rules = append(rules, Rule{Pattern: re, Tag: tag})
	}

	return rules, nil
}
