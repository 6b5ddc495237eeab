package compliance

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

type Kind string

const (
	KindPII    Kind = "pii"
	KindSecret Kind = "secret"
	KindTarget Kind = "target"
)

// Violation is one rule hit. The matched text is never retained.
type Violation struct {
	Rule    string `json:"rule"`
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	Offset  int    `json:"offset"`
}

type Result struct {
	Violations []Violation `json:"violations,omitempty"`
}

func (r Result) Clean() bool { return len(r.Violations) == 0 }

// Summary joins the distinct rule names that fired.
func (r Result) Summary() string {
	seen := map[string]struct{}{}
	var names []string
	for _, v := range r.Violations {
		if _, ok := seen[v.Rule]; ok {
			continue
		}
		seen[v.Rule] = struct{}{}
		names = append(names, v.Rule)
	}
	return strings.Join(names, ", ")
}

// Checker scans outbound prompt text before it leaves the process.
type Checker interface {
	Scan(text string) Result
}

// Rule is a regex-based detection rule as stored in the rules file.
type Rule struct {
	Name    string `yaml:"name"`
	Kind    Kind   `yaml:"kind"`
	Pattern string `yaml:"pattern"`
	Message string `yaml:"message"`
	Verify  string `yaml:"verify"`
}

// RulesFile is the YAML schema root.
type RulesFile struct {
	Rules []Rule `yaml:"rules"`
}

type compiledRule struct {
	re   *regexp.Regexp
	rule Rule
}

// Scanner implements Checker over a fixed rule set.
type Scanner struct {
	rules []compiledRule
}

// NewScanner loads rules from path. An empty path selects the built-in rules.
func NewScanner(path string) (*Scanner, error) {
	rules, err := loadRules(path)
	if err != nil {
		return nil, err
	}
	return NewScannerFromRules(rules)
}

func NewScannerFromRules(rules []Rule) (*Scanner, error) {
	if len(rules) == 0 {
		return nil, errors.New("compliance: no rules")
	}
	compiled := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		if r.Name == "" || r.Pattern == "" {
			return nil, fmt.Errorf("compliance: rule requires name and pattern")
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("compliance: rule %s: %w", r.Name, err)
		}
		if r.Kind == "" {
			r.Kind = KindPII
		}
		compiled = append(compiled, compiledRule{re: re, rule: r})
	}
	return &Scanner{rules: compiled}, nil
}

func (s *Scanner) Scan(text string) Result {
	var res Result
	if s == nil || text == "" {
		return res
	}
	for _, cr := range s.rules {
		for _, loc := range cr.re.FindAllStringIndex(text, -1) {
			if cr.rule.Verify == "luhn" && !luhn(text[loc[0]:loc[1]]) {
				continue
			}
			res.Violations = append(res.Violations, Violation{
				Rule:    cr.rule.Name,
				Kind:    cr.rule.Kind,
				Message: cr.rule.Message,
				Offset:  loc[0],
			})
		}
	}
	return res
}

func loadRules(path string) ([]Rule, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultRules(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("compliance: read rules: %w", err)
	}
	var file RulesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("compliance: parse rules: %w", err)
	}
	if len(file.Rules) == 0 {
		return DefaultRules(), nil
	}
	return file.Rules, nil
}

// DefaultRules covers common PII and credential shapes.
func DefaultRules() []Rule {
	return []Rule{
		{Name: "email", Kind: KindPII, Pattern: `[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`, Message: "email address"},
		{Name: "national_id", Kind: KindPII, Pattern: `\b\d{3}-\d{2}-\d{4}\b`, Message: "national identifier"},
		{Name: "payment_card", Kind: KindPII, Pattern: `\b(?:\d[ \-]?){12,18}\d\b`, Message: "payment card number", Verify: "luhn"},
		{Name: "phone_number", Kind: KindPII, Pattern: `\+\d{1,3}[ \-]?\(?\d{2,4}\)?[ \-]?\d{3,4}[ \-]?\d{3,4}\b`, Message: "phone number"},
		{Name: "aws_access_key", Kind: KindSecret, Pattern: `\b(?:AKIA|ASIA)[0-9A-Z]{16}\b`, Message: "cloud access key"},
		{Name: "private_key", Kind: KindSecret, Pattern: `-----BEGIN (?:RSA |EC |OPENSSH |DSA )?PRIVATE KEY-----`, Message: "private key material"},
		{Name: "api_token", Kind: KindSecret, Pattern: `\bsk-[A-Za-z0-9_\-]{20,}\b`, Message: "API token"},
		{Name: "bearer_token", Kind: KindSecret, Pattern: `(?i)\bbearer\s+[A-Za-z0-9\-._~+/]{20,}=*`, Message: "bearer credential"},
		{Name: "credential_assignment", Kind: KindSecret, Pattern: `(?i)\b(?:password|passwd|secret|api[_\-]?key)\s*[:=]\s*\S{8,}`, Message: "inline credential"},
	}
}

func luhn(candidate string) bool {
	sum, count := 0, 0
	double := false
	for i := len(candidate) - 1; i >= 0; i-- {
		c := candidate[i]
		if c == ' ' || c == '-' {
			continue
		}
		if c < '0' || c > '9' {
			return false
		}
		d := int(c - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
		count++
	}
	return count >= 13 && sum%10 == 0
}
