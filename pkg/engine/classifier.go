package engine

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// ErrorPattern maps step output to an error code.
type ErrorPattern struct {
	Name      string     `yaml:"name" json:"name"`
	Pattern   string     `yaml:"pattern" json:"pattern"`
	Code      string     `yaml:"code" json:"code"`
	Class     ErrorClass `yaml:"class,omitempty" json:"class,omitempty"`
	Retryable bool       `yaml:"retryable" json:"retryable"`
	Hint      string     `yaml:"hint,omitempty" json:"hint,omitempty"`

	re *regexp.Regexp
}

// Match is a classified failure.
type Match struct {
	Name      string     `json:"name"`
	Code      string     `json:"code"`
	Class     ErrorClass `json:"class"`
	Retryable bool       `json:"retryable"`
	Hint      string     `json:"hint,omitempty"`
	Excerpt   string     `json:"excerpt"`
}

var builtinPatterns = []ErrorPattern{
	{
		Name: "QuotaExceeded", Pattern: `(?i)QuotaExceeded|quota .*exceeded|OperationNotAllowed.*quota`,
		Code: "QUOTA_EXCEEDED", Class: ErrorClassThrottled,
		Hint: "Request a quota increase or choose a smaller SKU or another region.",
	},
	{
		Name: "AuthorizationFailed", Pattern: `(?i)AuthorizationFailed|does not have authorization|AuthenticationFailed|Forbidden`,
		Code: "AUTHORIZATION_FAILED", Class: ErrorClassPermanent,
		Hint: "Check the role assignments of the identity running the command.",
	},
	{
		Name: "ResourceGroupNotFound", Pattern: `(?i)ResourceGroupNotFound|resource group .* could not be found`,
		Code: "RESOURCE_GROUP_NOT_FOUND", Class: ErrorClassPermanent,
		Hint: "Create the resource group first or fix the group name.",
	},
	{
		Name: "ResourceNotFound", Pattern: `(?i)ResourceNotFound|was not found|could not be found`,
		Code: "RESOURCE_NOT_FOUND", Class: ErrorClassPermanent,
		Hint: "A referenced resource does not exist; check the prerequisites.",
	},
	{
		Name: "Conflict", Pattern: `(?i)\bConflict\b|AnotherOperationInProgress|already exists`,
		Code: "CONFLICT", Class: ErrorClassConflict, Retryable: true,
		Hint: "Another operation holds the resource; retry once it finishes.",
	},
	{
		Name: "InvalidTemplate", Pattern: `(?i)InvalidTemplate|InvalidTemplateDeployment|DeploymentFailed.*template`,
		Code: "INVALID_TEMPLATE", Class: ErrorClassPermanent,
		Hint: "Validate the template and its parameters.",
	},
	{
		Name: "Throttled", Pattern: `(?i)TooManyRequests|Throttl|\b429\b|rate limit`,
		Code: "THROTTLED", Class: ErrorClassThrottled, Retryable: true,
		Hint: "The API is throttling requests; retry later.",
	},
	{
		Name: "SkuNotAvailable", Pattern: `(?i)SkuNotAvailable|requested size .* not available`,
		Code: "SKU_NOT_AVAILABLE", Class: ErrorClassPermanent,
		Hint: "Choose another size or region.",
	},
	{
		Name: "Timeout", Pattern: `(?i)timed? ?out|deadline exceeded|GatewayTimeout`,
		Code: "TIMEOUT", Class: ErrorClassTransient, Retryable: true,
		Hint: "The command timed out; check connectivity and retry.",
	},
}

// PatternClassifier matches failed step output against an ordered catalog.
// The first matching pattern wins.
type PatternClassifier struct {
	patterns []ErrorPattern
}

// NewPatternClassifier returns a classifier with the built-in catalog
// followed by extra.
func NewPatternClassifier(extra ...ErrorPattern) (*PatternClassifier, error) {
	pc := &PatternClassifier{}
	for _, p := range append(append([]ErrorPattern(nil), builtinPatterns...), extra...) {
		if err := pc.add(p); err != nil {
			return nil, err
		}
	}
	return pc, nil
}

// LoadPatternCatalog reads a YAML list of patterns, or a document with a
// top-level "patterns" list.
func LoadPatternCatalog(path string) ([]ErrorPattern, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pattern catalog: %w", err)
	}

	var list []ErrorPattern
	if err := yaml.Unmarshal(data, &list); err == nil {
		return list, nil
	}
	var doc struct {
		Patterns []ErrorPattern `yaml:"patterns"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse pattern catalog %s: %w", path, err)
	}
	return doc.Patterns, nil
}

func (pc *PatternClassifier) add(p ErrorPattern) error {
	if p.Name == "" || p.Code == "" {
		return fmt.Errorf("error pattern needs a name and a code: %+v", p)
	}
	re, err := regexp.Compile(p.Pattern)
	if err != nil {
		return fmt.Errorf("error pattern %s: %w", p.Name, err)
	}
	if p.Class == "" {
		p.Class = ErrorClassPermanent
	}
	p.re = re
	pc.patterns = append(pc.patterns, p)
	return nil
}

// Classify returns the first pattern matching output.
func (pc *PatternClassifier) Classify(output string) (*Match, bool) {
	if pc == nil {
		return nil, false
	}
	for _, p := range pc.patterns {
		loc := p.re.FindStringIndex(output)
		if loc == nil {
			continue
		}
		return &Match{
			Name:      p.Name,
			Code:      p.Code,
			Class:     p.Class,
			Retryable: p.Retryable,
			Hint:      p.Hint,
			Excerpt:   excerpt(output, loc[0], loc[1]),
		}, true
	}
	return nil, false
}

// Patterns returns the catalog in match order.
func (pc *PatternClassifier) Patterns() []ErrorPattern {
	return append([]ErrorPattern(nil), pc.patterns...)
}

// excerpt returns the line containing output[start:end].
func excerpt(output string, start, end int) string {
	for start > 0 && output[start-1] != '\n' {
		start--
	}
	for end < len(output) && output[end] != '\n' {
		end++
	}
	line := output[start:end]
	if len(line) > 240 {
		line = line[:240]
	}
	return line
}
