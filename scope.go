package leafsync

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"
)

// Rule represents a single filtering rule in the scope system.
// It contains a compiled regular expression and the part of the request it is matched against.
type Rule struct {
	Pattern   *regexp.Regexp // Compiled regular expression pattern
	MatchType string         // Type of matching: "host", "path" or "url"
}

// Scope decides which requests the caching transport handles. Requests that are
// out of scope are passed to the base transport untouched.
type Scope struct {
	IncludeRules map[string]Rule // Map of inclusion rules, key format: "pattern|matchType"
	ExcludeRules map[string]Rule // Map of exclusion rules, key format: "pattern|matchType"
	DefaultAllow bool            // Default behavior for requests not matching any rule
}

// NewScope creates a new Scope with the specified default behavior.
func NewScope(defaultAllow bool) *Scope {
	return &Scope{
		IncludeRules: make(map[string]Rule),
		ExcludeRules: make(map[string]Rule),
		DefaultAllow: defaultAllow,
	}
}

// ScopeFromPatterns builds a deny-by-default scope of path rules.
// Patterns starting with "-" are exclusions.
func ScopeFromPatterns(patterns []string) (*Scope, error) {
	scope := NewScope(false)
	for _, pattern := range patterns {
		if err := scope.AddRule(pattern, "path", strings.HasPrefix(pattern, "-")); err != nil {
			return nil, fmt.Errorf("adding scope rule %q : %w", pattern, err)
		}
	}
	return scope, nil
}

func validMatchType(matchType string) bool {
	switch matchType {
	case "host", "path", "url":
		return true
	default:
		return false
	}
}

// AddRule adds a rule to the scope
func (s *Scope) AddRule(pattern, matchType string, exclude bool) error {
	matchType = strings.ToLower(matchType)
	if !validMatchType(matchType) {
		return fmt.Errorf("invalid match type: %s", matchType)
	}

	compiled, err := regexp.Compile(strings.TrimPrefix(pattern, "-"))
	if err != nil {
		return fmt.Errorf("invalid regex pattern: %w", err)
	}
	rule := Rule{
		Pattern:   compiled,
		MatchType: matchType,
	}
	key := fmt.Sprintf("%s|%s", compiled.String(), matchType)

	if exclude {
		if _, exists := s.ExcludeRules[key]; exists {
			return fmt.Errorf("rule already exists in exclude list")
		}
		s.ExcludeRules[key] = rule
	} else {
		if _, exists := s.IncludeRules[key]; exists {
			return fmt.Errorf("rule already exists in include list")
		}
		s.IncludeRules[key] = rule
	}
	return nil
}

// RemoveRule removes a rule from the scope
func (s *Scope) RemoveRule(pattern, matchType string, exclude bool) error {
	matchType = strings.ToLower(matchType)
	key := fmt.Sprintf("%s|%s", strings.TrimPrefix(pattern, "-"), matchType)

	rules := s.IncludeRules
	list := "include"
	if exclude {
		rules = s.ExcludeRules
		list = "exclude"
	}
	if _, exists := rules[key]; !exists {
		return fmt.Errorf("rule not found in %s list", list)
	}
	delete(rules, key)
	return nil
}

// ClearRules clears all inclusion and exclusion rules from the scope
func (s *Scope) ClearRules() {
	s.IncludeRules = make(map[string]Rule)
	s.ExcludeRules = make(map[string]Rule)
}

func (rule Rule) target(req *http.Request) string {
	switch rule.MatchType {
	case "host":
		if req.Host != "" {
			return req.Host
		}
		return req.URL.Host
	case "path":
		return req.URL.Path
	default:
		return req.URL.String()
	}
}

// Matches determines if a request is in scope. Exclusions are checked first.
func (s *Scope) Matches(req *http.Request) bool {
	if req == nil || req.URL == nil {
		return s.DefaultAllow
	}

	for _, rule := range s.ExcludeRules {
		if rule.Pattern.MatchString(rule.target(req)) {
			return false
		}
	}

	for _, rule := range s.IncludeRules {
		if rule.Pattern.MatchString(rule.target(req)) {
			return true
		}
	}

	return s.DefaultAllow
}
