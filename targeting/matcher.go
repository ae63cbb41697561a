// Package targeting selects the chat instance that applies to a page view.
// Rule evaluation is pure: no I/O, no state, and malformed rules fail closed.
package targeting

import (
	"regexp"
	"strings"

	"github.com/chatwire/chatwire/instancestore"
)

// PageContext is the per-page-view snapshot rules are evaluated against.
// It is built once per request and never persisted.
type PageContext struct {
	URL           string
	Path          string
	PostType      string
	PageID        string
	Categories    []string
	Authenticated bool
	VisitorRoles  []string
}

// Matches reports whether a single rule holds for the given context.
// Unknown rule types or conditions return false, never an error: a
// misconfigured rule must not select an instance by accident.
func Matches(rule instancestore.TargetingRule, pageCtx PageContext) bool {
	candidates := candidateValues(rule.Type, pageCtx)
	if len(candidates) == 0 {
		return false
	}
	for _, candidate := range candidates {
		if matchCondition(rule.Condition, candidate, rule.Value) {
			return true
		}
	}
	return false
}

// candidateValues maps a rule type onto the context attributes it inspects.
// Multi-valued attributes (categories, roles) match if any value does.
func candidateValues(ruleType string, pageCtx PageContext) []string {
	switch ruleType {
	case instancestore.RuleTypeURLPattern:
		values := make([]string, 0, 2)
		if pageCtx.URL != "" {
			values = append(values, pageCtx.URL)
		}
		if pageCtx.Path != "" {
			values = append(values, pageCtx.Path)
		}
		return values
	case instancestore.RuleTypePostType:
		if pageCtx.PostType == "" {
			return nil
		}
		return []string{pageCtx.PostType}
	case instancestore.RuleTypePageID:
		if pageCtx.PageID == "" {
			return nil
		}
		return []string{pageCtx.PageID}
	case instancestore.RuleTypeCategory:
		return pageCtx.Categories
	case instancestore.RuleTypeUserRole:
		return pageCtx.VisitorRoles
	default:
		return nil
	}
}

func matchCondition(condition, candidate, value string) bool {
	switch condition {
	case instancestore.CondEquals:
		return candidate == value
	case instancestore.CondStartsWith:
		return strings.HasPrefix(candidate, value)
	case instancestore.CondEndsWith:
		return strings.HasSuffix(candidate, value)
	case instancestore.CondContains:
		return strings.Contains(candidate, value)
	case instancestore.CondWildcard:
		return matchWildcard(candidate, value)
	default:
		return false
	}
}

// matchWildcard treats * as "zero or more characters", anchored at both
// ends. The pattern is quoted segment-wise so regex metacharacters in the
// rule value stay literal; a pattern that still fails to compile matches
// nothing.
func matchWildcard(candidate, pattern string) bool {
	segments := strings.Split(pattern, "*")
	for i, segment := range segments {
		segments[i] = regexp.QuoteMeta(segment)
	}
	re, err := regexp.Compile("^" + strings.Join(segments, ".*") + "$")
	if err != nil {
		return false
	}
	return re.MatchString(candidate)
}
