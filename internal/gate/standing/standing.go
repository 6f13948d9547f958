// Package standing implements the standing-approval rule table.
//
// A standing approval lets a recurring automated caller (cron jobs, CI) read
// a gated secret without a human in the loop, provided both the item and the
// stated reason match a pre-authorised rule. Rules are evaluated in
// configuration order; the first match wins.
package standing

import "strings"

// Rule pre-authorises gated reads of Item whose reason matches ReasonMatch.
type Rule struct {
	// Item is the exact secret item name the rule applies to.
	Item string `yaml:"item"`

	// ReasonMatch is either an exact string, or a prefix pattern when it
	// ends with a single trailing '*'. The asterisk is not otherwise special.
	ReasonMatch string `yaml:"reasonMatch"`

	// Note is free-form operator documentation carried into audit records.
	Note string `yaml:"note"`
}

// Match returns the first rule matching (item, reason), or nil. An empty
// reason never matches any rule.
func Match(rules []Rule, item, reason string) *Rule {
	if reason == "" {
		return nil
	}
	for i := range rules {
		r := &rules[i]
		if r.Item != item {
			continue
		}
		if reasonMatches(r.ReasonMatch, reason) {
			return r
		}
	}
	return nil
}

// reasonMatches applies the rule pattern: exact equality, or prefix match
// when the pattern ends with a single '*'. A run of trailing asterisks is
// not a wildcard; such patterns match the literal string only.
func reasonMatches(pattern, reason string) bool {
	if strings.HasSuffix(pattern, "*") && !strings.HasSuffix(pattern, "**") {
		return strings.HasPrefix(reason, pattern[:len(pattern)-1])
	}
	return pattern == reason
}
