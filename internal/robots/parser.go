// Package robots fetches, parses and caches an origin's robots.txt and
// answers whether a path may be crawled.
package robots

import (
	"bufio"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Rule is one Allow or Disallow line. Patterns support a * wildcard and a
// trailing $ anchor.
type Rule struct {
	Pattern string
	Allow   bool
	re      *regexp.Regexp
}

func newRule(pattern string, allow bool) Rule {
	r := Rule{Pattern: pattern, Allow: allow}
	expr := strings.ReplaceAll(regexp.QuoteMeta(pattern), `\*`, ".*")
	if strings.HasSuffix(expr, `\$`) {
		expr = strings.TrimSuffix(expr, `\$`) + "$"
	}
	if re, err := regexp.Compile("^" + expr); err == nil {
		r.re = re
	}
	return r
}

// Matches reports whether path falls under the rule. A pattern that cannot
// be compiled is treated as a literal prefix.
func (r Rule) Matches(path string) bool {
	if r.re != nil {
		return r.re.MatchString(path)
	}
	return strings.HasPrefix(path, strings.TrimRight(r.Pattern, "*$"))
}

// Group is the directive set declared for one user-agent token.
type Group struct {
	UserAgent  string
	Rules      []Rule
	CrawlDelay time.Duration
	HasDelay   bool
	Sitemaps   []string
}

// Allowed evaluates rules in declaration order; the first match decides.
// A path no rule matches is allowed.
func (g *Group) Allowed(path string) bool {
	for _, r := range g.Rules {
		if r.Matches(path) {
			return r.Allow
		}
	}
	return true
}

// Policy is a parsed robots.txt document.
type Policy struct {
	Groups   []*Group
	Sitemaps []string
}

// Parse reads a robots.txt body. Comments run from # to end of line. Lines
// without a colon and directives before the first User-agent are ignored,
// except Sitemap, which is global and attached to every group.
func Parse(content string) *Policy {
	p := &Policy{}
	var current *Group

	sc := bufio.NewScanner(strings.NewReader(content))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)

		switch key {
		case "user-agent":
			current = &Group{UserAgent: value}
			p.Groups = append(p.Groups, current)
		case "sitemap":
			if value != "" {
				p.Sitemaps = append(p.Sitemaps, value)
			}
		case "disallow", "allow":
			// An empty Disallow allows everything and adds no rule.
			if current != nil && value != "" {
				current.Rules = append(current.Rules, newRule(value, key == "allow"))
			}
		case "crawl-delay":
			if current == nil {
				continue
			}
			if secs, err := strconv.ParseFloat(value, 64); err == nil && secs >= 0 {
				current.CrawlDelay = time.Duration(secs * float64(time.Second))
				current.HasDelay = true
			}
		}
	}

	for _, g := range p.Groups {
		g.Sitemaps = p.Sitemaps
	}
	return p
}

// permissive is the policy assumed when no document could be obtained.
func permissive() *Policy {
	return Parse("User-agent: *\nAllow: /\n")
}

// Select picks the group for agent: an exact case-insensitive token match,
// then a token contained in agent or containing it, then the * group.
// It returns nil when nothing applies, which allows everything.
func (p *Policy) Select(agent string) *Group {
	agent = strings.ToLower(strings.TrimSpace(agent))
	var exact, partial, wildcard *Group
	for _, g := range p.Groups {
		token := strings.ToLower(g.UserAgent)
		switch {
		case token == "":
			continue
		case token == agent:
			if exact == nil {
				exact = g
			}
		case token == "*":
			if wildcard == nil {
				wildcard = g
			}
		case agent != "" && (strings.Contains(agent, token) || strings.Contains(token, agent)):
			if partial == nil {
				partial = g
			}
		}
	}
	switch {
	case exact != nil:
		return exact
	case partial != nil:
		return partial
	default:
		return wildcard
	}
}

// Allowed reports whether agent may fetch path under this policy.
func (p *Policy) Allowed(agent, path string) bool {
	g := p.Select(agent)
	if g == nil {
		return true
	}
	return g.Allowed(path)
}
