// Package routing classifies intercepted requests into a cache category and
// a strategy.
package routing

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/l0p7/cachectrl/internal/config"
	"github.com/l0p7/cachectrl/internal/expr"
	"github.com/l0p7/cachectrl/internal/runtime/category"
	"github.com/l0p7/cachectrl/internal/runtime/strategy"
)

var (
	mediaPattern = regexp.MustCompile(`(?i)\.(?:png|jpe?g|webp|avif|gif|svg|mp4|webm|ogg)$`)
	iconPattern  = regexp.MustCompile(`(?i)/(icons?|favicons?)/|favicon|s2/favicons`)
)

// Decision is the outcome of routing one request. When Handle is false the
// request passes through untouched.
type Decision struct {
	Handle   bool
	Category category.Category
	Strategy strategy.Kind
	Rule     string
}

// Rule is one compiled entry of the ordered rule list. A rule matches when
// every condition it carries matches.
type Rule struct {
	Name     string
	Pattern  *regexp.Regexp
	When     *expr.Condition
	Category category.Category
	Strategy strategy.Kind
}

// Router applies configured rules first, then the built-in defaults.
type Router struct {
	origin string
	rules  []Rule
	logger *slog.Logger
}

// New compiles the configured rules. scope supplies the origin used to tell
// same-origin requests from cross-origin ones.
func New(scope *url.URL, rules []config.RouteRuleConfig, env *expr.Environment, logger *slog.Logger) (*Router, error) {
	if scope == nil || scope.Scheme == "" || scope.Host == "" {
		return nil, errors.New("routing: absolute scope url required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		origin: origin(scope),
		logger: logger.With(slog.String("agent", "routing")),
	}
	for i, rc := range rules {
		rule, err := compileRule(i, rc, env)
		if err != nil {
			return nil, err
		}
		r.rules = append(r.rules, rule)
	}
	return r, nil
}

func compileRule(index int, rc config.RouteRuleConfig, env *expr.Environment) (Rule, error) {
	name := strings.TrimSpace(rc.Name)
	if name == "" {
		name = fmt.Sprintf("rule-%d", index)
	}
	rule := Rule{Name: name}

	cat, err := category.Parse(rc.Category)
	if err != nil {
		return Rule{}, fmt.Errorf("routing: rule %s: %w", name, err)
	}
	rule.Category = cat
	kind, err := strategy.ParseKind(rc.Strategy)
	if err != nil {
		return Rule{}, fmt.Errorf("routing: rule %s: %w", name, err)
	}
	if kind == strategy.Page {
		return Rule{}, fmt.Errorf("routing: rule %s: page strategy is reserved for navigations", name)
	}
	rule.Strategy = kind

	if pattern := strings.TrimSpace(rc.Pattern); pattern != "" {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return Rule{}, fmt.Errorf("routing: rule %s: pattern: %w", name, err)
		}
		rule.Pattern = re
	}
	if when := strings.TrimSpace(rc.When); when != "" {
		if env == nil {
			return Rule{}, fmt.Errorf("routing: rule %s: condition requires an expression environment", name)
		}
		cond, err := env.Condition(when)
		if err != nil {
			return Rule{}, fmt.Errorf("routing: rule %s: %w", name, err)
		}
		rule.When = &cond
	}
	if rule.Pattern == nil && rule.When == nil {
		return Rule{}, fmt.Errorf("routing: rule %s: pattern or when required", name)
	}
	return rule, nil
}

// Route classifies req. Only GETs are handled; navigations always use the
// shell page strategy.
func (r *Router) Route(req strategy.Request) Decision {
	if req.Method != http.MethodGet || req.URL == nil {
		return Decision{}
	}
	if req.Navigate {
		return Decision{Handle: true, Category: category.Shell, Strategy: strategy.Page, Rule: "navigation"}
	}

	sameOrigin := r.SameOrigin(req.URL)
	if len(r.rules) > 0 {
		var activation map[string]any
		for _, rule := range r.rules {
			if rule.Pattern != nil && !rule.Pattern.MatchString(req.URL.Path) {
				continue
			}
			if rule.When != nil {
				if activation == nil {
					activation = expr.RouteActivation(req.Method, req.URL, req.Header, req.Navigate, sameOrigin)
				}
				ok, err := rule.When.Match(activation)
				if err != nil {
					r.logger.Warn("route condition failed", slog.String("rule", rule.Name), slog.String("error", err.Error()))
					continue
				}
				if !ok {
					continue
				}
			}
			return Decision{Handle: true, Category: rule.Category, Strategy: rule.Strategy, Rule: rule.Name}
		}
	}

	if !sameOrigin {
		return Decision{Handle: true, Category: category.Runtime, Strategy: strategy.NetworkFirst, Rule: "cross-origin"}
	}
	switch {
	case mediaPattern.MatchString(req.URL.Path):
		return Decision{Handle: true, Category: category.Media, Strategy: strategy.StaleWhileRevalidate, Rule: "media"}
	case iconPattern.MatchString(req.URL.Path):
		return Decision{Handle: true, Category: category.Icon, Strategy: strategy.StaleWhileRevalidate, Rule: "icon"}
	default:
		return Decision{Handle: true, Category: category.Runtime, Strategy: strategy.StaleWhileRevalidate, Rule: "same-origin"}
	}
}

// SameOrigin reports whether u shares the scope's scheme and host.
func (r *Router) SameOrigin(u *url.URL) bool {
	return u != nil && origin(u) == r.origin
}

func origin(u *url.URL) string {
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host)
}
