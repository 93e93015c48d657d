package responsetransformer

import (
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
)

// Rules are evaluated in order; the first matching rule is applied.
type Rules []Rule

// Rule sets headers on successful responses before they are stored.
type Rule struct {
	Prefix   string            `yaml:"prefix"`
	Path     string            `yaml:"path"`
	Default  string            `yaml:"default"`
	Override string            `yaml:"override"`
	Query    map[string]string `yaml:"query"`
	Headers  map[string]string `yaml:"headers"`
}

// Apply applies the first rule matching req to the response header.
func (r Rules) Apply(req *http.Request, statusCode int, header http.Header) {
	// only apply rules for successes
	if statusCode != http.StatusOK {
		return
	}
	// if rule found, apply to response
	if rule := r.find(req); rule != nil {
		applyRuleToHeader(*rule, header)
	}
}

func applyRuleToHeader(rule Rule, header http.Header) {
	if rule.Override != "" {
		log.Trace().Msg("Overriding Cache-Control header")
		header.Set("Cache-Control", rule.Override)
	} else if rule.Default != "" && header.Get("Cache-Control") == "" {
		log.Trace().Msg("Applying default Cache-Control header")
		header.Set("Cache-Control", rule.Default)
	}
	for name, value := range rule.Headers {
		log.Trace().Msgf("Setting header %s", name)
		header.Set(name, value)
	}
}

func (r Rules) find(req *http.Request) *Rule {
	if req.Method != http.MethodGet {
		return nil
	}
	log.Trace().Msgf("Finding rule for request %s", req.URL.Path)
rulesLoop:
	for _, rule := range r {
		if rule.Path != "" && rule.Path != req.URL.Path {
			continue
		}
		if rule.Prefix != "" && !strings.HasPrefix(req.URL.Path, rule.Prefix) {
			continue
		}
		if len(rule.Query) > 0 {
			qry := req.URL.Query()
			for name, value := range rule.Query {
				if value == "" && !qry.Has(name) {
					continue rulesLoop
				} else if value != "" && qry.Get(name) != value {
					continue rulesLoop
				}
			}
		}
		return &rule
	}
	return nil
}
