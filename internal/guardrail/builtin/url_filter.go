package builtin

import (
	"context"
	"regexp"
	"strings"

	"github.com/orchestra-labs/agentcore/internal/guardrail"
)

var urlPattern = regexp.MustCompile(`https?://(?:[-\w.]|%[\da-fA-F]{2})+(?:/[-\w%!$&'()*+,.:;=@~#/?]*)?`)

func extractURLs(text string) []string {
	return urlPattern.FindAllString(text, -1)
}

func urlDomain(raw string) string {
	s := raw
	if idx := strings.Index(s, "://"); idx >= 0 {
		s = s[idx+3:]
	}
	if idx := strings.IndexAny(s, "/?#"); idx >= 0 {
		s = s[:idx]
	}
	return strings.ToLower(s)
}

func domainMatches(domain, pattern string, checkSubdomains bool) bool {
	domain = strings.ToLower(domain)
	pattern = strings.ToLower(pattern)
	if idx := strings.Index(pattern, "://"); idx >= 0 {
		pattern = urlDomain(pattern)
	}
	if pattern == "" {
		return false
	}
	if domain == pattern {
		return true
	}
	if checkSubdomains && strings.HasSuffix(domain, "."+pattern) {
		return true
	}
	return false
}

func stringSlice(v any) []string {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, e := range arr {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func configBool(cfg map[string]any, key string, def bool) bool {
	if v, ok := cfg[key].(bool); ok {
		return v
	}
	return def
}

// URLFilterCheck is the "url_filter" guardrail.CheckFunc: a pure heuristic
// that extracts URLs from content and flags it when any resolve to a
// blocked domain (or, with an allow-list configured, any domain not on it).
func URLFilterCheck(_ context.Context, content string, config map[string]any, _ []string) (guardrail.CheckResult, error) {
	allowList := stringSlice(config["url_allow_list"])
	blockList := stringSlice(config["url_block_list"])
	checkSubdomains := configBool(config, "check_subdomains", true)
	extract := configBool(config, "extract_urls", true)

	var urls []string
	if extract {
		urls = extractURLs(content)
	} else if strings.TrimSpace(content) != "" {
		urls = []string{strings.TrimSpace(content)}
	}

	if len(urls) == 0 {
		return guardrail.CheckResult{
			Info: map[string]any{
				"guardrail_name": "URL Filter", "flagged": false, "urls_found": 0,
				"blocked_urls": []string{}, "allowed_urls": []string{},
			},
		}, nil
	}

	var blocked, allowed []string
	for _, u := range urls {
		domain := urlDomain(u)
		if domain == "" {
			continue
		}
		isBlocked := false
		for _, p := range blockList {
			if domainMatches(domain, p, checkSubdomains) {
				isBlocked = true
				break
			}
		}
		if isBlocked {
			blocked = append(blocked, u)
			continue
		}
		if len(allowList) > 0 {
			isAllowed := false
			for _, p := range allowList {
				if domainMatches(domain, p, checkSubdomains) {
					isAllowed = true
					break
				}
			}
			if isAllowed {
				allowed = append(allowed, u)
			} else {
				blocked = append(blocked, u)
			}
			continue
		}
		allowed = append(allowed, u)
	}

	flagged := len(blocked) > 0
	return guardrail.CheckResult{
		TripwireTriggered: flagged,
		RedactSpans:       blocked,
		Info: map[string]any{
			"guardrail_name":        "URL Filter",
			"flagged":               flagged,
			"urls_found":            len(urls),
			"blocked_urls":          blocked,
			"allowed_urls":          allowed,
			"allow_list_configured": len(allowList) > 0,
			"block_list_configured": len(blockList) > 0,
		},
	}, nil
}
