package response

import (
	"net"
	"strings"

	wildcard "github.com/IGLOU-EU/go-wildcard/v2"
)

// intrusive lists the action types the confidence gate guards.
var intrusive = map[string]bool{
	"block_ip":             true,
	"isolate_container":    true,
	"redirect_to_honeypot": true,
}

// downgrade is the one-level fallback chain for gated intrusive actions.
func downgrade(action string) string {
	if intrusive[action] {
		return "rate_limit"
	}
	if action == "rate_limit" {
		return "log_only"
	}
	return "log_only"
}

// Gate applies the ordered safety checks between the matrix choice and
// execution. The gate never escalates, it only downgrades.
type Gate struct {
	whitelistExact    map[string]bool
	whitelistPatterns []string
	whitelistNets     []*net.IPNet
	protectedNets     []*net.IPNet
	minConfidence     float64
}

// NewGate parses the whitelist and protected-network lists. Entries that
// contain a "/" must parse as CIDR; entries with wildcard metacharacters
// are treated as patterns; everything else matches exactly.
func NewGate(whitelist, managementCIDRs []string, minConfidence float64) (*Gate, error) {
	g := &Gate{
		whitelistExact: make(map[string]bool),
		minConfidence:  minConfidence,
	}
	for _, entry := range whitelist {
		switch {
		case strings.Contains(entry, "/"):
			_, ipnet, err := net.ParseCIDR(entry)
			if err != nil {
				return nil, err
			}
			g.whitelistNets = append(g.whitelistNets, ipnet)
		case strings.ContainsAny(entry, "*?"):
			g.whitelistPatterns = append(g.whitelistPatterns, entry)
		default:
			g.whitelistExact[entry] = true
		}
	}
	for _, entry := range managementCIDRs {
		_, ipnet, err := net.ParseCIDR(entry)
		if err != nil {
			return nil, err
		}
		g.protectedNets = append(g.protectedNets, ipnet)
	}
	return g, nil
}

func (g *Gate) whitelisted(target string) bool {
	if g.whitelistExact[target] {
		return true
	}
	for _, p := range g.whitelistPatterns {
		if wildcard.Match(p, target) {
			return true
		}
	}
	ip := net.ParseIP(target)
	if ip == nil {
		return false
	}
	for _, n := range g.whitelistNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func (g *Gate) protected(target string) bool {
	ip := net.ParseIP(target)
	if ip == nil {
		return false
	}
	if ip.IsLoopback() {
		return true
	}
	for _, n := range g.protectedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// Apply runs the checks in order and returns the final action type plus
// the trace of every rule that fired. Whitelist and protected-network
// force log_only outright; low confidence downgrades one level at most.
func (g *Gate) Apply(action, target string, confidence float64) (string, []string) {
	var trace []string

	if g.whitelisted(target) {
		return "log_only", append(trace, "whitelist")
	}
	if g.protected(target) {
		return "log_only", append(trace, "protected_network")
	}
	if intrusive[action] && confidence < g.minConfidence {
		return downgrade(action), append(trace, "low_confidence")
	}
	return action, trace
}
