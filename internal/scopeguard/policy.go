package scopeguard

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Friendly aliases accepted in scope entries.
var cidrAliases = map[string][]string{
	"internal":  {"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16", "127.0.0.0/8", "169.254.0.0/16"},
	"private":   {"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16"},
	"loopback":  {"127.0.0.0/8"},
	"linklocal": {"169.254.0.0/16"},
}

// Policy holds the engagement scope: targets a task may touch. Deny rules
// win over allow rules; with no allow rules everything not denied passes.
type Policy struct {
	allowIPs  []net.IP
	allowNets []*net.IPNet
	allowHost []string
	denyIPs   []net.IP
	denyNets  []*net.IPNet
	denyHost  []string
}

func New(allowEntries, denyEntries []string) *Policy {
	p := &Policy{}
	p.allowIPs, p.allowNets, p.allowHost = parseEntries(allowEntries)
	p.denyIPs, p.denyNets, p.denyHost = parseEntries(denyEntries)
	return p
}

func (p *Policy) HasRules() bool {
	if p == nil {
		return false
	}
	return len(p.allowIPs) > 0 || len(p.allowNets) > 0 || len(p.allowHost) > 0 ||
		len(p.denyIPs) > 0 || len(p.denyNets) > 0 || len(p.denyHost) > 0
}

// ValidateTarget checks one task target: an IP, a CIDR, a hostname, or a URL
// whose host is extracted. An empty target always passes; tasks without
// network reach carry none.
func (p *Policy) ValidateTarget(raw string) error {
	if p == nil || !p.HasRules() {
		return nil
	}
	target := strings.ToLower(strings.TrimSpace(raw))
	if target == "" {
		return nil
	}
	if host := hostFromURL(target); host != "" {
		target = host
	}

	allowEnforced := len(p.allowIPs) > 0 || len(p.allowNets) > 0 || len(p.allowHost) > 0

	if target == "localhost" {
		target = "127.0.0.1"
	}
	if strings.Contains(target, "/") {
		if ip, network, err := net.ParseCIDR(target); err == nil {
			if ones, bits := network.Mask.Size(); ones == bits {
				// A /32 or /128 names a single address; match it as one so
				// an allow list of plain IPs still covers it.
				target = ip.String()
			} else {
				if p.cidrDenied(network) {
					return fmt.Errorf("scope violation: denied target %s", raw)
				}
				if allowEnforced && !p.cidrAllowed(network) {
					return fmt.Errorf("scope violation: out of scope target %s", raw)
				}
				return nil
			}
		}
	}
	if ip := net.ParseIP(target); ip != nil {
		if matchIP(ip, p.denyIPs, p.denyNets) {
			return fmt.Errorf("scope violation: denied target %s", raw)
		}
		if allowEnforced && !matchIP(ip, p.allowIPs, p.allowNets) {
			return fmt.Errorf("scope violation: out of scope target %s", raw)
		}
		return nil
	}

	// Hostname: exact match or suffix match against scoped domains.
	if matchHost(target, p.denyHost) {
		return fmt.Errorf("scope violation: denied target %s", raw)
	}
	if allowEnforced && !matchHost(target, p.allowHost) {
		return fmt.Errorf("scope violation: out of scope target %s", raw)
	}
	return nil
}

func parseEntries(entries []string) ([]net.IP, []*net.IPNet, []string) {
	var ips []net.IP
	var nets []*net.IPNet
	var hosts []string
	for _, entry := range expandAliases(entries) {
		token := strings.ToLower(strings.TrimSpace(entry))
		if token == "" {
			continue
		}
		if strings.Contains(token, "/") {
			if _, network, err := net.ParseCIDR(token); err == nil {
				nets = append(nets, network)
				continue
			}
		}
		if ip := net.ParseIP(token); ip != nil {
			ips = append(ips, ip)
			continue
		}
		hosts = append(hosts, token)
	}
	return ips, nets, hosts
}

func expandAliases(entries []string) []string {
	out := make([]string, 0, len(entries))
	for _, entry := range entries {
		token := strings.ToLower(strings.TrimSpace(entry))
		if expansion, ok := cidrAliases[token]; ok {
			out = append(out, expansion...)
			continue
		}
		out = append(out, entry)
	}
	return out
}

func (p *Policy) cidrAllowed(target *net.IPNet) bool {
	for _, network := range p.allowNets {
		if netContains(network, target) {
			return true
		}
	}
	return false
}

func (p *Policy) cidrDenied(target *net.IPNet) bool {
	for _, ip := range p.denyIPs {
		if target.Contains(ip) {
			return true
		}
	}
	for _, network := range p.denyNets {
		if network.Contains(target.IP) || target.Contains(network.IP) {
			return true
		}
	}
	return false
}

func matchIP(ip net.IP, ips []net.IP, nets []*net.IPNet) bool {
	for _, candidate := range ips {
		if candidate.Equal(ip) {
			return true
		}
	}
	for _, network := range nets {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

func matchHost(host string, scoped []string) bool {
	for _, entry := range scoped {
		if host == entry || strings.HasSuffix(host, "."+entry) {
			return true
		}
	}
	return false
}

// netContains reports whether container fully covers target.
func netContains(container, target *net.IPNet) bool {
	if !container.Contains(target.IP) {
		return false
	}
	containerOnes, _ := container.Mask.Size()
	targetOnes, _ := target.Mask.Size()
	return containerOnes <= targetOnes
}

func hostFromURL(token string) string {
	if !strings.Contains(token, "://") {
		return ""
	}
	parsed, err := url.Parse(token)
	if err != nil {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(parsed.Hostname()))
}
