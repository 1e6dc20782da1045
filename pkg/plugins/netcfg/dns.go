package netcfg

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
)

func (p *Plugin) queryDNS(ctx context.Context) (*DNSConfig, error) {
	dns := &DNSConfig{}

	hostname, err := p.exec.ReadFile(ctx, p.hostnamePath)
	switch {
	case err == nil:
		dns.Hostname = strings.TrimSpace(string(hostname))
	case !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("failed to read %s: %w", p.hostnamePath, err)
	}

	resolv, err := p.exec.ReadFile(ctx, p.resolvConfPath)
	switch {
	case err == nil:
		dns.SearchDomains = parseSearchDomains(string(resolv))
	case !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("failed to read %s: %w", p.resolvConfPath, err)
	}

	return dns, nil
}

func parseSearchDomains(resolv string) []string {
	var domains []string
	scanner := bufio.NewScanner(strings.NewReader(resolv))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) > 1 && fields[0] == "search" {
			domains = append(domains, fields[1:]...)
		}
	}
	return domains
}

// dnsMatch compares the fields want sets.
func dnsMatch(cur *DNSConfig, want DNSConfig) bool {
	if cur == nil {
		cur = &DNSConfig{}
	}
	if want.Hostname != "" && cur.Hostname != want.Hostname {
		return false
	}
	if want.SearchDomains != nil && strings.Join(cur.SearchDomains, " ") != strings.Join(want.SearchDomains, " ") {
		return false
	}
	return true
}

func (p *Plugin) applyDNS(ctx context.Context, dns DNSConfig) error {
	if dns.Hostname != "" {
		if err := p.exec.WriteFile(ctx, p.hostnamePath, []byte(dns.Hostname+"\n"), 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", p.hostnamePath, err)
		}
		if _, err := p.exec.Run(ctx, "hostnamectl", "set-hostname", dns.Hostname); err != nil {
			return fmt.Errorf("failed to set hostname: %w", err)
		}
	}

	if dns.SearchDomains != nil {
		current, err := p.exec.ReadFile(ctx, p.resolvConfPath)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to read %s: %w", p.resolvConfPath, err)
		}
		content := rewriteSearch(string(current), dns.SearchDomains)
		if err := p.exec.WriteFile(ctx, p.resolvConfPath, []byte(content), 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", p.resolvConfPath, err)
		}
	}
	return nil
}

// rewriteSearch replaces every search line with a single leading one.
func rewriteSearch(resolv string, domains []string) string {
	var lines []string
	if len(domains) > 0 {
		lines = append(lines, "search "+strings.Join(domains, " "))
	}
	for _, line := range strings.Split(strings.TrimRight(resolv, "\n"), "\n") {
		if line == "" && len(lines) == 0 {
			continue
		}
		if f := strings.Fields(line); len(f) > 0 && f[0] == "search" {
			continue
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n") + "\n"
}
