package netcfg

import (
	"bufio"
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// queryRoutes lists gateway routes from the main table.
func (p *Plugin) queryRoutes(ctx context.Context) ([]RouteConfig, error) {
	res, err := p.exec.Run(ctx, "ip", "route", "show")
	if err != nil {
		return nil, fmt.Errorf("failed to list routes: %w", err)
	}
	return parseRoutes(res.Stdout), nil
}

// parseRoutes parses "DEST via GW [dev IF] [... metric N]" lines. Routes
// without a gateway are connected routes and are skipped.
func parseRoutes(out string) []RouteConfig {
	routes := []RouteConfig{}
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 {
			continue
		}
		r := RouteConfig{Destination: fields[0]}
		for i := 1; i+1 < len(fields); i++ {
			switch fields[i] {
			case "via":
				r.Gateway = fields[i+1]
			case "dev":
				r.Interface = fields[i+1]
			case "metric":
				if m, err := strconv.ParseUint(fields[i+1], 10, 32); err == nil {
					r.Metric = uint32(m)
				}
			}
		}
		if r.Gateway == "" {
			continue
		}
		routes = append(routes, r)
	}
	return routes
}

// matchRoutes pairs each wanted route with a distinct live route. Routes
// are a multiset: two default routes through different gateways are two
// entries. Interface and metric are compared only when the want sets them,
// and fully specified wants are paired first so a wildcard cannot take their
// entry. It returns the unpaired wants and the unpaired live routes that
// are not default or link-local.
func matchRoutes(cur, want []RouteConfig) (missing, stale []RouteConfig) {
	order := make([]int, len(want))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return want[order[a]].specificity() > want[order[b]].specificity()
	})

	used := make([]bool, len(cur))
	paired := make([]bool, len(want))
	for _, wi := range order {
		for ci, c := range cur {
			if !used[ci] && want[wi].matches(c) {
				used[ci], paired[wi] = true, true
				break
			}
		}
	}
	for wi, w := range want {
		if !paired[wi] {
			missing = append(missing, w)
		}
	}
	for ci, c := range cur {
		if !used[ci] && !c.ignored() {
			stale = append(stale, c)
		}
	}
	return missing, stale
}

// routesMatch reports whether the live routes satisfy want. Default and
// link-local routes on the host are not required to appear in want.
func routesMatch(cur, want []RouteConfig) bool {
	missing, stale := matchRoutes(cur, want)
	return len(missing) == 0 && len(stale) == 0
}

// applyRoutes removes stale gateway routes and installs the missing ones.
// Deletes carry the full route so only that entry goes.
func (p *Plugin) applyRoutes(ctx context.Context, want []RouteConfig) error {
	current, err := p.queryRoutes(ctx)
	if err != nil {
		return err
	}
	missing, stale := matchRoutes(current, want)

	for _, c := range stale {
		if _, err := p.exec.Run(ctx, "ip", routeArgs("del", c)...); err != nil {
			return fmt.Errorf("failed to delete route %s: %w", c.Destination, err)
		}
	}
	for _, w := range missing {
		if _, err := p.exec.Run(ctx, "ip", routeArgs("replace", w)...); err != nil {
			return fmt.Errorf("failed to add route %s: %w", w.Destination, err)
		}
	}
	return nil
}

func routeArgs(verb string, r RouteConfig) []string {
	args := []string{"route", verb, r.Destination, "via", r.Gateway}
	if r.Interface != "" {
		args = append(args, "dev", r.Interface)
	}
	if r.Metric != 0 {
		args = append(args, "metric", strconv.FormatUint(uint64(r.Metric), 10))
	}
	return args
}
