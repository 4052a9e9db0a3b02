// Package dhcp locates workstation MAC addresses by searching the
// allow-filter lists of the per-site DHCP servers for a service tag.
package dhcp

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Per-site topology. Each site runs one DHCP server; SHQ shares the
// Esmeralda server.
var (
	orgServers = map[string][]string{
		"SHQ":       {"ESMDC02"},
		"ESMERALDA": {"ESMDC02"},
		"DIAMANTE":  {"DIADC02"},
		"TOPAZIO":   {"TOPDC02"},
		"RUBI":      {"RUBDC02"},
		"JADE":      {"JADDC02"},
		"ONIX":      {"ONIDC02"},
	}

	prefixOrg = map[string]string{
		"DIA": "DIAMANTE",
		"ESM": "ESMERALDA",
		"JAD": "JADE",
		"RUB": "RUBI",
		"ONI": "ONIX",
		"TOP": "TOPAZIO",
		"SHQ": "SHQ",
		"CLO": "SHQ",
	}

	allServers = []string{"DIADC02", "ESMDC02", "JADDC02", "RUBDC02", "ONIDC02", "TOPDC02"}

	sitePrefixes = []string{"SHQ", "ESM", "DIA", "TOP", "RUB", "JAD", "ONI", "CLO"}
)

const noMatchMarker = "NO_FILTER_MATCH"

// Statuses of a per-server search.
const (
	StatusFound            = "found"
	StatusNotFound         = "not_found"
	StatusConnectionFailed = "connection_failed"
	StatusError            = "error"
)

// Match is one allow-filter entry whose description matched the tag.
type Match struct {
	MAC          string `json:"mac_address"`
	Description  string `json:"description"`
	PatternFound string `json:"pattern_found"`
	Server       string `json:"server"`
}

// ServerResult is the outcome of searching one DHCP server.
type ServerResult struct {
	Server  string  `json:"server"`
	Status  string  `json:"status"`
	Matches []Match `json:"matches"`
	Error   string  `json:"error,omitempty"`
	Elapsed float64 `json:"elapsed_seconds"`
}

// Topology is the static server map exposed by the API.
type Topology struct {
	Servers             []string            `json:"servers"`
	OrganizationServers map[string][]string `json:"organization_mapping"`
	PrefixOrganizations map[string]string   `json:"prefix_mapping"`
	SupportedPrefixes   []string            `json:"supported_prefixes"`
}

// Executor runs a command on a remote DHCP server and returns its
// output.
type Executor interface {
	Run(ctx context.Context, host string, command string) (string, error)
}

type Service struct {
	executor Executor
	log      *zap.Logger
}

func NewService(executor Executor, log *zap.Logger) *Service {
	return &Service{executor: executor, log: log}
}

func (s *Service) Topology() Topology {
	return Topology{
		Servers:             allServers,
		OrganizationServers: orgServers,
		PrefixOrganizations: prefixOrg,
		SupportedPrefixes:   sitePrefixes,
	}
}

// OrganizationFromPrefix resolves a site prefix to its organization,
// falling back to the uppercased input.
func OrganizationFromPrefix(prefix string) string {
	upper := strings.ToUpper(prefix)
	if org, ok := prefixOrg[upper]; ok {
		return org
	}
	return upper
}

// serversFor selects the DHCP servers covering the requested sites;
// with no sites every server is searched.
func serversFor(sites []string) []string {
	seen := make(map[string]bool)
	var servers []string
	for _, site := range sites {
		for _, server := range orgServers[OrganizationFromPrefix(site)] {
			if !seen[server] {
				seen[server] = true
				servers = append(servers, server)
			}
		}
	}
	if len(servers) == 0 {
		return allServers
	}
	return servers
}

// Search fans the tag out to the selected servers concurrently and
// returns one result per server, in server order.
func (s *Service) Search(ctx context.Context, tag string, sites []string) []ServerResult {
	servers := serversFor(sites)
	results := make([]ServerResult, len(servers))

	var wg sync.WaitGroup
	for i, server := range servers {
		wg.Add(1)
		go func(i int, server string) {
			defer wg.Done()
			results[i] = s.searchServer(ctx, server, tag)
		}(i, server)
	}
	wg.Wait()

	found := 0
	for _, r := range results {
		found += len(r.Matches)
	}
	s.log.Info("dhcp search finished",
		zap.String("service_tag", tag),
		zap.Int("servers", len(servers)),
		zap.Int("matches", found))
	return results
}

func (s *Service) searchServer(ctx context.Context, server, tag string) ServerResult {
	started := time.Now()
	result := ServerResult{Server: server, Status: StatusError}
	defer func() { result.Elapsed = time.Since(started).Seconds() }()

	patterns := searchPatterns(tag)
	out, err := s.executor.Run(ctx, server, searchCommand(patterns))
	if err != nil {
		result.Status = StatusConnectionFailed
		result.Error = err.Error()
		s.log.Warn("dhcp server unreachable", zap.String("server", server), zap.Error(err))
		return result
	}

	if strings.Contains(out, noMatchMarker) {
		result.Status = StatusNotFound
		return result
	}

	result.Matches = parseMatches(out, patterns, server)
	if len(result.Matches) == 0 {
		result.Status = StatusNotFound
		return result
	}
	result.Status = StatusFound
	return result
}

// searchPatterns expands a tag into every naming variant used on the
// filter descriptions: bare, and prefix joined by "-", "_", space or
// nothing.
func searchPatterns(tag string) []string {
	patterns := []string{tag}
	for _, prefix := range sitePrefixes {
		patterns = append(patterns,
			prefix+"-"+tag,
			prefix+"_"+tag,
			prefix+" "+tag,
			prefix+tag,
		)
	}
	return patterns
}

func searchCommand(patterns []string) string {
	quoted := make([]string, len(patterns))
	for i, p := range patterns {
		quoted[i] = "'" + strings.ReplaceAll(p, "'", "''") + "'"
	}
	return fmt.Sprintf(`
$patterns = @(%s)
$filters = Get-DhcpServerv4Filter -List Allow
$found = @()
foreach ($pattern in $patterns) {
    $hits = $filters | Where-Object {$_.Description -like "*${pattern}*"}
    if ($hits) { $found += $hits }
}
$unique = $found | Sort-Object MacAddress -Unique
if ($unique) {
    foreach ($filter in $unique) {
        Write-Output "MAC:$($filter.MacAddress)"
        Write-Output "DESC:$($filter.Description)"
        Write-Output "---"
    }
} else { Write-Output "%s" }`, strings.Join(quoted, ", "), noMatchMarker)
}

// parseMatches reads the MAC:/DESC: line pairs emitted by the search
// script and records which pattern variant matched each description.
func parseMatches(out string, patterns []string, server string) []Match {
	var matches []Match
	var currentMAC string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "MAC:"):
			currentMAC = strings.TrimSpace(strings.TrimPrefix(line, "MAC:"))
		case strings.HasPrefix(line, "DESC:") && currentMAC != "":
			desc := strings.TrimSpace(strings.TrimPrefix(line, "DESC:"))
			matches = append(matches, Match{
				MAC:          currentMAC,
				Description:  desc,
				PatternFound: matchedPattern(desc, patterns),
				Server:       server,
			})
			currentMAC = ""
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].MAC < matches[j].MAC })
	return matches
}

func matchedPattern(desc string, patterns []string) string {
	upper := strings.ToUpper(desc)
	for _, pattern := range patterns {
		if strings.Contains(upper, strings.ToUpper(pattern)) {
			return pattern
		}
	}
	return "unprefixed"
}
