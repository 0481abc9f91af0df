// Package devlist discovers the monitors that make up an orbit from the
// model's element names, and caches the result.
package devlist

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/banshee-data/steering/internal/lattice"
	"github.com/banshee-data/steering/internal/monitoring"
)

var logs = monitoring.NewStreams("[devlist] ")

// DefaultSectors are the sectors searched for BPMs, in beam order. A "%"
// matches any run of characters.
var DefaultSectors = []string{
	"IN20", "LI21", "LI22", "LI23", "LI24", "LI25", "LI26", "LI27", "LI28",
	"LI29", "LI30", "CLTH", "BSYH", "LTU%", "UND%", "DMP%",
}

// DefaultExclude matches the spectrometer line monitors and others that
// are never part of the steering orbit.
var DefaultExclude = regexp.MustCompile(`^BPMS:(IN20:(821|925|945|981)|BSY0:52|UND1:3395)$`)

// Directory lists device names matching a "%" wildcard pattern.
type Directory interface {
	Names(ctx context.Context, pattern string) ([]string, error)
}

// TableDirectory lists the elements of a lattice table.
type TableDirectory struct {
	Table *lattice.Table
}

func (d TableDirectory) Names(ctx context.Context, pattern string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return d.Table.Names(pattern), nil
}

// Provider finds device names by sector, consulting its cache first.
type Provider struct {
	Directory Directory
	// Cache may be nil.
	Cache   Cache
	Key     string
	Prefix  string
	Sectors []string
	Exclude *regexp.Regexp
}

// NewBPMProvider returns a Provider for the default BPM sectors.
func NewBPMProvider(dir Directory, cache Cache) *Provider {
	return &Provider{
		Directory: dir,
		Cache:     cache,
		Key:       "bpm_names",
		Prefix:    "BPMS",
		Sectors:   DefaultSectors,
		Exclude:   DefaultExclude,
	}
}

// Names returns the cached list, discovering and caching it on a miss.
// Cache failures are logged and do not fail the lookup.
func (p *Provider) Names(ctx context.Context) ([]string, error) {
	if p.Cache != nil {
		names, err := p.Cache.Load(ctx, p.Key)
		if err == nil {
			return names, nil
		}
		if !errors.Is(err, ErrCacheMiss) {
			logs.Diagf("%s: cache load failed: %v", p.Key, err)
		}
	}
	return p.Refresh(ctx)
}

// Refresh discovers the list from the directory and replaces the cached
// copy.
func (p *Provider) Refresh(ctx context.Context) ([]string, error) {
	names, err := p.Discover(ctx)
	if err != nil {
		return nil, err
	}
	if p.Cache != nil && len(names) > 0 {
		if err := p.Cache.Store(ctx, p.Key, names); err != nil {
			logs.Diagf("%s: cache store failed: %v", p.Key, err)
		}
	}
	return names, nil
}

// Discover queries every sector in order, dropping excluded and repeated
// names.
func (p *Provider) Discover(ctx context.Context) ([]string, error) {
	if p.Directory == nil {
		return nil, fmt.Errorf("%s: no device directory", p.Key)
	}
	seen := make(map[string]bool)
	var out []string
	for _, sector := range p.Sectors {
		pattern := strings.Join([]string{p.Prefix, sector, "%"}, ":")
		names, err := p.Directory.Names(ctx, pattern)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", pattern, err)
		}
		for _, n := range names {
			if seen[n] || (p.Exclude != nil && p.Exclude.MatchString(n)) {
				continue
			}
			seen[n] = true
			out = append(out, n)
		}
	}
	logs.Opsf("%s: discovered %d devices in %d sectors", p.Key, len(out), len(p.Sectors))
	return out, nil
}
