// Package registry exposes static per-destination limits and execution policy.
package registry

import (
	"sort"
	"strings"

	"github.com/publora/publora/errs"
	"github.com/publora/publora/internal/infra/config"
)

// Destination pairs a destination name with its validated configuration.
type Destination struct {
	Name string
	config.DestinationConfig
}

// UnitCost returns the quota cost of one publish. Fixed-count destinations cost one unit.
func (d Destination) UnitCost() int64 {
	if d.CostPerUnit > 0 {
		return d.CostPerUnit
	}
	return 1
}

// HasAccountLimit reports whether a per-account daily counter applies.
func (d Destination) HasAccountLimit() bool { return d.DailyLimit > 0 }

// HasAppLimit reports whether an app-wide daily counter applies.
func (d Destination) HasAppLimit() bool { return d.AppDailyLimit > 0 }

// HasRPSCeiling reports whether the destination enforces a requests-per-second ceiling.
func (d Destination) HasRPSCeiling() bool { return d.AppRPS > 0 }

// EffectiveAppCapacity is the number of publishes the app-wide budget admits
// per window: floor(appDailyLimit / unit cost).
func (d Destination) EffectiveAppCapacity() int64 {
	if !d.HasAppLimit() {
		return 0
	}
	return d.AppDailyLimit / d.UnitCost()
}

// Registry is the read-only lookup of destination configuration. Built once at
// startup; a configuration error fails the process rather than defaulting.
type Registry struct {
	destinations map[string]Destination
}

// New validates and indexes the configured destinations.
func New(cfgs map[string]config.DestinationConfig) (*Registry, error) {
	if len(cfgs) == 0 {
		return nil, errs.New("", errs.CodeInvalid, errs.WithMessage("no destinations configured"))
	}
	destinations := make(map[string]Destination, len(cfgs))
	for name, cfg := range cfgs {
		key := strings.ToLower(strings.TrimSpace(name))
		if key == "" {
			return nil, errs.New("", errs.CodeInvalid, errs.WithMessage("destination name must not be empty"))
		}
		destinations[key] = Destination{Name: key, DestinationConfig: cfg}
	}
	return &Registry{destinations: destinations}, nil
}

// Config returns the configuration for the named destination.
func (r *Registry) Config(destination string) (Destination, error) {
	dest, ok := r.destinations[strings.ToLower(strings.TrimSpace(destination))]
	if !ok {
		return Destination{}, errs.New(destination, errs.CodeNotFound,
			errs.WithMessage("destination not registered"))
	}
	return dest, nil
}

// Known reports whether the destination is registered.
func (r *Registry) Known(destination string) bool {
	_, ok := r.destinations[strings.ToLower(strings.TrimSpace(destination))]
	return ok
}

// Destinations returns the registered destination names in sorted order.
func (r *Registry) Destinations() []string {
	names := make([]string, 0, len(r.destinations))
	for name := range r.destinations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
