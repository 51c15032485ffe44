// Package topology describes which countries, platforms, channels and data
// types make up the transaction partition tree.
//
// A Topology is pure data loaded once at startup from YAML. Provisioning walks
// it to build partitions and ingestion consults it to reject coordinates that
// were never provisioned.
package topology

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/s2report/ingestor/internal/config"
	"github.com/s2report/ingestor/internal/routing"
)

const (
	// DefaultPath is where the topology file is looked up when TOPOLOGY_PATH is unset.
	DefaultPath = "config/topology.yaml"

	// PathEnvVar names the environment variable overriding DefaultPath.
	PathEnvVar = "TOPOLOGY_PATH"

	countryCodeLength = 2
)

var (
	// ErrNoCountries is returned when the topology declares no countries.
	ErrNoCountries = errors.New("topology declares no countries")

	// ErrNoPlatforms is returned when the topology declares no platforms.
	ErrNoPlatforms = errors.New("topology declares no platforms")

	// ErrInvalidCountryCode is returned for a country that is not a two-letter code.
	ErrInvalidCountryCode = errors.New("country must be a two-letter code")

	// ErrUnknownCountry is returned when channels or flags reference an undeclared country.
	ErrUnknownCountry = errors.New("unknown country")

	// ErrUnknownPlatform is returned when channels or flags reference an undeclared platform.
	ErrUnknownPlatform = errors.New("unknown platform")

	// ErrDuplicateEntry is returned when a list contains the same value twice.
	ErrDuplicateEntry = errors.New("duplicate entry")

	// ErrBlankEntry is returned when a list contains an empty value.
	ErrBlankEntry = errors.New("blank entry")
)

// Topology is the declarative description of the partition tree.
//
// YAML layout (channels nest country → platform → list):
//
//	countries: [US, UK]
//	platforms: [Amazon, YouTube]
//	channels:
//	  US:
//	    Amazon: [StoreA, Prime US]
//	data_types: [Standard, Invoiced]
//	data_type_required:
//	  US: [Amazon]
//
//nolint:tagliatelle // snake_case is intentional for YAML config files
type Topology struct {
	Countries        []string                       `json:"countries"        yaml:"countries"`
	Platforms        []string                       `json:"platforms"        yaml:"platforms"`
	Channels         map[string]map[string][]string `json:"channels"         yaml:"channels"`
	DataTypes        []string                       `json:"dataTypes"        yaml:"data_types"`
	DataTypeRequired map[string][]string            `json:"dataTypeRequired" yaml:"data_type_required"`
}

// Load reads and validates a topology file.
//
// Unlike optional configuration, a missing or malformed topology is fatal:
// nothing can be provisioned or ingested without it.
func Load(path string) (*Topology, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from operator configuration
	if err != nil {
		return nil, fmt.Errorf("failed to read topology %s: %w", path, err)
	}

	return Parse(data)
}

// LoadFromEnv loads the topology from TOPOLOGY_PATH, defaulting to DefaultPath.
func LoadFromEnv() (*Topology, error) {
	return Load(config.GetEnvStr(PathEnvVar, DefaultPath))
}

// Parse decodes YAML and validates the result.
func Parse(data []byte) (*Topology, error) {
	topo := &Topology{}

	if err := yaml.Unmarshal(data, topo); err != nil {
		return nil, fmt.Errorf("failed to parse topology: %w", err)
	}

	if topo.Channels == nil {
		topo.Channels = make(map[string]map[string][]string)
	}

	if topo.DataTypeRequired == nil {
		topo.DataTypeRequired = make(map[string][]string)
	}

	if err := topo.Validate(); err != nil {
		return nil, err
	}

	return topo, nil
}

// Validate checks structural consistency. Every channel must hang off a
// declared (country, platform) pair; mismatches are errors rather than being
// silently skipped during provisioning.
func (t *Topology) Validate() error {
	if len(t.Countries) == 0 {
		return ErrNoCountries
	}

	if len(t.Platforms) == 0 {
		return ErrNoPlatforms
	}

	if err := checkList("countries", t.Countries); err != nil {
		return err
	}

	for _, country := range t.Countries {
		if len(strings.TrimSpace(country)) != countryCodeLength {
			return fmt.Errorf("%w: %q", ErrInvalidCountryCode, country)
		}
	}

	if err := checkList("platforms", t.Platforms); err != nil {
		return err
	}

	if err := checkList("data_types", t.DataTypes); err != nil {
		return err
	}

	for country, byPlatform := range t.Channels {
		if !t.HasCountry(country) {
			return fmt.Errorf("%w: channels reference %q", ErrUnknownCountry, country)
		}

		for platform, channels := range byPlatform {
			if !t.HasPlatform(platform) {
				return fmt.Errorf("%w: channels reference %q under %q", ErrUnknownPlatform, platform, country)
			}

			if err := checkList(fmt.Sprintf("channels[%s][%s]", country, platform), channels); err != nil {
				return err
			}
		}
	}

	for country, platforms := range t.DataTypeRequired {
		if !t.HasCountry(country) {
			return fmt.Errorf("%w: data_type_required references %q", ErrUnknownCountry, country)
		}

		for _, platform := range platforms {
			if !t.HasPlatform(platform) {
				return fmt.Errorf("%w: data_type_required references %q under %q", ErrUnknownPlatform, platform, country)
			}
		}
	}

	return nil
}

// HasCountry reports whether country is declared. Values are compared after
// routing.Normalize, so they match exactly when their partitions would.
func (t *Topology) HasCountry(country string) bool {
	return containsFold(t.Countries, country)
}

// HasPlatform reports whether platform is declared.
func (t *Topology) HasPlatform(platform string) bool {
	return containsFold(t.Platforms, platform)
}

// HasDataType reports whether dataType is declared.
func (t *Topology) HasDataType(dataType string) bool {
	return containsFold(t.DataTypes, dataType)
}

// ChannelsFor returns the ordered channels configured for (country, platform),
// or nil when none are configured.
func (t *Topology) ChannelsFor(country, platform string) []string {
	country, platform = routing.Normalize(country), routing.Normalize(platform)

	for c, byPlatform := range t.Channels {
		if routing.Normalize(c) != country {
			continue
		}

		for p, channels := range byPlatform {
			if routing.Normalize(p) == platform {
				return channels
			}
		}
	}

	return nil
}

// HasChannel reports whether channel is configured for (country, platform).
func (t *Topology) HasChannel(country, platform, channel string) bool {
	return containsFold(t.ChannelsFor(country, platform), channel)
}

// RequiresDataType reports whether uploads for (country, platform) must name a
// data type. Pairs without the flag may omit it and land in the channel's
// default partition.
func (t *Topology) RequiresDataType(country, platform string) bool {
	for c, platforms := range t.DataTypeRequired {
		if routing.Normalize(c) == routing.Normalize(country) && containsFold(platforms, platform) {
			return true
		}
	}

	return false
}

func checkList(field string, values []string) error {
	seen := make([]string, 0, len(values))

	for _, v := range values {
		key := routing.Normalize(v)
		if key == "" {
			return fmt.Errorf("%w in %s", ErrBlankEntry, field)
		}

		if slices.Contains(seen, key) {
			return fmt.Errorf("%w in %s: %q", ErrDuplicateEntry, field, v)
		}

		seen = append(seen, key)
	}

	return nil
}

func containsFold(values []string, want string) bool {
	want = routing.Normalize(want)

	for _, v := range values {
		if routing.Normalize(v) == want {
			return true
		}
	}

	return false
}
