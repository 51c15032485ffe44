// Package routing derives partition table names from routing coordinates.
//
// Naming is the single contract shared by provisioning and ingestion: a Path
// resolved here names an existing partition if and only if provisioning
// walked the same coordinates.
package routing

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	// RootTable is the logical table partitioned by country code.
	RootTable = "transactions"

	// DefaultSegment names the catch-all partition under every channel.
	DefaultSegment = "default"

	// MaxIdentifierLength is PostgreSQL's NAMEDATALEN-1. Longer identifiers are
	// silently truncated by the server, which would let distinct paths collide.
	MaxIdentifierLength = 63

	separator     = "_"
	countryPrefix = "country"
	indexPrefix   = "idx"
	hashSuffixLen = 8
)

var (
	// ErrEmptySegment is returned when a required coordinate is blank after normalization.
	ErrEmptySegment = errors.New("routing segment cannot be empty")

	// ErrNameTooLong is returned when a table name exceeds MaxIdentifierLength.
	ErrNameTooLong = errors.New("partition name exceeds identifier limit")

	// ErrNameCollision is returned when two distinct tree nodes normalize to the same name.
	ErrNameCollision = errors.New("partition name collision")

	// ErrReservedName is returned when a data type would shadow the default partition.
	ErrReservedName = errors.New("reserved partition name")
)

// Path is a resolved, normalized routing destination.
//
// DataType is empty for uploads that do not name one; such rows are written
// through the channel partition and land in its default catch-all.
type Path struct {
	Country  string
	Platform string
	Channel  string
	DataType string
}

// Normalize folds a raw coordinate into its partition segment form: lower-case,
// trimmed, with each run of internal whitespace replaced by one underscore.
//
// Normalize is idempotent: Normalize(Normalize(s)) == Normalize(s).
//
// Examples:
//   - Normalize("US") → "us"
//   - Normalize("  Prime  US ") → "prime_us"
//   - Normalize("StoreA") → "storea"
func Normalize(segment string) string {
	return strings.Join(strings.Fields(strings.ToLower(segment)), separator)
}

// ResolvePath normalizes the coordinates and returns the partition they route to.
// It performs no I/O; identical input always yields an identical Path.
func ResolvePath(country, platform, channel, dataType string) (Path, error) {
	p := Path{
		Country:  Normalize(country),
		Platform: Normalize(platform),
		Channel:  Normalize(channel),
		DataType: Normalize(dataType),
	}

	switch {
	case p.Country == "":
		return Path{}, fmt.Errorf("%w: country", ErrEmptySegment)
	case p.Platform == "":
		return Path{}, fmt.Errorf("%w: platform", ErrEmptySegment)
	case p.Channel == "":
		return Path{}, fmt.Errorf("%w: channel", ErrEmptySegment)
	}

	if err := CheckIdentifier(p.Table()); err != nil {
		return Path{}, err
	}

	return p, nil
}

// Table returns the table rows for this path are inserted into: the data-type
// leaf, or the channel partition when no data type was given.
func (p Path) Table() string {
	if p.DataType == "" {
		return ChannelTable(p.Country, p.Platform, p.Channel)
	}

	return LeafTable(p.Country, p.Platform, p.Channel, p.DataType)
}

// String implements fmt.Stringer.
func (p Path) String() string {
	return p.Table()
}

// UsesDefault reports whether rows for this path land in the default partition.
func (p Path) UsesDefault() bool {
	return p.DataType == ""
}

// CountryTable names the country-level partition, e.g. "country_us".
func CountryTable(country string) string {
	return join(countryPrefix, Normalize(country))
}

// PlatformTable names the platform-level partition, e.g. "country_us_amazon".
func PlatformTable(country, platform string) string {
	return join(CountryTable(country), Normalize(platform))
}

// ChannelTable names the channel-level partition, e.g. "country_us_amazon_storea".
func ChannelTable(country, platform, channel string) string {
	return join(PlatformTable(country, platform), Normalize(channel))
}

// LeafTable names a data-type leaf, e.g. "country_us_amazon_storea_standard".
func LeafTable(country, platform, channel, dataType string) string {
	return join(ChannelTable(country, platform, channel), Normalize(dataType))
}

// DefaultTable names the catch-all partition under a channel.
func DefaultTable(country, platform, channel string) string {
	return join(ChannelTable(country, platform, channel), DefaultSegment)
}

// IndexName builds a deterministic index name for table. Names that would
// exceed the identifier limit are shortened and suffixed with a hash of the
// full name so they stay unique.
func IndexName(table, suffix string) string {
	name := join(indexPrefix, table, suffix)
	if len(name) <= MaxIdentifierLength {
		return name
	}

	sum := sha256.Sum256([]byte(name))
	hash := hex.EncodeToString(sum[:])[:hashSuffixLen]
	keep := MaxIdentifierLength - len(hash) - len(separator)

	for keep > 0 && !utf8.RuneStart(name[keep]) {
		keep--
	}

	return name[:keep] + separator + hash
}

// CheckIdentifier rejects names PostgreSQL would truncate.
func CheckIdentifier(name string) error {
	if len(name) > MaxIdentifierLength {
		return fmt.Errorf("%w: %q is %d bytes (max %d)", ErrNameTooLong, name, len(name), MaxIdentifierLength)
	}

	return nil
}

func join(parts ...string) string {
	return strings.Join(parts, separator)
}
