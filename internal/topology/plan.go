package topology

import (
	"fmt"

	"github.com/s2report/ingestor/internal/routing"
)

// Level identifies a node's depth in the partition tree.
type Level int

// Partition tree levels, root first.
const (
	LevelRoot Level = iota
	LevelCountry
	LevelPlatform
	LevelChannel
	LevelDataType
	LevelDefault
)

// String implements fmt.Stringer.
func (l Level) String() string {
	switch l {
	case LevelRoot:
		return "root"
	case LevelCountry:
		return "country"
	case LevelPlatform:
		return "platform"
	case LevelChannel:
		return "channel"
	case LevelDataType:
		return "data_type"
	case LevelDefault:
		return "default"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// Partition key columns, indexed by the level that partitions by them.
var partitionKeys = map[Level]string{
	LevelRoot:     "country_code",
	LevelCountry:  "platform",
	LevelPlatform: "channel",
	LevelChannel:  "data_type",
}

// Index is a secondary index created on a storage-bearing partition.
type Index struct {
	Name   string `json:"name"`
	Method string `json:"method"`
	Column string `json:"column"`
}

// Node is one table in the provisioning plan.
//
// Parent is empty only for the root. Value is the list value the node is
// attached with and is empty for the root and for DEFAULT partitions.
// PartitionKey is the column the node's own children are listed by; it is
// empty for storage-bearing nodes, which carry Indexes instead.
type Node struct {
	Level        Level   `json:"level"`
	Table        string  `json:"table"`
	Parent       string  `json:"parent,omitempty"`
	Value        string  `json:"value,omitempty"`
	PartitionKey string  `json:"partitionKey,omitempty"`
	Indexes      []Index `json:"indexes,omitempty"`
}

// IsDefault reports whether the node is a channel's catch-all partition.
func (n Node) IsDefault() bool {
	return n.Level == LevelDefault
}

// Plan returns every partition the topology describes, parents before
// children, in declaration order.
//
// For each country every declared platform gets a partition; channels come
// from the channels map; every channel receives one leaf per data type and a
// DEFAULT partition. Plan fails if two nodes would share an identifier, if a
// data type normalizes to the reserved default segment, or if any identifier
// exceeds PostgreSQL's length limit.
func (t *Topology) Plan() ([]Node, error) {
	var nodes []Node

	seen := make(map[string]string)

	add := func(n Node) error {
		names := make([]string, 0, 1+len(n.Indexes))
		names = append(names, n.Table)

		for _, idx := range n.Indexes {
			names = append(names, idx.Name)
		}

		for _, name := range names {
			if err := routing.CheckIdentifier(name); err != nil {
				return err
			}

			if owner, ok := seen[name]; ok {
				return fmt.Errorf("%w: %q is produced by both %s and %s", routing.ErrNameCollision, name, owner, n.Level)
			}

			seen[name] = n.Level.String()
		}

		nodes = append(nodes, n)

		return nil
	}

	for _, dt := range t.DataTypes {
		if routing.Normalize(dt) == routing.DefaultSegment {
			return nil, fmt.Errorf("%w: data type %q", routing.ErrReservedName, dt)
		}
	}

	if err := add(Node{
		Level:        LevelRoot,
		Table:        routing.RootTable,
		PartitionKey: partitionKeys[LevelRoot],
	}); err != nil {
		return nil, err
	}

	for _, country := range t.Countries {
		countryTable := routing.CountryTable(country)

		if err := add(Node{
			Level:        LevelCountry,
			Table:        countryTable,
			Parent:       routing.RootTable,
			Value:        routing.Normalize(country),
			PartitionKey: partitionKeys[LevelCountry],
		}); err != nil {
			return nil, err
		}

		for _, platform := range t.Platforms {
			if err := t.planPlatform(add, country, platform); err != nil {
				return nil, err
			}
		}
	}

	return nodes, nil
}

func (t *Topology) planPlatform(add func(Node) error, country, platform string) error {
	platformTable := routing.PlatformTable(country, platform)

	if err := add(Node{
		Level:        LevelPlatform,
		Table:        platformTable,
		Parent:       routing.CountryTable(country),
		Value:        routing.Normalize(platform),
		PartitionKey: partitionKeys[LevelPlatform],
	}); err != nil {
		return err
	}

	for _, channel := range t.ChannelsFor(country, platform) {
		channelTable := routing.ChannelTable(country, platform, channel)

		if err := add(Node{
			Level:        LevelChannel,
			Table:        channelTable,
			Parent:       platformTable,
			Value:        routing.Normalize(channel),
			PartitionKey: partitionKeys[LevelChannel],
		}); err != nil {
			return err
		}

		for _, dataType := range t.DataTypes {
			leaf := routing.LeafTable(country, platform, channel, dataType)

			if err := add(Node{
				Level:   LevelDataType,
				Table:   leaf,
				Parent:  channelTable,
				Value:   routing.Normalize(dataType),
				Indexes: leafIndexes(leaf),
			}); err != nil {
				return err
			}
		}

		def := routing.DefaultTable(country, platform, channel)

		if err := add(Node{
			Level:   LevelDefault,
			Table:   def,
			Parent:  channelTable,
			Indexes: leafIndexes(def),
		}); err != nil {
			return err
		}
	}

	return nil
}

func leafIndexes(table string) []Index {
	return []Index{
		{Name: routing.IndexName(table, "date"), Method: "btree", Column: "transaction_date"},
		{Name: routing.IndexName(table, "data"), Method: "gin", Column: "raw_data"},
	}
}
