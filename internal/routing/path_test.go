package routing

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"lowercases", "US", "us"},
		{"trims surrounding whitespace", "  Amazon\t", "amazon"},
		{"replaces internal space", "Prime US", "prime_us"},
		{"collapses whitespace runs", "Prime \t  US", "prime_us"},
		{"keeps existing underscores", "US_Deals", "us_deals"},
		{"empty stays empty", "   ", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Normalize(tt.input)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, got, Normalize(got), "Normalize must be idempotent")
		})
	}
}

func TestResolvePath_EndToEndName(t *testing.T) {
	path, err := ResolvePath("US", "Amazon", "StoreA", "Standard")
	require.NoError(t, err)

	assert.Equal(t, "country_us_amazon_storea_standard", path.Table())
	assert.Equal(t, "country_us_amazon_storea_standard", path.String())
	assert.False(t, path.UsesDefault())
}

func TestResolvePath_NormalizationLaw(t *testing.T) {
	canonical, err := ResolvePath("US", "Amazon", "Store A", "Standard")
	require.NoError(t, err)

	variants := [][4]string{
		{"us", "amazon", "store a", "standard"},
		{" US ", "AMAZON", "Store   A", "STANDARD "},
		{"Us", "aMaZoN", "\tstore a\n", "Standard"},
	}

	for _, v := range variants {
		got, err := ResolvePath(v[0], v[1], v[2], v[3])
		require.NoError(t, err)
		assert.Equal(t, canonical, got, "variant %q", v)
	}
}

func TestResolvePath_Deterministic(t *testing.T) {
	first, err := ResolvePath("UK", "YouTube", "British News", "Invoiced")
	require.NoError(t, err)

	for range 100 {
		again, err := ResolvePath("UK", "YouTube", "British News", "Invoiced")
		require.NoError(t, err)
		assert.Equal(t, first.Table(), again.Table())
	}
}

func TestResolvePath_EmptyDataTypeUsesChannelTable(t *testing.T) {
	path, err := ResolvePath("JP", "YouTube", "AnimeChannel", "")
	require.NoError(t, err)

	assert.True(t, path.UsesDefault())
	assert.Equal(t, "country_jp_youtube_animechannel", path.Table())
	assert.Equal(t, "country_jp_youtube_animechannel_default", DefaultTable("JP", "YouTube", "AnimeChannel"))
}

func TestResolvePath_EmptySegments(t *testing.T) {
	tests := []struct {
		name                                string
		country, platform, channel, dataTyp string
	}{
		{"missing country", "", "Amazon", "StoreA", "Standard"},
		{"blank platform", "US", "   ", "StoreA", "Standard"},
		{"missing channel", "US", "Amazon", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ResolvePath(tt.country, tt.platform, tt.channel, tt.dataTyp)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrEmptySegment))
		})
	}
}

func TestResolvePath_NameTooLong(t *testing.T) {
	_, err := ResolvePath("US", "Amazon", strings.Repeat("c", 60), "Standard")
	require.ErrorIs(t, err, ErrNameTooLong)
}

func TestTableNamesNest(t *testing.T) {
	assert.Equal(t, "country_us", CountryTable("US"))
	assert.Equal(t, "country_us_amazon", PlatformTable("US", "Amazon"))
	assert.Equal(t, "country_us_amazon_prime_us", ChannelTable("US", "Amazon", "Prime US"))
	assert.Equal(t, "country_us_amazon_prime_us_invoiced", LeafTable("US", "Amazon", "Prime US", "Invoiced"))
}

func TestIndexName(t *testing.T) {
	assert.Equal(t, "idx_country_us_amazon_storea_standard_date",
		IndexName("country_us_amazon_storea_standard", "date"))

	long := strings.Repeat("x", 60)
	first := IndexName(long, "date")
	second := IndexName(long, "data")

	assert.LessOrEqual(t, len(first), MaxIdentifierLength)
	assert.LessOrEqual(t, len(second), MaxIdentifierLength)
	assert.NotEqual(t, first, second, "shortened names must stay unique")
	assert.Equal(t, first, IndexName(long, "date"))
}
