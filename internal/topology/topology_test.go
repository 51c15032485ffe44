package topology

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleTopology = `
countries: [US, UK]
platforms: [Amazon, YouTube]
channels:
  US:
    Amazon: [StoreA, Prime US]
    YouTube: [TechReviews]
  UK:
    YouTube: [British News]
data_types: [Standard, Invoiced]
data_type_required:
  US: [Amazon]
`

func writeTopology(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "topology.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoad_ValidYAML(t *testing.T) {
	topo, err := Load(writeTopology(t, sampleTopology))

	require.NoError(t, err)
	require.NotNil(t, topo)
	assert.Equal(t, []string{"US", "UK"}, topo.Countries)
	assert.Equal(t, []string{"Amazon", "YouTube"}, topo.Platforms)
	assert.Equal(t, []string{"StoreA", "Prime US"}, topo.Channels["US"]["Amazon"])
	assert.Equal(t, []string{"Standard", "Invoiced"}, topo.DataTypes)
}

func TestLoad_MissingFile(t *testing.T) {
	topo, err := Load("/nonexistent/path/topology.yaml")

	require.Error(t, err)
	assert.Nil(t, topo)
	assert.Contains(t, err.Error(), "failed to read topology")
}

func TestLoad_InvalidYAML(t *testing.T) {
	topo, err := Load(writeTopology(t, "countries: [US\n"))

	require.Error(t, err)
	assert.Nil(t, topo)
	assert.Contains(t, err.Error(), "failed to parse topology")
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv(PathEnvVar, writeTopology(t, sampleTopology))

	topo, err := LoadFromEnv()

	require.NoError(t, err)
	assert.True(t, topo.HasCountry("us"))
}

func TestParse_ShippedTopology(t *testing.T) {
	topo, err := Load(filepath.Join("..", "..", DefaultPath))

	require.NoError(t, err)

	nodes, err := topo.Plan()
	require.NoError(t, err)
	assert.NotEmpty(t, nodes)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr error
	}{
		{
			name:    "no countries",
			content: "platforms: [Amazon]\n",
			wantErr: ErrNoCountries,
		},
		{
			name:    "no platforms",
			content: "countries: [US]\n",
			wantErr: ErrNoPlatforms,
		},
		{
			name:    "country code too long",
			content: "countries: [USA]\nplatforms: [Amazon]\n",
			wantErr: ErrInvalidCountryCode,
		},
		{
			name:    "duplicate after normalization",
			content: "countries: [US]\nplatforms: [Amazon, ' amazon ']\n",
			wantErr: ErrDuplicateEntry,
		},
		{
			name:    "blank data type",
			content: "countries: [US]\nplatforms: [Amazon]\ndata_types: ['  ']\n",
			wantErr: ErrBlankEntry,
		},
		{
			name:    "channel under undeclared country",
			content: "countries: [US]\nplatforms: [Amazon]\nchannels:\n  DE:\n    Amazon: [StoreA]\n",
			wantErr: ErrUnknownCountry,
		},
		{
			name:    "channel under undeclared platform",
			content: "countries: [US]\nplatforms: [Amazon]\nchannels:\n  US:\n    eBay: [StoreA]\n",
			wantErr: ErrUnknownPlatform,
		},
		{
			name:    "required flag for undeclared platform",
			content: "countries: [US]\nplatforms: [Amazon]\ndata_type_required:\n  US: [eBay]\n",
			wantErr: ErrUnknownPlatform,
		},
		{
			name:    "duplicate channel",
			content: "countries: [US]\nplatforms: [Amazon]\nchannels:\n  US:\n    Amazon: [Store A, store  a]\n",
			wantErr: ErrDuplicateEntry,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.content))
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestLookups_AreNormalized(t *testing.T) {
	topo, err := Parse([]byte(sampleTopology))
	require.NoError(t, err)

	assert.True(t, topo.HasCountry("us"))
	assert.True(t, topo.HasCountry(" UK "))
	assert.False(t, topo.HasCountry("JP"))

	assert.True(t, topo.HasPlatform("YOUTUBE"))
	assert.True(t, topo.HasDataType("standard"))
	assert.False(t, topo.HasDataType("refund"))

	assert.True(t, topo.HasChannel("us", "amazon", "prime us"))
	assert.True(t, topo.HasChannel("US", "Amazon", "Prime   US"))
	assert.True(t, topo.HasChannel("UK", "YouTube", "british_news"))
	assert.False(t, topo.HasChannel("UK", "Amazon", "StoreA"))

	assert.Nil(t, topo.ChannelsFor("UK", "Amazon"))
}

func TestRequiresDataType(t *testing.T) {
	topo, err := Parse([]byte(sampleTopology))
	require.NoError(t, err)

	assert.True(t, topo.RequiresDataType("US", "Amazon"))
	assert.True(t, topo.RequiresDataType("us", "amazon"))
	assert.False(t, topo.RequiresDataType("US", "YouTube"))
	assert.False(t, topo.RequiresDataType("UK", "Amazon"))
}
