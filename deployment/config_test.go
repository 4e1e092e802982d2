package deployment

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_ParseConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		give    string
		want    []ConfigEntry
		wantErr string
	}{
		{
			name: "yaml keeps declaration order",
			give: `
Zeta: {deploy: true}
Alpha:
  deploy: false
Mid:
  deploy: true
  source: Settable
  args: ["$deployer", "@Alpha", 5]
`,
			want: []ConfigEntry{
				{Name: "Zeta", Deploy: true},
				{Name: "Alpha", Deploy: false},
				{Name: "Mid", Deploy: true, Source: "Settable", Args: []any{"$deployer", "@Alpha", 5}},
			},
		},
		{
			name: "json",
			give: `{"B": {"deploy": false}, "A": {"deploy": true}}`,
			want: []ConfigEntry{
				{Name: "B", Deploy: false},
				{Name: "A", Deploy: true},
			},
		},
		{
			name: "empty",
			give: "",
		},
		{
			name:    "not a mapping",
			give:    `[1, 2]`,
			wantErr: "must be a mapping",
		},
		{
			name:    "duplicate",
			give:    "A: {deploy: true}\nA: {deploy: false}\n",
			wantErr: "declares A twice",
		},
		{
			name:    "bad entry",
			give:    `A: {deploy: "maybe"}`,
			wantErr: "deploy config entry A",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := ParseConfig([]byte(tt.give))
			if tt.wantErr != "" {
				require.ErrorContains(t, err, tt.wantErr)

				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func Test_ConfigEntry_SourceName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "Issuer", ConfigEntry{Name: "Issuer"}.SourceName())
	assert.Equal(t, "Proxy", ConfigEntry{Name: "ProxyERC20", Source: "Proxy"}.SourceName())
}

func Test_LoadConfig(t *testing.T) {
	t.Parallel()

	fsys := fstest.MapFS{
		"deployments/sepolia/config.json": {Data: []byte(`{"Issuer": {"deploy": true}}`)},
	}

	got, err := LoadConfig(fsys, "deployments/sepolia/config.json")
	require.NoError(t, err)
	assert.Equal(t, []ConfigEntry{{Name: "Issuer", Deploy: true}}, got)

	_, err = LoadConfig(fsys, "deployments/mainnet/config.json")
	require.ErrorContains(t, err, "failed to read")
}
