package deployment

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_LoadArtifacts(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		giveFiles fstest.MapFS
		wantNames []string
		wantErr   string
	}{
		{
			name: "loads json artifacts",
			giveFiles: fstest.MapFS{
				"build/Settable.json": {Data: []byte(`{"abi":` + settableABIJSON + `,"bytecode":"6080","timestamp":"2024-05-01T00:00:00Z"}`)},
				"build/README.md":     {Data: []byte("ignored")},
			},
			wantNames: []string{"Settable"},
		},
		{
			name: "invalid abi",
			giveFiles: fstest.MapFS{
				"build/Bad.json": {Data: []byte(`{"abi":{"nope":1},"bytecode":"0x00"}`)},
			},
			wantErr: "invalid abi for Bad",
		},
		{
			name: "invalid bytecode",
			giveFiles: fstest.MapFS{
				"build/Bad.json": {Data: []byte(`{"abi":[],"bytecode":"0xzz"}`)},
			},
			wantErr: "invalid bytecode for Bad",
		},
		{
			name:      "missing dir",
			giveFiles: fstest.MapFS{},
			wantErr:   "failed to read artifacts dir",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := LoadArtifacts(tt.giveFiles, "build")
			if tt.wantErr != "" {
				require.ErrorContains(t, err, tt.wantErr)

				return
			}
			require.NoError(t, err)

			for _, name := range tt.wantNames {
				art, err := got.Artifact(name)
				require.NoError(t, err)
				assert.Equal(t, []byte{0x60, 0x80}, art.Bytecode)
				assert.Equal(t, testTime, art.Timestamp)
				assert.Contains(t, art.ABI.Methods, "getX")
			}
			assert.Len(t, got, len(tt.wantNames))

			_, err = got.Artifact("Unknown")
			require.ErrorIs(t, err, ErrArtifactNotFound)
		})
	}
}
