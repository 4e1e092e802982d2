package jsonutils

import (
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_WriteFile(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		givePath string
		giveObj  any
		want     string
		wantErr  string
	}{
		{
			name:     "success",
			givePath: "valid.json",
			giveObj:  map[string]string{"key": "value"},
			want:     "{\n  \"key\": \"value\"\n}",
		},
		{
			name:     "creates missing directories",
			givePath: filepath.Join("nested", "dir", "valid.json"),
			giveObj:  []int{1},
			want:     "[\n  1\n]",
		},
		{
			name:     "failure: cannot marshal JSON",
			givePath: "invalid.json",
			giveObj:  make(chan int),
			wantErr:  "json: unsupported type: chan int",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rootDir := t.TempDir()
			path := filepath.Join(rootDir, tt.givePath)

			err := WriteFile(path, tt.giveObj)

			if tt.wantErr != "" {
				require.ErrorContains(t, err, tt.wantErr)

				return
			}
			require.NoError(t, err)

			b, err := os.ReadFile(path)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(b))

			// No temp files are left behind.
			entries, err := os.ReadDir(filepath.Dir(path))
			require.NoError(t, err)
			assert.Len(t, entries, 1)
		})
	}
}

func Test_WriteFile_Overwrites(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "owner-actions.json")

	require.NoError(t, WriteFile(path, []string{"a", "b"}))
	require.NoError(t, WriteFile(path, []string{"c"}))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "[\n  \"c\"\n]", string(b))
}

func Test_LoadFromFS(t *testing.T) {
	t.Parallel()

	fsys := fstest.MapFS{
		"good.json": {Data: []byte(`{"key":"value"}`)},
		"bad.json":  {Data: []byte(`{`)},
	}

	got, err := LoadFromFS[map[string]string](fsys, "good.json")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"key": "value"}, got)

	_, err = LoadFromFS[map[string]string](fsys, "bad.json")
	require.ErrorContains(t, err, "failed to unmarshal JSON at path bad.json")

	_, err = LoadFromFS[map[string]string](fsys, "missing.json")
	require.ErrorContains(t, err, "failed to read missing.json")
}
