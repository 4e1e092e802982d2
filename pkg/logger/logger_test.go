package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func Test_Parse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		give    string
		wantErr string
	}{
		{name: "empty uses default", give: ""},
		{name: "debug", give: "debug"},
		{name: "warn", give: "warn"},
		{name: "invalid", give: "loud", wantErr: `invalid log level "loud"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			lggr, err := Parse(tt.give)
			if tt.wantErr != "" {
				require.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, lggr)
		})
	}
}

func Test_NamedAndWith(t *testing.T) {
	t.Parallel()

	lggr, logs := TestObserved(t, zapcore.InfoLevel)
	child := lggr.Named("executor").With("contract", "Issuer")

	assert.Equal(t, "executor", child.Name())

	child.Infow("step skipped", "write", "setX")
	child.Debugw("not observed")

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "step skipped", entries[0].Message)
	assert.Equal(t, "Issuer", entries[0].ContextMap()["contract"])
	assert.Equal(t, "setX", entries[0].ContextMap()["write"])
}

func Test_Nop(t *testing.T) {
	t.Parallel()

	lggr := Nop()
	lggr.Infow("ignored")
	assert.Empty(t, lggr.Name())
}
