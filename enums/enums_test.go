package enums

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutputFormatString(t *testing.T) {
	t.Parallel()
	for _, tt := range []struct {
		input string
		want  OutputFormat
	}{
		{"table", OutputFormatTable},
		{"TAB", OutputFormatTab},
		{"Json", OutputFormatJSON},
		{"yaml", OutputFormatYAML},
	} {
		got, err := OutputFormatString(tt.input)
		require.NoError(t, err, tt.input)
		assert.Equal(t, tt.want, got)
		assert.Equal(t, got, must(OutputFormatString(got.String())))
	}

	for _, invalid := range []string{"", "unspecified", "csv"} {
		_, err := OutputFormatString(invalid)
		assert.Error(t, err, invalid)
	}
}

func TestDMLModeString(t *testing.T) {
	t.Parallel()
	got, err := DMLModeString("partitioned_non_atomic")
	require.NoError(t, err)
	assert.Equal(t, DMLModePartitionedNonAtomic, got)
	assert.Equal(t, "BATCH", DMLModeBatch.String())
	assert.Equal(t, "DMLMode(9)", DMLMode(9).String())

	_, err = DMLModeString("AUTOCOMMIT")
	assert.Error(t, err)
}

func TestParseModeString(t *testing.T) {
	t.Parallel()
	got, err := ParseModeString("no_memefish")
	require.NoError(t, err)
	assert.Equal(t, ParseModeNoMemefish, got)
	assert.Equal(t, "MEMEFISH_ONLY", ParseModeMemefishOnly.String())
}

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}
