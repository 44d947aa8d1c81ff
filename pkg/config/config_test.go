package config

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v2"
)

func TestDefaults(t *testing.T) {
	d := Defaults()
	require.Equal(t, 1024, d.MaxFrames)
	require.Equal(t, 30, d.ScanWindowOuter)
	require.Equal(t, 40, d.ScanWindowInnermost)
	require.True(t, d.ScanAllowed)
}

func TestRoundTripYAML(t *testing.T) {
	d := Defaults()
	d.MaxThreadsPerDump = 10

	out, err := yaml.Marshal(*d)
	require.NoError(t, err)

	var got Config
	require.NoError(t, yaml.Unmarshal(out, &got))
	require.Equal(t, *d, got)
}
