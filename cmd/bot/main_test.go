package main

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"claimbot/internal/app"
	"claimbot/internal/autorun"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	t.Parallel()
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "claimbot "+app.Version+"\n", out)
}

func TestTargetMatchesEngine(t *testing.T) {
	t.Parallel()
	out, err := execute(t, "target", "--user", "42", "--account", "a1b2c3d4",
		"--date", "2025-03-01", "--tz", "UTC", "--start-hour", "9", "--spread", "600")
	require.NoError(t, err)

	m := autorun.TargetMinute("42", "a1b2c3d4", "2025-03-01", 9, 600)
	want := fmt.Sprintf("2025-03-01 %02d:%02d (minute %d, UTC)\n", m/60, m%60, m)
	assert.Equal(t, want, out)
	assert.GreaterOrEqual(t, m, 9*60)
	assert.Less(t, m, 9*60+600)
}

func TestTargetIsStable(t *testing.T) {
	t.Parallel()
	args := []string{"target", "--user", "7", "--account", "acc", "--date", "2025-03-02", "--tz", "UTC"}
	first, err := execute(t, args...)
	require.NoError(t, err)
	second, err := execute(t, args...)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestTargetValidation(t *testing.T) {
	t.Parallel()
	cases := map[string][]string{
		"missing account": {"target", "--user", "1"},
		"bad date":        {"target", "--user", "1", "--account", "a", "--date", "01/03/2025"},
		"bad tz":          {"target", "--user", "1", "--account", "a", "--tz", "Nowhere/City"},
		"zero spread":     {"target", "--user", "1", "--account", "a", "--spread", "0"},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := execute(t, args...)
			require.Error(t, err)
		})
	}
}

func TestRunRejectsMissingConfig(t *testing.T) {
	t.Parallel()
	_, err := execute(t, "run", "--config", t.TempDir()+"/missing.json")
	require.Error(t, err)
	assert.False(t, strings.Contains(err.Error(), "panic"))
}
