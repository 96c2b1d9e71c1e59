package executil

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestShellQuoteSafeVsUnsafe(t *testing.T) {
	require.Equal(t, "abc-123_X.Y/z", ShellQuote("abc-123_X.Y/z"))
	require.Equal(t, `''`, ShellQuote(""))
	require.Equal(t, `'it'"'"'s'`, ShellQuote("it's"))
	require.Equal(t, `'a b'`, ShellQuote("a b"))
}

func TestSplitCommandHonorsQuoting(t *testing.T) {
	fields, err := SplitCommand(`makepkg --config foo.conf --syncdeps`)
	require.NoError(t, err)
	require.Equal(t, []string{"makepkg", "--config", "foo.conf", "--syncdeps"}, fields)

	fields, err = SplitCommand(`bash -c "echo hi there"`)
	require.NoError(t, err)
	require.Equal(t, []string{"bash", "-c", "echo hi there"}, fields)
}

func TestGenerateCmdSuNoopForCurrentUser(t *testing.T) {
	current, err := currentUsername()
	require.NoError(t, err)

	cmd, err := generateCmdSu([]string{"/bin/bash", "-c", "echo hi"}, current, "")
	require.NoError(t, err)
	require.Equal(t, []string{"/bin/bash", "-c", "echo hi"}, cmd)
}

func TestGenerateEnvCmd(t *testing.T) {
	cmd := generateEnvCmd(map[string]string{"FOO": "bar"})
	require.Equal(t, []string{"/usr/bin/env", "FOO=bar"}, cmd)

	require.Nil(t, generateEnvCmd(nil))
}
