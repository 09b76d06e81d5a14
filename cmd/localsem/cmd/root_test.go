package cmd

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCmd_ShowsHelp(t *testing.T) {
	cmd := NewRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"--help"})

	err := cmd.Execute()

	require.NoError(t, err)
	output := buf.String()
	assert.Contains(t, output, "localsem", "help should mention program name")
	assert.Contains(t, output, "Usage:", "help should show usage")
}

func TestRootCmd_ShowsVersion(t *testing.T) {
	cmd := NewRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"--version"})

	err := cmd.Execute()

	require.NoError(t, err)
	output := buf.String()
	hasVersion := strings.Contains(output, "0.1") || strings.Contains(output, "dev")
	assert.True(t, hasVersion, "version output should contain a version number or 'dev'")
	assert.Contains(t, output, "localsem", "version output should mention program name")
}

func TestRootCmd_HasSubcommands(t *testing.T) {
	cmd := NewRootCmd()
	subcommands := cmd.Commands()

	var commandNames []string
	for _, subcmd := range subcommands {
		commandNames = append(commandNames, subcmd.Name())
	}

	assert.Contains(t, commandNames, "index", "should have index subcommand")
	assert.Contains(t, commandNames, "search", "should have search subcommand")
	assert.Contains(t, commandNames, "daemon", "should have daemon subcommand")
	assert.Contains(t, commandNames, "config", "should have config subcommand")
	assert.Contains(t, commandNames, "version", "should have version subcommand")
}

func TestRootCmd_HasDebugFlag(t *testing.T) {
	cmd := NewRootCmd()

	flag := cmd.PersistentFlags().Lookup("debug")
	assert.NotNil(t, flag, "should have --debug flag")
	assert.Equal(t, "false", flag.DefValue)
}

func TestIndexCmd_ShowsHelp(t *testing.T) {
	cmd := NewRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"index", "--help"})

	err := cmd.Execute()

	require.NoError(t, err)
	assert.Contains(t, buf.String(), "index", "index help should mention index")
}

func TestSearchCmd_ShowsHelp(t *testing.T) {
	cmd := NewRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"search", "--help"})

	err := cmd.Execute()

	require.NoError(t, err)
	assert.Contains(t, buf.String(), "search", "search help should mention search")
}

func TestDaemonCmd_ShowsHelp(t *testing.T) {
	cmd := NewRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"daemon", "--help"})

	err := cmd.Execute()

	require.NoError(t, err)
	assert.Contains(t, buf.String(), "daemon", "daemon help should mention daemon")
}
