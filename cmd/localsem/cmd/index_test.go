package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIndexCmd_HasForceFlag(t *testing.T) {
	rootCmd := NewRootCmd()
	indexCmd, _, err := rootCmd.Find([]string{"index"})
	require.NoError(t, err)

	flag := indexCmd.Flags().Lookup("force")
	require.NotNil(t, flag)
	assert.Equal(t, "false", flag.DefValue)
}

func TestIndexCmd_HasInfoSubcommand(t *testing.T) {
	rootCmd := NewRootCmd()
	_, _, err := rootCmd.Find([]string{"index", "info"})
	require.NoError(t, err)
}

func TestIndexCmd_FailsOnNonExistentPath(t *testing.T) {
	cmd := NewRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"index", "/nonexistent/path"})

	err := cmd.Execute()
	assert.Error(t, err)
}

func TestIndexCmd_FailsOnFileNotDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	filePath := filepath.Join(tmpDir, "not-a-dir")
	require.NoError(t, os.WriteFile(filePath, []byte("x"), 0644))

	cmd := NewRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"index", filePath})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a directory")
}

func TestClearIndexData_RemovesIndexFiles(t *testing.T) {
	dataDir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "fss.db"), []byte("test"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "vectors.idx"), []byte("test"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "vectors.idx.meta"), []byte("test"), 0644))

	err := clearIndexData(dataDir)

	require.NoError(t, err)
	assert.NoFileExists(t, filepath.Join(dataDir, "fss.db"))
	assert.NoFileExists(t, filepath.Join(dataDir, "vectors.idx"))
	assert.NoFileExists(t, filepath.Join(dataDir, "vectors.idx.meta"))
}

func TestClearIndexData_PreservesProjectConfig(t *testing.T) {
	dataDir := t.TempDir()
	root := filepath.Dir(dataDir)
	configPath := filepath.Join(root, ".localsem.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("model_id: test\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "vectors.idx"), []byte("test"), 0644))

	err := clearIndexData(dataDir)

	require.NoError(t, err)
	assert.FileExists(t, configPath, ".localsem.yaml lives at the project root, not the data dir")
}

func TestClearIndexData_IgnoresNonExistentFiles(t *testing.T) {
	dataDir := t.TempDir()

	err := clearIndexData(dataDir)

	require.NoError(t, err)
}
