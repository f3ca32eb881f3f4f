package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve(t *testing.T) {
	assert.Equal(t, "/srv/model.onnx", resolve("/repo", "/srv/model.onnx"))
	assert.Equal(t, filepath.Join("/repo", "models", "m.onnx"), resolve("/repo", "models/m.onnx"))
}

func TestProjectRoot_FromCmdServer(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)

	root, err := projectRoot()
	require.NoError(t, err)

	// Tests run inside cmd/server, so the root is two levels up.
	assert.Equal(t, filepath.Clean(filepath.Join(wd, "../..")), filepath.Clean(root))
	_, err = os.Stat(filepath.Join(root, "go.mod"))
	assert.NoError(t, err)
}
