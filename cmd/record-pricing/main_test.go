package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAzureFileSKU(t *testing.T) {
	assert.Equal(t, "d2s_v3", azureFileSKU("Standard_D2s_v3"))
	assert.Equal(t, "b2ms", azureFileSKU("B2ms"))
}

func TestWriteIndented(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.json")
	require.NoError(t, writeIndented(path, []byte(`{"a":{"b":1}}`)))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "{\n  \"a\": {\n    \"b\": 1\n  }\n}\n", string(data))

	assert.Error(t, writeIndented(path, []byte("not json")))
}
