package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadPayload(t *testing.T) {
	t.Run("stdin", func(t *testing.T) {
		payload, err := readPayload(strings.NewReader(`{"documentType":"invoice"}`), "-")
		require.NoError(t, err)
		assert.Equal(t, "invoice", payload["documentType"])
	})

	t.Run("file", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "payload.json")
		require.NoError(t, os.WriteFile(file, []byte(`{"total":3}`), 0o600))
		payload, err := readPayload(nil, file)
		require.NoError(t, err)
		assert.Equal(t, 3.0, payload["total"])
	})

	for _, raw := range []string{"", "null", "[1,2]", "{"} {
		_, err := readPayload(strings.NewReader(raw), "-")
		assert.Error(t, err, raw)
	}
}

func TestRootCommand_RejectsBadArguments(t *testing.T) {
	tests := [][]string{
		{"process"},
		{"process", "not-a-uri"},
		{"status"},
		{"resume", "abc"},
	}
	for _, args := range tests {
		cmd := NewRootCommand()
		cmd.SetArgs(args)
		cmd.SetOut(&bytes.Buffer{})
		cmd.SetErr(&bytes.Buffer{})
		assert.Error(t, cmd.Execute(), strings.Join(args, " "))
	}
}

func TestPrintJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printJSON(&buf, map[string]string{"status": "COMPLETED"}))
	assert.Equal(t, "{\n  \"status\": \"COMPLETED\"\n}\n", buf.String())
}
