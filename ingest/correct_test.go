package ingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToolCorrectorRunsCommand(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.dcm")
	out := filepath.Join(dir, "out.dcm")
	require.NoError(t, os.WriteFile(in, []byte("dicom"), 0o644))

	c := NewToolCorrector("cp", time.Minute)
	require.NoError(t, c.Correct(context.Background(), in, out))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "dicom", string(data))
}

func TestToolCorrectorTimeout(t *testing.T) {
	c := &ToolCorrector{Command: []string{"sh", "-c", "sleep 5", "sh"}, Timeout: 50 * time.Millisecond}

	start := time.Now()
	err := c.Correct(context.Background(), "in", "out")

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestToolCorrectorTimeoutKillsSpawnedHelpers(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.dcm")
	// the tool hands the work to a child that writes the output late
	c := &ToolCorrector{
		Command: []string{"sh", "-c", `sh -c 'sleep 1; echo late > "$1"' helper "$2"`, "tool"},
		Timeout: 50 * time.Millisecond,
	}

	start := time.Now()
	err := c.Correct(context.Background(), filepath.Join(dir, "in.dcm"), out)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 900*time.Millisecond)
	time.Sleep(1500 * time.Millisecond)
	assert.NoFileExists(t, out)
}

func TestToolCorrectorTimeoutRemovesPartialOutput(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.dcm")
	c := &ToolCorrector{
		Command: []string{"sh", "-c", `echo partial > "$2"; sleep 5`, "tool"},
		Timeout: 200 * time.Millisecond,
	}

	err := c.Correct(context.Background(), filepath.Join(dir, "in.dcm"), out)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NoFileExists(t, out)
}

func TestToolCorrectorFailure(t *testing.T) {
	c := NewToolCorrector("false", time.Minute)
	assert.Error(t, c.Correct(context.Background(), "in", "out"))
}

func TestToolCorrectorUnconfigured(t *testing.T) {
	c := NewToolCorrector("  ", time.Minute)
	assert.Error(t, c.Correct(context.Background(), "in", "out"))
}
