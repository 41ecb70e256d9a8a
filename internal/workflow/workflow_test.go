package workflow

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/DaveCBeck/thala-sub003/internal/model"
)

func collectCheckpoints(phases *[]string) CheckpointFunc {
	return func(phase string, outputs, counters map[string]any) {
		*phases = append(*phases, phase)
	}
}

func TestRegistry_Lookup(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	registry := NewRegistry()

	wf := NewShellCommandWorkflow(t.TempDir(), logger)
	registry.Register("shell_command", wf)

	got, err := registry.Get("shell_command")
	require.NoError(t, err)
	require.Equal(t, wf, got)

	_, err = registry.Get("nonexistent")
	require.True(t, errors.Is(err, ErrUnknownWorkflow))

	require.True(t, registry.IsZeroCost("shell_command"))
	require.False(t, registry.IsZeroCost("nonexistent"))

	phase, err := registry.InitialPhase("shell_command")
	require.NoError(t, err)
	require.Equal(t, "run", phase)

	require.Equal(t, []string{"shell_command"}, registry.Types())
}

func TestWebFetchWorkflow_FetchAndSave(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("  On Liberty, chapter one.  "))
	}))
	defer server.Close()

	logger, _ := zap.NewDevelopment()
	outputDir := t.TempDir()
	wf := NewWebFetchWorkflow(outputDir, logger)

	task := &model.Task{
		ID:       "t1",
		TaskType: "web_fetch",
		Payload:  map[string]any{"url": server.URL},
	}

	var phases []string
	result, err := wf.Run(context.Background(), task, collectCheckpoints(&phases), "")
	require.NoError(t, err)
	require.Equal(t, "On Liberty, chapter one.", result["content"])
	require.Equal(t, []string{"fetch", "extract", "save"}, phases)

	paths, err := wf.SaveOutputs(context.Background(), task, result)
	require.NoError(t, err)
	require.Len(t, paths, 1)
	require.Equal(t, filepath.Join(outputDir, "t1.txt"), paths[0])

	data, err := os.ReadFile(paths[0])
	require.NoError(t, err)
	require.Equal(t, "On Liberty, chapter one.", string(data))
}

func TestWebFetchWorkflow_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	defer server.Close()

	logger, _ := zap.NewDevelopment()
	wf := NewWebFetchWorkflow(t.TempDir(), logger)

	task := &model.Task{ID: "t1", Payload: map[string]any{"url": server.URL}}
	var phases []string
	_, err := wf.Run(context.Background(), task, collectCheckpoints(&phases), "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "status 410")
}

func TestWebFetchWorkflow_CanceledContext(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	wf := NewWebFetchWorkflow(t.TempDir(), logger)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	task := &model.Task{ID: "t1", Payload: map[string]any{"url": "http://127.0.0.1:1/never"}}
	var phases []string
	_, err := wf.Run(ctx, task, collectCheckpoints(&phases), "")
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrCanceled))
}

func TestWebFetchWorkflow_MissingURL(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	wf := NewWebFetchWorkflow(t.TempDir(), logger)

	task := &model.Task{ID: "t1", Payload: map[string]any{}}
	var phases []string
	_, err := wf.Run(context.Background(), task, collectCheckpoints(&phases), "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "no url")
}

func TestShellCommandWorkflow_Run(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	outputDir := t.TempDir()
	wf := NewShellCommandWorkflow(outputDir, logger)

	task := &model.Task{
		ID:       "t1",
		TaskType: "shell_command",
		Payload: map[string]any{
			"command": "echo",
			"args":    []any{"hello", "queue"},
		},
	}

	var phases []string
	result, err := wf.Run(context.Background(), task, collectCheckpoints(&phases), "")
	require.NoError(t, err)
	require.Contains(t, result["output"], "hello queue")
	require.Equal(t, []string{"run", "save"}, phases)

	paths, err := wf.SaveOutputs(context.Background(), task, result)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(outputDir, "t1.log"), paths[0])
}

func TestShellCommandWorkflow_FailedCommand(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	wf := NewShellCommandWorkflow(t.TempDir(), logger)

	task := &model.Task{
		ID:      "t1",
		Payload: map[string]any{"command": "false"},
	}

	var phases []string
	_, err := wf.Run(context.Background(), task, collectCheckpoints(&phases), "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "command failed")
}
