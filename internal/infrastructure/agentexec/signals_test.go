package agentexec

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opentiger/tiger/internal/config"
	"github.com/opentiger/tiger/internal/domain"
	"github.com/opentiger/tiger/internal/infrastructure/subprocess"
)

func signalsConfig() config.WorkerConfig {
	cfg := config.DefaultWorkerConfig()
	cfg.SignalsCommand = "tiger-signals"
	return cfg
}

func reviewSubjects() (*domain.Task, *domain.Run) {
	task := &domain.Task{ID: "t1", Kind: domain.KindCode}
	run := &domain.Run{ID: "r1", TaskID: "t1"}
	return task, run
}

func TestSignalSourceDecodesStdout(t *testing.T) {
	runner := &mockRunner{run: func(_ context.Context, spec subprocess.Spec) (*subprocess.Result, error) {
		assert.Equal(t, "tiger-signals", spec.Command)
		assert.Contains(t, spec.Env, "TIGER_TASK_ID=t1")
		return &subprocess.Result{
			Stdout: `{"policyCompliant":true,"ciPassed":true,"llmApproved":false,"suggestions":["tighten tests"]}`,
		}, nil
	}}
	src, err := NewSignalSource(runner, signalsConfig())
	require.NoError(t, err)

	task, run := reviewSubjects()
	sig, err := src.Signals(context.Background(), task, run)
	require.NoError(t, err)
	assert.True(t, sig.PolicyCompliant)
	require.NotNil(t, sig.CIPassed)
	assert.True(t, *sig.CIPassed)
	require.NotNil(t, sig.LLMApproved)
	assert.False(t, *sig.LLMApproved)
	assert.Equal(t, []string{"tighten tests"}, sig.Suggestions)
	assert.Nil(t, sig.Research)
}

func TestSignalSourceRejectsNonZeroExit(t *testing.T) {
	runner := &mockRunner{run: func(context.Context, subprocess.Spec) (*subprocess.Result, error) {
		return &subprocess.Result{ExitCode: 3, Stderr: "github unreachable"}, nil
	}}
	src, err := NewSignalSource(runner, signalsConfig())
	require.NoError(t, err)

	task, run := reviewSubjects()
	_, err = src.Signals(context.Background(), task, run)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "github unreachable")
}

func TestSignalSourceRejectsMalformedOutput(t *testing.T) {
	runner := &mockRunner{run: func(context.Context, subprocess.Spec) (*subprocess.Result, error) {
		return &subprocess.Result{Stdout: "no signals here"}, nil
	}}
	src, err := NewSignalSource(runner, signalsConfig())
	require.NoError(t, err)

	task, run := reviewSubjects()
	_, err = src.Signals(context.Background(), task, run)
	require.Error(t, err)
}

func TestSignalSourceRequiresCommand(t *testing.T) {
	_, err := NewSignalSource(&mockRunner{}, config.DefaultWorkerConfig())
	require.Error(t, err)
}
