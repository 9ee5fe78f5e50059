package main_test

import (
	"bytes"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/infra/op-scenario/exitcodes"
)

// TestExitCodeBehavior verifies the exit codes of a run-once invocation:
// 0 when all scenarios pass, 1 when one fails and 2 when the run cannot happen.
func TestExitCodeBehavior(t *testing.T) {
	if testing.Short() {
		t.Skip("builds the binary")
	}
	projectRoot, err := os.Getwd()
	require.NoError(t, err, "Failed to get current directory")
	projectRoot = filepath.Dir(projectRoot)
	bin := buildBinary(t, projectRoot)
	features := filepath.Join(projectRoot, "examples", "calculator", "testdata")

	testCases := []struct {
		name           string
		args           []string
		expectedStatus int
	}{
		{
			name:           "passing scenarios exit with code 0",
			args:           []string{"--tags", "not @broken and not @pending", features},
			expectedStatus: exitcodes.Success,
		},
		{
			name:           "passing scenarios on worker processes exit with code 0",
			args:           []string{"--tags", "not @broken and not @pending", "--parallel", "2", features},
			expectedStatus: exitcodes.Success,
		},
		{
			name:           "failing scenario exits with code 1",
			args:           []string{"--tags", "@broken", features},
			expectedStatus: exitcodes.TestFailure,
		},
		{
			name:           "undefined step exits with code 1 in strict mode",
			args:           []string{"--tags", "@pending", features},
			expectedStatus: exitcodes.TestFailure,
		},
		{
			name:           "missing feature path exits with code 2",
			args:           []string{filepath.Join(t.TempDir(), "missing.feature")},
			expectedStatus: exitcodes.RuntimeErr,
		},
		{
			name:           "invalid tag expression exits with code 2",
			args:           []string{"--tags", "@a @b or", features},
			expectedStatus: exitcodes.RuntimeErr,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			args := append([]string{"--logdir", t.TempDir()}, tc.args...)
			cmd := exec.Command(bin, args...)
			var output bytes.Buffer
			cmd.Stdout = &output
			cmd.Stderr = &output

			err := cmd.Run()
			code := 0
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				code = exitErr.ExitCode()
			} else {
				require.NoError(t, err)
			}
			require.Equal(t, tc.expectedStatus, code, "output:\n%s", output.String())
		})
	}
}

func buildBinary(t *testing.T, projectRoot string) string {
	t.Helper()
	bin := filepath.Join(t.TempDir(), "op-scenario")
	buildCmd := exec.Command("go", "build", "-o", bin, filepath.Join(projectRoot, "cmd"))
	buildCmd.Dir = projectRoot
	var buildOutput bytes.Buffer
	buildCmd.Stdout = &buildOutput
	buildCmd.Stderr = &buildOutput
	if err := buildCmd.Run(); err != nil {
		t.Logf("Build output:\n%s", buildOutput.String())
		t.Fatalf("Failed to build op-scenario binary: %v", err)
	}
	require.FileExists(t, bin)
	return bin
}
