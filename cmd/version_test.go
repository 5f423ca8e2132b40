package cmd

import (
	"fmt"
	"io"
	"os"
	"testing"

	"github.com/roboticgit/Supervisors-Assistant/assistant"
	"github.com/stretchr/testify/assert"
)

func TestVersionCommand(t *testing.T) {
	originalVersion := assistant.Version
	originalCommitSHA := assistant.CommitSHA
	originalBuildTime := assistant.BuildTime

	t.Cleanup(
		func() {
			assistant.Version = originalVersion
			assistant.CommitSHA = originalCommitSHA
			assistant.BuildTime = originalBuildTime
		},
	)

	assistant.Version = "1.0.0"
	assistant.CommitSHA = "abc123"
	assistant.BuildTime = "2023-10-01T12:00:00Z"

	orig := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w
	t.Cleanup(
		func() {
			os.Stdout = orig
		},
	)

	// Capture the output
	versionCmd.Run(nil, nil)

	_ = w.Close()

	out, _ := io.ReadAll(r)
	output := string(out)
	t.Logf("output: %s", string(out))
	expected := fmt.Sprintf(
		"version=%s commit=%s built: %s",
		assistant.Version,
		assistant.CommitSHA,
		assistant.BuildTime,
	)
	assert.Equal(t, expected, output)
}
