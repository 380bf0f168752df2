package metrics

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"parley/pkg/proto"
)

func TestWriteSnapshotContainsInstruments(t *testing.T) {
	IncPhaseTransition(proto.PhaseAwaitingUserInput, proto.PhaseAwaitingModelResponse)
	ObserveToolExecution("shell", true, 10*time.Millisecond)
	ObserveToolExecution("shell", false, 5*time.Millisecond)
	ObserveCheckpoint("snapshot-session", 7)
	IncCheckpointRetry()

	var buf bytes.Buffer
	if err := WriteSnapshot(&buf); err != nil {
		t.Fatalf("WriteSnapshot() error = %v", err)
	}

	out := buf.String()
	for _, want := range []string{
		"conversation_phase_transitions_total",
		"tool_executions_total",
		"tool_execution_duration_seconds",
		"checkpoints_total",
		"checkpoint_write_retries_total",
		`checkpoint_seq{session_id="snapshot-session"} 7`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("snapshot missing %q", want)
		}
	}
}
