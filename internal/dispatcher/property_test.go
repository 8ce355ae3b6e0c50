package dispatcher

import (
	"encoding/json"
	"fmt"
	"testing"

	"pgregory.net/rapid"

	"github.com/marklove5102/xiaozhi-core/internal/cloudlink"
	"github.com/marklove5102/xiaozhi-core/internal/gateway"
)

func ttsText(state, sessionID string) string {
	env := map[string]string{"type": "tts", "state": state, "session_id": sessionID}
	data, _ := json.Marshal(env)
	return string(data)
}

// TestPropertyMicMuteCorrectness verifies spec.md §8 invariant 1: for any
// interleaving of tts start/stop events, should_mute_mic is true iff the
// most recently observed tts state is start with no subsequent stop.
func TestPropertyMicMuteCorrectness(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		d := New(Deps{})
		events := rapid.SliceOfN(rapid.SampledFrom([]string{"start", "stop"}), 0, 50).Draw(t, "events")

		expected := false
		for _, state := range events {
			d.handleCloudText(ttsText(state, "sess"))
			expected = state == "start"
			if d.ShouldMuteMic() != expected {
				t.Fatalf("after %q: ShouldMuteMic() = %v, want %v", state, d.ShouldMuteMic(), expected)
			}
		}
	})
}

// TestPropertySessionIDStickiness verifies spec.md §8 invariant 3: once a
// non-empty session id has been observed, it persists across events that
// don't carry a new one, and updates only on a non-empty session_id.
func TestPropertySessionIDStickiness(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		d := New(Deps{})
		sessionIDs := rapid.SliceOfN(rapid.SampledFrom([]string{"", "abc", "def", "ghi"}), 0, 50).Draw(t, "ids")

		expected := ""
		for _, sid := range sessionIDs {
			env := map[string]string{"type": "hello", "session_id": sid}
			data, _ := json.Marshal(env)
			d.handleCloudText(string(data))
			if sid != "" {
				expected = sid
			}
			if d.SessionID() != expected {
				t.Fatalf("after session_id %q: SessionID() = %q, want %q", sid, d.SessionID(), expected)
			}
		}
	})
}

// TestPropertyBackgroundDrainOldestFirst verifies spec.md §8 invariant 4:
// after any sequence of background results interleaved with tts start,
// binary audio and tts stop, the oldest pending notification is always the
// one released first, and the pending queue's length always matches an
// independently tracked oracle.
func TestPropertyBackgroundDrainOldestFirst(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		cmds := make(chan cloudlink.Command, 4096)
		d := New(Deps{CloudCommands: cmds})

		steps := rapid.SliceOfN(rapid.SampledFrom([]string{"tts_start", "binary", "tts_stop", "bg_result"}), 0, 40).Draw(t, "steps")

		var oracle []string
		bgCounter := 0
		for _, step := range steps {
			switch step {
			case "tts_start":
				d.handleCloudText(ttsText("start", "sess"))
			case "binary":
				d.handleCloudBinary([]byte("blob"))
			case "tts_stop":
				hadPending := len(oracle) > 0
				d.handleCloudText(ttsText("stop", "sess"))
				if hadPending {
					oracle = oracle[1:]
				}
			case "bg_result":
				bgCounter++
				name := fmt.Sprintf("tool%d", bgCounter)
				wasIdle := d.State() == Idle
				d.handleBackgroundResult(gateway.BackgroundResult{ToolName: name, Success: true, Message: "ok"})
				if !wasIdle {
					oracle = append(oracle, name)
				}
			}
			drainChan(cmds)

			if len(d.pendingBGNotify) != len(oracle) {
				t.Fatalf("after %q: pending queue length = %d, want %d (queue=%v, oracle=%v)",
					step, len(d.pendingBGNotify), len(oracle), d.pendingBGNotify, oracle)
			}
			for i := range oracle {
				want := fmt.Sprintf("Task '%s' completed: ok", oracle[i])
				if d.pendingBGNotify[i] != want {
					t.Fatalf("after %q: pending[%d] = %q, want %q", step, i, d.pendingBGNotify[i], want)
				}
			}
		}
	})
}

// drainChan empties ch without asserting on its contents; the property test
// above cares only about d.pendingBGNotify's invariant, not the frames
// trySendCommand happens to emit.
func drainChan(ch chan cloudlink.Command) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}
