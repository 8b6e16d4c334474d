package metrics

import "testing"

func TestCountersAccumulate(t *testing.T) {
	startRuns, startDeduped, _, _ := Snapshot()

	IncRunStarted()
	IncRunStarted()
	IncActionDeduped()
	IncRunFinished("SUCCESS")
	IncRunFinished("SUCCESS")
	IncRunFinished("FAILED")
	IncActionOutcome("SUCCESS")
	IncActionOutcome("RETRYING")

	runs, deduped, byStatus, byState := Snapshot()
	if runs-startRuns != 2 {
		t.Errorf("runs started delta %d, want 2", runs-startRuns)
	}
	if deduped-startDeduped != 1 {
		t.Errorf("deduped delta %d, want 1", deduped-startDeduped)
	}
	if byStatus["SUCCESS"] < 2 || byStatus["FAILED"] < 1 {
		t.Errorf("run status counts %v", byStatus)
	}
	if byState["SUCCESS"] < 1 || byState["RETRYING"] < 1 {
		t.Errorf("action state counts %v", byState)
	}
}

func TestRateLimitDrops(t *testing.T) {
	before := RateLimitDrops()
	IncRateLimitDrop()
	if RateLimitDrops()-before != 1 {
		t.Error("rate limit drop counter did not advance")
	}
}

func TestSnapshotReturnsCopies(t *testing.T) {
	IncRunFinished("SUCCESS")
	_, _, byStatus, _ := Snapshot()
	byStatus["SUCCESS"] = 0
	_, _, again, _ := Snapshot()
	if again["SUCCESS"] == 0 {
		t.Error("snapshot map is shared with internal state")
	}
}
