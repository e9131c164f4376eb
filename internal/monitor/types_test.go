package monitor

import (
	"testing"
	"time"
)

func TestStateValid(t *testing.T) {
	for _, s := range []State{StateStarting, StateRunning, StateStopping, StateStopped, StateCrashed, StateRestarting} {
		if !s.Valid() {
			t.Fatalf("%s should be valid", s)
		}
	}
	if State("zombie").Valid() {
		t.Fatalf("unknown state should be invalid")
	}
}

func TestLevelRankOrdering(t *testing.T) {
	order := []Level{LevelDebug, LevelInfo, LevelWarn, LevelError, LevelFatal}
	for i := 1; i < len(order); i++ {
		if order[i-1].Rank() >= order[i].Rank() {
			t.Fatalf("%s should rank below %s", order[i-1], order[i])
		}
	}
	if Level("trace").Rank() != LevelInfo.Rank() {
		t.Fatalf("unknown level should rank as info")
	}
}

func TestOptionsNormalized(t *testing.T) {
	var o Options
	n := o.Normalized()
	if n.MaxRestarts != 5 || n.RestartDelay != 0 || n.HealthCheckInterval != 5*time.Second ||
		n.KillTimeout != 5*time.Second || n.ErrorBufferSize != 100 {
		t.Fatalf("unexpected normalized zero options: %+v", n)
	}
	if n.AutoRestart {
		t.Fatalf("AutoRestart must be taken as-is, not defaulted")
	}

	o = Options{MaxRestarts: 2, RestartDelay: time.Second, KillTimeout: time.Minute}
	n = o.Normalized()
	if n.MaxRestarts != 2 || n.RestartDelay != time.Second || n.KillTimeout != time.Minute {
		t.Fatalf("explicit values must survive: %+v", n)
	}
}

func TestLevelsBetween(t *testing.T) {
	got := LevelsBetween(LevelWarn, "")
	want := []Level{LevelWarn, LevelError, LevelFatal}
	if len(got) != len(want) {
		t.Fatalf("LevelsBetween(warn,): %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("LevelsBetween(warn,): %v", got)
		}
	}
	if got := LevelsBetween("", LevelInfo); len(got) != 2 {
		t.Fatalf("LevelsBetween(,info): %v", got)
	}
	if got := LevelsBetween("", ""); len(got) != 5 {
		t.Fatalf("open bounds should include all levels: %v", got)
	}
}
