package monitor

import (
	"testing"
	"time"
)

func TestSummarizeErrors(t *testing.T) {
	t1 := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)
	recs := []StoredError{
		{ErrorHash: "aaa", Level: LevelError, OccurrenceCount: 3, Timestamp: t1},
		{ErrorHash: "bbb", Level: LevelError, OccurrenceCount: 1, Timestamp: t2},
		{ErrorHash: "ccc", Level: LevelFatal, OccurrenceCount: 0, Timestamp: t1},
	}
	s := SummarizeErrors(recs)
	if s.TotalErrors != 5 {
		t.Fatalf("TotalErrors = %d, want 5 (zero count treated as one)", s.TotalErrors)
	}
	if s.UniqueErrors != 3 {
		t.Fatalf("UniqueErrors = %d, want 3", s.UniqueErrors)
	}
	if s.RepeatedErrors != 2 {
		t.Fatalf("RepeatedErrors = %d, want 2", s.RepeatedErrors)
	}
	if s.ErrorsByLevel[LevelError] != 4 || s.ErrorsByLevel[LevelFatal] != 1 {
		t.Fatalf("ErrorsByLevel = %v", s.ErrorsByLevel)
	}
	if s.LatestError == nil || !s.LatestError.Equal(t2) {
		t.Fatalf("LatestError = %v, want %v", s.LatestError, t2)
	}
	if s.OldestError == nil || !s.OldestError.Equal(t1) {
		t.Fatalf("OldestError = %v, want %v", s.OldestError, t1)
	}
}

func TestSummarizeErrorsEmpty(t *testing.T) {
	s := SummarizeErrors(nil)
	if s.TotalErrors != 0 || s.UniqueErrors != 0 || s.RepeatedErrors != 0 {
		t.Fatalf("empty summary should be zero: %+v", s)
	}
	if s.LatestError != nil || s.OldestError != nil {
		t.Fatalf("empty summary should have no timestamps")
	}
	if s.ErrorsByLevel == nil {
		t.Fatalf("ErrorsByLevel should be initialized")
	}
}
