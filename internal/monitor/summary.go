package monitor

// SummarizeErrors aggregates a set of deduplicated error records into an
// ErrorSummary. TotalErrors counts occurrences, UniqueErrors counts distinct
// hashes, and RepeatedErrors is the surplus of occurrences over records.
func SummarizeErrors(records []StoredError) ErrorSummary {
	s := ErrorSummary{ErrorsByLevel: map[Level]int{}}
	hashes := map[string]struct{}{}
	for _, r := range records {
		n := r.OccurrenceCount
		if n <= 0 {
			n = 1
		}
		s.TotalErrors += n
		s.ErrorsByLevel[r.Level] += n
		hashes[r.ErrorHash] = struct{}{}
		ts := r.Timestamp
		if s.LatestError == nil || ts.After(*s.LatestError) {
			t := ts
			s.LatestError = &t
		}
		if s.OldestError == nil || ts.Before(*s.OldestError) {
			t := ts
			s.OldestError = &t
		}
	}
	s.UniqueErrors = len(hashes)
	s.RepeatedErrors = s.TotalErrors - len(records)
	return s
}

// LevelsBetween returns the levels whose rank falls inside [min, max].
// Empty bounds are open.
func LevelsBetween(min, max Level) []Level {
	all := []Level{LevelDebug, LevelInfo, LevelWarn, LevelError, LevelFatal}
	lo, hi := 0, len(all)-1
	if min != "" {
		lo = min.Rank()
	}
	if max != "" {
		hi = max.Rank()
	}
	var out []Level
	for _, l := range all {
		if l.Rank() >= lo && l.Rank() <= hi {
			out = append(out, l)
		}
	}
	return out
}
