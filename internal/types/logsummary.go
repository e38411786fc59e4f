package types

// LogSummary is the typed digest of one worker log file. The evaluator parses
// the JSON-per-line worker output into this record instead of regexing the
// whole file ad hoc.
//
// FinalText is the content of the last "type":"text" entry only. PR URL
// extraction must use FinalText and nothing else: memory recalls, TODO reads,
// and embedded git-log output can contain PR URLs from other tasks.
type LogSummary struct {
	// Presence diagnostics (tier 0)
	LogMissing    bool // log_file column set but file absent
	LogEmpty      bool // file present but zero useful bytes
	WorkerStarted bool // WORKER_STARTED sentinel seen (wrapper ran, worker launched)

	// Deterministic signals (tier 1)
	ExitCode         int  // from the trailing EXIT:<n> wrapper line
	ExitCodeKnown    bool // false when the wrapper never wrote EXIT:<n>
	FullLoopComplete bool // FULL_LOOP_COMPLETE marker seen
	TaskComplete     bool // TASK_COMPLETE marker seen

	// Final worker payload
	FinalText string // last "type":"text" entry content
	PRURL     string // PR URL extracted from FinalText (may be "")

	// Context for tiers 1.5-3
	TailLines []string // last N raw lines (N=20 for pattern checks, 100 for diagnostics)
	LineCount int
	SizeBytes int64
}

// Tail returns up to n of the final raw log lines.
func (s *LogSummary) Tail(n int) []string {
	if n >= len(s.TailLines) {
		return s.TailLines
	}
	return s.TailLines[len(s.TailLines)-n:]
}
