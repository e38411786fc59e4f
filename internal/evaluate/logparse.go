package evaluate

import (
	"bufio"
	"encoding/json"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/aidevops/supervisor/internal/types"
)

// Worker wrapper sentinels. The wrapper script emits these as raw lines
// around the worker's JSON stream.
const (
	sentinelStarted      = "WORKER_STARTED"
	sentinelFullLoop     = "FULL_LOOP_COMPLETE"
	sentinelTaskComplete = "TASK_COMPLETE"
	exitPrefix           = "EXIT:"
)

// tailKeep bounds how many raw lines the summary retains for the pattern
// tiers and diagnostic synthesis.
const tailKeep = 100

var prURLPattern = regexp.MustCompile(`https?://[^\s"'<>)\]]+/pull/\d+`)

// Summarize parses a worker log into a typed digest. Missing and empty files
// are recorded, not errors; the tier-0 guard turns them into outcomes.
func Summarize(logPath string) (*types.LogSummary, error) {
	s := &types.LogSummary{}
	if logPath == "" {
		s.LogMissing = true
		return s, nil
	}

	f, err := os.Open(logPath)
	if os.IsNotExist(err) {
		s.LogMissing = true
		return s, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if info, err := f.Stat(); err == nil {
		s.SizeBytes = info.Size()
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		s.LineCount++

		s.TailLines = append(s.TailLines, line)
		if len(s.TailLines) > tailKeep {
			s.TailLines = s.TailLines[1:]
		}

		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == sentinelStarted:
			s.WorkerStarted = true
			continue
		case trimmed == sentinelFullLoop:
			s.FullLoopComplete = true
			continue
		case trimmed == sentinelTaskComplete:
			s.TaskComplete = true
			continue
		case strings.HasPrefix(trimmed, exitPrefix):
			if n, err := strconv.Atoi(strings.TrimPrefix(trimmed, exitPrefix)); err == nil {
				s.ExitCode = n
				s.ExitCodeKnown = true
			}
			continue
		}

		// Worker progress is JSON-per-line; track the final text payload.
		if text, ok := textPayload(trimmed); ok {
			s.FinalText = text
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if s.LineCount == 0 {
		s.LogEmpty = true
		return s, nil
	}

	// PR URL comes from the final text entry only. The rest of the log can
	// quote PR URLs from other tasks (memory recalls, TODO reads, embedded
	// git-log output) and must never be a source.
	s.PRURL = prURLPattern.FindString(s.FinalText)
	return s, nil
}

// textPayload extracts the content of a "type":"text" JSON line.
func textPayload(line string) (string, bool) {
	if !strings.HasPrefix(line, "{") {
		return "", false
	}
	var entry struct {
		Type    string `json:"type"`
		Text    string `json:"text"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		return "", false
	}
	if entry.Type != "text" {
		return "", false
	}
	if entry.Text != "" {
		return entry.Text, true
	}
	return entry.Content, true
}
