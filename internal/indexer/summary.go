package indexer

import (
	"fmt"
	"time"
)

// Summary describes a finished run.
type Summary struct {
	RunID  string
	Source string

	Produced  int64 // batches handed to workers
	Delivered int64
	Documents int64 // documents in delivered batches
	Failed    int64
	Attempts  int64
	Retries   int64

	Lines          int64
	BlankLines     int64
	ContentSkipped int64
	Duplicates     int64
	Truncated      bool
	CeilingReached bool

	DeadLetters int
	Duration    time.Duration
}

// Rate returns delivered documents per second.
func (s Summary) Rate() float64 {
	if s.Duration <= 0 {
		return 0
	}
	return float64(s.Documents) / s.Duration.Seconds()
}

// LogAttrs returns the summary as slog key-value pairs.
func (s Summary) LogAttrs() []any {
	attrs := []any{
		"batches_produced", s.Produced,
		"batches_delivered", s.Delivered,
		"documents", s.Documents,
		"attempts", s.Attempts,
		"retries", s.Retries,
		"lines", s.Lines,
		"content_skipped", s.ContentSkipped,
		"duplicates", s.Duplicates,
		"rate_per_sec", fmt.Sprintf("%.2f", s.Rate()),
		"duration", s.Duration.String(),
	}
	if s.Failed > 0 {
		attrs = append(attrs, "batches_failed", s.Failed)
	}
	if s.Truncated {
		attrs = append(attrs, "truncated", true)
	}
	if s.CeilingReached {
		attrs = append(attrs, "ceiling_reached", true)
	}
	if s.DeadLetters > 0 {
		attrs = append(attrs, "dead_letters", s.DeadLetters)
	}
	return attrs
}
