package timex

import "time"

// NowMs returns Unix milliseconds as int64.
func NowMs() int64 { return time.Now().UnixMilli() }

// ISO formats t as ISO-8601 with the local UTC offset. This is the
// timestamp format of every published payload.
func ISO(t time.Time) string { return t.Format(time.RFC3339) }

// NowISO is ISO(time.Now()).
func NowISO() string { return ISO(time.Now()) }

// Seconds converts a duration to float64 seconds for payloads.
func Seconds(d time.Duration) float64 { return d.Seconds() }
