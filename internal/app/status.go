package app

import (
	"context"
	"fmt"
	"html"
	"strings"
	"time"

	"patchwatch/internal/notifier"
	"patchwatch/internal/pipeline"
	"patchwatch/internal/scheduler"
	kit "patchwatch/internal/transport"
)

// statusHandler answers /status with the cursor, the last cycle and the next check.
func (a *App) statusHandler(ctx context.Context, cmd kit.Command) string {
	return statusText(a.pipe.Snapshot(), a.sched.Status(), a.notif.Destinations(), a.notif.Snapshot(), a.adapter.PollRestarts(), time.Now())
}

func statusText(ps pipeline.Snapshot, ss scheduler.Status, dests []string, hist []notifier.HistoryItem, pollRestarts uint64, now time.Time) string {
	var b strings.Builder
	b.WriteString("<b>patchwatch</b>\n")

	last := "none"
	if ps.State.Last != "" {
		last = ps.State.Last
	}
	fmt.Fprintf(&b, "last delivered: <code>%s</code>", html.EscapeString(last))
	if ps.Dirty {
		b.WriteString(" (not yet saved)")
	}
	b.WriteByte('\n')

	switch {
	case ss.Running:
		b.WriteString("last cycle: running\n")
	case ss.LastCycle.Outcome == "":
		b.WriteString("last cycle: none yet\n")
	default:
		c := ss.LastCycle
		fmt.Fprintf(&b, "last cycle: %s, %s ago", c.Outcome, now.Sub(ss.LastDone).Truncate(time.Second))
		if c.Err != nil {
			fmt.Fprintf(&b, "\n  <i>%s</i>", html.EscapeString(c.Err.Error()))
		}
		b.WriteByte('\n')
	}

	if ss.Next.IsZero() {
		b.WriteString("next check: pending\n")
	} else {
		in := ss.Next.Sub(now).Truncate(time.Second)
		if in < 0 {
			in = 0
		}
		fmt.Fprintf(&b, "next check: %s (in %s)\n", ss.Next.Format(time.RFC3339), in)
	}
	if n := len(hist); n > 0 {
		h := hist[n-1]
		result := "ok"
		if !h.OK {
			result = "failed: " + h.Error
		}
		fmt.Fprintf(&b, "last attempt: %s %s, %s ago\n", html.EscapeString(h.Destination), html.EscapeString(result), now.Sub(h.At).Truncate(time.Second))
	}
	if ss.Failures > 0 {
		fmt.Fprintf(&b, "consecutive failures: %d\n", ss.Failures)
	}
	if pollRestarts > 0 {
		fmt.Fprintf(&b, "telegram poll restarts: %d\n", pollRestarts)
	}
	fmt.Fprintf(&b, "schedule: %s\n", html.EscapeString(ss.Schedule))
	if len(dests) == 0 {
		b.WriteString("destinations: none")
	} else {
		fmt.Fprintf(&b, "destinations: %s", html.EscapeString(strings.Join(dests, ", ")))
	}
	return b.String()
}
