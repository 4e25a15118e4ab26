package output

import (
	"fmt"
	"sync"
	"time"

	"github.com/tanq16/hanzo/internal/scheduler"
	"github.com/tanq16/hanzo/utils"
)

type fileRow struct {
	name       string
	status     scheduler.Status
	bytes      int64
	total      int64
	err        error
	started    time.Time
	finished   time.Time
	startBytes int64
}

// Display renders a live view of a bundle download from the coordinator's
// event stream. All state belongs to the consuming goroutine, so there is
// no locking; callers interact only through Start and Wait.
type Display struct {
	rows     map[string]*fileRow
	order    []string
	overall  scheduler.ProgressEvent
	started  time.Time
	numLines int
	tick     time.Duration
	wg       sync.WaitGroup
}

func NewDisplay() *Display {
	return &Display{
		rows: make(map[string]*fileRow),
		tick: 200 * time.Millisecond,
	}
}

// Start takes ownership of the terminal until the event stream closes.
func (d *Display) Start(events <-chan scheduler.ProgressEvent) {
	d.started = time.Now()
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.tick)
		defer ticker.Stop()
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					d.redraw()
					return
				}
				d.apply(ev)
			case <-ticker.C:
				d.redraw()
			}
		}
	}()
}

// Wait blocks until the final frame is on screen.
func (d *Display) Wait() {
	d.wg.Wait()
}

func (d *Display) apply(ev scheduler.ProgressEvent) {
	row, ok := d.rows[ev.File]
	if !ok {
		row = &fileRow{name: ev.File, started: time.Now(), startBytes: ev.BytesConfirmed}
		d.rows[ev.File] = row
		d.order = append(d.order, ev.File)
	}
	row.status = ev.Status
	row.bytes = ev.BytesConfirmed
	row.total = ev.TotalBytes
	if ev.Err != nil {
		row.err = ev.Err
	}
	if row.status.Terminal() && row.finished.IsZero() {
		row.finished = time.Now()
	}
	d.overall = ev
}

func (d *Display) redraw() {
	if d.numLines > 0 {
		fmt.Printf("\033[%dA\033[J", d.numLines)
	}
	avail := getTerminalHeight() - 3
	lineCount := 0

	var done, active, waiting []*fileRow
	for _, name := range d.order {
		row := d.rows[name]
		switch {
		case row.status.Terminal():
			done = append(done, row)
		case row.status == scheduler.StatusNotStarted:
			waiting = append(waiting, row)
		default:
			active = append(active, row)
		}
	}

	// Finished rows render above the live ones; when a big bundle would
	// overflow the terminal, only the most recent finishers stay visible.
	if hidden := len(done) + len(active) + 3 - avail; hidden > 0 && hidden < len(done) {
		fmt.Printf("  %s\n", streamStyle.Render(fmt.Sprintf("%s %d earlier files done", StyleSymbols["dot"], hidden)))
		lineCount++
		done = done[hidden:]
	}
	for _, row := range done {
		if lineCount >= avail {
			break
		}
		d.printRow(row)
		lineCount++
	}
	for _, row := range active {
		if lineCount >= avail {
			break
		}
		d.printRow(row)
		lineCount++
	}
	if len(waiting) > 0 && lineCount < avail {
		fmt.Printf("  %s %s\n", pendingStyle.Render(StyleSymbols["pending"]),
			pendingStyle.Render(fmt.Sprintf("%d files waiting", len(waiting))))
		lineCount++
	}

	if ov := d.overall; ov.OverallKnown > 0 && lineCount < avail {
		speed := FormatSpeed(ov.OverallBytes, time.Since(d.started).Seconds())
		fmt.Printf("  %s %s%s\n", headerStyle.Render("bundle"),
			PrintProgressBar(ov.OverallBytes, ov.OverallKnown, 30),
			debugStyle.Render(fmt.Sprintf("%s / %s %s %s",
				utils.FormatBytes(uint64(ov.OverallBytes)), utils.FormatBytes(uint64(ov.OverallKnown)),
				StyleSymbols["bullet"], speed)))
		lineCount++
	}
	d.numLines = lineCount
}

func (d *Display) printRow(row *fileRow) {
	name := fmt.Sprintf("%-36s", truncateName(row.name, 36))
	switch row.status {
	case scheduler.StatusVerified:
		elapsed := row.finished.Sub(row.started).Round(time.Second)
		fmt.Printf("  %s %s %s\n", successStyle.Render(StyleSymbols["pass"]), name,
			debugStyle.Render(fmt.Sprintf("%s in %s", utils.FormatBytes(uint64(row.bytes)), elapsed)))
	case scheduler.StatusFailed:
		fmt.Printf("  %s %s %s\n", errorStyle.Render(StyleSymbols["fail"]), name,
			errorStyle.Render(shortErr(row.err)))
	case scheduler.StatusCancelled:
		fmt.Printf("  %s %s %s\n", warningStyle.Render(StyleSymbols["warning"]), name,
			warningStyle.Render("cancelled"))
	case scheduler.StatusChecking:
		fmt.Printf("  %s %s %s\n", infoStyle.Render(StyleSymbols["bullet"]), name,
			infoStyle.Render("checking local copy"))
	case scheduler.StatusVerifying:
		fmt.Printf("  %s %s %s\n", infoStyle.Render(StyleSymbols["bullet"]), name,
			infoStyle.Render("verifying digest"))
	case scheduler.StatusCorrupt:
		fmt.Printf("  %s %s %s\n", warningStyle.Render(StyleSymbols["warning"]), name,
			warningStyle.Render("corrupt, downloading again"))
	case scheduler.StatusRetrying:
		fmt.Printf("  %s %s %s\n", warningStyle.Render(StyleSymbols["warning"]), name,
			warningStyle.Render("retrying: "+shortErr(row.err)))
	default:
		if row.total > 0 {
			speed := FormatSpeed(row.bytes-row.startBytes, time.Since(row.started).Seconds())
			fmt.Printf("  %s %s %s%s\n", infoStyle.Render(StyleSymbols["arrow"]), name,
				PrintProgressBar(row.bytes, row.total, 24),
				debugStyle.Render(fmt.Sprintf("%s %s %s", utils.FormatBytes(uint64(row.bytes)), StyleSymbols["bullet"], speed)))
		} else {
			fmt.Printf("  %s %s %s\n", infoStyle.Render(StyleSymbols["arrow"]), name,
				debugStyle.Render(utils.FormatBytes(uint64(row.bytes))+" so far"))
		}
	}
}

func shortErr(err error) string {
	if err == nil {
		return "failed"
	}
	msg := err.Error()
	if maxWidth := getTerminalWidth() - 50; maxWidth > 10 && len(msg) > maxWidth {
		msg = msg[:maxWidth] + "..."
	}
	return msg
}
