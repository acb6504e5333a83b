package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"

	"github.com/rmguney/mux-sweeper/internal/capture/engine"
	"github.com/rmguney/mux-sweeper/internal/capture/notify"
	"github.com/rmguney/mux-sweeper/internal/util"
)

// plainProgressEvery throttles progress lines when no spinner is shown.
const plainProgressEvery = 30

// presentEvents shows engine events until the channel is closed.
func presentEvents(out io.Writer, events <-chan notify.Event, plain bool) {
	sp := util.NewUISpinner(out, plain, "Preparing recording...")
	defer sp.Stop()

	for ev := range events {
		switch ev.Kind {
		case notify.KindStatus:
			sp.Update(ev.Status)
		case notify.KindProgress:
			if plain && ev.Progress.Frames%plainProgressEvery != 0 {
				continue
			}
			sp.Update(fmt.Sprintf("Recording... %d frames, %s", ev.Progress.Frames, ev.Progress.Elapsed.Round(time.Second)))
		}
	}
}

func printSummary(out io.Writer, res engine.Result) {
	fmt.Fprintln(out)
	if res.Success {
		fmt.Fprintln(out, color.GreenString("✓ %s", res.Message))
	} else {
		fmt.Fprintln(out, color.RedString("✗ %s", res.Message))
	}

	stats := res.Stats
	rows := []map[string]interface{}{
		{"field": "Output", "value": res.OutputPath},
		{"field": "Duration", "value": stats.Duration.Round(time.Millisecond)},
		{"field": "Frames", "value": stats.TotalFrames},
		{"field": "Failed frames", "value": stats.FailedFrames},
		{"field": "Repeated frames", "value": stats.RepeatFrames},
		{"field": "Stop reason", "value": res.Reason},
	}
	if stats.AudioEnabled {
		rows = append(rows, map[string]interface{}{"field": "Audio format", "value": stats.AudioFormat})
	}
	for _, a := range stats.Audio {
		rows = append(rows, map[string]interface{}{
			"field": fmt.Sprintf("Audio (%s)", a.Source),
			"value": fmt.Sprintf("%d real, %d silence frames, %d poll errors, %d dropped", a.RealFrames, a.SilenceFrames, a.PollErrors, a.Dropped),
		})
	}
	if res.Err != nil && res.Success {
		rows = append(rows, map[string]interface{}{"field": "Note", "value": color.YellowString("%v", res.Err)})
	}

	renderTable(out, []TableColumn{
		{Header: "FIELD", Key: "field"},
		{Header: "VALUE", Key: "value"},
	}, rows)
}
