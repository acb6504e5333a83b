package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/rmguney/mux-sweeper/config"
	"github.com/rmguney/mux-sweeper/internal/capture/core"
	"github.com/rmguney/mux-sweeper/internal/capture/engine"
	"github.com/rmguney/mux-sweeper/internal/capture/notify"
	"github.com/rmguney/mux-sweeper/internal/capture/session"
	"github.com/rmguney/mux-sweeper/internal/capture/shutdown"
	"github.com/rmguney/mux-sweeper/internal/capture/sink"
	"github.com/rmguney/mux-sweeper/internal/capture/source"
	"github.com/rmguney/mux-sweeper/internal/util"
)

type recordOptions struct {
	output     string
	duration   string
	video      bool
	system     bool
	microphone bool
	fps        int
	format     string

	videoPipe     string
	systemPipe    string
	micPipe       string
	videoSize     string
	audioRate     int
	audioChannels int
	testSource    bool
}

func NewRecordCommand() *cobra.Command {
	opts := &recordOptions{}

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record video and audio into one container file",
		Long: `Record video frames, system audio and microphone audio into a single MP4 or
Matroska file. Without source flags all three sources are recorded. Audio
that goes quiet is filled with silence so every track stays in sync with the
wall clock.

Frames are read as raw BGRA from --video-pipe and audio as 16-bit PCM from
--system-pipe / --mic-pipe (files or FIFOs). --test-source records a
synthetic test pattern and tones instead.`,
		Example: `  muxsw record --test-source -t 10
  muxsw record -v -m -o demo.mkv --video-pipe /tmp/frames --video-size 1280x720 --mic-pipe /tmp/mic
  muxsw record -s --system-pipe /tmp/loopback -t 90s`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecord(cmd, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.output, "out", "o", "", "Output file (default: timestamped file in output.dir)")
	flags.StringVarP(&opts.duration, "time", "t", "", "Recording length in seconds or as a duration (default: until interrupted)")
	flags.BoolVarP(&opts.video, "video", "v", false, "Record video")
	flags.BoolVarP(&opts.system, "system", "s", false, "Record system audio")
	flags.BoolVarP(&opts.microphone, "microphone", "m", false, "Record the microphone")
	flags.IntVar(&opts.fps, "fps", config.GetFPS(), "Video frame rate (1-120)")
	flags.StringVar(&opts.format, "format", "", "Container format: mp4 or mkv (default: output extension or output.format)")

	flags.StringVar(&opts.videoPipe, "video-pipe", "", "Read raw BGRA frames from this file or FIFO")
	flags.StringVar(&opts.systemPipe, "system-pipe", "", "Read system audio PCM from this file or FIFO")
	flags.StringVar(&opts.micPipe, "mic-pipe", "", "Read microphone PCM from this file or FIFO")
	flags.StringVar(&opts.videoSize, "video-size", "1280x720", "Frame size of piped or synthetic video")
	flags.IntVar(&opts.audioRate, "audio-rate", 48000, "Sample rate of piped or synthetic audio")
	flags.IntVar(&opts.audioChannels, "audio-channels", 2, "Channel count of piped or synthetic audio")
	flags.BoolVar(&opts.testSource, "test-source", false, "Record a synthetic test pattern and tones")

	return cmd
}

func runRecord(cmd *cobra.Command, opts *recordOptions) error {
	logger := util.GetLogger()
	out := cmd.OutOrStdout()

	duration, err := parseDuration(opts.duration)
	if err != nil {
		return err
	}
	format, err := opts.containerFormat()
	if err != nil {
		return err
	}

	params, warnings := session.Normalize(session.Params{
		OutputPath:  opts.output,
		FPS:         opts.fps,
		Duration:    duration,
		Video:       opts.video,
		SystemAudio: opts.system,
		Microphone:  opts.microphone,
	}, time.Now(), config.GetOutputDir(), format.Extension())
	for _, w := range warnings {
		fmt.Fprintln(out, color.YellowString("  ! %s", w))
	}
	if err := params.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(params.OutputPath), 0o755); err != nil {
		return errors.Wrap(err, "failed to create output directory")
	}

	sources, files, err := opts.buildSources(params, logger)
	defer closeFiles(files, logger)
	if err != nil {
		return err
	}

	opener, err := sink.NewOpener(sink.Options{
		Format:           format,
		JPEGQuality:      config.GetJPEGQuality(),
		FragmentDuration: config.GetFragmentDuration(),
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	s, err := session.Acquire(params)
	if err != nil {
		return errors.Wrap(err, "cannot start recording")
	}

	bus := notify.NewBroadcaster(logger)
	events := bus.Subscribe("cli", 64)
	eng := engine.New(sources, opener,
		engine.WithConfig(engineConfig()),
		engine.WithLogger(logger),
		engine.WithStatusNotifier(bus.Status()),
		engine.WithProgressNotifier(bus.Progress()))
	ctrl := shutdown.New(eng,
		shutdown.WithConfig(shutdownConfig()),
		shutdown.WithLogger(logger))

	// done is cancelled once the container is finalized
	done, finish := context.WithCancel(cmd.Context())
	defer finish()
	ctrl.WatchSignals(done)
	ctrl.StartEmergencyTimer(done)

	plain := util.IsVerbose() || !isTerminal(out)
	var res engine.Result
	var g errgroup.Group
	g.Go(func() error {
		defer bus.Close()
		res = eng.Run(cmd.Context(), s)
		return nil
	})
	g.Go(func() error {
		presentEvents(out, events, plain)
		return nil
	})
	_ = g.Wait()
	finish()

	printSummary(out, res)
	if !res.Success {
		return errors.Errorf("recording failed: %s", res.Message)
	}
	return nil
}

func (o *recordOptions) containerFormat() (sink.Format, error) {
	switch {
	case o.format != "":
		return sink.ParseFormat(o.format)
	case filepath.Ext(o.output) != "":
		if f, err := sink.ParseFormat(filepath.Ext(o.output)); err == nil {
			return f, nil
		}
	}
	return sink.ParseFormat(config.GetOutputFormat())
}

// buildSources creates the sources for the requested streams. Files it opens
// are returned so the caller can close them whatever happens to the session.
func (o *recordOptions) buildSources(p session.Params, logger *slog.Logger) (engine.Sources, []*os.File, error) {
	var (
		sources engine.Sources
		files   []*os.File
	)
	width, height, err := parseSize(o.videoSize)
	if err != nil {
		return sources, nil, err
	}
	pcm := core.AudioFormat{SampleRate: o.audioRate, Channels: o.audioChannels, BitsPerSample: 16}

	open := func(path string) (*os.File, error) {
		f, err := os.Open(path)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to open %s", path)
		}
		files = append(files, f)
		return f, nil
	}

	switch {
	case p.Video && o.videoPipe != "":
		f, err := open(o.videoPipe)
		if err != nil {
			return sources, files, err
		}
		sources.Video = source.NewPipeVideo(f, width, height, logger)
	case p.Video && o.testSource:
		sources.Video = source.NewTestPattern(width, height, p.FPS, nil)
	}

	switch {
	case p.SystemAudio && o.systemPipe != "":
		f, err := open(o.systemPipe)
		if err != nil {
			return sources, files, err
		}
		sources.System = source.NewPipeAudio(f, pcm, logger)
	case p.SystemAudio && o.testSource:
		sources.System = source.NewTone(pcm, 440, false, nil)
	}

	switch {
	case p.Microphone && o.micPipe != "":
		f, err := open(o.micPipe)
		if err != nil {
			return sources, files, err
		}
		sources.Mic = source.NewPipeAudio(f, pcm, logger)
	case p.Microphone && o.testSource:
		sources.Mic = source.NewTone(pcm, 660, false, nil)
	}

	if sources.Video == nil && sources.System == nil && sources.Mic == nil {
		return sources, files, errors.New("no capture source available: use --test-source or the --video-pipe/--system-pipe/--mic-pipe flags")
	}
	return sources, files, nil
}

func closeFiles(files []*os.File, logger *slog.Logger) {
	for _, f := range files {
		if err := f.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			logger.Debug("Close source file", "file", f.Name(), "error", err)
		}
	}
}

func engineConfig() engine.Config {
	cfg := engine.DefaultConfig()
	cfg.MaxIterationsPerSecond = config.GetMaxIterations()
	cfg.UnlimitedCeiling = config.GetUnlimitedCeiling()
	cfg.MaxConsecutiveAudioFailures = config.GetMaxAudioFailures()
	cfg.MaxRSSBytes = config.GetMaxRSSBytes()
	cfg.FrameCacheLimit = config.GetFrameCacheBytes()
	cfg.OutputSampleRate = config.GetSampleRate()
	return cfg
}

func shutdownConfig() shutdown.Config {
	cfg := shutdown.DefaultConfig()
	cfg.StopTimeout = config.GetStopTimeout()
	cfg.SignalGrace = config.GetSignalGrace()
	cfg.EmergencyTimeout = config.GetEmergencyTimeout()
	return cfg
}

// parseDuration accepts a bare number of seconds or a Go duration string.
// Empty means the configured default.
func parseDuration(s string) (time.Duration, error) {
	if strings.TrimSpace(s) == "" {
		return config.GetDuration(), nil
	}
	return config.ParseDuration(s)
}

// parseSize parses WIDTHxHEIGHT.
func parseSize(s string) (int, int, error) {
	w, h, ok := strings.Cut(strings.ToLower(s), "x")
	if !ok {
		return 0, 0, errors.Errorf("invalid size %q, expected WIDTHxHEIGHT", s)
	}
	width, errW := strconv.Atoi(w)
	height, errH := strconv.Atoi(h)
	if errW != nil || errH != nil || width <= 0 || height <= 0 {
		return 0, 0, errors.Errorf("invalid size %q, expected WIDTHxHEIGHT", s)
	}
	return width, height, nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
