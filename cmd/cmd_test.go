package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmguney/mux-sweeper/internal/capture/session"
	"github.com/rmguney/mux-sweeper/internal/capture/sink"
)

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"", 0, false},
		{"10", 10 * time.Second, false},
		{"90s", 90 * time.Second, false},
		{"1m30s", 90 * time.Second, false},
		{"-5", 0, true},
		{"-1s", 0, true},
		{"soon", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseDuration(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseSize(t *testing.T) {
	w, h, err := parseSize("1280x720")
	require.NoError(t, err)
	assert.Equal(t, 1280, w)
	assert.Equal(t, 720, h)

	w, h, err = parseSize("640X480")
	require.NoError(t, err)
	assert.Equal(t, []int{640, 480}, []int{w, h})

	for _, bad := range []string{"", "1280", "0x720", "axb", "1280x-1"} {
		_, _, err := parseSize(bad)
		assert.Error(t, err, bad)
	}
}

func TestContainerFormat(t *testing.T) {
	tests := []struct {
		opts recordOptions
		want sink.Format
	}{
		{recordOptions{}, sink.FormatMP4},
		{recordOptions{output: "demo.mkv"}, sink.FormatMKV},
		{recordOptions{output: "demo.mkv", format: "mp4"}, sink.FormatMP4},
		{recordOptions{output: "demo.avi"}, sink.FormatMP4},
		{recordOptions{format: "matroska"}, sink.FormatMKV},
	}
	for _, tt := range tests {
		got, err := tt.opts.containerFormat()
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "%+v", tt.opts)
	}

	_, err := (&recordOptions{format: "avi"}).containerFormat()
	assert.Error(t, err)
}

func TestRenderTable(t *testing.T) {
	var buf bytes.Buffer
	renderTable(&buf, []TableColumn{
		{Header: "FIELD", Key: "field"},
		{Header: "VALUE", Key: "value"},
	}, []map[string]interface{}{
		{"field": "Frames", "value": 60},
		{"field": "Stop reason", "value": "\033[32mduration reached\033[0m"},
	})

	assert.Equal(t, "FIELD       VALUE\n"+
		"----------- ----------------\n"+
		"Frames      60\n"+
		"Stop reason \033[32mduration reached\033[0m\n", buf.String())

	buf.Reset()
	renderTable(&buf, []TableColumn{{Header: "X", Key: "x"}}, nil)
	assert.Equal(t, "No data to display\n", buf.String())
}

func TestBuildSourcesRequiresABackend(t *testing.T) {
	opts := &recordOptions{videoSize: "320x240", audioRate: 48000, audioChannels: 2}
	p := session.Params{FPS: 30, Video: true, SystemAudio: true, Microphone: true}

	_, files, err := opts.buildSources(p, nil)
	assert.Empty(t, files)
	assert.ErrorContains(t, err, "no capture source available")

	opts.testSource = true
	sources, _, err := opts.buildSources(p, nil)
	require.NoError(t, err)
	assert.NotNil(t, sources.Video)
	assert.NotNil(t, sources.System)
	assert.NotNil(t, sources.Mic)

	opts.testSource = false
	opts.micPipe = filepath.Join(t.TempDir(), "missing")
	_, _, err = opts.buildSources(p, nil)
	assert.Error(t, err)
}

func TestRecordWithTestSource(t *testing.T) {
	out := filepath.Join(t.TempDir(), "take1.mkv")
	var buf bytes.Buffer

	root := NewRootCommand()
	root.SetOut(&buf)
	root.SetArgs([]string{"record", "-s", "--test-source", "-t", "300ms", "-o", out})
	require.NoError(t, root.Execute(), buf.String())

	assert.Contains(t, buf.String(), "Recording completed")
	assert.Contains(t, buf.String(), "Audio (system)")
	info, err := os.Stat(out)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
}

func TestConfigCommandPrintsTOML(t *testing.T) {
	var buf bytes.Buffer
	root := NewRootCommand()
	root.SetOut(&buf)
	root.SetArgs([]string{"config"})
	require.NoError(t, root.Execute())

	assert.Contains(t, buf.String(), "[capture]")
	assert.Contains(t, buf.String(), "fps = 30")
	assert.Contains(t, buf.String(), "[watchdog]")
}

func TestVersionCommand(t *testing.T) {
	var buf bytes.Buffer
	root := NewRootCommand()
	root.SetOut(&buf)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
	assert.Contains(t, buf.String(), "Version")
	assert.Contains(t, buf.String(), "dev")

	buf.Reset()
	root = NewRootCommand()
	root.SetOut(&buf)
	root.SetArgs([]string{"--version"})
	require.NoError(t, root.Execute())
	assert.Contains(t, buf.String(), "muxsw version dev")
}
