package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"

	"github.com/makeasinger/pipeline/internal/config"
)

// Codec describes one output encoding
type Codec struct {
	Name        string
	Extension   string
	ContentType string
	Args        []string
}

// Output codecs produced by the pipeline
var (
	CodecFLAC = Codec{Name: "flac", Extension: "flac", ContentType: "audio/flac", Args: []string{"-c:a", "flac", "-compression_level", "8"}}
	CodecAAC  = Codec{Name: "aac", Extension: "m4a", ContentType: "audio/mp4", Args: []string{"-c:a", "aac", "-b:a", "256k", "-movflags", "+faststart"}}
	CodecMP3  = Codec{Name: "mp3", Extension: "mp3", ContentType: "audio/mpeg", Args: []string{"-c:a", "libmp3lame", "-b:a", "320k"}}
)

// TranscodeRequest describes one transform of a local file. Duration is
// the input length in seconds, used to turn timestamps into a fraction.
type TranscodeRequest struct {
	InputPath  string
	OutputPath string
	Codec      Codec
	Duration   float64
	OnProgress func(fraction float64)
}

// Transcoder defines the audio transform operations
type Transcoder interface {
	Probe(ctx context.Context, path string) (float64, error)
	Transcode(ctx context.Context, req TranscodeRequest) error
}

// CommandError carries the stderr of a failed codec invocation
type CommandError struct {
	Command string
	Stderr  string
	Err     error
}

func (e *CommandError) Error() string {
	stderr := strings.TrimSpace(e.Stderr)
	if stderr == "" {
		return fmt.Sprintf("%s: %v", e.Command, e.Err)
	}
	return fmt.Sprintf("%s: %v: %s", e.Command, e.Err, stderr)
}

func (e *CommandError) Unwrap() error { return e.Err }

// commandRunner abstracts process execution for testability.
type commandRunner interface {
	Run(ctx context.Context, stdout io.Writer, name string, args ...string) (string, error)
}

type execRunner struct{}

// Run executes one command, streaming stdout and capturing stderr
func (execRunner) Run(ctx context.Context, stdout io.Writer, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stdout = stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stderr.String(), err
}

// FFmpegClient implements Transcoder with the ffmpeg and ffprobe binaries
type FFmpegClient struct {
	ffmpegPath  string
	ffprobePath string
	runner      commandRunner
}

// NewFFmpegClient creates a transcoder using the configured binaries
func NewFFmpegClient(cfg *config.CodecConfig) *FFmpegClient {
	return &FFmpegClient{
		ffmpegPath:  cfg.FFmpegPath,
		ffprobePath: cfg.FFprobePath,
		runner:      execRunner{},
	}
}

// Probe returns the duration in seconds of a media file
func (c *FFmpegClient) Probe(ctx context.Context, path string) (float64, error) {
	var out bytes.Buffer
	stderr, err := c.runner.Run(ctx, &out, c.ffprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	if err != nil {
		return 0, &CommandError{Command: "ffprobe", Stderr: stderr, Err: err}
	}

	duration, err := strconv.ParseFloat(strings.TrimSpace(out.String()), 64)
	if err != nil {
		return 0, fmt.Errorf("ffprobe returned unparseable duration %q: %w", out.String(), err)
	}
	return duration, nil
}

// Transcode runs ffmpeg over the request, forwarding progress as it is reported
func (c *FFmpegClient) Transcode(ctx context.Context, req TranscodeRequest) error {
	if req.InputPath == "" || req.OutputPath == "" {
		return errors.New("transcode input and output paths are required")
	}

	args := []string{"-hide_banner", "-nostats", "-loglevel", "error", "-y", "-i", req.InputPath, "-vn"}
	args = append(args, req.Codec.Args...)
	args = append(args, "-progress", "pipe:1", req.OutputPath)

	progress := newProgressParser(req.Duration, req.OnProgress)
	stderr, err := c.runner.Run(ctx, progress, c.ffmpegPath, args...)
	if err != nil {
		return &CommandError{Command: "ffmpeg", Stderr: stderr, Err: err}
	}
	progress.finish()
	return nil
}

// progressParser reads ffmpeg's key=value progress stream
type progressParser struct {
	duration float64
	report   func(float64)
	buf      []byte
	done     bool
}

func newProgressParser(duration float64, report func(float64)) *progressParser {
	return &progressParser{duration: duration, report: report}
}

func (p *progressParser) Write(b []byte) (int, error) {
	p.buf = append(p.buf, b...)
	for {
		i := bytes.IndexByte(p.buf, '\n')
		if i < 0 {
			break
		}
		p.line(strings.TrimSpace(string(p.buf[:i])))
		p.buf = p.buf[i+1:]
	}
	return len(b), nil
}

func (p *progressParser) line(line string) {
	key, value, ok := strings.Cut(line, "=")
	if !ok || p.report == nil {
		return
	}

	switch key {
	case "out_time_us", "out_time_ms":
		// both keys carry microseconds
		if p.duration <= 0 {
			return
		}
		us, err := strconv.ParseInt(value, 10, 64)
		if err != nil || us < 0 {
			return
		}
		fraction := float64(us) / 1e6 / p.duration
		if fraction > 1 {
			fraction = 1
		}
		p.report(fraction)
	case "progress":
		if value == "end" {
			p.finish()
		}
	}
}

func (p *progressParser) finish() {
	if p.done || p.report == nil {
		return
	}
	p.done = true
	p.report(1)
}
