package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// PathPlaceholder in a command argument is replaced with the output file.
const PathPlaceholder = "{path}"

type CommandPipelineConfig struct {
	OutputDir string
	// PhotoCommand runs once per frame and must write PathPlaceholder.
	PhotoCommand []string
	// VideoCommand records until interrupted with SIGINT.
	VideoCommand []string
	PhotoExt     string
	VideoExt     string

	StopGrace    time.Duration
	StderrTail   int
	MaxLineBytes int
	Logger       logrus.FieldLogger
	now          func() time.Time
}

// CommandPipeline drives an external camera tool (libcamera-still,
// ffmpeg, gphoto2, ...) through its command line.
type CommandPipeline struct {
	cfg CommandPipelineConfig
	log logrus.FieldLogger

	seq    atomic.Uint64
	stderr *stderrTail

	mu        sync.Mutex
	video     *exec.Cmd
	videoPath string
	videoDone chan error
	videoFrom time.Time
	lastErr   string
}

func NewCommandPipeline(cfg CommandPipelineConfig) (*CommandPipeline, error) {
	if strings.TrimSpace(cfg.OutputDir) == "" {
		return nil, fmt.Errorf("capture output dir is required")
	}
	if len(cfg.PhotoCommand) == 0 && len(cfg.VideoCommand) == 0 {
		return nil, fmt.Errorf("capture photo or video command is required")
	}
	if cfg.PhotoExt == "" {
		cfg.PhotoExt = ".jpg"
	}
	if cfg.VideoExt == "" {
		cfg.VideoExt = ".mp4"
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 5 * time.Second
	}
	if cfg.StderrTail <= 0 {
		cfg.StderrTail = 50
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	return &CommandPipeline{
		cfg:    cfg,
		log:    logger.WithField("component", "capture"),
		stderr: newStderrTail(cfg.StderrTail, cfg.MaxLineBytes),
	}, nil
}

func (p *CommandPipeline) nextPath(prefix, ext string) string {
	n := p.seq.Add(1)
	name := fmt.Sprintf("%s_%s_%04d%s", prefix, p.cfg.now().UTC().Format("20060102T150405.000"), n, ext)
	return filepath.Join(p.cfg.OutputDir, name)
}

func (p *CommandPipeline) command(ctx context.Context, argv []string, path string) (*exec.Cmd, error) {
	if len(argv) == 0 {
		return nil, errors.New("command not configured")
	}
	args := make([]string, len(argv)-1)
	for i, a := range argv[1:] {
		args[i] = strings.ReplaceAll(a, PathPlaceholder, path)
	}
	cmd := exec.CommandContext(ctx, argv[0], args...)
	cmd.Dir = p.cfg.OutputDir
	return cmd, nil
}

func (p *CommandPipeline) CaptureFrame(ctx context.Context) (string, FileType, error) {
	path := p.nextPath("IMG", p.cfg.PhotoExt)
	cmd, err := p.command(ctx, p.cfg.PhotoCommand, path)
	if err != nil {
		return "", FileImage, p.record(fmt.Errorf("photo: %w", err))
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", FileImage, p.record(fmt.Errorf("stderr pipe: %w", err))
	}
	if err := cmd.Start(); err != nil {
		return "", FileImage, p.record(fmt.Errorf("photo start: %w", err))
	}
	p.stderr.drain(stderr)
	if err := cmd.Wait(); err != nil {
		return "", FileImage, p.record(fmt.Errorf("photo command: %w (stderr: %s)", err, p.stderr.last()))
	}
	if _, err := os.Stat(path); err != nil {
		return "", FileImage, p.record(fmt.Errorf("photo output missing: %w", err))
	}
	return path, FileImage, nil
}

func (p *CommandPipeline) BeginVideo(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.video != nil {
		return errors.New("video already recording")
	}
	path := p.nextPath("VID", p.cfg.VideoExt)
	// The recorder outlives the BeginVideo call; it is stopped by EndVideo
	// or Release.
	cmd, err := p.command(context.WithoutCancel(ctx), p.cfg.VideoCommand, path)
	if err != nil {
		return p.record(fmt.Errorf("video: %w", err))
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return p.record(fmt.Errorf("stderr pipe: %w", err))
	}
	if err := cmd.Start(); err != nil {
		return p.record(fmt.Errorf("video start: %w", err))
	}

	done := make(chan error, 1)
	go func() {
		p.stderr.drain(stderr)
		done <- cmd.Wait()
	}()
	p.video = cmd
	p.videoPath = path
	p.videoDone = done
	p.videoFrom = p.cfg.now()
	p.log.WithFields(logrus.Fields{"path": path, "pid": cmd.Process.Pid}).Info("video started")
	return nil
}

func (p *CommandPipeline) EndVideo(ctx context.Context) (string, time.Duration, error) {
	p.mu.Lock()
	cmd, path, done, from := p.video, p.videoPath, p.videoDone, p.videoFrom
	p.video = nil
	p.mu.Unlock()
	if cmd == nil {
		return "", 0, errors.New("no video recording")
	}

	waitErr := p.interrupt(ctx, cmd, done)
	dur := p.cfg.now().Sub(from)
	if waitErr != nil && !isInterruptExit(waitErr) {
		return "", 0, p.record(fmt.Errorf("video command: %w (stderr: %s)", waitErr, p.stderr.last()))
	}
	if _, err := os.Stat(path); err != nil {
		return "", 0, p.record(fmt.Errorf("video output missing: %w", err))
	}
	return path, dur, nil
}

// interrupt sends SIGINT and waits; after StopGrace or ctx it kills.
func (p *CommandPipeline) interrupt(ctx context.Context, cmd *exec.Cmd, done <-chan error) error {
	_ = cmd.Process.Signal(os.Interrupt)
	grace := time.NewTimer(p.cfg.StopGrace)
	defer grace.Stop()
	select {
	case err := <-done:
		return err
	case <-grace.C:
	case <-ctx.Done():
	}
	_ = cmd.Process.Kill()
	return <-done
}

func isInterruptExit(err error) bool {
	var ee *exec.ExitError
	if !errors.As(err, &ee) {
		return false
	}
	// Recorders commonly exit 130 or die from the signal itself.
	return ee.ExitCode() == 130 || ee.ExitCode() == 255 || ee.ExitCode() == -1
}

// Release stops a recording still in progress.
func (p *CommandPipeline) Release() error {
	p.mu.Lock()
	cmd, done := p.video, p.videoDone
	p.video = nil
	p.mu.Unlock()
	if cmd == nil {
		return nil
	}
	_ = cmd.Process.Kill()
	<-done
	p.log.Warn("video recorder killed on release")
	return nil
}

func (p *CommandPipeline) record(err error) error {
	p.mu.Lock()
	p.lastErr = err.Error()
	p.mu.Unlock()
	return err
}

type PipelineSnapshot struct {
	Recording bool     `json:"recording"`
	LastError string   `json:"last_error,omitempty"`
	Stderr    []string `json:"stderr_tail,omitempty"`
}

func (p *CommandPipeline) Snapshot() PipelineSnapshot {
	p.mu.Lock()
	recording := p.video != nil
	lastErr := p.lastErr
	p.mu.Unlock()
	return PipelineSnapshot{Recording: recording, LastError: lastErr, Stderr: p.stderr.snapshot()}
}
