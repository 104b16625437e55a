// Package ffmpegcodec provides codec channels backed by an ffmpeg process.
//
// Input is written to the process on stdin and output is read from stdout
// by background goroutines. The goroutines only talk to the channel through
// buffered queues, so Enqueue and Dequeue never block: a full job queue is
// reported as ports.ErrChannelFull and an empty completion queue as
// ports.ErrTryAgain.
package ffmpegcodec

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"sync"

	"github.com/user/h264pipe/pkg/ports"
)

var (
	// ErrFFmpegNotFound is returned when no ffmpeg executable can be located.
	ErrFFmpegNotFound = errors.New("ffmpegcodec: ffmpeg not found")

	// ErrClosed is returned by Enqueue after Close.
	ErrClosed = errors.New("ffmpegcodec: channel closed")

	// ErrProcess is returned when the ffmpeg process fails.
	ErrProcess = errors.New("ffmpegcodec: ffmpeg failed")

	// ErrNoGeometry is returned when frames arrive before the picture size is known.
	ErrNoGeometry = errors.New("ffmpegcodec: picture size unknown")
)

// DefaultQueueDepth is the number of tasks queued ahead of the process.
const DefaultQueueDepth = 4

// completionBacklog bounds completions waiting for Dequeue.
const completionBacklog = 64

// FindFFmpeg locates the ffmpeg executable.
// Priority: 1) custom, 2) FFMPEG_PATH env, 3) PATH, 4) common locations
func FindFFmpeg(custom string) (string, error) {
	if custom != "" {
		if _, err := os.Stat(custom); err == nil {
			return custom, nil
		}
		return "", fmt.Errorf("%w: custom path %s not found", ErrFFmpegNotFound, custom)
	}

	if envPath := os.Getenv("FFMPEG_PATH"); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath, nil
		}
		return "", fmt.Errorf("%w: FFMPEG_PATH %s not found", ErrFFmpegNotFound, envPath)
	}

	execName := "ffmpeg"
	if runtime.GOOS == "windows" {
		execName = "ffmpeg.exe"
	}
	if path, err := exec.LookPath(execName); err == nil {
		return path, nil
	}

	var commonPaths []string
	switch runtime.GOOS {
	case "windows":
		commonPaths = []string{
			`C:\ffmpeg\bin\ffmpeg.exe`,
			`C:\Program Files\ffmpeg\bin\ffmpeg.exe`,
		}
	case "darwin":
		commonPaths = []string{
			"/opt/homebrew/bin/ffmpeg",
			"/usr/local/bin/ffmpeg",
			"/usr/bin/ffmpeg",
		}
	default:
		commonPaths = []string{
			"/usr/bin/ffmpeg",
			"/usr/local/bin/ffmpeg",
			"/snap/bin/ffmpeg",
		}
	}
	for _, p := range commonPaths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", ErrFFmpegNotFound
}

// IsAvailable reports whether an ffmpeg executable can be located.
func IsAvailable(custom string) bool {
	_, err := FindFFmpeg(custom)
	return err == nil
}

// job is a task waiting to be written to the process.
type job struct {
	task   *ports.Task
	format *ports.FrameFormat
}

// process is the state shared by the decoder and the encoder: the ffmpeg
// command, its pipes, the job and completion queues and the first failure.
type process struct {
	log   ports.Logger
	path  string
	depth int

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr bytes.Buffer

	jobs        chan job
	completions chan *ports.Completion
	eos         chan int
	quit        chan struct{}
	wg          sync.WaitGroup

	mu      sync.Mutex
	err     error
	started bool
	closed  bool
	waited  bool
}

func newProcess(path string, depth int, logger ports.Logger) *process {
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	return &process{
		log:         logger,
		path:        path,
		depth:       depth,
		jobs:        make(chan job, depth),
		completions: make(chan *ports.Completion, completionBacklog),
		eos:         make(chan int, 1),
		quit:        make(chan struct{}),
	}
}

// start launches ffmpeg with args and the writer goroutine. The caller
// starts its own reader goroutine on p.stdout.
func (p *process) start(args []string) error {
	path, err := FindFFmpeg(p.path)
	if err != nil {
		return err
	}

	p.cmd = exec.Command(path, args...)
	p.cmd.Stderr = &p.stderr

	stdin, err := p.cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to get stdin pipe: %w", err)
	}
	stdout, err := p.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	p.stdin = stdin
	p.stdout = stdout

	if err := p.cmd.Start(); err != nil {
		return fmt.Errorf("failed to start ffmpeg: %w", err)
	}
	p.debug("Started %s %v", path, args)

	p.started = true
	p.wg.Add(1)
	go p.writeLoop()
	return nil
}

// offer queues j without blocking.
func (p *process) offer(j job) error {
	select {
	case p.jobs <- j:
		return nil
	default:
		return ports.ErrChannelFull
	}
}

// writeLoop writes each job's input to stdin and reports the slot consumed.
// End of stream closes stdin and hands the slot to the reader.
func (p *process) writeLoop() {
	defer p.wg.Done()
	for {
		var j job
		select {
		case j = <-p.jobs:
		case <-p.quit:
			return
		}

		if j.task.EOS {
			if err := p.stdin.Close(); err != nil {
				p.fail(fmt.Errorf("close stdin: %w", err))
			}
			p.eos <- j.task.Slot
			return
		}

		if err := p.write(j.task); err != nil {
			p.fail(err)
			return
		}
		if !p.emit(&ports.Completion{Slot: j.task.Slot, Format: j.format}) {
			return
		}
	}
}

func (p *process) write(task *ports.Task) error {
	data := task.Input
	if task.Format.IsZero() {
		// demultiplexed units lost their start code
		if _, err := p.stdin.Write(startCode); err != nil {
			return fmt.Errorf("write stdin: %w", err)
		}
	}
	if _, err := p.stdin.Write(data); err != nil {
		return fmt.Errorf("write stdin: %w", err)
	}
	return nil
}

var startCode = []byte{0x00, 0x00, 0x00, 0x01}

// emit queues c for Dequeue. It returns false when the channel was closed.
func (p *process) emit(c *ports.Completion) bool {
	select {
	case p.completions <- c:
		return true
	case <-p.quit:
		return false
	}
}

// finish waits for the process after stdout ended and queues the end of
// stream completion on the slot that carried the request.
func (p *process) finish() {
	var slot int
	select {
	case slot = <-p.eos:
	case <-p.quit:
		return
	}

	err := p.cmd.Wait()
	p.mu.Lock()
	p.waited = true
	p.mu.Unlock()
	if err != nil {
		p.fail(fmt.Errorf("%w: %w\nstderr: %s", ErrProcess, err, p.stderr.String()))
		return
	}
	p.debug("Process exited")
	p.emit(&ports.Completion{Slot: slot, EOS: true})
}

func (p *process) fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err == nil && !p.closed {
		p.err = err
	}
}

func (p *process) failure() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// dequeue returns the next completion, the first failure, or ErrTryAgain.
func (p *process) dequeue() (*ports.Completion, error) {
	select {
	case c := <-p.completions:
		return c, nil
	default:
	}
	if err := p.failure(); err != nil {
		return nil, err
	}
	if !p.started {
		return nil, nil
	}
	return nil, ports.ErrTryAgain
}

// finishEmpty ends a stream that never started a process.
func (p *process) finishEmpty(slot int) {
	p.started = true
	p.emit(&ports.Completion{Slot: slot, EOS: true})
}

// close stops the goroutines and kills the process if it is still running.
func (p *process) close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	started := p.started
	p.mu.Unlock()

	close(p.quit)
	if !started || p.cmd == nil {
		return nil
	}

	p.stdin.Close()
	p.cmd.Process.Kill()
	p.wg.Wait()
	if !p.waited {
		p.cmd.Wait()
	}
	return nil
}

func (p *process) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *process) debug(format string, args ...interface{}) {
	if p.log != nil {
		p.log.Debug(format, args...)
	}
}
