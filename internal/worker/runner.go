package worker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"sync"

	"facelock/internal/config"
)

// Conn is an established message channel to a running worker.
type Conn interface {
	Send(env *Envelope) error
	Recv() (*Envelope, error)
	Close() error
}

// Runner launches a worker and hands back its message channel. The supervisor
// never talks to a process directly, which lets tests script worker behavior
// with in-memory connections.
type Runner interface {
	Name() string
	Start(ctx context.Context) (Conn, error)
}

// ProcessRunner launches the inference worker as a local subprocess. Requests
// go down stdin; replies come back on a dedicated data pipe (fd 3) so model
// libraries printing to stdout cannot corrupt the protocol stream.
type ProcessRunner struct {
	name string
	cfg  config.WorkerConfig
}

// NewProcessRunner creates a runner for the given worker command.
func NewProcessRunner(name string, cfg config.WorkerConfig) *ProcessRunner {
	return &ProcessRunner{name: name, cfg: cfg}
}

func (r *ProcessRunner) Name() string { return r.name }

// Start spawns the worker process and wires the pipe pair.
func (r *ProcessRunner) Start(ctx context.Context) (Conn, error) {
	cmd := exec.CommandContext(ctx, r.cfg.Command, r.cfg.Args...)

	dataR, dataW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create data pipe: %w", err)
	}
	// The write end shows up in the child as fd 3.
	cmd.ExtraFiles = []*os.File{dataW}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		dataW.Close()
		dataR.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		dataW.Close()
		dataR.Close()
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		dataW.Close()
		dataR.Close()
		return nil, fmt.Errorf("worker %s failed to start: %w", r.name, err)
	}

	// Only the child holds the write end now.
	dataW.Close()

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			log.Printf("[Worker:%s] %s", r.name, scanner.Text())
		}
	}()

	return &pipeConn{
		stdin: stdin,
		data:  dataR,
		cmd:   cmd,
	}, nil
}

// pipeConn frames envelopes over the process pipes.
type pipeConn struct {
	stdin   io.WriteCloser
	data    io.ReadCloser
	cmd     *exec.Cmd
	writeMu sync.Mutex
	closed  sync.Once
}

func (c *pipeConn) Send(env *Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return WriteFrame(c.stdin, env)
}

func (c *pipeConn) Recv() (*Envelope, error) {
	return ReadFrame(c.data)
}

func (c *pipeConn) Close() error {
	var err error
	c.closed.Do(func() {
		c.stdin.Close()
		c.data.Close()
		if c.cmd != nil && c.cmd.Process != nil {
			c.cmd.Process.Kill()
			err = c.cmd.Wait()
		}
	})
	return err
}
