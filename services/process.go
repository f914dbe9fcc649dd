package services

import (
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
)

// Process 受管子进程
type Process interface {
	Pid() int
	// Terminate 请求进程自行退出
	Terminate() error
	Kill() error
	// Done 进程退出后关闭
	Done() <-chan struct{}
	Err() error
}

// ProcessRunner 启停子进程的操作系统适配
type ProcessRunner interface {
	Start(executable string, args []string, logPath string) (Process, error)
	KillByName(ctx context.Context, name string) error
	KillByPort(ctx context.Context, port int) error
}

type execRunner struct{}

func NewExecRunner() ProcessRunner {
	return execRunner{}
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
	once sync.Once
	err  error
	log  io.Closer
}

// Start 子进程生命周期独立于请求，不使用 CommandContext
func (execRunner) Start(executable string, args []string, logPath string) (Process, error) {
	cmd := exec.Command(executable, args...)
	var logFile *os.File
	if logPath != "" {
		if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
			return nil, err
		}
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, err
		}
		logFile = f
		cmd.Stdout = f
		cmd.Stderr = f
	}
	prepareCommand(cmd)
	if err := cmd.Start(); err != nil {
		if logFile != nil {
			logFile.Close()
		}
		return nil, err
	}
	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	if logFile != nil {
		p.log = logFile
	}
	go func() {
		err := cmd.Wait()
		p.once.Do(func() {
			p.err = err
			if p.log != nil {
				p.log.Close()
			}
			close(p.done)
		})
	}()
	return p, nil
}

func (p *execProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Kill() error {
	return p.cmd.Process.Kill()
}

func (p *execProcess) Terminate() error {
	return terminate(p.cmd.Process)
}

func (p *execProcess) Done() <-chan struct{} {
	return p.done
}

func (p *execProcess) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

func (execRunner) KillByName(ctx context.Context, name string) error {
	return killByName(ctx, name)
}

func (execRunner) KillByPort(ctx context.Context, port int) error {
	return killByPort(ctx, port)
}
