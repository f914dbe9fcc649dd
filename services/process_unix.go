//go:build !windows

package services

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"
)

// prepareCommand 子进程单独成组，避免随父进程的终端信号一起退出
func prepareCommand(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func terminate(p *os.Process) error {
	return p.Signal(syscall.SIGTERM)
}

func killByName(ctx context.Context, name string) error {
	err := exec.CommandContext(ctx, "pkill", "-KILL", "-x", name).Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		// 没有匹配的进程
		return nil
	}
	return err
}

// killByPort 通过 lsof 找到监听端口的进程并强杀
func killByPort(ctx context.Context, port int) error {
	out, err := exec.CommandContext(ctx, "lsof", "-t", "-i", "tcp:"+strconv.Itoa(port), "-sTCP:LISTEN").Output()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && len(out) == 0 {
		return nil
	}
	if err != nil {
		return err
	}
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		pid, err := strconv.Atoi(strings.TrimSpace(scanner.Text()))
		if err != nil || pid <= 0 || pid == os.Getpid() {
			continue
		}
		if err := syscall.Kill(pid, syscall.SIGKILL); err != nil {
			log.Ctx(ctx).Warn().Err(err).Int("pid", pid).Msg("kill port owner")
		}
	}
	return scanner.Err()
}
