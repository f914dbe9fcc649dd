//go:build windows

package services

import (
	"bufio"
	"bytes"
	"context"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

func prepareCommand(cmd *exec.Cmd) {}

// Windows 没有 SIGTERM，直接结束进程
func terminate(p *os.Process) error {
	return p.Kill()
}

func killByName(ctx context.Context, name string) error {
	if !strings.HasSuffix(strings.ToLower(name), ".exe") {
		name += ".exe"
	}
	out, err := exec.CommandContext(ctx, "taskkill", "/F", "/IM", name).CombinedOutput()
	if err != nil && strings.Contains(string(out), "not found") {
		return nil
	}
	return err
}

// killByPort 解析 netstat -ano 找到监听端口的 PID
func killByPort(ctx context.Context, port int) error {
	out, err := exec.CommandContext(ctx, "netstat", "-ano", "-p", "tcp").Output()
	if err != nil {
		return err
	}
	suffix := ":" + strconv.Itoa(port)
	seen := map[string]bool{}
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 5 || !strings.EqualFold(fields[3], "LISTENING") || !strings.HasSuffix(fields[1], suffix) {
			continue
		}
		pid := fields[4]
		if seen[pid] || pid == strconv.Itoa(os.Getpid()) {
			continue
		}
		seen[pid] = true
		if err := exec.CommandContext(ctx, "taskkill", "/F", "/PID", pid).Run(); err != nil {
			log.Ctx(ctx).Warn().Err(err).Str("pid", pid).Msg("kill port owner")
		}
	}
	return scanner.Err()
}
