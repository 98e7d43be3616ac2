// Package display drives an external vncserver-style virtual display
// server. The tool is a black box: the adapter only issues start/stop
// commands, each bounded by the caller's context.
package display

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

type VNCLauncher struct {
	bin string
}

func NewVNCLauncher(bin string) *VNCLauncher {
	if bin == "" {
		bin = "vncserver"
	}
	return &VNCLauncher{bin: bin}
}

func (l *VNCLauncher) Start(ctx context.Context, display, port int, opts map[string]string) error {
	args := []string{fmt.Sprintf(":%d", display), "-rfbport", strconv.Itoa(port)}
	for k, v := range opts {
		args = append(args, "-"+k, v)
	}

	cmd := exec.CommandContext(ctx, l.bin, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s start :%d failed: %w: %s", l.bin, display, err, tail(out))
	}
	return nil
}

func (l *VNCLauncher) Stop(ctx context.Context, display int) error {
	cmd := exec.CommandContext(ctx, l.bin, "-kill", fmt.Sprintf(":%d", display))
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s stop :%d failed: %w: %s", l.bin, display, err, tail(out))
	}
	return nil
}

func tail(out []byte) string {
	s := strings.TrimSpace(string(out))
	if len(s) > 300 {
		s = "..." + s[len(s)-300:]
	}
	return s
}
