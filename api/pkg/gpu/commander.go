package gpu

import (
	"context"
	"os/exec"
)

// Commander wraps exec so vendor-tool invocations can be faked in tests.
type Commander interface {
	LookPath(file string) (string, error)
	Output(ctx context.Context, name string, arg ...string) ([]byte, error)
}

type RealCommander struct{}

func (c *RealCommander) LookPath(file string) (string, error) {
	return exec.LookPath(file)
}

func (c *RealCommander) Output(ctx context.Context, name string, arg ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, arg...).Output()
}
