package notification

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Player runs a local audio command.
type Player interface {
	Play(ctx context.Context, args ...string) error
}

// CommandPlayer execs a fixed command line, appending per-call arguments.
// It drives both the speech synthesiser and the alarm sound.
type CommandPlayer struct {
	Command []string
}

var _ Player = (*CommandPlayer)(nil)

func NewCommandPlayer(command []string) (*CommandPlayer, error) {
	if len(command) == 0 || strings.TrimSpace(command[0]) == "" {
		return nil, errors.New("player command is empty")
	}
	return &CommandPlayer{Command: command}, nil
}

func (p *CommandPlayer) Play(ctx context.Context, args ...string) error {
	argv := append(append([]string{}, p.Command[1:]...), args...)
	cmd := exec.CommandContext(ctx, p.Command[0], argv...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return fmt.Errorf("%s: %w: %s", p.Command[0], err, msg)
		}
		return fmt.Errorf("%s: %w", p.Command[0], err)
	}
	return nil
}
