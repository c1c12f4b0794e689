package agent

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
)

// ExecRunner launches agent workers as child processes of the bridge. The
// worker command is fixed at construction; per-call parameters travel in the
// environment:
//
//	VOICEBRIDGE_ROOM          room the worker must join
//	VOICEBRIDGE_AGENT_PROFILE behavior profile selected by the dispatch rule
//	VOICEBRIDGE_AGENT_ID      supervisor-assigned worker identity
//
// The worker signals readiness by printing a line containing the ready marker
// to stdout. Everything else the worker prints is forwarded to the logger.
type ExecRunner struct {
	command     []string
	readyMarker string
	log         *slog.Logger
}

func NewExecRunner(command []string, readyMarker string, log *slog.Logger) (*ExecRunner, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("agent: worker command is empty")
	}
	if readyMarker == "" {
		return nil, fmt.Errorf("agent: ready marker is empty")
	}
	if log == nil {
		log = slog.Default()
	}
	return &ExecRunner{command: command, readyMarker: readyMarker, log: log}, nil
}

func (r *ExecRunner) Start(ctx context.Context, spec StartSpec) (Process, error) {
	cmd := exec.CommandContext(ctx, r.command[0], r.command[1:]...)
	cmd.Env = append(os.Environ(),
		"VOICEBRIDGE_ROOM="+spec.RoomName,
		"VOICEBRIDGE_AGENT_PROFILE="+spec.Profile,
		"VOICEBRIDGE_AGENT_ID="+spec.AgentID,
	)
	cmd.Cancel = func() error {
		return cmd.Process.Kill()
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("agent: stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("agent: start %s: %w", r.command[0], err)
	}

	p := &execProcess{
		cmd:   cmd,
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}

	go func() {
		scanner := bufio.NewScanner(stdout)
		readySeen := false
		for scanner.Scan() {
			line := scanner.Text()
			if !readySeen && strings.Contains(line, r.readyMarker) {
				readySeen = true
				close(p.ready)
				continue
			}
			r.log.Debug("agent worker output", "agent_id", spec.AgentID, "line", line)
		}
		p.exitErr = cmd.Wait()
		close(p.done)
	}()

	return p, nil
}

type execProcess struct {
	cmd      *exec.Cmd
	ready    chan struct{}
	done     chan struct{}
	exitErr  error
	stopOnce sync.Once
}

func (p *execProcess) Ready() <-chan struct{} { return p.ready }
func (p *execProcess) Done() <-chan struct{}  { return p.done }
func (p *execProcess) Err() error             { return p.exitErr }

// Stop sends SIGTERM and lets the supervisor wait on Done. If the signal
// cannot be delivered the process is killed outright.
func (p *execProcess) Stop(ctx context.Context) error {
	var err error
	p.stopOnce.Do(func() {
		if sigErr := p.cmd.Process.Signal(syscall.SIGTERM); sigErr != nil {
			err = p.cmd.Process.Kill()
		}
	})
	return err
}
