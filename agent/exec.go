// Package agent provides an ExecutionAgent that runs an external automation
// command for each post.
//
// The hand-off contract matches the browser-automation bot: the profile
// snapshot is written to a pipe-delimited hand-off file in the working
// directory and the listing reference is passed through the environment. The
// bot's exit code decides success; on failure its stderr tail becomes the
// job's error message.
package agent

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/kballard/go-shellquote"
	"go.uber.org/zap"

	"github.com/dealerkit/scheduler"
)

// DefaultProfilesFile is the hand-off file name the bot reads profiles from.
const DefaultProfilesFile = "selected_profiles.txt"

// stderrTail bounds how much captured stderr ends up in the error message.
const stderrTail = 500

// Config holds the configuration for an exec agent.
type Config struct {
	// Command is the bot invocation, parsed with shell quoting rules,
	// e.g. `python Bot.py` or `/usr/local/bin/poster --headless`. Required.
	Command string

	// WorkDir is where the hand-off file is written and the command runs.
	// Defaults to the current directory.
	WorkDir string

	// ProfilesFile overrides the hand-off file name.
	ProfilesFile string

	// Env is appended to the inherited environment.
	Env []string

	// Logger is optional; defaults to a no-op logger.
	Logger *zap.SugaredLogger
}

// Agent implements scheduler.ExecutionAgent by running an external command.
type Agent struct {
	argv         []string
	workDir      string
	profilesFile string
	env          []string
	log          *zap.SugaredLogger
}

// New creates an exec agent from config.
func New(config Config) (*Agent, error) {
	argv, err := shellquote.Split(config.Command)
	if err != nil {
		return nil, scheduler.Validationf("invalid agent command %q: %v", config.Command, err)
	}
	if len(argv) == 0 {
		return nil, scheduler.Validationf("agent command is required")
	}

	profilesFile := config.ProfilesFile
	if profilesFile == "" {
		profilesFile = DefaultProfilesFile
	}
	log := config.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	return &Agent{
		argv:         argv,
		workDir:      config.WorkDir,
		profilesFile: profilesFile,
		env:          config.Env,
		log:          log,
	}, nil
}

// Execute writes the hand-off file and runs the bot, blocking until it exits
// or ctx is done. The scheduler supplies the deadline.
func (a *Agent) Execute(ctx context.Context, req scheduler.PostRequest) error {
	handoff := []byte(req.ProfileFolderPath + "|" + req.Location + "|" + req.ProfileDisplayName + "\n")
	path := filepath.Join(a.workDir, a.profilesFile)
	if err := os.WriteFile(path, handoff, 0o644); err != nil {
		return scheduler.AgentExecutionf("write profile hand-off file: %v", err)
	}

	cmd := exec.CommandContext(ctx, a.argv[0], a.argv[1:]...)
	cmd.Dir = a.workDir
	cmd.Env = append(os.Environ(), a.env...)
	cmd.Env = append(cmd.Env,
		"POST_LISTING_REF="+req.ListingRef,
		"POST_PROFILE_REF="+req.ProfileRef,
	)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	a.log.Debugw("running execution agent",
		"command", a.argv[0],
		"listing_ref", req.ListingRef,
		"profile", req.ProfileDisplayName,
	)

	err := cmd.Run()
	if err == nil {
		return nil
	}
	// Surface a deadline as such so the scheduler reports a timeout
	// instead of the kill signal the process died with.
	if ctx.Err() != nil {
		return ctx.Err()
	}

	msg := tail(stderr.Bytes(), stderrTail)
	if msg == "" {
		msg = err.Error()
	}
	return scheduler.AgentExecutionf("%s", msg)
}

func tail(b []byte, n int) string {
	s := string(bytes.TrimSpace(b))
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

var _ scheduler.ExecutionAgent = (*Agent)(nil)
