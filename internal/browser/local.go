package browser

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"syscall"

	"github.com/playwright-community/playwright-go"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/browserhub/pkg/models"
)

var devToolsLine = regexp.MustCompile(`DevTools listening on (ws://\S+)`)

// LocalOptions configures a LocalDriver.
type LocalOptions struct {
	// ExecutablePath skips the playwright-managed Chromium when set.
	ExecutablePath string
	DataDir        string
	Logger         *zap.Logger
}

// LocalDriver runs Chromium as a child process of the server.
type LocalDriver struct {
	pw         *playwright.Playwright
	executable string
	dataDir    string
	log        *zap.Logger
}

// NewLocalDriver prepares a driver for local Chromium processes. Without an
// explicit executable, Chromium is installed and located through Playwright.
func NewLocalDriver(opts LocalOptions) (*LocalDriver, error) {
	if opts.DataDir == "" {
		opts.DataDir = filepath.Join(os.TempDir(), "browserhub")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if err := os.MkdirAll(opts.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	d := &LocalDriver{
		executable: opts.ExecutablePath,
		dataDir:    opts.DataDir,
		log:        opts.Logger.Named("local"),
	}

	if d.executable == "" {
		runOpts := &playwright.RunOptions{
			Verbose: false,
			Stdout:  io.Discard,
			Stderr:  io.Discard,
		}
		if err := playwright.Install(runOpts); err != nil {
			return nil, fmt.Errorf("failed to install playwright: %w", err)
		}
		pw, err := playwright.Run(runOpts)
		if err != nil {
			return nil, fmt.Errorf("failed to start playwright: %w", err)
		}
		d.pw = pw
		d.executable = pw.Chromium.ExecutablePath()
	}

	d.log.Info("using chromium", zap.String("path", d.executable))
	return d, nil
}

// Launch starts Chromium with remote debugging on an ephemeral port and waits
// for it to announce its DevTools endpoint.
func (d *LocalDriver) Launch(ctx context.Context, sessionID string, opts models.LaunchOptions) (*Instance, error) {
	userDataDir := filepath.Join(d.dataDir, sessionID)
	if err := os.MkdirAll(userDataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create user data directory: %w", err)
	}

	args := append(ChromeArgs(opts),
		"--remote-debugging-port=0",
		"--user-data-dir="+userDataDir,
		"about:blank",
	)
	cmd := exec.Command(d.executable, args...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = os.RemoveAll(userDataDir)
		return nil, fmt.Errorf("stderr pipe failed: %w", err)
	}
	if err := cmd.Start(); err != nil {
		_ = os.RemoveAll(userDataDir)
		return nil, fmt.Errorf("failed to start chromium: %w", err)
	}

	inst := &Instance{
		ID:          strconv.Itoa(cmd.Process.Pid),
		SessionID:   sessionID,
		UserDataDir: userDataDir,
		cmd:         cmd,
		exited:      make(chan struct{}),
	}

	endpoints := make(chan string, 1)
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			line := scanner.Text()
			if endpoint, ok := parseDevToolsEndpoint(line); ok {
				select {
				case endpoints <- endpoint:
				default:
				}
				continue
			}
			d.log.Debug("chromium", zap.String("session", sessionID), zap.String("line", line))
		}
		// Wait closes the pipe, so it runs only after stderr is drained.
		_ = cmd.Wait()
		close(inst.exited)
	}()

	select {
	case endpoint := <-endpoints:
		inst.ConnectURL = endpoint
		return inst, nil
	case <-inst.exited:
		_ = os.RemoveAll(userDataDir)
		return nil, fmt.Errorf("chromium exited before reporting a devtools endpoint: %s", cmd.ProcessState)
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-inst.exited
		_ = os.RemoveAll(userDataDir)
		return nil, fmt.Errorf("chromium startup: %w", ctx.Err())
	}
}

// Terminate asks Chromium to exit and kills it if it outlives ctx.
func (d *LocalDriver) Terminate(ctx context.Context, inst *Instance) error {
	if inst == nil || inst.cmd == nil || inst.cmd.Process == nil {
		return errors.New("no process to terminate")
	}
	defer os.RemoveAll(inst.UserDataDir)

	if err := inst.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		d.log.Warn("failed to signal chromium", zap.String("pid", inst.ID), zap.Error(err))
	}

	select {
	case <-inst.exited:
		return nil
	case <-ctx.Done():
		if err := inst.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("failed to kill chromium %s: %w", inst.ID, err)
		}
		<-inst.exited
		return fmt.Errorf("chromium %s did not exit in time and was killed: %w", inst.ID, ctx.Err())
	}
}

func (d *LocalDriver) Close() error {
	if d.pw == nil {
		return nil
	}
	if err := d.pw.Stop(); err != nil {
		return fmt.Errorf("failed to stop playwright: %w", err)
	}
	return nil
}

func parseDevToolsEndpoint(line string) (string, bool) {
	m := devToolsLine.FindStringSubmatch(line)
	if m == nil {
		return "", false
	}
	return m[1], true
}
