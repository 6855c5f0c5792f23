package app

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/rbright/typist/internal/audio"
	"github.com/rbright/typist/internal/config"
	"github.com/rbright/typist/internal/doctor"
	"github.com/rbright/typist/internal/inputdev"
	"github.com/rbright/typist/internal/ipc"
	"github.com/rbright/typist/internal/uinput"
	"github.com/stretchr/testify/require"
	"github.com/temoto/inputevent-go"
)

const (
	ioctlDevCreate  = 0x5501
	ioctlDevDestroy = 0x5502
)

// journal records privileged operations and device traffic in one
// sequence so tests can assert their relative order.
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(entry string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, entry)
}

func (j *journal) snapshot() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

func (j *journal) index(entry string) int {
	return slices.Index(j.snapshot(), entry)
}

func (j *journal) count(entry string) int {
	n := 0
	for _, e := range j.snapshot() {
		if e == entry {
			n++
		}
	}
	return n
}

type fakeHandle struct {
	log      *journal
	ioctlErr map[uint]error
}

func (h *fakeHandle) Write(p []byte) (int, error) {
	if len(p) == inputevent.EventSizeof {
		h.log.add("event")
	} else {
		h.log.add("descriptor")
	}
	return len(p), nil
}

func (h *fakeHandle) Ioctl(req uint, _ int) error {
	switch req {
	case ioctlDevCreate:
		h.log.add("create")
	case ioctlDevDestroy:
		h.log.add("destroy")
	}
	return h.ioctlErr[req]
}

func (h *fakeHandle) Close() error {
	h.log.add("close")
	return nil
}

type fakeBackend struct {
	log            *journal
	mu             sync.Mutex
	uid, euid, gid int
	failOn         string
}

func (b *fakeBackend) Getuid() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.uid
}

func (b *fakeBackend) Geteuid() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.euid
}

func (b *fakeBackend) Getgid() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.gid
}

func (b *fakeBackend) call(name string) error {
	b.log.add(name)
	if b.failOn == name {
		return syscall.EPERM
	}
	return nil
}

func (b *fakeBackend) Setgroups([]int) error { return b.call("setgroups") }

func (b *fakeBackend) Setgid(gid int) error {
	if err := b.call("setgid"); err != nil {
		return err
	}
	b.mu.Lock()
	b.gid = gid
	b.mu.Unlock()
	return nil
}

func (b *fakeBackend) Setuid(uid int) error {
	if err := b.call("setuid"); err != nil {
		return err
	}
	b.mu.Lock()
	b.uid, b.euid = uid, uid
	b.mu.Unlock()
	return nil
}

type mapEnv struct {
	mu     sync.Mutex
	values map[string]string
}

func (e *mapEnv) LookupEnv(key string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.values[key]
	return v, ok
}

func (e *mapEnv) Setenv(key, value string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.values[key] = value
	return nil
}

func lookupAlice(uid string) (*user.User, error) {
	if uid != "1000" {
		return nil, user.UnknownUserIdError(0)
	}
	return &user.User{Uid: "1000", Gid: "1000", Username: "alice", HomeDir: "/home/alice"}, nil
}

type harness struct {
	log        *journal
	backend    *fakeBackend
	env        *mapEnv
	handle     *fakeHandle
	openErr    error
	configPath string
	runtimeDir string
	sleeps     []time.Duration
	sleepMu    sync.Mutex
}

func newHarness(t *testing.T, configJSONC string) *harness {
	t.Helper()

	runtimeDir := t.TempDir()
	t.Setenv("XDG_STATE_HOME", t.TempDir())
	t.Setenv("XDG_RUNTIME_DIR", runtimeDir)

	configPath := filepath.Join(t.TempDir(), "config.jsonc")
	require.NoError(t, os.WriteFile(configPath, []byte(configJSONC), 0o600))

	log := &journal{}
	return &harness{
		log:     log,
		backend: &fakeBackend{log: log},
		env: &mapEnv{values: map[string]string{
			"SUDO_UID":        "1000",
			"SUDO_GID":        "1000",
			"XDG_RUNTIME_DIR": runtimeDir,
		}},
		handle:     &fakeHandle{log: log, ioctlErr: map[uint]error{}},
		configPath: configPath,
		runtimeDir: runtimeDir,
	}
}

func (h *harness) runner(stdout, stderr io.Writer) Runner {
	return Runner{
		Stdout: stdout,
		Stderr: stderr,
		Stdin:  strings.NewReader(""),
		System: System{
			Env:        h.env,
			Backend:    h.backend,
			LookupUser: lookupAlice,
			OpenDevice: func(string) (uinput.Handle, error) {
				h.log.add("open")
				if h.openErr != nil {
					return nil, h.openErr
				}
				return h.handle, nil
			},
			InputDevices: inputdev.Lister{
				Glob: filepath.Join(h.runtimeDir, "no-such-event*"),
			},
			Sleep: func(d time.Duration) {
				h.sleepMu.Lock()
				h.sleeps = append(h.sleeps, d)
				h.sleepMu.Unlock()
			},
		},
	}
}

const noSettle = `{"device": {"settle_ms": 0}}`

func TestExecuteHelp(t *testing.T) {
	var stdout bytes.Buffer
	var stderr bytes.Buffer

	exitCode := Execute(context.Background(), []string{"--help"}, &stdout, &stderr)
	require.Equal(t, 0, exitCode)
	require.Contains(t, stdout.String(), "Usage:")
	require.Empty(t, stderr.String())
}

func TestExecuteVersion(t *testing.T) {
	var stdout bytes.Buffer
	var stderr bytes.Buffer

	exitCode := Execute(context.Background(), []string{"version"}, &stdout, &stderr)
	require.Equal(t, 0, exitCode)
	require.Contains(t, stdout.String(), "typist")
	require.Empty(t, stderr.String())
}

func TestExecuteUnknownCommand(t *testing.T) {
	var stdout bytes.Buffer
	var stderr bytes.Buffer

	exitCode := Execute(context.Background(), []string{"definitely-not-a-command"}, &stdout, &stderr)
	require.Equal(t, 2, exitCode)
	require.Contains(t, stderr.String(), "unknown command")
	require.Contains(t, stderr.String(), "Usage:")
}

func TestTypeCreatesDeviceBeforeDropAndTypesAfter(t *testing.T) {
	h := newHarness(t, noSettle)
	var stdout, stderr bytes.Buffer

	exitCode := h.runner(&stdout, &stderr).Execute(context.Background(), []string{"--config", h.configPath, "type", "Hi"})
	require.Equal(t, 0, exitCode, stderr.String())

	entries := h.log.snapshot()
	create := h.log.index("create")
	setgroups := h.log.index("setgroups")
	setuid := h.log.index("setuid")
	firstEvent := h.log.index("event")

	require.Equal(t, 0, h.log.index("open"))
	require.Less(t, h.log.index("descriptor"), create)
	require.Less(t, create, setgroups)
	require.Less(t, setgroups, h.log.index("setgid"))
	require.Less(t, h.log.index("setgid"), setuid)
	require.Less(t, setuid, firstEvent)

	// "H" is shift+h (four key states), "i" is two; each state is a record
	// plus a report boundary.
	require.Equal(t, 12, h.log.count("event"))
	require.Equal(t, []string{"destroy", "close"}, entries[len(entries)-2:])

	home, _ := h.env.LookupEnv("HOME")
	require.Equal(t, "/home/alice", home)
	require.Equal(t, 1000, h.backend.Geteuid())
}

func TestTypeReadsStdinLineByLine(t *testing.T) {
	h := newHarness(t, noSettle)
	var stdout, stderr bytes.Buffer
	runner := h.runner(&stdout, &stderr)
	runner.Stdin = strings.NewReader("ab\nc")

	exitCode := runner.Execute(context.Background(), []string{"--config", h.configPath, "type"})
	require.Equal(t, 0, exitCode, stderr.String())
	// a, b, newline, c: four unshifted characters.
	require.Equal(t, 16, h.log.count("event"))
}

func TestTypeWarnsAboutUnmappedCharacters(t *testing.T) {
	h := newHarness(t, noSettle)
	var stdout, stderr bytes.Buffer

	exitCode := h.runner(&stdout, &stderr).Execute(context.Background(), []string{"--config", h.configPath, "type", "aé"})
	require.Equal(t, 0, exitCode)
	require.Contains(t, stderr.String(), "skipped 1 character(s)")
	require.Equal(t, 4, h.log.count("event"))
}

func TestTypePermissionFailureStopsBeforeDrop(t *testing.T) {
	h := newHarness(t, noSettle)
	h.openErr = &fs.PathError{Op: "open", Path: "/dev/uinput", Err: syscall.EACCES}
	var stdout, stderr bytes.Buffer

	exitCode := h.runner(&stdout, &stderr).Execute(context.Background(), []string{"--config", h.configPath, "type", "hi"})
	require.Equal(t, 1, exitCode)
	require.Contains(t, stderr.String(), "permission")
	require.Contains(t, stderr.String(), "sudo or pkexec")
	require.Equal(t, -1, h.log.index("setuid"))
	require.Zero(t, h.log.count("event"))
}

func TestTypeRefusesArbitraryDevicePathBeforeOpening(t *testing.T) {
	h := newHarness(t, `{"device": {"path": "/dev/watchdog", "settle_ms": 0}}`)
	var stdout, stderr bytes.Buffer

	exitCode := h.runner(&stdout, &stderr).Execute(context.Background(), []string{"--config", h.configPath, "type", "a"})
	require.Equal(t, 1, exitCode)
	require.Contains(t, stderr.String(), "not allowed")
	require.Empty(t, h.log.snapshot(), "nothing is opened and no identity switch is attempted")
}

func TestTypeNonControlNodeGetsDevicePathHint(t *testing.T) {
	h := newHarness(t, noSettle)
	h.openErr = fmt.Errorf("%w: /dev/uinput is device 1:3, want 10:223", uinput.ErrNotControlNode)
	var stdout, stderr bytes.Buffer

	exitCode := h.runner(&stdout, &stderr).Execute(context.Background(), []string{"--config", h.configPath, "type", "a"})
	require.Equal(t, 1, exitCode)
	require.Contains(t, stderr.String(), "uinput character device")
	require.Equal(t, -1, h.log.index("setuid"))
}

func TestTypeDeviceCreationFailureHintsAtModule(t *testing.T) {
	h := newHarness(t, noSettle)
	h.handle.ioctlErr[ioctlDevCreate] = syscall.EINVAL
	var stdout, stderr bytes.Buffer

	exitCode := h.runner(&stdout, &stderr).Execute(context.Background(), []string{"--config", h.configPath, "type", "hi"})
	require.Equal(t, 1, exitCode)
	require.Contains(t, stderr.String(), "modprobe uinput")
	require.Equal(t, 1, h.log.count("close"))
	require.Equal(t, -1, h.log.index("setuid"))
}

func TestTypeDropFailureDestroysDeviceWithoutTyping(t *testing.T) {
	h := newHarness(t, noSettle)
	h.backend.failOn = "setuid"
	var stdout, stderr bytes.Buffer

	exitCode := h.runner(&stdout, &stderr).Execute(context.Background(), []string{"--config", h.configPath, "type", "hi"})
	require.Equal(t, 1, exitCode)
	require.Contains(t, stderr.String(), "privilege drop failed")
	require.Contains(t, stderr.String(), "refusing to accept text")
	require.Zero(t, h.log.count("event"))
	require.Equal(t, 1, h.log.count("destroy"))
}

func TestTypeWaitsForSettleAfterDrop(t *testing.T) {
	h := newHarness(t, `{"device": {"settle_ms": 50}}`)
	var stdout, stderr bytes.Buffer
	runner := h.runner(&stdout, &stderr)
	runner.System.InputDevices = inputdev.Lister{
		Glob: filepath.Join(h.runtimeDir, "*"),
		Open: func(path string) (inputdev.Info, error) {
			return inputdev.Info{Path: path, Name: config.Default().Device.Name}, nil
		},
	}
	require.NoError(t, os.WriteFile(filepath.Join(h.runtimeDir, "event3"), nil, 0o600))

	exitCode := runner.Execute(context.Background(), []string{"--config", h.configPath, "type", "a"})
	require.Equal(t, 0, exitCode, stderr.String())

	h.sleepMu.Lock()
	defer h.sleepMu.Unlock()
	require.NotEmpty(t, h.sleeps)
	require.Positive(t, h.sleeps[0])
	require.LessOrEqual(t, h.sleeps[0], 50*time.Millisecond)
}

func TestServeTypesForwardedText(t *testing.T) {
	h := newHarness(t, noSettle)
	socketPath := filepath.Join(h.runtimeDir, "typist.sock")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var serveOut, serveErr bytes.Buffer
	serveRunner := h.runner(&serveOut, &serveErr)
	serveRunner.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	done := make(chan int, 1)
	go func() {
		done <- serveRunner.Execute(ctx, []string{"--config", h.configPath, "serve"})
	}()

	require.Eventually(t, func() bool {
		alive, _ := ipc.Probe(context.Background(), socketPath, 50*time.Millisecond)
		return alive
	}, 2*time.Second, 10*time.Millisecond)

	client := Runner{Logger: serveRunner.Logger}

	var sendOut, sendErr bytes.Buffer
	client.Stdout, client.Stderr = &sendOut, &sendErr
	require.Equal(t, 0, client.Execute(context.Background(), []string{"--config", h.configPath, "send", "Hi"}), sendErr.String())
	require.Equal(t, "typed\n", sendOut.String())
	require.Equal(t, 12, h.log.count("event"))

	var statusOut bytes.Buffer
	client.Stdout, client.Stderr = &statusOut, io.Discard
	require.Equal(t, 0, client.Execute(context.Background(), []string{"--config", h.configPath, "status"}))
	require.Equal(t, "idle typed=2 skipped=0 failed=0\n", statusOut.String())

	var stopOut bytes.Buffer
	client.Stdout = &stopOut
	require.Equal(t, 0, client.Execute(context.Background(), []string{"--config", h.configPath, "stop"}))
	require.Equal(t, "nothing to stop\n", stopOut.String())

	cancel()
	require.Equal(t, 0, <-done, serveErr.String())
	require.Contains(t, serveOut.String(), "listening on "+socketPath)
	require.Less(t, h.log.index("setuid"), h.log.index("event"))
	require.Equal(t, 1, h.log.count("destroy"))

	_, statErr := os.Stat(socketPath)
	require.ErrorIs(t, statErr, os.ErrNotExist)
}

func TestClientCommandsWithoutServer(t *testing.T) {
	h := newHarness(t, noSettle)

	var stdout, stderr bytes.Buffer
	runner := Runner{Stdout: &stdout, Stderr: &stderr}
	require.Equal(t, 0, runner.Execute(context.Background(), []string{"--config", h.configPath, "status"}))
	require.Equal(t, "not running\n", stdout.String())

	stderr.Reset()
	require.Equal(t, 1, runner.Execute(context.Background(), []string{"--config", h.configPath, "stop"}))
	require.Contains(t, stderr.String(), "no running typist server")

	stderr.Reset()
	require.Equal(t, 1, runner.Execute(context.Background(), []string{"--config", h.configPath, "send", "hi"}))
	require.Contains(t, stderr.String(), "no running typist server")
	require.Empty(t, h.log.snapshot())
}

func TestSendReportsServerError(t *testing.T) {
	h := newHarness(t, noSettle)
	shutdown := startIPCServerForRunnerTest(t, filepath.Join(h.runtimeDir, "typist.sock"), func(_ context.Context, req ipc.Request) ipc.Response {
		if req.Command == "status" {
			return ipc.Response{OK: true, State: "idle"}
		}
		return ipc.Response{OK: false, Error: "stopped", Typed: 1, Skipped: 2}
	})
	defer shutdown()

	var stdout, stderr bytes.Buffer
	runner := Runner{Stdout: &stdout, Stderr: &stderr}
	require.Equal(t, 1, runner.Execute(context.Background(), []string{"--config", h.configPath, "send", "abc"}))
	require.Contains(t, stderr.String(), "skipped 2 character(s)")
	require.Contains(t, stderr.String(), "error: stopped")
}

func TestDoctorRunsProbesAroundDrop(t *testing.T) {
	h := newHarness(t, noSettle)
	var stdout, stderr bytes.Buffer
	runner := h.runner(&stdout, &stderr)
	runner.System.Doctor = &doctor.Probes{
		Stat:      func(string) (fs.FileInfo, error) { return os.Stat("/dev/null") },
		Writable:  func(string) error { return nil },
		Geteuid:   h.backend.Geteuid,
		LookupEnv: h.env.LookupEnv,
		Audio: func(context.Context) (audio.Report, error) {
			return audio.Report{DefaultSource: "mic", Sources: 1, Usable: 1}, nil
		},
		InputDevices: func() (inputdev.Listing, error) { return inputdev.Listing{}, nil },
	}

	exitCode := runner.Execute(context.Background(), []string{"--config", h.configPath, "doctor"})
	require.Equal(t, 0, exitCode, stdout.String())
	require.Contains(t, stdout.String(), "[OK] privilege.drop: running as uid 1000")
	require.Contains(t, stdout.String(), "[OK] audio.session")
	require.Equal(t, -1, h.log.index("open"))
}

func TestTryForwardSuccessAndFailureResponses(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "typist.sock")
	shutdown := startIPCServerForRunnerTest(t, socketPath, func(_ context.Context, req ipc.Request) ipc.Response {
		switch req.Command {
		case "status":
			return ipc.Response{OK: true, State: "typing"}
		default:
			return ipc.Response{OK: false, Error: "unsupported"}
		}
	})
	defer shutdown()

	resp, handled, err := tryForward(context.Background(), socketPath, ipc.Request{Command: "status"}, forwardTimeout)
	require.True(t, handled)
	require.NoError(t, err)
	require.Equal(t, "typing", resp.State)

	_, handled, err = tryForward(context.Background(), socketPath, ipc.Request{Command: "bogus"}, forwardTimeout)
	require.True(t, handled)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unsupported")
}

func TestTryForwardDoesNotRemoveSocketPathOnForwardFailure(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "typist.sock")
	require.NoError(t, os.WriteFile(socketPath, []byte("stale"), 0o600))

	_, handled, err := tryForward(context.Background(), socketPath, ipc.Request{Command: "status"}, forwardTimeout)
	require.False(t, handled)
	require.NoError(t, err)

	_, statErr := os.Stat(socketPath)
	require.NoError(t, statErr)
}

func TestTryForwardTreatsReadFailuresAsHandledErrors(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "typist.sock")

	listener, err := net.Listen("unix", socketPath)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn, acceptErr := listener.Accept()
		if acceptErr == nil {
			_ = conn.Close()
		}
	}()

	_, handled, err := tryForward(context.Background(), socketPath, ipc.Request{Command: "status"}, forwardTimeout)
	require.True(t, handled)
	require.Error(t, err)
	require.Contains(t, err.Error(), "forward command \"status\":")

	<-done
	require.NoError(t, listener.Close())
}

func TestSendTimeoutScalesWithText(t *testing.T) {
	typing := config.Default().Typing
	short := sendTimeout(2, typing)
	long := sendTimeout(1000, typing)

	require.GreaterOrEqual(t, short, 2*time.Second)
	require.Greater(t, long, short)
	// 2ms press/release plus 3 retries of up to 20ms per rune.
	require.Equal(t, 2*time.Second+1000*64*time.Millisecond, long)
}

func TestPendingRunesComeFromServerStatus(t *testing.T) {
	h := newHarness(t, noSettle)
	var stdout, stderr bytes.Buffer
	runner := Runner{Stdout: &stdout, Stderr: &stderr}

	require.Zero(t, runner.pendingRunes(context.Background()))

	shutdown := startIPCServerForRunnerTest(t, filepath.Join(h.runtimeDir, "typist.sock"), func(context.Context, ipc.Request) ipc.Response {
		return ipc.Response{OK: true, State: "typing", Pending: 40}
	})
	defer shutdown()

	require.Equal(t, 40, runner.pendingRunes(context.Background()))
}

func TestForwardTimeoutSaysServerMayStillType(t *testing.T) {
	h := newHarness(t, noSettle)
	shutdown := startIPCServerForRunnerTest(t, filepath.Join(h.runtimeDir, "typist.sock"), func(ctx context.Context, _ ipc.Request) ipc.Response {
		select {
		case <-ctx.Done():
		case <-time.After(500 * time.Millisecond):
		}
		return ipc.Response{OK: true, Message: "typed"}
	})
	defer shutdown()

	var stdout, stderr bytes.Buffer
	runner := Runner{Stdout: &stdout, Stderr: &stderr}
	exitCode := runner.forwardOrFail(context.Background(), ipc.Request{Command: "type", Text: "abc"}, 50*time.Millisecond)
	require.Equal(t, 1, exitCode)
	require.Contains(t, stderr.String(), "may still type the text")
	require.Empty(t, stdout.String())
}

func startIPCServerForRunnerTest(t *testing.T, socketPath string, handler func(context.Context, ipc.Request) ipc.Response) func() {
	t.Helper()

	listener, err := net.Listen("unix", socketPath)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- ipc.Serve(ctx, listener, ipc.HandlerFunc(handler))
	}()

	return func() {
		cancel()
		require.NoError(t, <-done)
	}
}
