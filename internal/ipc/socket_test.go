package ipc

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAcquireRecoversStaleSocket(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	socketPath := filepath.Join(dir, "typist.sock")
	require.NoError(t, os.WriteFile(socketPath, []byte("stale"), 0o600))

	cleanups := 0
	listener, err := Acquire(context.Background(), socketPath, 50*time.Millisecond, 2, func(context.Context) error {
		cleanups++
		return nil
	})
	require.NoError(t, err)
	defer listener.Close()

	require.Equal(t, 1, cleanups)
	info, err := os.Stat(socketPath)
	require.NoError(t, err)
	require.Equal(t, os.ModeSocket, info.Mode()&os.ModeSocket)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestAcquireReturnsAlreadyRunningWhenSocketResponsive(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	socketPath := filepath.Join(dir, "typist.sock")
	listener, err := net.Listen("unix", socketPath)
	require.NoError(t, err)
	defer listener.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- Serve(ctx, listener, HandlerFunc(func(_ context.Context, _ Request) Response {
			return Response{OK: true, State: "idle"}
		}))
	}()

	_, err = Acquire(context.Background(), socketPath, 80*time.Millisecond, 1, nil)
	require.ErrorIs(t, err, ErrAlreadyRunning)

	cancel()
	require.NoError(t, <-serverDone)
}

func TestAcquireDoesNotUnlinkWhenProbeInconclusive(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	socketPath := filepath.Join(dir, "typist.sock")

	listener, err := net.Listen("unix", socketPath)
	require.NoError(t, err)

	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		for {
			conn, acceptErr := listener.Accept()
			if acceptErr != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				time.Sleep(250 * time.Millisecond)
			}(conn)
		}
	}()

	_, err = Acquire(context.Background(), socketPath, 30*time.Millisecond, 0, nil)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrAlreadyRunning)
	require.Contains(t, err.Error(), "probe existing socket")

	_, statErr := os.Stat(socketPath)
	require.NoError(t, statErr)
	require.NoError(t, listener.Close())
	<-acceptDone
}

func TestRuntimeSocketPathRequiresXDG(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", "")
	_, err := RuntimeSocketPath()
	require.Error(t, err)
}

func TestRuntimeSocketPathUsesXDG(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_RUNTIME_DIR", dir)

	path, err := RuntimeSocketPath()
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "typist.sock"), path)
}
