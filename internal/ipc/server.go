package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// Handler processes one IPC command request.
type Handler interface {
	Handle(context.Context, Request) Response
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(context.Context, Request) Response

func (f HandlerFunc) Handle(ctx context.Context, req Request) Response {
	return f(ctx, req)
}

// requestReadTimeout bounds how long a client may hold a connection open
// before sending its request line.
const requestReadTimeout = 5 * time.Second

// Serve accepts unix-socket clients until context cancellation or listener
// close. Cancellation also closes every open client connection, so an idle
// client cannot hold up shutdown.
func Serve(ctx context.Context, listener net.Listener, handler Handler) error {
	var wg sync.WaitGroup
	conns := newConnSet()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
		}
		_ = listener.Close()
		conns.closeAll()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				conns.closeAll()
				wg.Wait()
				return nil
			}
			return fmt.Errorf("accept IPC connection: %w", err)
		}
		if !conns.add(conn) {
			_ = conn.Close()
			continue
		}

		wg.Add(1)
		go func(c net.Conn) {
			defer wg.Done()
			defer conns.remove(c)
			serveConn(ctx, c, handler)
		}(conn)
	}
}

func serveConn(ctx context.Context, c net.Conn, handler Handler) {
	_ = c.SetReadDeadline(time.Now().Add(requestReadTimeout))
	reader := bufio.NewReader(c)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		_ = json.NewEncoder(c).Encode(Response{OK: false, Error: fmt.Sprintf("read request: %v", err)})
		return
	}

	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		_ = json.NewEncoder(c).Encode(Response{OK: false, Error: fmt.Sprintf("decode request: %v", err)})
		return
	}

	resp := handler.Handle(ctx, req)
	_ = json.NewEncoder(c).Encode(resp)
}

// connSet tracks live client connections. Once closed it refuses new ones.
type connSet struct {
	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
}

func newConnSet() *connSet {
	return &connSet{conns: make(map[net.Conn]struct{})}
}

func (s *connSet) add(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *connSet) remove(c net.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	_ = c.Close()
}

func (s *connSet) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for c := range s.conns {
		_ = c.Close()
	}
}
