// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

package serve

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
	"nhooyr.io/websocket"

	"subtrace.dev/asock"
	"subtrace.dev/asock/eventloop"
	"subtrace.dev/asock/fd"
)

// worker is one consumer: an event loop receiving dispatched connections
// plus the echo handling. Connection I/O happens on plain goroutines; the
// loop only receives the hand-off.
type worker struct {
	index int
	loop  *eventloop.Loop
	ws    bool
}

func newWorker(index int, ws bool) (*worker, error) {
	loop, err := eventloop.New()
	if err != nil {
		return nil, fmt.Errorf("create worker loop %d: %w", index, err)
	}
	go loop.Run()
	return &worker{index: index, loop: loop, ws: ws}, nil
}

func (w *worker) stopLoop() {
	w.loop.Stop()
	w.loop.Wait()
}

func (w *worker) AcceptStarted() {
	slog.Debug("worker accepting", "worker", w.index)
}

func (w *worker) AcceptStopped() {
	slog.Debug("worker stopped", "worker", w.index)
}

func (w *worker) AcceptError(err error) {
	slog.Error("accept error", "worker", w.index, "err", err)
}

func (w *worker) ConnectionAccepted(conn *fd.FD, peer asock.Addr, info asock.AcceptInfo) {
	nc, err := fileConn(conn)
	if err != nil {
		slog.Error("failed to wrap accepted connection", "worker", w.index, "peer", peer, "err", err)
		return
	}
	slog.Debug("connection accepted", "worker", w.index, "peer", peer, "queued", time.Since(info.EnqueueTime))
	if w.ws {
		go wsEcho(nc)
	} else {
		go echo(nc)
	}
}

// echo copies every byte back to the peer until it hangs up.
func echo(nc net.Conn) {
	defer nc.Close()
	if _, err := io.Copy(nc, nc); err != nil {
		slog.Debug("echo copy ended", "peer", nc.RemoteAddr(), "err", err)
	}
}

// wsEcho upgrades the connection and echoes messages frame by frame. The
// connection is closed by the http server (pre-upgrade) or by CloseNow on
// the hijacked socket; closing it here would race the handler goroutine.
func wsEcho(nc net.Conn) {
	handler := http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(rw, r, nil)
		if err != nil {
			slog.Debug("websocket accept failed", "err", err)
			return
		}
		defer c.CloseNow()
		for {
			typ, b, err := c.Read(r.Context())
			if err != nil {
				return
			}
			if err := c.Write(r.Context(), typ, b); err != nil {
				return
			}
		}
	})
	if err := http.Serve(newOneShotListener(nc), handler); err != nil && err != errListenerDone {
		slog.Debug("websocket serve ended", "err", err)
	}
}

// oneShotListener feeds a single already-accepted connection to http.Serve.
type oneShotListener struct {
	mu   sync.Mutex
	conn net.Conn
}

var errListenerDone = fmt.Errorf("listener done")

func newOneShotListener(conn net.Conn) *oneShotListener {
	return &oneShotListener{conn: conn}
}

func (l *oneShotListener) Accept() (net.Conn, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil, errListenerDone
	}
	conn := l.conn
	l.conn = nil
	return conn, nil
}

func (l *oneShotListener) Close() error { return nil }

func (l *oneShotListener) Addr() net.Addr {
	return &net.TCPAddr{}
}

// fileConn converts an owned descriptor into a net.Conn. The original
// descriptor is closed either way; net.Conn owns a duplicate.
func fileConn(conn *fd.FD) (net.Conn, error) {
	defer conn.Close()
	if !conn.IncRef() {
		return nil, unix.EBADF
	}
	dup, err := unix.Dup(conn.Raw())
	conn.DecRef()
	if err != nil {
		return nil, fmt.Errorf("dup: %w", err)
	}

	f := os.NewFile(uintptr(dup), "conn")
	defer f.Close()
	nc, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("fileconn: %w", err)
	}
	return nc, nil
}
