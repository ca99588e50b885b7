// Copyright (C) The Cumulus Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package httpserver provides the restartable HTTP server and JSON
// error helpers shared by the driver and worker services.
package httpserver

import (
	"net"
	"net/http"
	"sync"
)

// Server wraps http.Server so callers can bring the listener up and
// down without exiting the process. Binding happens in Start, so a
// signal handler can Close and the main goroutine can collect the
// outcome from Wait.
type Server struct {
	http.Server

	// Addr is the host:port to listen on. Start rewrites it to the
	// bound address, so listening on ":0" works in test suites.
	Addr string

	err      error
	cond     *sync.Cond
	running  bool
	listener net.Listener
	wantDown bool
}

// Start binds the listener and serves requests in the background. It
// returns as soon as the listener is bound; use Wait to block until
// the server stops.
func (srv *Server) Start() error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return err
	}
	srv.listener = ln
	srv.Addr = ln.Addr().String()

	mutex := &sync.RWMutex{}
	srv.cond = sync.NewCond(mutex.RLocker())
	srv.running = true
	go func() {
		err := srv.Serve(ln)
		if !srv.wantDown {
			srv.err = err
		}
		mutex.Lock()
		srv.running = false
		srv.cond.Broadcast()
		mutex.Unlock()
	}()
	return nil
}

// Close stops the server and returns when it has stopped.
func (srv *Server) Close() error {
	srv.wantDown = true
	srv.listener.Close()
	return srv.Wait()
}

// Wait returns when the server has stopped: nil after Close, the
// serve error otherwise.
func (srv *Server) Wait() error {
	if srv.cond == nil {
		return nil
	}
	srv.cond.L.Lock()
	defer srv.cond.L.Unlock()
	for srv.running {
		srv.cond.Wait()
	}
	return srv.err
}
