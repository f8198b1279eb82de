// Copyright 2020-2022 The OS-NVR Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package web serves the http api.
package web

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"shmrelay/pkg/log"
	"shmrelay/pkg/web/auth"
)

// Routes handlers behind the api.
type Routes struct {
	Status func() interface{}
	SDP    SDPFunc
	Logger *log.Logger

	// Optional.
	LogDB *log.DB
}

// NewMux returns the api routes, all behind authentication.
func NewMux(a *auth.Authenticator, routes Routes) *http.ServeMux {
	mux := http.NewServeMux()

	mux.Handle("/api/status", a.User(Status(routes.Status)))
	if routes.SDP != nil {
		mux.Handle("/api/stream/", a.User(StreamSDP(routes.SDP)))
	}
	mux.Handle("/api/log/feed", a.User(LogFeed(routes.Logger, a)))
	if routes.LogDB != nil {
		mux.Handle("/api/log/query", a.User(LogQuery(routes.LogDB)))
	}

	return mux
}

// Server http api server.
type Server struct {
	server   *http.Server
	listener net.Listener
	logger   *log.Logger
}

// NewServer listens on port, zero picks a free port.
func NewServer(port int, handler http.Handler, logger *log.Logger) (*Server, error) {
	listener, err := net.Listen("tcp", ":"+strconv.Itoa(port))
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	return &Server{
		server: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		listener: listener,
		logger:   logger,
	}, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Start serves until the context is canceled.
func (s *Server) Start(ctx context.Context, wg *sync.WaitGroup) {
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.logger.Info().Src("app").Msgf("serving api on %v", s.listener.Addr())
		err := s.server.Serve(s.listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Src("app").Msgf("api server: %v", err)
		}
	}()
	go func() {
		defer wg.Done()
		<-ctx.Done()

		ctx2, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctx2) //nolint:errcheck
	}()
}
