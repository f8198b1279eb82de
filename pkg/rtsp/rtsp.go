// SPDX-License-Identifier: GPL-2.0-or-later

// Package rtsp serves the relayed streams over RTSP.
package rtsp

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"shmrelay/pkg/frame"
	"shmrelay/pkg/log"
	"shmrelay/pkg/relay"

	"github.com/bluenviron/gortsplib/v5"
	"github.com/bluenviron/gortsplib/v5/pkg/base"
	"github.com/bluenviron/gortsplib/v5/pkg/liberrors"
)

// Paths.
const (
	PathHigh  = "ch0_0.h264"
	PathLow   = "ch0_1.h264"
	PathAudio = "ch0_2.h264"
)

// StreamPath returns the path that carries the stream.
func StreamPath(stream frame.Stream) string {
	switch stream {
	case frame.StreamHigh:
		return PathHigh
	case frame.StreamLow:
		return PathLow
	}
	return PathAudio
}

// ErrPathNotFound unknown path.
var ErrPathNotFound = errors.New("path not found")

// Config server config.
type Config struct {
	Port int

	// UDP transport uses RTPPort and RTPPort+1, zero disables it.
	RTPPort int

	User     string
	Password string

	Codec frame.Codec

	// Video streams to serve.
	Video []frame.Stream

	// Attach audio to the video paths and serve the audio path.
	Audio        bool
	SampleRate   int
	ChannelCount int
}

// Server RTSP server.
type Server struct {
	config Config
	server *gortsplib.Server
	paths  map[string]*path
	mu     sync.RWMutex

	// Clock shared by all paths.
	start time.Time

	logger *log.Logger
}

// NewServer returns a server, call Start to listen.
func NewServer(config Config, logger *log.Logger) *Server {
	s := &Server{
		config: config,
		paths:  make(map[string]*path),
		start:  time.Now(),
		logger: logger,
	}
	s.server = &gortsplib.Server{
		Handler:     s,
		RTSPAddress: ":" + strconv.Itoa(config.Port),
	}
	if config.RTPPort != 0 {
		s.server.UDPRTPAddress = ":" + strconv.Itoa(config.RTPPort)
		s.server.UDPRTCPAddress = ":" + strconv.Itoa(config.RTPPort+1)
	}
	return s
}

// Start listens and creates the streams.
func (s *Server) Start() error {
	// Requests wait until the streams are ready.
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.server.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}

	for _, stream := range s.config.Video {
		p, err := newPath(s.server, s.config, s.start, true, s.config.Audio)
		if err != nil {
			s.close()
			return fmt.Errorf("%v: %w", StreamPath(stream), err)
		}
		s.paths[StreamPath(stream)] = p
	}
	if s.config.Audio {
		p, err := newPath(s.server, s.config, s.start, false, true)
		if err != nil {
			s.close()
			return fmt.Errorf("%v: %w", PathAudio, err)
		}
		s.paths[PathAudio] = p
	}

	s.logger.Info().Src("rtsp").Msgf("server listening on %v", s.server.RTSPAddress)
	return nil
}

// Run waits for a fatal error or the context to be canceled.
func (s *Server) Run(ctx context.Context) error {
	errs := make(chan error, 1)
	go func() {
		errs <- s.server.Wait()
	}()

	select {
	case err := <-errs:
		s.Close()
		return err
	case <-ctx.Done():
		s.Close()
		<-errs
		return nil
	}
}

// Close streams and server.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.close()
}

func (s *Server) close() {
	for name, p := range s.paths {
		p.close()
		delete(s.paths, name)
	}
	s.server.Close()
}

// Paths returns the served path names.
func (s *Server) Paths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var paths []string
	for name := range s.paths {
		paths = append(paths, name)
	}
	slices.Sort(paths)
	return paths
}

// Sink returns the sink that feeds the paths of the stream. Audio
// is fanned out to every path that carries it.
func (s *Server) Sink(stream frame.Stream) relay.Sink {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if stream.IsVideo() {
		p, exist := s.paths[StreamPath(stream)]
		if !exist {
			return nil
		}
		return p
	}
	var sink audioSink
	for _, p := range s.paths {
		if p.audio != nil {
			sink = append(sink, p)
		}
	}
	return sink
}

type audioSink []*path

func (s audioSink) WriteFrame(f relay.Frame) error {
	var errs []error
	for _, p := range s {
		errs = append(errs, p.writeAudio(f.Payload))
	}
	return errors.Join(errs...)
}

func (s *Server) findPath(name string) (*path, error) {
	name = strings.Trim(name, "/")
	s.mu.RLock()
	p, exist := s.paths[name]
	s.mu.RUnlock()
	if !exist {
		return nil, fmt.Errorf("%w: %q", ErrPathNotFound, name)
	}
	return p, nil
}

// authenticate returns a response and error when the credentials are wrong.
func (s *Server) authenticate(conn *gortsplib.ServerConn, req *base.Request) (*base.Response, error) {
	if s.config.User == "" || s.config.Password == "" {
		return nil, nil
	}
	if conn.VerifyCredentials(req, s.config.User, s.config.Password) {
		return nil, nil
	}
	return &base.Response{StatusCode: base.StatusUnauthorized}, liberrors.ErrServerAuth{}
}

// OnConnOpen implements gortsplib.ServerHandlerOnConnOpen.
func (s *Server) OnConnOpen(ctx *gortsplib.ServerHandlerOnConnOpenCtx) {
	s.logger.Debug().Src("rtsp").Msgf("conn opened: %v", ctx.Conn.NetConn().RemoteAddr())
}

// OnConnClose implements gortsplib.ServerHandlerOnConnClose.
func (s *Server) OnConnClose(ctx *gortsplib.ServerHandlerOnConnCloseCtx) {
	s.logger.Debug().Src("rtsp").Msgf("conn closed: %v", ctx.Error)
}

// OnDescribe implements gortsplib.ServerHandlerOnDescribe.
func (s *Server) OnDescribe(
	ctx *gortsplib.ServerHandlerOnDescribeCtx,
) (*base.Response, *gortsplib.ServerStream, error) {
	if res, err := s.authenticate(ctx.Conn, ctx.Request); err != nil {
		return res, nil, err
	}
	p, err := s.findPath(ctx.Path)
	if err != nil {
		return &base.Response{StatusCode: base.StatusNotFound}, nil, err
	}
	return &base.Response{StatusCode: base.StatusOK}, p.stream, nil
}

// OnSetup implements gortsplib.ServerHandlerOnSetup.
func (s *Server) OnSetup(
	ctx *gortsplib.ServerHandlerOnSetupCtx,
) (*base.Response, *gortsplib.ServerStream, error) {
	if res, err := s.authenticate(ctx.Conn, ctx.Request); err != nil {
		return res, nil, err
	}
	p, err := s.findPath(ctx.Path)
	if err != nil {
		return &base.Response{StatusCode: base.StatusNotFound}, nil, err
	}
	return &base.Response{StatusCode: base.StatusOK}, p.stream, nil
}

// OnPlay implements gortsplib.ServerHandlerOnPlay.
func (s *Server) OnPlay(ctx *gortsplib.ServerHandlerOnPlayCtx) (*base.Response, error) {
	s.logger.Info().Src("rtsp").Msgf("session started: %v", strings.Trim(ctx.Path, "/"))
	return &base.Response{StatusCode: base.StatusOK}, nil
}
