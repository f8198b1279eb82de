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

// Package shmrelay wires the frame buffer parser to the relay outputs.
package shmrelay

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"shmrelay/pkg/config"
	"shmrelay/pkg/demux"
	"shmrelay/pkg/frame"
	"shmrelay/pkg/index"
	"shmrelay/pkg/log"
	"shmrelay/pkg/outring"
	"shmrelay/pkg/relay"
	"shmrelay/pkg/ring"
	"shmrelay/pkg/rtsp"
	"shmrelay/pkg/sps"
	"shmrelay/pkg/status"
	"shmrelay/pkg/web"
	"shmrelay/pkg/web/auth"
)

// Exit codes per failed startup step.
const (
	ExitOpen   = 2
	ExitMap    = 3
	ExitOutput = 4
	ExitFIFO   = 5
	ExitRTSP   = 6
	ExitConfig = 7
	ExitHTTP   = 8
)

// ExitError is returned when the process should exit with Code.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

func exitErr(code int, err error) error {
	return &ExitError{Code: code, Err: err}
}

// Run .
func Run() error {
	configFlag := flag.String("config", "", "path to config.yaml")
	hashFlag := flag.String("hash-password", "", "print the http.password hash of a password and exit")
	flag.Parse()

	if *hashFlag != "" {
		hash, err := auth.HashPassword(*hashFlag)
		if err != nil {
			return err
		}
		fmt.Println(hash)
		return nil
	}

	configPath := *configFlag
	if configPath != "" {
		var err error
		configPath, err = filepath.Abs(configPath)
		if err != nil {
			return exitErr(ExitConfig, fmt.Errorf("could not get absolute path of config: %w", err))
		}
	}

	c, err := config.Load(configPath)
	if err != nil {
		return exitErr(ExitConfig, err)
	}

	wg := &sync.WaitGroup{}
	app := newApp(c, wg, logWriter(c))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fatal := make(chan error, 1)
	go func() { fatal <- app.run(ctx) }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err = <-fatal:
		if err != nil {
			app.Logger.Error().Src("app").Msgf("fatal error: %v", err)
		}
	case signal := <-stop:
		app.Logger.Info().Src("app").Msgf("received %v, stopping", signal)
	}

	cancel()
	wg.Wait()
	app.close()

	return err
}

// Log output, stderr when stdout carries the video stream.
func logWriter(c *config.Config) io.Writer {
	if c.Raw.Output == config.RawStdout {
		return os.Stderr
	}
	return os.Stdout
}

// App is the main application struct.
type App struct {
	Config *config.Config
	WG     *sync.WaitGroup
	Logger *log.Logger
	logDB  *log.DB
	logOut io.Writer

	logDBReady bool

	mapping *ring.Mapping
	outputs demux.Outputs
	locator *index.Locator
	demuxer *demux.Demuxer
	relays  []*relay.Relay

	rawOut    io.Writer
	fifo      *os.File
	rtsp      *rtsp.Server
	webServer *web.Server
	system    *status.System
}

func newApp(c *config.Config, wg *sync.WaitGroup, logOut io.Writer) *App {
	logger := log.NewLogger(wg, c.LogLevel())
	logger.SetDebugFilter(c.DebugSource)

	return &App{
		Config: c,
		WG:     wg,
		Logger: logger,
		logDB:  log.NewDB(c.LogDB, c.LogMaxKeys, wg),
		logOut: logOut,
		rawOut: os.Stdout,
		system: status.NewSystem(10*time.Second, logger),
	}
}

func (app *App) run(ctx context.Context) error {
	app.Logger.Start(ctx)
	go app.Logger.LogToWriter(ctx, app.logOut)

	if err := app.logDB.Init(ctx); err != nil {
		// Continue even if log database is corrupt.
		time.Sleep(10 * time.Millisecond)
		app.Logger.Error().Src("app").Msgf("could not initialize log database: %v", err)
	} else {
		app.logDBReady = true
		go app.logDB.SaveLogs(ctx, app.Logger)
		time.Sleep(10 * time.Millisecond)
	}

	app.Logger.Info().Src("app").Msg("starting..")

	if err := app.setup(); err != nil {
		return err
	}
	app.start(ctx)

	if app.rtsp == nil {
		<-ctx.Done()
		return nil
	}
	if err := app.rtsp.Run(ctx); err != nil {
		return exitErr(ExitRTSP, fmt.Errorf("rtsp server: %w", err))
	}
	return nil
}

// setup acquires the resources in order, the first failure is returned
// with the exit code of its step.
func (app *App) setup() error { //nolint:funlen
	c := app.Config

	mapping, err := ring.Open(c.BufferFile, c.BufferSize, c.BufferOffset)
	switch {
	case errors.Is(err, ring.ErrOpen):
		return exitErr(ExitOpen, err)
	case err != nil:
		return exitErr(ExitMap, err)
	}
	app.mapping = mapping
	app.Logger.Info().Src("app").Msgf("mapped %v, size %d, offset %d",
		c.BufferFile, mapping.Size, mapping.Offset)

	outputs, err := newOutputs(c, relayedStreams(c))
	if err != nil {
		return exitErr(ExitOutput, err)
	}
	app.outputs = outputs

	scanner, err := demux.NewScanner(c.Protocol, mapping.Ring, c.HeaderSize, c.CodecValue(), app.Logger)
	if err != nil {
		return exitErr(ExitConfig, err)
	}
	var rewriter *sps.Rewriter
	if c.TimingInfo() {
		rewriter, err = sps.NewRewriter(c.SPSFPS)
		if err != nil {
			return exitErr(ExitConfig, err)
		}
	}
	app.locator = index.NewLocator(c.Index, c.CodecValue(), app.Logger)
	emitter := demux.NewEmitter(mapping.Ring, outputs, c.CodecValue(), rewriter)
	app.demuxer, err = demux.NewDemuxer(scanner, c.Policy, emitter, app.Logger, app.locator)
	if err != nil {
		return exitErr(ExitConfig, err)
	}

	var raw relay.Sink
	switch c.Raw.Output {
	case config.RawNone:
	case config.RawStdout:
		raw = relay.NewRawWriter(app.rawOut)
	default:
		fifo, err := relay.OpenFIFO(c.Raw.Output)
		if err != nil {
			return exitErr(ExitFIFO, err)
		}
		app.fifo = fifo
		raw = relay.NewRawWriter(fifo)
	}

	if c.RTSPEnabled() {
		app.rtsp = rtsp.NewServer(rtsp.Config{
			Port:         c.RTSP.Port,
			RTPPort:      *c.RTSP.RTPPort,
			User:         c.RTSP.User,
			Password:     c.RTSP.Password,
			Codec:        c.CodecValue(),
			Video:        c.VideoStreams(),
			Audio:        c.AudioEnabled(),
			SampleRate:   c.RTSP.SampleRate,
			ChannelCount: c.RTSP.ChannelCount,
		}, app.Logger)
		if err := app.rtsp.Start(); err != nil {
			return exitErr(ExitRTSP, err)
		}
	}

	for _, stream := range frame.Streams {
		if outputs[stream] == nil {
			continue
		}
		var sinks []relay.Sink
		if app.rtsp != nil {
			sinks = append(sinks, app.rtsp.Sink(stream))
		}
		if raw != nil && stream == c.RawStream() {
			sinks = append(sinks, raw)
		}
		app.relays = append(app.relays, relay.New(stream, outputs[stream], app.Logger, sinks...))
	}

	if c.HTTP.Port != 0 {
		if err := app.setupWeb(); err != nil {
			if app.rtsp != nil {
				app.rtsp.Close()
			}
			return exitErr(ExitHTTP, err)
		}
	}
	return nil
}

func (app *App) setupWeb() error {
	c := app.Config
	a := auth.NewAuthenticator(c.HTTP.User, c.HTTP.Password, app.Logger)

	routes := web.Routes{
		Status: func() interface{} { return app.Status() },
		Logger: app.Logger,
	}
	if app.rtsp != nil {
		routes.SDP = app.rtsp.SDP
	}
	if app.logDBReady {
		routes.LogDB = app.logDB
	}

	server, err := web.NewServer(c.HTTP.Port, web.NewMux(a, routes), app.Logger)
	if err != nil {
		return err
	}
	app.webServer = server
	return nil
}

func (app *App) start(ctx context.Context) {
	app.WG.Add(2)
	go func() {
		defer app.WG.Done()
		app.locator.Run(ctx)
	}()
	go func() {
		defer app.WG.Done()
		app.demuxer.Run(ctx)
	}()

	for _, r := range app.relays {
		r.Start(ctx, app.WG)
	}

	if app.webServer != nil {
		go app.system.StatusLoop(ctx)
		app.webServer.Start(ctx, app.WG)
	}
}

func (app *App) close() {
	if app.fifo != nil {
		app.fifo.Close()
	}
	if app.mapping != nil {
		app.mapping.Close()
	}
}

// relayedStreams returns the streams that have at least one consumer.
func relayedStreams(c *config.Config) []frame.Stream {
	var streams []frame.Stream
	if c.RTSPEnabled() {
		streams = append(streams, c.VideoStreams()...)
		if c.AudioEnabled() {
			streams = append(streams, frame.StreamAudio)
		}
		return streams
	}
	if c.Raw.Output != config.RawNone {
		streams = append(streams, c.RawStream())
	}
	return streams
}

func newOutputs(c *config.Config, streams []frame.Stream) (demux.Outputs, error) {
	var outputs demux.Outputs
	for _, stream := range streams {
		size := c.OutputSize(stream)
		if size <= 0 {
			return demux.Outputs{}, fmt.Errorf("invalid %v output size: %d", stream, size)
		}
		outputs[stream] = outring.New(size)
	}
	return outputs, nil
}

// Status of the relay.
type Status struct {
	Demux   demux.Stats              `json:"demux"`
	Outputs map[string]outring.Stats `json:"outputs"`
	System  status.Status            `json:"system"`
	Paths   []string                 `json:"paths,omitempty"`
}

// Status returns the current counters.
func (app *App) Status() Status {
	s := Status{
		Demux:   app.demuxer.Stats(),
		Outputs: make(map[string]outring.Stats),
		System:  app.system.Status(),
	}
	for stream, out := range app.outputs {
		if out != nil {
			s.Outputs[frame.Stream(stream).String()] = out.Stats()
		}
	}
	if app.rtsp != nil {
		s.Paths = app.rtsp.Paths()
	}
	return s
}
