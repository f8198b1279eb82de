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

// Package config loads the relay configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"shmrelay/pkg/demux"
	"shmrelay/pkg/frame"
	"shmrelay/pkg/index"
	"shmrelay/pkg/log"
	"shmrelay/pkg/outring"
	"shmrelay/pkg/sps"

	"gopkg.in/yaml.v3"
)

// Defaults.
const (
	DefaultBufferFile = "/dev/shm/fshare_frame_buf"
	DefaultRTSPPort   = 554
	DefaultRTPPort    = 8000
	DefaultLogDB      = "/tmp/shmrelay/logs.db"
)

// Resolutions.
const (
	ResolutionLow  = "low"
	ResolutionHigh = "high"
	ResolutionBoth = "both"
)

// Audio modes.
const (
	AudioNone = "none"
	AudioAAC  = "aac"
)

// Raw output targets, any other value is a fifo path.
const (
	RawNone   = ""
	RawStdout = "stdout"
)

// Debug flags.
const (
	DebugScanner = 1 << iota
	DebugRTSP
)

// Model hardware preset.
type Model struct {
	BufferSize   int
	BufferOffset int
	HeaderSize   int
	Protocol     demux.Protocol
}

// Models known camera models.
var Models = map[string]Model{
	"y20ga": yiModel,
	"y25ga": yiModel,
	"y30qa": yiModel,
}

var yiModel = Model{
	BufferSize:   1786156,
	BufferOffset: 300,
	HeaderSize:   frame.PaddedSize,
	Protocol:     demux.ProtocolNALScan,
}

// Errors.
var (
	ErrInvalidConfig   = errors.New("invalid config")
	ErrPathNotAbsolute = errors.New("path is not absolute")
)

// OutputSizes output ring capacities in bytes.
type OutputSizes struct {
	Low   int `yaml:"low"`
	High  int `yaml:"high"`
	Audio int `yaml:"audio"`
}

// RTSP server config.
type RTSP struct {
	Enable   *bool  `yaml:"enable"`
	Port     int    `yaml:"port"`
	RTPPort  *int   `yaml:"rtpPort"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`

	SampleRate   int `yaml:"sampleRate"`
	ChannelCount int `yaml:"channelCount"`
}

// Raw elementary stream output.
type Raw struct {
	Output string `yaml:"output"`
	Stream string `yaml:"stream"`
}

// HTTP api config.
type HTTP struct {
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// Config stores the relay configuration.
type Config struct {
	Model        string           `yaml:"model"`
	BufferFile   string           `yaml:"bufferFile"`
	BufferSize   int              `yaml:"bufferSize"`
	BufferOffset int              `yaml:"bufferOffset"`
	HeaderSize   int              `yaml:"headerSize"`
	Protocol     demux.Protocol   `yaml:"protocol"`
	Policy       demux.PolicyName `yaml:"policy"`

	Codec      string `yaml:"codec"`
	Resolution string `yaml:"resolution"`
	Audio      string `yaml:"audio"`

	SPSTimingInfo *bool `yaml:"spsTimingInfo"`
	SPSFPS        int   `yaml:"spsFPS"`

	OutputSizes OutputSizes `yaml:"outputSizes"`
	RTSP        RTSP        `yaml:"rtsp"`
	Raw         Raw         `yaml:"raw"`
	HTTP        HTTP        `yaml:"http"`

	Index      string `yaml:"index"`
	LogDB      string `yaml:"logDB"`
	LogMaxKeys int    `yaml:"logMaxKeys"`
	Debug      int    `yaml:"debug"`
}

// Load reads the config file at path, an empty path only applies the
// defaults and the environment.
func Load(path string) (*Config, error) {
	var configYAML []byte
	if path != "" {
		var err error
		configYAML, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return New(configYAML, os.LookupEnv)
}

// New parses the yaml, applies environment overrides then fills defaults.
func New(configYAML []byte, lookupEnv func(string) (string, bool)) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(configYAML, &c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := c.applyEnv(lookupEnv); err != nil {
		return nil, err
	}
	if err := c.applyModel(); err != nil {
		return nil, err
	}
	c.fillDefaults()

	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// applyEnv overrides the values that the RRTSP_* variables set.
func (c *Config) applyEnv(lookupEnv func(string) (string, bool)) error {
	if v, ok := lookupEnv("RRTSP_RES"); ok {
		c.Resolution = strings.ToLower(v)
	}
	if v, ok := lookupEnv("RRTSP_AUDIO"); ok {
		switch strings.ToLower(v) {
		case "no":
			c.Audio = AudioNone
		default:
			c.Audio = strings.ToLower(v)
		}
	}

	envInt := func(key string, lo, hi int) (int, bool, error) {
		v, ok := lookupEnv(key)
		if !ok {
			return 0, false, nil
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < lo || n > hi {
			return 0, false, fmt.Errorf("%w: %v: %q", ErrInvalidConfig, key, v)
		}
		return n, true, nil
	}

	port, ok, err := envInt("RRTSP_PORT", 0, 65535)
	if err != nil {
		return err
	}
	if ok {
		c.RTSP.Port = port
	}

	sti, ok, err := envInt("RRTSP_STI", 0, 1)
	if err != nil {
		return err
	}
	if ok {
		c.SPSTimingInfo = boolPtr(sti == 1)
	}

	debug, ok, err := envInt("RRTSP_DEBUG", 0, DebugScanner|DebugRTSP)
	if err != nil {
		return err
	}
	if ok {
		c.Debug = debug
	}

	if v, ok := lookupEnv("RRTSP_USER"); ok {
		c.RTSP.User = v
	}
	if v, ok := lookupEnv("RRTSP_PWD"); ok {
		c.RTSP.Password = v
	}
	return nil
}

// applyModel fills the buffer layout of a known model. Explicit
// values take precedence.
func (c *Config) applyModel() error {
	if c.Model == "" {
		return nil
	}
	m, exist := Models[strings.ToLower(c.Model)]
	if !exist {
		return fmt.Errorf("%w: unknown model: %q", ErrInvalidConfig, c.Model)
	}
	if c.BufferSize == 0 {
		c.BufferSize = m.BufferSize
	}
	if c.BufferOffset == 0 {
		c.BufferOffset = m.BufferOffset
	}
	if c.HeaderSize == 0 {
		c.HeaderSize = m.HeaderSize
	}
	if c.Protocol == "" {
		c.Protocol = m.Protocol
	}
	return nil
}

func (c *Config) fillDefaults() { //nolint:funlen
	if c.BufferFile == "" {
		c.BufferFile = DefaultBufferFile
	}
	if c.BufferOffset == 0 {
		c.BufferOffset = yiModel.BufferOffset
	}
	if c.HeaderSize == 0 {
		c.HeaderSize = frame.PaddedSize
	}
	if c.Protocol == "" {
		c.Protocol = demux.ProtocolNALScan
	}
	if c.Policy == "" {
		if c.Protocol == demux.ProtocolHeaderChain {
			c.Policy = demux.PolicyLoss
		} else {
			c.Policy = demux.PolicyWindow
		}
	}
	if c.Codec == "" {
		c.Codec = frame.CodecH264.String()
	}
	if c.Resolution == "" {
		c.Resolution = ResolutionHigh
	}
	if c.Audio == "" {
		c.Audio = AudioNone
	}
	if c.SPSTimingInfo == nil {
		// The rewriter only knows the H.264 parameter sets.
		c.SPSTimingInfo = boolPtr(c.Codec == frame.CodecH264.String())
	}
	if c.SPSFPS == 0 {
		c.SPSFPS = sps.DefaultFPS
	}

	if c.OutputSizes.Low == 0 {
		c.OutputSizes.Low = outring.DefaultSizeLow
	}
	if c.OutputSizes.High == 0 {
		c.OutputSizes.High = outring.DefaultSizeHigh
	}
	if c.OutputSizes.Audio == 0 {
		c.OutputSizes.Audio = outring.DefaultSizeAudio
	}

	if c.RTSP.Enable == nil {
		c.RTSP.Enable = boolPtr(c.Raw.Output == RawNone)
	}
	if c.RTSP.Port == 0 {
		c.RTSP.Port = DefaultRTSPPort
	}
	if c.RTSP.RTPPort == nil {
		port := DefaultRTPPort
		c.RTSP.RTPPort = &port
	}

	if c.Raw.Stream == "" {
		c.Raw.Stream = ResolutionHigh
	}
	if c.Index == "" {
		c.Index = index.DefaultPath
	}
	if c.LogDB == "" {
		c.LogDB = DefaultLogDB
	}
}

func (c *Config) validate() error { //nolint:funlen
	invalid := func(format string, v ...interface{}) error {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, fmt.Sprintf(format, v...))
	}

	if c.BufferSize < 0 {
		return invalid("bufferSize: %v", c.BufferSize)
	}
	if c.BufferOffset < 0 || (c.BufferSize != 0 && c.BufferOffset >= c.BufferSize) {
		return invalid("bufferOffset: %v", c.BufferOffset)
	}
	if c.HeaderSize < frame.CompactSize {
		return invalid("headerSize: %v", c.HeaderSize)
	}

	if !c.Protocol.Valid() {
		return invalid("protocol: %q", c.Protocol)
	}
	if !c.Policy.Valid() {
		return invalid("policy: %q", c.Policy)
	}

	codec, err := frame.ParseCodec(c.Codec)
	if err != nil {
		return invalid("codec: %v", err)
	}
	if codec == frame.CodecH265 && c.Protocol == demux.ProtocolNALScan {
		return invalid("codec %v requires the %v protocol", c.Codec, demux.ProtocolHeaderChain)
	}
	if codec != frame.CodecH264 && *c.SPSTimingInfo {
		return invalid("spsTimingInfo is only supported for h264")
	}

	switch c.Resolution {
	case ResolutionLow, ResolutionHigh, ResolutionBoth:
	default:
		return invalid("resolution: %q", c.Resolution)
	}
	switch c.Audio {
	case AudioNone, AudioAAC:
	default:
		return invalid("audio: %q", c.Audio)
	}
	if c.SPSFPS <= 0 {
		return invalid("spsFPS: %v", c.SPSFPS)
	}
	if c.Debug < 0 || c.Debug > DebugScanner|DebugRTSP {
		return invalid("debug: %v", c.Debug)
	}

	for name, size := range map[string]int{
		"low":   c.OutputSizes.Low,
		"high":  c.OutputSizes.High,
		"audio": c.OutputSizes.Audio,
	} {
		if size < 0 {
			return invalid("outputSizes.%v: %v", name, size)
		}
	}

	if c.RTSP.Port < 0 || c.RTSP.Port > 65535 {
		return invalid("rtsp.port: %v", c.RTSP.Port)
	}
	if *c.RTSP.RTPPort < 0 || *c.RTSP.RTPPort > 65534 || *c.RTSP.RTPPort%2 != 0 {
		return invalid("rtsp.rtpPort: %v", *c.RTSP.RTPPort)
	}
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return invalid("http.port: %v", c.HTTP.Port)
	}
	if c.LogMaxKeys < 0 {
		return invalid("logMaxKeys: %v", c.LogMaxKeys)
	}

	switch c.Raw.Stream {
	case ResolutionLow, ResolutionHigh:
	default:
		return invalid("raw.stream: %q", c.Raw.Stream)
	}
	if !c.videoEnabled(c.Raw.Stream) && c.Raw.Output != RawNone {
		return invalid("raw.stream %v is not captured", c.Raw.Stream)
	}

	if !filepath.IsAbs(c.BufferFile) {
		return fmt.Errorf("bufferFile '%v': %w", c.BufferFile, ErrPathNotAbsolute)
	}
	if c.Raw.Output != RawNone && c.Raw.Output != RawStdout && !filepath.IsAbs(c.Raw.Output) {
		return fmt.Errorf("raw.output '%v': %w", c.Raw.Output, ErrPathNotAbsolute)
	}
	if !filepath.IsAbs(c.Index) {
		return fmt.Errorf("index '%v': %w", c.Index, ErrPathNotAbsolute)
	}
	if !filepath.IsAbs(c.LogDB) {
		return fmt.Errorf("logDB '%v': %w", c.LogDB, ErrPathNotAbsolute)
	}
	return nil
}

func (c *Config) videoEnabled(resolution string) bool {
	return c.Resolution == ResolutionBoth || c.Resolution == resolution
}

// CodecValue returns the parsed codec.
func (c *Config) CodecValue() frame.Codec {
	codec, _ := frame.ParseCodec(c.Codec)
	return codec
}

// VideoStreams returns the captured video streams.
func (c *Config) VideoStreams() []frame.Stream {
	var streams []frame.Stream
	if c.videoEnabled(ResolutionHigh) {
		streams = append(streams, frame.StreamHigh)
	}
	if c.videoEnabled(ResolutionLow) {
		streams = append(streams, frame.StreamLow)
	}
	return streams
}

// AudioEnabled returns true if audio is captured.
func (c *Config) AudioEnabled() bool {
	return c.Audio != AudioNone
}

// RawStream returns the stream written to the raw output.
func (c *Config) RawStream() frame.Stream {
	if c.Raw.Stream == ResolutionLow {
		return frame.StreamLow
	}
	return frame.StreamHigh
}

// OutputSize returns the output ring capacity of the stream.
func (c *Config) OutputSize(stream frame.Stream) int {
	switch stream {
	case frame.StreamLow:
		return c.OutputSizes.Low
	case frame.StreamHigh:
		return c.OutputSizes.High
	}
	return c.OutputSizes.Audio
}

// RTSPEnabled returns true if the rtsp server should be started.
func (c *Config) RTSPEnabled() bool {
	return *c.RTSP.Enable
}

// TimingInfo returns true if the sps should be rewritten.
func (c *Config) TimingInfo() bool {
	return *c.SPSTimingInfo && c.CodecValue() == frame.CodecH264
}

// LogLevel returns the highest level that is logged.
func (c *Config) LogLevel() log.Level {
	if c.Debug != 0 {
		return log.LevelDebug
	}
	return log.LevelInfo
}

// DebugSource returns false for debug events of a source that the
// debug flags leave out.
func (c *Config) DebugSource(src string) bool {
	switch src {
	case "demux", "index":
		return c.Debug&DebugScanner != 0
	case "rtsp", "relay":
		return c.Debug&DebugRTSP != 0
	}
	return c.Debug != 0
}

func boolPtr(b bool) *bool {
	return &b
}
