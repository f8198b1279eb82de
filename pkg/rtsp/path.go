// SPDX-License-Identifier: GPL-2.0-or-later

package rtsp

import (
	"crypto/rand"
	"fmt"
	"time"

	"shmrelay/pkg/frame"
	"shmrelay/pkg/relay"

	"github.com/bluenviron/gortsplib/v5"
	"github.com/bluenviron/gortsplib/v5/pkg/description"
	"github.com/bluenviron/gortsplib/v5/pkg/format"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/pion/rtp"
)

// Payload types.
const (
	videoPayloadType = 96
	audioPayloadType = 97
)

// Audio defaults.
const (
	DefaultSampleRate   = 16000
	DefaultChannelCount = 1
)

type encoder interface {
	Encode([][]byte) ([]*rtp.Packet, error)
}

// path is a stream with a video and or an audio media.
type path struct {
	stream *gortsplib.ServerStream
	start  time.Time

	video      *description.Media
	codec      frame.Codec
	videoEnc   encoder
	videoStart uint32

	// Parameter sets waiting for the next picture.
	params [][]byte

	audio      *description.Media
	audioEnc   encoder
	audioStart uint32
	sampleRate int

	now func() time.Time
}

func newPath(
	server *gortsplib.Server,
	config Config,
	start time.Time,
	video bool,
	audio bool,
) (*path, error) {
	p := &path{
		start: start,
		codec: config.Codec,
		now:   time.Now,
	}

	var medias []*description.Media
	if video {
		forma, enc, err := newVideoFormat(config.Codec)
		if err != nil {
			return nil, err
		}
		p.video = &description.Media{
			Type:    description.MediaTypeVideo,
			Formats: []format.Format{forma},
		}
		p.videoEnc = enc
		if p.videoStart, err = randUint32(); err != nil {
			return nil, err
		}
		medias = append(medias, p.video)
	}

	if audio {
		forma := newAudioFormat(config.SampleRate, config.ChannelCount)
		enc, err := forma.CreateEncoder()
		if err != nil {
			return nil, fmt.Errorf("audio encoder: %w", err)
		}
		p.audio = &description.Media{
			Type:    description.MediaTypeAudio,
			Formats: []format.Format{forma},
		}
		p.audioEnc = enc
		p.sampleRate = forma.Config.SampleRate
		if p.audioStart, err = randUint32(); err != nil {
			return nil, err
		}
		medias = append(medias, p.audio)
	}

	p.stream = &gortsplib.ServerStream{
		Server: server,
		Desc:   &description.Session{Medias: medias},
	}
	if err := p.stream.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize stream: %w", err)
	}
	return p, nil
}

func newVideoFormat(codec frame.Codec) (format.Format, encoder, error) {
	if codec == frame.CodecH265 {
		forma := &format.H265{PayloadTyp: videoPayloadType}
		enc, err := forma.CreateEncoder()
		if err != nil {
			return nil, nil, fmt.Errorf("video encoder: %w", err)
		}
		return forma, enc, nil
	}

	forma := &format.H264{
		PayloadTyp:        videoPayloadType,
		PacketizationMode: 1,
	}
	enc, err := forma.CreateEncoder()
	if err != nil {
		return nil, nil, fmt.Errorf("video encoder: %w", err)
	}
	return forma, enc, nil
}

func newAudioFormat(sampleRate, channelCount int) *format.MPEG4Audio {
	if sampleRate == 0 {
		sampleRate = DefaultSampleRate
	}
	if channelCount == 0 {
		channelCount = DefaultChannelCount
	}
	return &format.MPEG4Audio{
		PayloadTyp: audioPayloadType,
		Config: &mpeg4audio.Config{
			Type:         mpeg4audio.ObjectTypeAACLC,
			SampleRate:   sampleRate,
			ChannelCount: channelCount,
		},
		SizeLength:       13,
		IndexLength:      3,
		IndexDeltaLength: 3,
	}
}

func (p *path) close() {
	p.stream.Close()
}

// WriteFrame implements relay.Sink for video frames.
func (p *path) WriteFrame(f relay.Frame) error {
	return p.writeVideo(f.Payload)
}

// writeVideo groups parameter sets with the picture that follows them
// into a single access unit.
func (p *path) writeVideo(payload []byte) error {
	var nalus h264.AnnexB
	if err := nalus.Unmarshal(payload); err != nil {
		return fmt.Errorf("unmarshal annex-b: %w", err)
	}

	picture := false
	for _, nalu := range nalus {
		if len(nalu) == 0 {
			continue
		}
		kind := frame.NALKind(p.codec, nalu[0])
		if kind.IsParameterSet() {
			if kind == p.firstParam() {
				p.params = p.params[:0]
			}
			// The payload is reused once the frame has been written.
			p.params = append(p.params, clone(nalu))
			continue
		}
		picture = true
	}
	if !picture {
		p.updateParams()
		return nil
	}

	au := append(p.params, nalus...)
	p.params = nil

	pkts, err := p.videoEnc.Encode(au)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}

	now := p.now()
	ts := p.videoStart + uint32(multiplyAndDivide(
		int64(now.Sub(p.start)), int64(p.video.Formats[0].ClockRate()), int64(time.Second)))
	return p.write(p.video, pkts, ts, now)
}

func (p *path) firstParam() frame.Kind {
	if p.codec == frame.CodecH265 {
		return frame.KindVPS
	}
	return frame.KindSPS
}

// updateParams stores the parameter sets in the format so they are
// advertised to new readers.
func (p *path) updateParams() {
	var vps, sps, pps []byte
	for _, nalu := range p.params {
		switch frame.NALKind(p.codec, nalu[0]) {
		case frame.KindVPS:
			vps = nalu
		case frame.KindSPS:
			sps = nalu
		case frame.KindPPS:
			pps = nalu
		}
	}

	switch forma := p.video.Formats[0].(type) {
	case *format.H264:
		if sps != nil && pps != nil {
			forma.SafeSetParams(sps, pps)
		}
	case *format.H265:
		if vps != nil && sps != nil && pps != nil {
			forma.SafeSetParams(vps, sps, pps)
		}
	}
}

// writeAudio sends the access units of an ADTS frame.
func (p *path) writeAudio(payload []byte) error {
	var pkts mpeg4audio.ADTSPackets
	if err := pkts.Unmarshal(payload); err != nil {
		return fmt.Errorf("unmarshal adts: %w", err)
	}

	aus := make([][]byte, 0, len(pkts))
	for _, pkt := range pkts {
		aus = append(aus, pkt.AU)
	}

	rtpPkts, err := p.audioEnc.Encode(aus)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}

	now := p.now()
	ts := p.audioStart + uint32(multiplyAndDivide(
		int64(now.Sub(p.start)), int64(p.sampleRate), int64(time.Second)))
	return p.write(p.audio, rtpPkts, ts, now)
}

func (p *path) write(medi *description.Media, pkts []*rtp.Packet, ts uint32, ntp time.Time) error {
	for _, pkt := range pkts {
		pkt.Timestamp += ts
		if err := p.stream.WritePacketRTPWithNTP(medi, pkt, ntp); err != nil {
			return err
		}
	}
	return nil
}

func clone(b []byte) []byte {
	return append([]byte(nil), b...)
}

func multiplyAndDivide(v, m, d int64) int64 {
	secs := v / d
	dec := v % d
	return secs*m + dec*m/d
}

func randUint32() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]), nil
}
