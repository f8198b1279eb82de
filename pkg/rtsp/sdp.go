// SPDX-License-Identifier: GPL-2.0-or-later

package rtsp

import (
	"fmt"
	"strconv"

	psdp "github.com/pion/sdp/v3"
)

// SDP returns the session description of a path as advertised to
// RTSP readers, with the connection address set to host.
func (s *Server) SDP(name, host string) ([]byte, error) {
	p, err := s.findPath(name)
	if err != nil {
		return nil, err
	}
	if host == "" {
		host = "0.0.0.0"
	}

	sd := &psdp.SessionDescription{
		Origin: psdp.Origin{
			Username:       "-",
			SessionID:      uint64(s.start.Unix()),
			SessionVersion: 1,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: host,
		},
		SessionName: psdp.SessionName(name),
		ConnectionInformation: &psdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &psdp.Address{Address: host},
		},
		TimeDescriptions: []psdp.TimeDescription{
			{Timing: psdp.Timing{StartTime: 0, StopTime: 0}},
		},
		Attributes: []psdp.Attribute{
			{Key: "control", Value: "rtsp://" + host + ":" + strconv.Itoa(s.config.Port) + "/" + name},
		},
	}

	for i, medi := range p.stream.Desc.Medias {
		md, err := medi.Marshal()
		if err != nil {
			return nil, fmt.Errorf("marshal media: %w", err)
		}
		md.MediaName.Port = psdp.RangedPort{Value: 0}
		md.Attributes = append(md.Attributes, psdp.Attribute{
			Key:   "mid",
			Value: strconv.Itoa(i),
		})
		sd.MediaDescriptions = append(sd.MediaDescriptions, md)
	}

	buf, err := sd.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal sdp: %w", err)
	}
	return buf, nil
}
