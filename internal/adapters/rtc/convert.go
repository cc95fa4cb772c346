package rtc

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/sfugate/internal/domain"
	"github.com/dkeye/sfugate/internal/media"
)

func codecType(kind domain.MediaKind) webrtc.RTPCodecType {
	if kind == domain.KindAudio {
		return webrtc.RTPCodecTypeAudio
	}
	return webrtc.RTPCodecTypeVideo
}

// fmtpLine renders codec parameters as an SDP fmtp line with stable ordering.
func fmtpLine(params map[string]any) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, params[k]))
	}
	return strings.Join(parts, ";")
}

func rtcpFeedback(fb []media.RtcpFeedback) []webrtc.RTCPFeedback {
	out := make([]webrtc.RTCPFeedback, 0, len(fb))
	for _, f := range fb {
		out = append(out, webrtc.RTCPFeedback{Type: f.Type, Parameter: f.Parameter})
	}
	return out
}

func codecCapability(c media.RtpCodecParameters) webrtc.RTPCodecCapability {
	return webrtc.RTPCodecCapability{
		MimeType:     c.MimeType,
		ClockRate:    c.ClockRate,
		Channels:     c.Channels,
		SDPFmtpLine:  fmtpLine(c.Parameters),
		RTCPFeedback: rtcpFeedback(c.RtcpFeedback),
	}
}

// routerCapabilities assigns dynamic payload types to the declared codecs.
func routerCapabilities(codecs []media.RtpCodecCapability) media.RtpCapabilities {
	caps := media.RtpCapabilities{Codecs: make([]media.RtpCodecCapability, 0, len(codecs))}
	next := uint8(96)
	for _, c := range codecs {
		if c.PreferredPayloadType == 0 {
			c.PreferredPayloadType = next
			next++
		}
		caps.Codecs = append(caps.Codecs, c)
	}
	return caps
}

func newMediaEngine(caps media.RtpCapabilities) (*webrtc.MediaEngine, error) {
	me := &webrtc.MediaEngine{}
	for _, c := range caps.Codecs {
		params := webrtc.RTPCodecParameters{
			RTPCodecCapability: codecCapability(media.RtpCodecParameters{
				MimeType:     c.MimeType,
				ClockRate:    c.ClockRate,
				Channels:     c.Channels,
				Parameters:   c.Parameters,
				RtcpFeedback: c.RtcpFeedback,
			}),
			PayloadType: webrtc.PayloadType(c.PreferredPayloadType),
		}
		if err := me.RegisterCodec(params, codecType(c.Kind)); err != nil {
			return nil, fmt.Errorf("register codec %s: %w", c.MimeType, err)
		}
	}
	return me, nil
}

func iceCandidates(in []webrtc.ICECandidate) []media.IceCandidate {
	out := make([]media.IceCandidate, 0, len(in))
	for _, c := range in {
		out = append(out, media.IceCandidate{
			Foundation: c.Foundation,
			Priority:   c.Priority,
			Address:    c.Address,
			Protocol:   c.Protocol.String(),
			Port:       c.Port,
			Type:       c.Typ.String(),
			TcpType:    c.TCPType,
		})
	}
	return out
}

func iceParameters(p webrtc.ICEParameters) media.IceParameters {
	return media.IceParameters{UsernameFragment: p.UsernameFragment, Password: p.Password, IceLite: p.ICELite}
}

func dtlsRole(role string) webrtc.DTLSRole {
	switch role {
	case "client":
		return webrtc.DTLSRoleClient
	case "server":
		return webrtc.DTLSRoleServer
	default:
		return webrtc.DTLSRoleAuto
	}
}

func toMediaDtls(p webrtc.DTLSParameters) media.DtlsParameters {
	out := media.DtlsParameters{Role: p.Role.String()}
	for _, f := range p.Fingerprints {
		out.Fingerprints = append(out.Fingerprints, media.DtlsFingerprint{Algorithm: f.Algorithm, Value: f.Value})
	}
	return out
}

func toPionDtls(p media.DtlsParameters) webrtc.DTLSParameters {
	out := webrtc.DTLSParameters{Role: dtlsRole(p.Role)}
	for _, f := range p.Fingerprints {
		out.Fingerprints = append(out.Fingerprints, webrtc.DTLSFingerprint{Algorithm: f.Algorithm, Value: f.Value})
	}
	return out
}
