package media

import (
	"strings"

	"github.com/dkeye/sfugate/internal/domain"
)

const (
	MimeTypeVP8  = "video/VP8"
	MimeTypeH264 = "video/H264"
	MimeTypeVP9  = "video/VP9"
)

// RoomCodecs is the codec set every room router declares.
func RoomCodecs() []RtpCodecCapability {
	return []RtpCodecCapability{
		{Kind: domain.KindVideo, MimeType: MimeTypeVP8, ClockRate: 90000},
		{Kind: domain.KindVideo, MimeType: MimeTypeH264, ClockRate: 90000},
		{Kind: domain.KindVideo, MimeType: MimeTypeVP9, ClockRate: 90000},
	}
}

// SupportsCodec reports whether caps lists a codec with the same mime type
// and clock rate.
func SupportsCodec(caps RtpCapabilities, codec RtpCodecParameters) bool {
	for _, c := range caps.Codecs {
		if strings.EqualFold(c.MimeType, codec.MimeType) && c.ClockRate == codec.ClockRate {
			return true
		}
	}
	return false
}

// MatchCodec returns the first codec of params that caps can decode.
func MatchCodec(caps RtpCapabilities, params RtpParameters) (RtpCodecParameters, bool) {
	for _, codec := range params.Codecs {
		if SupportsCodec(caps, codec) {
			return codec, true
		}
	}
	return RtpCodecParameters{}, false
}
