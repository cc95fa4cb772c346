package media

import "github.com/dkeye/sfugate/internal/domain"

// The JSON shapes follow the mediasoup client protocol so that existing
// mediasoup-client based frontends can talk to the gateway unchanged.

type RtcpFeedback struct {
	Type      string `json:"type"`
	Parameter string `json:"parameter,omitempty"`
}

type RtpCodecCapability struct {
	Kind                 domain.MediaKind `json:"kind"`
	MimeType             string           `json:"mimeType"`
	PreferredPayloadType uint8            `json:"preferredPayloadType,omitempty"`
	ClockRate            uint32           `json:"clockRate"`
	Channels             uint16           `json:"channels,omitempty"`
	Parameters           map[string]any   `json:"parameters,omitempty"`
	RtcpFeedback         []RtcpFeedback   `json:"rtcpFeedback,omitempty"`
}

type RtpHeaderExtension struct {
	Kind        domain.MediaKind `json:"kind"`
	URI         string           `json:"uri"`
	PreferredID int              `json:"preferredId"`
	Direction   string           `json:"direction,omitempty"`
}

// RtpCapabilities describes what a router can route or what a consuming
// endpoint can decode.
type RtpCapabilities struct {
	Codecs           []RtpCodecCapability `json:"codecs,omitempty"`
	HeaderExtensions []RtpHeaderExtension `json:"headerExtensions,omitempty"`
}

type RtpCodecParameters struct {
	MimeType     string         `json:"mimeType"`
	PayloadType  uint8          `json:"payloadType"`
	ClockRate    uint32         `json:"clockRate"`
	Channels     uint16         `json:"channels,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	RtcpFeedback []RtcpFeedback `json:"rtcpFeedback,omitempty"`
}

type RtpEncodingParameters struct {
	Ssrc uint32 `json:"ssrc,omitempty"`
	Rid  string `json:"rid,omitempty"`
}

type RtcpParameters struct {
	Cname       string `json:"cname,omitempty"`
	ReducedSize bool   `json:"reducedSize,omitempty"`
}

type RtpHeaderExtensionParameters struct {
	URI string `json:"uri"`
	ID  int    `json:"id"`
}

type RtpParameters struct {
	Mid              string                         `json:"mid,omitempty"`
	Codecs           []RtpCodecParameters           `json:"codecs"`
	HeaderExtensions []RtpHeaderExtensionParameters `json:"headerExtensions,omitempty"`
	Encodings        []RtpEncodingParameters        `json:"encodings,omitempty"`
	Rtcp             RtcpParameters                 `json:"rtcp,omitempty"`
}

type IceParameters struct {
	UsernameFragment string `json:"usernameFragment"`
	Password         string `json:"password"`
	IceLite          bool   `json:"iceLite,omitempty"`
}

type IceCandidate struct {
	Foundation string `json:"foundation"`
	Priority   uint32 `json:"priority"`
	Address    string `json:"address"`
	Protocol   string `json:"protocol"`
	Port       uint16 `json:"port"`
	Type       string `json:"type"`
	TcpType    string `json:"tcpType,omitempty"`
}

type DtlsFingerprint struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

type DtlsParameters struct {
	Role         string            `json:"role,omitempty"`
	Fingerprints []DtlsFingerprint `json:"fingerprints"`
}

// ListenInfo configures where a transport listens and what it announces.
type ListenInfo struct {
	IP               string
	AnnouncedAddress string
	EnableUDP        bool
	EnableTCP        bool
}

type TransportState string

const (
	TransportNew       TransportState = "new"
	TransportConnected TransportState = "connected"
	TransportFailed    TransportState = "failed"
	TransportClosed    TransportState = "closed"
)
