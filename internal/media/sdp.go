// Package media holds the session description and DTMF helpers the
// signaling user agent needs. There is no media plane: descriptions carry
// the advertised address and port, and audio is handled elsewhere.
package media

import (
	"errors"
	"fmt"
	"net"
	"slices"
	"strconv"
	"strings"
)

// Media directions per RFC 3264.
const (
	SendRecv = "sendrecv"
	SendOnly = "sendonly"
	RecvOnly = "recvonly"
	Inactive = "inactive"
)

// PayloadTelephoneEvent is the dynamic payload type offered for RFC 4733
// telephone-event.
const PayloadTelephoneEvent = 101

// ErrNoCommonCodec is returned when an offer carries no audio codec this
// endpoint supports.
var ErrNoCommonCodec = errors.New("no common audio codec")

// Connection is a c= line.
type Connection struct {
	NetType  string
	AddrType string
	Address  string
}

func (c Connection) String() string {
	return c.NetType + " " + c.AddrType + " " + c.Address
}

// Origin is an o= line.
type Origin struct {
	Username       string
	SessionID      string
	SessionVersion string
	NetType        string
	AddrType       string
	Address        string
}

func (o Origin) String() string {
	return strings.Join([]string{o.Username, o.SessionID, o.SessionVersion, o.NetType, o.AddrType, o.Address}, " ")
}

// Codec is an rtpmap entry with its fmtp parameters.
type Codec struct {
	PayloadType int
	Name        string
	ClockRate   int
	Channels    int
	Fmtp        string
}

// String returns the rtpmap attribute value.
func (c Codec) String() string {
	s := strconv.Itoa(c.PayloadType) + " " + c.Name + "/" + strconv.Itoa(c.ClockRate)
	if c.Channels > 0 {
		s += "/" + strconv.Itoa(c.Channels)
	}
	return s
}

// MediaDescription is one m= section. Attributes exclude rtpmap, fmtp and
// direction lines, which are rebuilt from Codecs and Direction on Marshal.
type MediaDescription struct {
	Type       string
	Port       int
	NumPorts   int
	Proto      string
	Formats    []int
	Connection *Connection
	Codecs     []Codec
	Direction  string
	Attributes []string
}

// Codec returns the codec for payload type pt, or nil.
func (m *MediaDescription) Codec(pt int) *Codec {
	for i := range m.Codecs {
		if m.Codecs[i].PayloadType == pt {
			return &m.Codecs[i]
		}
	}
	return nil
}

// CodecByName returns the first codec named name, ignoring case, or nil.
func (m *MediaDescription) CodecByName(name string) *Codec {
	for i := range m.Codecs {
		if strings.EqualFold(m.Codecs[i].Name, name) {
			return &m.Codecs[i]
		}
	}
	return nil
}

func (m *MediaDescription) codec(pt int) *Codec {
	if c := m.Codec(pt); c != nil {
		return c
	}
	m.Codecs = append(m.Codecs, Codec{PayloadType: pt})
	return &m.Codecs[len(m.Codecs)-1]
}

// SessionDescription is a parsed SDP body.
type SessionDescription struct {
	Version     int
	Origin      Origin
	SessionName string
	Connection  *Connection
	Time        string
	Attributes  []string
	Media       []MediaDescription
}

// Audio returns the first audio section, or nil.
func (s *SessionDescription) Audio() *MediaDescription {
	for i := range s.Media {
		if s.Media[i].Type == "audio" {
			return &s.Media[i]
		}
	}
	return nil
}

// HasVideo reports whether a video section with a non-zero port is present.
func (s *SessionDescription) HasVideo() bool {
	for _, m := range s.Media {
		if m.Type == "video" && m.Port != 0 {
			return true
		}
	}
	return false
}

// Address returns the effective connection address of m.
func (s *SessionDescription) Address(m *MediaDescription) string {
	switch {
	case m.Connection != nil:
		return m.Connection.Address
	case s.Connection != nil:
		return s.Connection.Address
	}
	return ""
}

// SetDirection sets the direction of every media section.
func (s *SessionDescription) SetDirection(dir string) {
	for i := range s.Media {
		s.Media[i].Direction = dir
	}
}

// Parse parses an SDP body. Lines that are not <type>=<value> are skipped.
func Parse(data []byte) (*SessionDescription, error) {
	text := strings.TrimSpace(strings.ReplaceAll(string(data), "\r\n", "\n"))
	if text == "" {
		return nil, errors.New("empty sdp body")
	}

	sd := &SessionDescription{}
	var cur *MediaDescription

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		if len(line) < 2 || line[1] != '=' {
			continue
		}
		value := line[2:]

		switch line[0] {
		case 'v':
			v, err := strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("invalid sdp version: %w", err)
			}
			sd.Version = v
		case 'o':
			f := strings.Fields(value)
			if len(f) < 6 {
				return nil, fmt.Errorf("invalid sdp origin %q", value)
			}
			sd.Origin = Origin{f[0], f[1], f[2], f[3], f[4], f[5]}
		case 's':
			sd.SessionName = value
		case 't':
			sd.Time = value
		case 'c':
			conn, err := parseConnection(value)
			if err != nil {
				return nil, fmt.Errorf("invalid sdp connection: %w", err)
			}
			if cur != nil {
				cur.Connection = &conn
			} else {
				sd.Connection = &conn
			}
		case 'm':
			md, err := parseMedia(value)
			if err != nil {
				return nil, fmt.Errorf("invalid sdp media line: %w", err)
			}
			sd.Media = append(sd.Media, md)
			cur = &sd.Media[len(sd.Media)-1]
		case 'a':
			if cur == nil {
				sd.Attributes = append(sd.Attributes, value)
			} else {
				parseAttribute(cur, value)
			}
		}
	}
	return sd, nil
}

// Marshal renders the description with CRLF line endings.
func (s *SessionDescription) Marshal() []byte {
	var b strings.Builder
	line := func(k byte, v string) {
		b.WriteByte(k)
		b.WriteByte('=')
		b.WriteString(v)
		b.WriteString("\r\n")
	}

	line('v', strconv.Itoa(s.Version))
	line('o', s.Origin.String())
	line('s', s.SessionName)
	if s.Connection != nil {
		line('c', s.Connection.String())
	}
	line('t', s.Time)
	for _, a := range s.Attributes {
		line('a', a)
	}

	for _, m := range s.Media {
		port := strconv.Itoa(m.Port)
		if m.NumPorts > 0 {
			port += "/" + strconv.Itoa(m.NumPorts)
		}
		fields := []string{m.Type, port, m.Proto}
		for _, f := range m.Formats {
			fields = append(fields, strconv.Itoa(f))
		}
		line('m', strings.Join(fields, " "))
		if m.Connection != nil {
			line('c', m.Connection.String())
		}
		for _, pt := range m.Formats {
			c := m.Codec(pt)
			if c == nil || c.Name == "" {
				continue
			}
			line('a', "rtpmap:"+c.String())
			if c.Fmtp != "" {
				line('a', "fmtp:"+strconv.Itoa(pt)+" "+c.Fmtp)
			}
		}
		for _, a := range m.Attributes {
			line('a', a)
		}
		if m.Direction != "" {
			line('a', m.Direction)
		}
	}
	return []byte(b.String())
}

// supportedAudio lists the static payload types this endpoint answers with,
// in preference order.
var supportedAudio = []Codec{
	{PayloadType: 0, Name: "PCMU", ClockRate: 8000},
	{PayloadType: 8, Name: "PCMA", ClockRate: 8000},
}

var telephoneEvent = Codec{PayloadType: PayloadTelephoneEvent, Name: "telephone-event", ClockRate: 8000, Fmtp: "0-16"}

// Offer builds an audio offer advertising addr:port.
func Offer(sessionID int64, addr string, port int) *SessionDescription {
	conn := connectionFor(addr)
	audio := MediaDescription{
		Type:      "audio",
		Port:      port,
		Proto:     "RTP/AVP",
		Direction: SendRecv,
	}
	for _, c := range append(slices.Clone(supportedAudio), telephoneEvent) {
		audio.Formats = append(audio.Formats, c.PayloadType)
		audio.Codecs = append(audio.Codecs, c)
	}
	id := strconv.FormatInt(sessionID, 10)
	return &SessionDescription{
		Origin:      Origin{"callbridge", id, id, conn.NetType, conn.AddrType, conn.Address},
		SessionName: "callbridge",
		Connection:  &conn,
		Time:        "0 0",
		Media:       []MediaDescription{audio},
	}
}

// Answer builds the answer to offer advertising addr:port. The first offered
// codec this endpoint supports is chosen and telephone-event is kept when
// offered. Other media sections are rejected with port 0.
func Answer(offer *SessionDescription, sessionID int64, addr string, port int) (*SessionDescription, error) {
	conn := connectionFor(addr)
	id := strconv.FormatInt(sessionID, 10)
	ans := &SessionDescription{
		Origin:      Origin{"callbridge", id, id, conn.NetType, conn.AddrType, conn.Address},
		SessionName: "callbridge",
		Connection:  &conn,
		Time:        "0 0",
	}

	answered := false
	for i := range offer.Media {
		om := &offer.Media[i]
		am := MediaDescription{Type: om.Type, Proto: om.Proto}
		if om.Type != "audio" || answered {
			am.Formats = om.Formats
			ans.Media = append(ans.Media, am)
			continue
		}
		chosen, ok := chooseCodec(om)
		if !ok {
			return nil, ErrNoCommonCodec
		}
		am.Port = port
		am.Direction = reverseDirection(om.Direction)
		am.Formats = []int{chosen.PayloadType}
		am.Codecs = []Codec{chosen}
		if te := om.CodecByName("telephone-event"); te != nil {
			am.Formats = append(am.Formats, te.PayloadType)
			am.Codecs = append(am.Codecs, *te)
		}
		ans.Media = append(ans.Media, am)
		answered = true
	}
	if !answered {
		return nil, ErrNoCommonCodec
	}
	return ans, nil
}

func chooseCodec(m *MediaDescription) (Codec, bool) {
	for _, pt := range m.Formats {
		if c := m.Codec(pt); c != nil && c.Name != "" {
			for _, s := range supportedAudio {
				if strings.EqualFold(c.Name, s.Name) && c.ClockRate == s.ClockRate {
					out := *c
					out.Name = s.Name
					return out, true
				}
			}
			continue
		}
		// Static payload types may be offered without rtpmap.
		for _, s := range supportedAudio {
			if s.PayloadType == pt {
				return s, true
			}
		}
	}
	return Codec{}, false
}

func reverseDirection(dir string) string {
	switch dir {
	case SendOnly:
		return RecvOnly
	case RecvOnly:
		return SendOnly
	case Inactive:
		return Inactive
	}
	return SendRecv
}

func connectionFor(addr string) Connection {
	typ := "IP4"
	if ip := net.ParseIP(addr); ip != nil && ip.To4() == nil {
		typ = "IP6"
	}
	return Connection{NetType: "IN", AddrType: typ, Address: addr}
}

func parseConnection(value string) (Connection, error) {
	f := strings.Fields(value)
	if len(f) < 3 {
		return Connection{}, fmt.Errorf("expected 3 fields, got %d", len(f))
	}
	addr, _, _ := strings.Cut(f[2], "/")
	if net.ParseIP(addr) == nil {
		return Connection{}, fmt.Errorf("invalid ip address %q", addr)
	}
	return Connection{NetType: f[0], AddrType: f[1], Address: addr}, nil
}

func parseMedia(value string) (MediaDescription, error) {
	f := strings.Fields(value)
	if len(f) < 4 {
		return MediaDescription{}, fmt.Errorf("expected at least 4 fields, got %d", len(f))
	}
	md := MediaDescription{Type: f[0], Proto: f[2], Direction: SendRecv}

	portStr, count, hasCount := strings.Cut(f[1], "/")
	if hasCount {
		n, err := strconv.Atoi(count)
		if err != nil {
			return MediaDescription{}, fmt.Errorf("invalid port count: %w", err)
		}
		md.NumPorts = n
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return MediaDescription{}, fmt.Errorf("invalid port: %w", err)
	}
	md.Port = port

	for _, s := range f[3:] {
		pt, err := strconv.Atoi(s)
		if err != nil {
			return MediaDescription{}, fmt.Errorf("invalid payload type %q: %w", s, err)
		}
		md.Formats = append(md.Formats, pt)
	}
	return md, nil
}

func parseAttribute(md *MediaDescription, attr string) {
	switch {
	case strings.HasPrefix(attr, "rtpmap:"):
		ptStr, enc, ok := strings.Cut(attr[len("rtpmap:"):], " ")
		if !ok {
			return
		}
		pt, err := strconv.Atoi(ptStr)
		if err != nil {
			return
		}
		parts := strings.Split(enc, "/")
		if len(parts) < 2 {
			return
		}
		rate, err := strconv.Atoi(parts[1])
		if err != nil {
			return
		}
		c := md.codec(pt)
		c.Name, c.ClockRate = parts[0], rate
		if len(parts) > 2 {
			c.Channels, _ = strconv.Atoi(parts[2])
		}
	case strings.HasPrefix(attr, "fmtp:"):
		ptStr, params, ok := strings.Cut(attr[len("fmtp:"):], " ")
		if !ok {
			return
		}
		if pt, err := strconv.Atoi(ptStr); err == nil {
			md.codec(pt).Fmtp = params
		}
	case attr == SendRecv || attr == SendOnly || attr == RecvOnly || attr == Inactive:
		md.Direction = attr
	default:
		md.Attributes = append(md.Attributes, attr)
	}
}
