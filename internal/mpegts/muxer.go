// Package mpegts writes elementary stream packets as an MPEG transport
// stream, the container chunks are handed to the codec engine in.
//
// Payloads must already be in their transport stream framing: Annex B for
// H.264/H.265 and ADTS for AAC. That is what the demux engine produces.
package mpegts

import (
	"errors"
	"fmt"
	"io"
	"sort"
)

const (
	// PacketSize is the fixed size of a transport stream packet.
	PacketSize = 188
	syncByte   = 0x47

	pidPAT     = 0x0000
	pidPMT     = 0x1000
	pidStreams = 0x0100

	tableIDPAT = 0x00
	tableIDPMT = 0x02

	programNumber = 1

	// ClockRate is the frequency of PES timestamps.
	ClockRate = 90_000
)

// ErrUnsupportedCodec is returned for a codec with no stream type mapping.
var ErrUnsupportedCodec = errors.New("mpegts: unsupported codec")

type codecInfo struct {
	streamType uint8
	pesID      byte
	video      bool
}

// codecs maps ffmpeg codec names to PMT stream types.
var codecs = map[string]codecInfo{
	"mpeg1video": {0x01, 0xE0, true},
	"mpeg2video": {0x02, 0xE0, true},
	"h264":       {0x1B, 0xE0, true},
	"hevc":       {0x24, 0xE0, true},
	"mp2":        {0x03, 0xC0, false},
	"mp3":        {0x03, 0xC0, false},
	"aac":        {0x0F, 0xC0, false},
	"ac3":        {0x81, 0xBD, false},
	"eac3":       {0x87, 0xBD, false},
}

// Supported reports whether codec can be carried.
func Supported(codec string) bool {
	_, ok := codecs[codec]
	return ok
}

// StreamType returns the PMT stream type of codec.
func StreamType(codec string) (uint8, bool) {
	c, ok := codecs[codec]
	return c.streamType, ok
}

// PID returns the elementary PID the muxer assigns to a stream.
func PID(streamID int) uint16 {
	return uint16(pidStreams + streamID)
}

// MicrosToClock converts microseconds to the 90 kHz clock, rounding up so
// values that came from the 90 kHz clock convert back exactly.
func MicrosToClock(us int64) int64 {
	if us >= 0 {
		return (us*9 + 99) / 100
	}
	return us * 9 / 100
}

// Stream declares one elementary stream of the output.
type Stream struct {
	ID    int
	Codec string
}

// Packet is one access unit. DTS and PTS are on the 90 kHz clock.
type Packet struct {
	StreamID int
	DTS      int64
	PTS      int64
	Key      bool
	Data     []byte
}

type outStream struct {
	Stream
	info codecInfo
	pid  uint16
	cc   byte
}

// Muxer writes a single-program transport stream. The PAT and PMT precede
// the first packet. A Muxer is not safe for concurrent use.
type Muxer struct {
	w       io.Writer
	streams map[int]*outStream
	order   []*outStream
	pcrPID  uint16
	patCC   byte
	pmtCC   byte
	started bool
	buf     [PacketSize]byte
}

// NewMuxer creates a muxer for streams.
func NewMuxer(w io.Writer, streams []Stream) (*Muxer, error) {
	if len(streams) == 0 {
		return nil, fmt.Errorf("mpegts: no streams")
	}
	m := &Muxer{w: w, streams: make(map[int]*outStream, len(streams))}
	for _, s := range streams {
		info, ok := codecs[s.Codec]
		if !ok {
			return nil, fmt.Errorf("%w: stream %d codec %q", ErrUnsupportedCodec, s.ID, s.Codec)
		}
		if s.ID < 0 || s.ID >= pidPMT-pidStreams {
			return nil, fmt.Errorf("mpegts: stream id %d out of range", s.ID)
		}
		if _, dup := m.streams[s.ID]; dup {
			return nil, fmt.Errorf("mpegts: duplicate stream %d", s.ID)
		}
		out := &outStream{Stream: s, info: info, pid: PID(s.ID)}
		m.streams[s.ID] = out
		m.order = append(m.order, out)
	}
	sort.Slice(m.order, func(i, j int) bool { return m.order[i].ID < m.order[j].ID })

	// PCR rides on the first video stream, or the first stream at all.
	m.pcrPID = m.order[0].pid
	for _, s := range m.order {
		if s.info.video {
			m.pcrPID = s.pid
			break
		}
	}
	return m, nil
}

// WritePacket writes one access unit as a PES packet.
func (m *Muxer) WritePacket(p Packet) error {
	s, ok := m.streams[p.StreamID]
	if !ok {
		return fmt.Errorf("mpegts: packet for undeclared stream %d", p.StreamID)
	}
	if !m.started {
		if err := m.writeTables(); err != nil {
			return err
		}
		m.started = true
	}

	pes := buildPES(s, p)
	first := true
	for off := 0; off < len(pes); {
		var af []byte
		if first {
			af = m.firstAdaptation(s, p)
		}
		n, err := m.writePacket(s.pid, &s.cc, first, af, pes[off:])
		if err != nil {
			return err
		}
		off += n
		first = false
	}
	return nil
}

func (m *Muxer) firstAdaptation(s *outStream, p Packet) []byte {
	var flags byte
	if p.Key {
		flags |= 0x40 // random_access_indicator
	}
	if s.pid != m.pcrPID {
		if flags == 0 {
			return nil
		}
		return []byte{flags}
	}
	af := make([]byte, 7)
	af[0] = flags | 0x10 // PCR_flag
	putPCR(af[1:], p.DTS)
	return af
}

// writePacket writes one TS packet carrying as much of payload as fits and
// returns the number of payload bytes consumed.
func (m *Muxer) writePacket(pid uint16, cc *byte, start bool, af, payload []byte) (int, error) {
	capacity := PacketSize - 4
	if af != nil {
		capacity -= 1 + len(af)
	}
	n := min(len(payload), capacity)
	if stuff := capacity - n; stuff > 0 {
		switch {
		case af != nil:
			for range stuff {
				af = append(af, 0xFF)
			}
		case stuff == 1:
			af = []byte{}
		default:
			af = make([]byte, stuff-1)
			for i := 1; i < len(af); i++ {
				af[i] = 0xFF
			}
		}
	}

	pkt := m.buf[:]
	pkt[0] = syncByte
	pkt[1] = byte(pid>>8) & 0x1F
	if start {
		pkt[1] |= 0x40
	}
	pkt[2] = byte(pid)
	pkt[3] = 0x10 | *cc&0x0F
	*cc = (*cc + 1) & 0x0F

	off := 4
	if af != nil {
		pkt[3] |= 0x20
		pkt[4] = byte(len(af))
		copy(pkt[5:], af)
		off += 1 + len(af)
	}
	copy(pkt[off:], payload[:n])

	if _, err := m.w.Write(pkt); err != nil {
		return 0, err
	}
	return n, nil
}

func (m *Muxer) writeTables() error {
	if err := m.writeSection(pidPAT, &m.patCC, m.pat()); err != nil {
		return fmt.Errorf("mpegts: writing PAT: %w", err)
	}
	if err := m.writeSection(pidPMT, &m.pmtCC, m.pmt()); err != nil {
		return fmt.Errorf("mpegts: writing PMT: %w", err)
	}
	return nil
}

func (m *Muxer) writeSection(pid uint16, cc *byte, section []byte) error {
	payload := make([]byte, 0, PacketSize-4)
	payload = append(payload, 0x00) // pointer_field
	payload = append(payload, section...)
	if len(payload) > PacketSize-4 {
		return fmt.Errorf("section of %d bytes does not fit one packet", len(section))
	}
	for len(payload) < PacketSize-4 {
		payload = append(payload, 0xFF)
	}
	_, err := m.writePacket(pid, cc, true, nil, payload)
	return err
}

func (m *Muxer) pat() []byte {
	section := []byte{
		tableIDPAT, 0, 0,
		0x00, 0x01, // transport_stream_id
		0xC1,       // version 0, current_next
		0x00, 0x00, // section numbers
		byte(programNumber >> 8), byte(programNumber),
		0xE0 | byte(pidPMT>>8)&0x1F, byte(pidPMT & 0xFF),
	}
	return finishSection(section)
}

func (m *Muxer) pmt() []byte {
	section := []byte{
		tableIDPMT, 0, 0,
		byte(programNumber >> 8), byte(programNumber),
		0xC1,
		0x00, 0x00,
		0xE0 | byte(m.pcrPID>>8)&0x1F, byte(m.pcrPID),
		0xF0, 0x00, // program_info_length
	}
	for _, s := range m.order {
		section = append(section,
			s.info.streamType,
			0xE0|byte(s.pid>>8)&0x1F, byte(s.pid),
			0xF0, 0x00, // ES_info_length
		)
	}
	return finishSection(section)
}

// finishSection fills in section_length and appends the CRC.
func finishSection(section []byte) []byte {
	length := len(section) - 3 + 4
	section[1] = 0xB0 | byte(length>>8)&0x0F
	section[2] = byte(length)
	crc := computeCRC32(section)
	return append(section, byte(crc>>24), byte(crc>>16), byte(crc>>8), byte(crc))
}

func buildPES(s *outStream, p Packet) []byte {
	withDTS := p.DTS != p.PTS
	headerLen := 5
	if withDTS {
		headerLen = 10
	}

	pes := make([]byte, 9+headerLen, 9+headerLen+len(p.Data))
	pes[0], pes[1], pes[2] = 0x00, 0x00, 0x01
	pes[3] = s.info.pesID
	pes[6] = 0x84 // marker bits, data_alignment_indicator
	pes[8] = byte(headerLen)
	if withDTS {
		pes[7] = 0xC0
		putTimestamp(pes[9:14], 0x3, p.PTS)
		putTimestamp(pes[14:19], 0x1, p.DTS)
	} else {
		pes[7] = 0x80
		putTimestamp(pes[9:14], 0x2, p.PTS)
	}

	// Video PES may be unbounded; everything else must carry its length.
	if length := 3 + headerLen + len(p.Data); length <= 0xFFFF {
		pes[4], pes[5] = byte(length>>8), byte(length)
	}
	return append(pes, p.Data...)
}

func putTimestamp(b []byte, prefix byte, ts int64) {
	ts &= 1<<33 - 1
	b[0] = prefix<<4 | byte(ts>>29)&0x0E | 0x01
	b[1] = byte(ts >> 22)
	b[2] = byte(ts>>14)&0xFE | 0x01
	b[3] = byte(ts >> 7)
	b[4] = byte(ts<<1)&0xFE | 0x01
}

func putPCR(b []byte, base int64) {
	base &= 1<<33 - 1
	b[0] = byte(base >> 25)
	b[1] = byte(base >> 17)
	b[2] = byte(base >> 9)
	b[3] = byte(base >> 1)
	b[4] = byte(base<<7) | 0x7E // reserved bits, extension high bit 0
	b[5] = 0x00
}
