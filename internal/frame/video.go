// Package frame decodes the binary header the server prefixes to every video
// and audio unit, for both the poll and the push transports.
package frame

import (
	"fmt"
	"net/http"
	"time"

	"vmslink/pkg/models"
)

// PreambleSize is the size of the fixed video header before any optional section.
const PreambleSize = 36

// Flag is one bit of the header extension mask. Each flag announces an
// optional section; sections follow the preamble in ascending bit order.
type Flag uint16

const (
	FlagSize Flag = 1 << iota
	FlagLiveEvents
	FlagPlaybackEvents
	FlagNativeData
	FlagMotion
	FlagLocation
	FlagStreamInfo
	FlagCarouselInfo
	FlagPlaybackInfo
)

// KnownFlags is the union of every flag this package can decode.
const KnownFlags = FlagSize | FlagLiveEvents | FlagPlaybackEvents | FlagNativeData |
	FlagMotion | FlagLocation | FlagStreamInfo | FlagCarouselInfo | FlagPlaybackInfo

func (f Flag) String() string {
	for _, s := range videoSections {
		if s.flag == f {
			return s.name
		}
	}
	return fmt.Sprintf("flag(0x%04x)", uint16(f))
}

const (
	sizeSectionLen     = 32
	eventSectionLen    = 8
	motionSectionLen   = 4
	carouselSectionLen = 16
	playbackSectionLen = 16
)

type section struct {
	flag   Flag
	name   string
	decode func(c *Cursor, f *models.Frame)
}

// videoSections lists the optional sections in wire order.
var videoSections = [...]section{
	{FlagSize, "size", decodeSize},
	{FlagLiveEvents, "live-events", func(c *Cursor, f *models.Frame) { f.LiveEvents = decodeEvents(c) }},
	{FlagPlaybackEvents, "playback-events", func(c *Cursor, f *models.Frame) { f.PlaybackEvents = decodeEvents(c) }},
	{FlagNativeData, "native-data", func(c *Cursor, _ *models.Frame) { c.SkipPrefixed(false) }},
	{FlagMotion, "motion", decodeMotion},
	{FlagLocation, "location", func(c *Cursor, _ *models.Frame) { c.SkipPrefixed(false) }},
	{FlagStreamInfo, "stream-info", decodeStreamInfo},
	{FlagCarouselInfo, "carousel-info", decodeCarousel},
	{FlagPlaybackInfo, "playback-info", decodePlaybackInfo},
}

// DecodeVideo parses one video unit. dataType is the payload type the server
// declared when the stream was opened; image payloads additionally get their
// MIME type sniffed. The returned frame's payload aliases buf.
func DecodeVideo(buf []byte, dataType models.DataType) (*models.Frame, error) {
	c := NewCursor(buf)
	f := &models.Frame{
		VideoID:     c.GUID(),
		Timestamp:   time.UnixMilli(int64(c.Uint64())),
		FrameNumber: c.Uint32(),
		DataSize:    c.Uint32(),
		HeaderSize:  c.Uint16(),
		Flags:       c.Uint16(),
		DataType:    dataType,
	}
	if err := c.Err(); err != nil {
		return nil, fmt.Errorf("frame: preamble: %w", err)
	}

	flags := Flag(f.Flags)
	for _, s := range videoSections {
		if flags&s.flag == 0 {
			continue
		}
		s.decode(c, f)
		if err := c.Err(); err != nil {
			return nil, fmt.Errorf("frame: %s section: %w", s.name, err)
		}
	}

	// Bits above the known set announce sections this client does not know
	// the layout of. They all follow the known ones, and the header size
	// field points past them, so seeking there skips them.
	if int(f.HeaderSize) > c.Pos() {
		c.Seek(int(f.HeaderSize))
		if err := c.Err(); err != nil {
			return nil, fmt.Errorf("frame: header size %d: %w", f.HeaderSize, err)
		}
	}

	if f.DataSize > 0 {
		f.Payload = c.Bytes(int(f.DataSize))
		if err := c.Err(); err != nil {
			return nil, fmt.Errorf("frame: payload: %w", err)
		}
		if dataType == models.DataTypeImage {
			f.MimeType = http.DetectContentType(f.Payload)
		}
	}
	return f, nil
}

// UnknownFlags returns the flag bits of f that have no decoder.
func UnknownFlags(f *models.Frame) Flag {
	return Flag(f.Flags) &^ KnownFlags
}

func decodeSize(c *Cursor, f *models.Frame) {
	f.Size = &models.SizeInfo{
		SourceWidth:  c.Uint32(),
		SourceHeight: c.Uint32(),
		CropLeft:     c.Uint32(),
		CropTop:      c.Uint32(),
		CropRight:    c.Uint32(),
		CropBottom:   c.Uint32(),
		DestWidth:    c.Uint32(),
		DestHeight:   c.Uint32(),
	}
}

func decodeEvents(c *Cursor) *models.EventInfo {
	return &models.EventInfo{Current: c.Uint32(), Changed: c.Uint32()}
}

func decodeMotion(c *Cursor, f *models.Frame) {
	f.Motion = &models.MotionInfo{Amount: c.Uint32()}
}

// Stream info is length-prefixed (the length counts itself) so the server can
// append fields; anything past the two known fields is skipped.
func decodeStreamInfo(c *Cursor, f *models.Frame) {
	start := c.Pos()
	n := int(c.Uint32())
	if c.Err() != nil {
		return
	}
	if n < 12 {
		c.err = fmt.Errorf("%w: stream info %d", ErrSectionLength, n)
		return
	}
	f.Stream = &models.StreamInfo{
		ValidFields:       c.Uint32(),
		TimeBetweenFrames: time.Duration(c.Uint32()) * time.Millisecond,
	}
	c.Seek(start + n)
}

func decodeCarousel(c *Cursor, f *models.Frame) {
	f.Carousel = &models.CarouselInfo{ItemID: c.GUID()}
}

func decodePlaybackInfo(c *Cursor, f *models.Frame) {
	f.Playback = &models.PlaybackInfo{
		SequenceStart: time.UnixMilli(int64(c.Uint64())),
		SequenceEnd:   time.UnixMilli(int64(c.Uint64())),
	}
}
