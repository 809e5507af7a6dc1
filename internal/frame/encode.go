package frame

import (
	"encoding/binary"

	"vmslink/pkg/models"
)

// Encode builds a unit in the server's wire format, the layout DecodeVideo
// reads. Nothing in the client sends frames; it exists for fixtures and fake
// servers. Flags are derived from the non-nil sections of f; f.Flags and
// f.HeaderSize are ignored and the encoded header size is exact. Native-data
// and location sections have no model and are never written.
func Encode(f *models.Frame) []byte {
	var flags Flag
	body := make([]byte, 0, 64)

	if s := f.Size; s != nil {
		flags |= FlagSize
		body = appendUint32s(body, s.SourceWidth, s.SourceHeight, s.CropLeft, s.CropTop,
			s.CropRight, s.CropBottom, s.DestWidth, s.DestHeight)
	}
	if e := f.LiveEvents; e != nil {
		flags |= FlagLiveEvents
		body = appendUint32s(body, e.Current, e.Changed)
	}
	if e := f.PlaybackEvents; e != nil {
		flags |= FlagPlaybackEvents
		body = appendUint32s(body, e.Current, e.Changed)
	}
	if m := f.Motion; m != nil {
		flags |= FlagMotion
		body = appendUint32s(body, m.Amount)
	}
	if s := f.Stream; s != nil {
		flags |= FlagStreamInfo
		body = appendUint32s(body, 12, s.ValidFields, uint32(s.TimeBetweenFrames.Milliseconds()))
	}
	if cr := f.Carousel; cr != nil {
		flags |= FlagCarouselInfo
		body = append(body, guidToBytes(cr.ItemID)...)
	}
	if p := f.Playback; p != nil {
		flags |= FlagPlaybackInfo
		body = binary.LittleEndian.AppendUint64(body, uint64(p.SequenceStart.UnixMilli()))
		body = binary.LittleEndian.AppendUint64(body, uint64(p.SequenceEnd.UnixMilli()))
	}

	out := make([]byte, 0, PreambleSize+len(body)+len(f.Payload))
	out = append(out, guidToBytes(f.VideoID)...)
	out = binary.LittleEndian.AppendUint64(out, uint64(f.Timestamp.UnixMilli()))
	out = appendUint32s(out, f.FrameNumber, uint32(len(f.Payload)))
	out = binary.LittleEndian.AppendUint16(out, uint16(PreambleSize+len(body)))
	out = binary.LittleEndian.AppendUint16(out, uint16(flags))
	out = append(out, body...)
	return append(out, f.Payload...)
}

// SectionLen returns the encoded size of a fixed-size section, or 0 for
// sections whose size is carried in the section itself.
func SectionLen(f Flag) int {
	switch f {
	case FlagSize:
		return sizeSectionLen
	case FlagLiveEvents, FlagPlaybackEvents:
		return eventSectionLen
	case FlagMotion:
		return motionSectionLen
	case FlagCarouselInfo:
		return carouselSectionLen
	case FlagPlaybackInfo:
		return playbackSectionLen
	default:
		return 0
	}
}

func appendUint32s(b []byte, vs ...uint32) []byte {
	for _, v := range vs {
		b = binary.LittleEndian.AppendUint32(b, v)
	}
	return b
}
