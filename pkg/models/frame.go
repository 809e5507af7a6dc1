package models

import (
	"time"

	"github.com/google/uuid"
)

// DataType is the payload type declared by the server when a stream is opened.
type DataType string

const (
	DataTypeImage DataType = "image"
	DataTypeAudio DataType = "audio"
)

// Frame is one decoded video unit: the fixed header, whichever optional
// sections the header flags announced, and the payload.
type Frame struct {
	VideoID     uuid.UUID `json:"videoId"`
	Timestamp   time.Time `json:"timestamp"`
	FrameNumber uint32    `json:"frameNumber"`
	DataSize    uint32    `json:"dataSize"`
	HeaderSize  uint16    `json:"headerSize"`
	Flags       uint16    `json:"flags"`

	Size           *SizeInfo     `json:"sizeInfo,omitempty"`
	LiveEvents     *EventInfo    `json:"liveEvents,omitempty"`
	PlaybackEvents *EventInfo    `json:"playbackEvents,omitempty"`
	Motion         *MotionInfo   `json:"motion,omitempty"`
	Stream         *StreamInfo   `json:"streamInfo,omitempty"`
	Carousel       *CarouselInfo `json:"carouselInfo,omitempty"`
	Playback       *PlaybackInfo `json:"playbackInfo,omitempty"`

	// Audio is set on frames of audio streams.
	Audio *AudioDynamicInfo `json:"audio,omitempty"`

	DataType DataType `json:"dataType,omitempty"`
	MimeType string   `json:"mimeType,omitempty"`
	Payload  []byte   `json:"-"`
}

// Empty reports whether the frame carried a header but no payload. On live
// streams this means nothing changed since the previous poll.
func (f *Frame) Empty() bool {
	return f.DataSize == 0
}

// SizeInfo describes the source image, the crop applied to it and the size it
// was scaled to.
type SizeInfo struct {
	SourceWidth  uint32 `json:"sourceWidth"`
	SourceHeight uint32 `json:"sourceHeight"`
	CropLeft     uint32 `json:"cropLeft"`
	CropTop      uint32 `json:"cropTop"`
	CropRight    uint32 `json:"cropRight"`
	CropBottom   uint32 `json:"cropBottom"`
	DestWidth    uint32 `json:"destWidth"`
	DestHeight   uint32 `json:"destHeight"`
}

// EventInfo carries the live or playback event bit sets.
type EventInfo struct {
	Current uint32 `json:"current"`
	Changed uint32 `json:"changed"`
}

// Live event bits.
const (
	LiveEventLiveFeed          uint32 = 0x001
	LiveEventMotion            uint32 = 0x002
	LiveEventRecording         uint32 = 0x004
	LiveEventNotification      uint32 = 0x008
	LiveEventCameraConnLost    uint32 = 0x010
	LiveEventDatabaseFail      uint32 = 0x020
	LiveEventDiskFull          uint32 = 0x040
	LiveEventClientLiveStopped uint32 = 0x080
)

// Playback event bits.
const (
	PlaybackEventStopped  uint32 = 0x01
	PlaybackEventForward  uint32 = 0x02
	PlaybackEventBackward uint32 = 0x04
	PlaybackEventDBStart  uint32 = 0x10
	PlaybackEventDBEnd    uint32 = 0x20
	PlaybackEventDBError  uint32 = 0x40
)

type MotionInfo struct {
	Amount uint32 `json:"amount"`
}

// StreamInfo carries server pacing metadata.
type StreamInfo struct {
	ValidFields       uint32        `json:"validFields"`
	TimeBetweenFrames time.Duration `json:"timeBetweenFrames"`
}

// StreamInfoTimeBetweenFrames marks TimeBetweenFrames as present.
const StreamInfoTimeBetweenFrames uint32 = 0x01

// Interval returns the declared inter-frame interval, or zero when the server
// did not declare one.
func (s *StreamInfo) Interval() time.Duration {
	if s == nil || s.ValidFields&StreamInfoTimeBetweenFrames == 0 {
		return 0
	}
	return s.TimeBetweenFrames
}

type CarouselInfo struct {
	ItemID uuid.UUID `json:"itemId"`
}

type PlaybackInfo struct {
	SequenceStart time.Time `json:"sequenceStart"`
	SequenceEnd   time.Time `json:"sequenceEnd"`
}

// AudioFrame is one decoded audio unit.
type AudioFrame struct {
	StreamID   uuid.UUID `json:"streamId"`
	DataSize   uint32    `json:"dataSize"`
	HeaderSize uint16    `json:"headerSize"`
	Flags      uint16    `json:"flags"`

	Dynamic *AudioDynamicInfo `json:"dynamicInfo,omitempty"`
	Payload []byte            `json:"-"`
}

type AudioDynamicInfo struct {
	SampleRate    uint32 `json:"sampleRate"`
	Channels      uint16 `json:"channels"`
	BitsPerSample uint16 `json:"bitsPerSample"`
}
