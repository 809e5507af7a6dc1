package frame

import (
	"fmt"

	"vmslink/pkg/models"
)

// AudioPreambleSize is the size of the fixed audio header.
const AudioPreambleSize = 40

// audioReserved is the region after the stream id that audio consumers do not use.
const audioReserved = 16

// FlagAudioDynamicInfo is the only extension an audio header can carry.
const FlagAudioDynamicInfo Flag = 0x0001

// DecodeAudio parses one audio unit.
func DecodeAudio(buf []byte) (*models.AudioFrame, error) {
	c := NewCursor(buf)
	a := &models.AudioFrame{StreamID: c.GUID()}
	c.Skip(audioReserved)
	a.DataSize = c.Uint32()
	a.HeaderSize = c.Uint16()
	a.Flags = c.Uint16()
	if err := c.Err(); err != nil {
		return nil, fmt.Errorf("frame: audio preamble: %w", err)
	}

	if Flag(a.Flags)&FlagAudioDynamicInfo != 0 {
		start := c.Pos()
		n := int(c.Uint32())
		if c.Err() == nil && n < 12 {
			return nil, fmt.Errorf("frame: audio dynamic info: %w: %d", ErrSectionLength, n)
		}
		a.Dynamic = &models.AudioDynamicInfo{
			SampleRate:    c.Uint32(),
			Channels:      c.Uint16(),
			BitsPerSample: c.Uint16(),
		}
		c.Seek(start + n)
		if err := c.Err(); err != nil {
			return nil, fmt.Errorf("frame: audio dynamic info: %w", err)
		}
	}

	if int(a.HeaderSize) > c.Pos() {
		c.Seek(int(a.HeaderSize))
		if err := c.Err(); err != nil {
			return nil, fmt.Errorf("frame: audio header size %d: %w", a.HeaderSize, err)
		}
	}
	if a.DataSize > 0 {
		a.Payload = c.Bytes(int(a.DataSize))
		if err := c.Err(); err != nil {
			return nil, fmt.Errorf("frame: audio payload: %w", err)
		}
	}
	return a, nil
}

// Decode parses one unit of a stream with the given data type: audio streams
// use the audio layout and are returned as a Frame carrying the audio info,
// everything else is a video unit.
func Decode(buf []byte, dataType models.DataType) (*models.Frame, error) {
	if dataType != models.DataTypeAudio {
		return DecodeVideo(buf, dataType)
	}
	a, err := DecodeAudio(buf)
	if err != nil {
		return nil, err
	}
	return &models.Frame{
		VideoID:    a.StreamID,
		DataSize:   a.DataSize,
		HeaderSize: a.HeaderSize,
		Flags:      a.Flags,
		Audio:      a.Dynamic,
		DataType:   models.DataTypeAudio,
		Payload:    a.Payload,
	}, nil
}
