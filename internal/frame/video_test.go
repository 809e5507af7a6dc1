package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"vmslink/pkg/models"
)

var testVideoID = uuid.MustParse("00112233-4455-6677-8899-aabbccddeeff")

// preamble builds the fixed 36-byte video header.
func preamble(ts uint64, frameNo, dataSize uint32, headerSize, flags uint16) []byte {
	b := guidToBytes(testVideoID)
	b = binary.LittleEndian.AppendUint64(b, ts)
	b = binary.LittleEndian.AppendUint32(b, frameNo)
	b = binary.LittleEndian.AppendUint32(b, dataSize)
	b = binary.LittleEndian.AppendUint16(b, headerSize)
	b = binary.LittleEndian.AppendUint16(b, flags)
	return b
}

func TestGUIDWireLayout(t *testing.T) {
	wire := []byte{0x33, 0x22, 0x11, 0x00, 0x55, 0x44, 0x77, 0x66,
		0x88, 0x99, 0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}
	got := NewCursor(wire).GUID()
	if got != testVideoID {
		t.Fatalf("GUID = %s, want %s", got, testVideoID)
	}
	if !bytes.Equal(guidToBytes(got), wire) {
		t.Fatal("guidToBytes is not the inverse of guidFromBytes")
	}
}

func TestDecodeVideoNoSections(t *testing.T) {
	payload := []byte("abcdef")
	buf := append(preamble(1700000000123, 42, uint32(len(payload)), PreambleSize, 0), payload...)
	if len(buf) != 42 {
		t.Fatalf("fixture is %d bytes, want 42", len(buf))
	}

	f, err := DecodeVideo(buf, models.DataType("h264"))
	if err != nil {
		t.Fatal(err)
	}
	if f.VideoID != testVideoID {
		t.Errorf("VideoID = %s", f.VideoID)
	}
	if f.Timestamp.UnixMilli() != 1700000000123 {
		t.Errorf("Timestamp = %d", f.Timestamp.UnixMilli())
	}
	if f.FrameNumber != 42 || f.DataSize != 6 || f.HeaderSize != PreambleSize {
		t.Errorf("FrameNumber=%d DataSize=%d HeaderSize=%d", f.FrameNumber, f.DataSize, f.HeaderSize)
	}
	if f.Size != nil || f.LiveEvents != nil || f.PlaybackEvents != nil || f.Motion != nil ||
		f.Stream != nil || f.Carousel != nil || f.Playback != nil {
		t.Error("no section should be decoded when all flags are clear")
	}
	if !bytes.Equal(f.Payload, payload) {
		t.Errorf("Payload = %q", f.Payload)
	}
	if f.MimeType != "" {
		t.Errorf("non-image payload got MIME type %q", f.MimeType)
	}
}

func TestDecodeVideoEachSectionConsumesExactLength(t *testing.T) {
	le32 := func(vs ...uint32) []byte { return appendUint32s(nil, vs...) }
	tests := []struct {
		flag    Flag
		section []byte
		check   func(t *testing.T, f *models.Frame)
	}{
		{FlagSize, le32(1920, 1080, 0, 0, 1920, 1080, 640, 360), func(t *testing.T, f *models.Frame) {
			if f.Size == nil || f.Size.SourceWidth != 1920 || f.Size.DestHeight != 360 {
				t.Errorf("Size = %+v", f.Size)
			}
		}},
		{FlagLiveEvents, le32(models.LiveEventMotion, models.LiveEventMotion), func(t *testing.T, f *models.Frame) {
			if f.LiveEvents == nil || f.LiveEvents.Current != models.LiveEventMotion {
				t.Errorf("LiveEvents = %+v", f.LiveEvents)
			}
		}},
		{FlagPlaybackEvents, le32(models.PlaybackEventDBEnd, 0), func(t *testing.T, f *models.Frame) {
			if f.PlaybackEvents == nil || f.PlaybackEvents.Current != models.PlaybackEventDBEnd {
				t.Errorf("PlaybackEvents = %+v", f.PlaybackEvents)
			}
		}},
		{FlagNativeData, append(le32(5), 1, 2, 3, 4, 5), nil},
		{FlagMotion, le32(77), func(t *testing.T, f *models.Frame) {
			if f.Motion == nil || f.Motion.Amount != 77 {
				t.Errorf("Motion = %+v", f.Motion)
			}
		}},
		{FlagLocation, append(le32(3), 9, 9, 9), nil},
		{FlagStreamInfo, le32(16, models.StreamInfoTimeBetweenFrames, 300, 0xdead), func(t *testing.T, f *models.Frame) {
			if got := f.Stream.Interval(); got != 300*time.Millisecond {
				t.Errorf("Interval = %v", got)
			}
		}},
		{FlagCarouselInfo, guidToBytes(testVideoID), func(t *testing.T, f *models.Frame) {
			if f.Carousel == nil || f.Carousel.ItemID != testVideoID {
				t.Errorf("Carousel = %+v", f.Carousel)
			}
		}},
		{FlagPlaybackInfo, binary.LittleEndian.AppendUint64(binary.LittleEndian.AppendUint64(nil, 1000), 2000), func(t *testing.T, f *models.Frame) {
			if f.Playback == nil || f.Playback.SequenceEnd.UnixMilli() != 2000 {
				t.Errorf("Playback = %+v", f.Playback)
			}
		}},
	}

	payload := []byte("xyz")
	for _, tt := range tests {
		t.Run(tt.flag.String(), func(t *testing.T) {
			if n := SectionLen(tt.flag); n != 0 && n != len(tt.section) {
				t.Fatalf("fixture length %d, SectionLen %d", len(tt.section), n)
			}
			// The header size field stays at the preamble size so the
			// decoder cannot realign on it: the payload is only found if the
			// section consumed exactly its own bytes.
			buf := preamble(0, 1, uint32(len(payload)), PreambleSize, uint16(tt.flag))
			buf = append(buf, tt.section...)
			buf = append(buf, payload...)

			f, err := DecodeVideo(buf, models.DataTypeImage)
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(f.Payload, payload) {
				t.Fatalf("Payload = %q, section consumed the wrong length", f.Payload)
			}
			if tt.check != nil {
				tt.check(t, f)
			}
		})
	}
}

func TestDecodeVideoSkipsUnknownSectionsViaHeaderSize(t *testing.T) {
	unknown := []byte{1, 2, 3, 4, 5}
	payload := []byte("pay")
	buf := preamble(0, 1, uint32(len(payload)), uint16(PreambleSize+len(unknown)), 0x8000)
	buf = append(buf, unknown...)
	buf = append(buf, payload...)

	f, err := DecodeVideo(buf, models.DataTypeImage)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(f.Payload, payload) {
		t.Fatalf("Payload = %q", f.Payload)
	}
	if UnknownFlags(f) != 0x8000 {
		t.Errorf("UnknownFlags = %v", UnknownFlags(f))
	}
}

func TestDecodeVideoShortBuffer(t *testing.T) {
	tests := map[string][]byte{
		"preamble": preamble(0, 0, 0, 0, 0)[:20],
		"section":  preamble(0, 0, 0, PreambleSize, uint16(FlagSize)),
		"payload":  append(preamble(0, 0, 10, PreambleSize, 0), 1, 2),
	}
	for name, buf := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := DecodeVideo(buf, models.DataTypeImage); !errors.Is(err, ErrShortBuffer) {
				t.Fatalf("err = %v, want ErrShortBuffer", err)
			}
		})
	}
}

func TestDecodeVideoStreamInfoTooShort(t *testing.T) {
	buf := preamble(0, 0, 0, PreambleSize, uint16(FlagStreamInfo))
	buf = append(buf, appendUint32s(nil, 4, 0, 0)...)
	if _, err := DecodeVideo(buf, models.DataTypeImage); !errors.Is(err, ErrSectionLength) {
		t.Fatalf("err = %v, want ErrSectionLength", err)
	}
}

func TestDecodeVideoEmptyFrame(t *testing.T) {
	f, err := DecodeVideo(preamble(0, 9, 0, PreambleSize, 0), models.DataTypeImage)
	if err != nil {
		t.Fatal(err)
	}
	if !f.Empty() || f.Payload != nil {
		t.Fatal("frame without payload should be empty")
	}
}

func TestDecodeVideoHeaderSizePastEnd(t *testing.T) {
	// No payload, so only the header size can reveal the truncation.
	buf := preamble(0, 1, 0, PreambleSize+8, 0)
	if _, err := DecodeVideo(buf, models.DataTypeImage); !errors.Is(err, ErrShortBuffer) {
		t.Fatalf("err = %v, want ErrShortBuffer", err)
	}
}

func TestEncodeDecode(t *testing.T) {
	jpeg := []byte{0xff, 0xd8, 0xff, 0xe0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00}
	in := &models.Frame{
		VideoID:     testVideoID,
		Timestamp:   time.UnixMilli(1700000000000),
		FrameNumber: 7,
		Size:        &models.SizeInfo{SourceWidth: 800, SourceHeight: 600, DestWidth: 400, DestHeight: 300},
		LiveEvents:  &models.EventInfo{Current: models.LiveEventRecording},
		Stream:      &models.StreamInfo{ValidFields: models.StreamInfoTimeBetweenFrames, TimeBetweenFrames: 40 * time.Millisecond},
		Playback:    &models.PlaybackInfo{SequenceStart: time.UnixMilli(10), SequenceEnd: time.UnixMilli(20)},
		Payload:     jpeg,
	}

	out, err := DecodeVideo(Encode(in), models.DataTypeImage)
	if err != nil {
		t.Fatal(err)
	}
	if Flag(out.Flags) != FlagSize|FlagLiveEvents|FlagStreamInfo|FlagPlaybackInfo {
		t.Errorf("Flags = 0x%x", out.Flags)
	}
	if int(out.HeaderSize) != PreambleSize+32+8+12+16 {
		t.Errorf("HeaderSize = %d", out.HeaderSize)
	}
	if *out.Size != *in.Size || out.Stream.Interval() != 40*time.Millisecond {
		t.Errorf("sections = %+v %+v", out.Size, out.Stream)
	}
	if out.MimeType != "image/jpeg" {
		t.Errorf("MimeType = %q", out.MimeType)
	}
	if !bytes.Equal(out.Payload, jpeg) {
		t.Errorf("Payload = %x", out.Payload)
	}
}
