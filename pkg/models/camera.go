package models

// SignalType selects live video or recorded playback.
type SignalType string

const (
	SignalLive     SignalType = "Live"
	SignalPlayback SignalType = "Playback"
)

// StreamMethod selects how frames are delivered.
type StreamMethod string

const (
	// MethodPull polls one frame per HTTP POST.
	MethodPull StreamMethod = "Pull"
	// MethodPush keeps a WebSocket open and receives frames as they are produced.
	MethodPush StreamMethod = "Push"
)

// StreamRequest describes a video stream to open for a camera.
type StreamRequest struct {
	CameraID   string       `json:"cameraId"`
	SignalType SignalType   `json:"signalType"`
	Method     StreamMethod `json:"method"`
	Width      int          `json:"width,omitempty"`
	Height     int          `json:"height,omitempty"`
	FPS        int          `json:"fps,omitempty"`
	Compress   int          `json:"compressionLevel,omitempty"`
	// ReuseConnection lets the server serve this request on an already open
	// video connection for the same camera.
	ReuseConnection bool `json:"reuseConnection,omitempty"`
}

// VideoStream is the server's answer to a stream request.
type VideoStream struct {
	CameraID   string       `json:"cameraId"`
	VideoID    string       `json:"videoId"`
	SignalType SignalType   `json:"signalType"`
	Method     StreamMethod `json:"method"`
	DataType   DataType     `json:"dataType"`
	// URL is the poll or WebSocket endpoint for this stream, resolved against
	// the server base URL.
	URL string `json:"url"`
}
