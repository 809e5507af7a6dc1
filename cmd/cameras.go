package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"vmslink/internal/session"
	"vmslink/pkg/models"
)

var (
	cameraIDs       []string
	cameraID        string
	outputFile      string
	watchPush       bool
	watchPlayback   bool
	watchFrames     int
	streamWidth     int
	streamHeight    int
	snapshotTimeout time.Duration
)

// Parent Command
var camerasCmd = &cobra.Command{
	Use:   "cameras",
	Short: "Stream video from cameras",
	Long:  `Watch the frame stream of one or more cameras, or save a single image.`,
}

func streamRequest(id string) models.StreamRequest {
	sr := models.StreamRequest{
		CameraID:        id,
		SignalType:      models.SignalLive,
		Method:          models.MethodPull,
		Width:           streamWidth,
		Height:          streamHeight,
		ReuseConnection: true,
	}
	if watchPush {
		sr.Method = models.MethodPush
	}
	if watchPlayback {
		sr.SignalType = models.SignalPlayback
	}
	return sr
}

// frameLine is what watch prints per frame.
type frameLine struct {
	CameraID    string    `json:"cameraId"`
	FrameNumber uint32    `json:"frameNumber"`
	Timestamp   time.Time `json:"timestamp"`
	DataType    string    `json:"dataType"`
	MimeType    string    `json:"mimeType,omitempty"`
	Bytes       int       `json:"bytes"`
	Motion      *uint32   `json:"motion,omitempty"`
}

var camerasWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print frame headers as they arrive",
	Example: `  vmslink cameras watch --id cam1 --id cam2
  vmslink cameras watch --id cam1 --push --frames 100 --json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		s, _, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close(context.Background())

		var mu sync.Mutex
		enc := json.NewEncoder(os.Stdout)
		emit := func(l frameLine) {
			mu.Lock()
			defer mu.Unlock()
			if jsonOutput {
				_ = enc.Encode(l)
				return
			}
			fmt.Printf("%s\t#%d\t%s\t%s\t%d bytes\n", l.CameraID, l.FrameNumber,
				l.Timestamp.Format(time.RFC3339Nano), l.MimeType, l.Bytes)
		}

		runCtx, cancelRun := context.WithCancel(ctx)
		defer cancelRun()
		go s.Run(runCtx)

		g, ctx := errgroup.WithContext(ctx)
		for _, id := range cameraIDs {
			id := id
			g.Go(func() error { return watchCamera(ctx, s, id, emit) })
		}
		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

// watchCamera prints frames of one camera until ctx is done or the frame
// limit is reached.
func watchCamera(ctx context.Context, s *session.Session, id string, emit func(frameLine)) error {
	done := make(chan struct{})
	var once sync.Once
	var count int
	var mu sync.Mutex

	st, err := s.OpenStream(ctx, streamRequest(id), func(f *models.Frame) {
		if f.Empty() {
			return
		}
		l := frameLine{
			CameraID:    id,
			FrameNumber: f.FrameNumber,
			Timestamp:   f.Timestamp,
			DataType:    string(f.DataType),
			MimeType:    f.MimeType,
			Bytes:       len(f.Payload),
		}
		if f.Motion != nil {
			l.Motion = &f.Motion.Amount
		}
		emit(l)

		mu.Lock()
		count++
		reached := watchFrames > 0 && count >= watchFrames
		mu.Unlock()
		if reached {
			once.Do(func() { close(done) })
		}
	})
	if err != nil {
		return fmt.Errorf("camera %s: %w", id, err)
	}
	defer st.Close()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

var camerasSnapshotCmd = &cobra.Command{
	Use:     "snapshot",
	Short:   "Save the first image frame of a camera",
	Example: `  vmslink cameras snapshot --id "camera_id_string" --output "image.jpg"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), snapshotTimeout)
		defer cancel()

		s, _, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close(context.Background())

		fmt.Printf("Requesting image for camera %s ...\n", cameraID)
		images := make(chan *models.Frame, 1)
		st, err := s.OpenStream(ctx, streamRequest(cameraID), func(f *models.Frame) {
			if f.Empty() || f.DataType != models.DataTypeImage {
				return
			}
			select {
			case images <- f:
			default:
			}
		})
		if err != nil {
			return err
		}
		defer st.Close()

		var f *models.Frame
		select {
		case f = <-images:
		case <-ctx.Done():
			return fmt.Errorf("no image within %s: %w", snapshotTimeout, ctx.Err())
		}
		if err := os.WriteFile(outputFile, f.Payload, 0644); err != nil {
			return fmt.Errorf("writing file: %w", err)
		}
		fmt.Printf("Snapshot (%s, %d bytes) saved to %s\n", f.MimeType, len(f.Payload), outputFile)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(camerasCmd)
	camerasCmd.AddCommand(camerasWatchCmd)
	camerasCmd.AddCommand(camerasSnapshotCmd)

	for _, c := range []*cobra.Command{camerasWatchCmd, camerasSnapshotCmd} {
		c.Flags().BoolVar(&watchPush, "push", false, "Receive frames over the WebSocket push channel")
		c.Flags().IntVar(&streamWidth, "width", 0, "Requested frame width")
		c.Flags().IntVar(&streamHeight, "height", 0, "Requested frame height")
	}

	camerasWatchCmd.Flags().StringSliceVar(&cameraIDs, "id", nil, "Camera ID (repeatable)")
	camerasWatchCmd.Flags().BoolVar(&watchPlayback, "playback", false, "Stream recorded video instead of live")
	camerasWatchCmd.Flags().IntVar(&watchFrames, "frames", 0, "Stop after this many frames per camera (0 = until interrupted)")
	_ = camerasWatchCmd.MarkFlagRequired("id")

	camerasSnapshotCmd.Flags().StringVar(&cameraID, "id", "", "ID of the camera")
	camerasSnapshotCmd.Flags().StringVar(&outputFile, "output", "snapshot.jpg", "Output filename")
	camerasSnapshotCmd.Flags().DurationVar(&snapshotTimeout, "timeout", 30*time.Second, "How long to wait for an image")
	_ = camerasSnapshotCmd.MarkFlagRequired("id")
}
