package stream

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/care/vigil/internal/types"
)

// FileStream implements Provider over an ordered list of video files.
// Playback runs at each file's native rate; end of stream advances to the
// next entry and wraps past the last, so the playlist loops forever.
type FileStream struct {
	playlist []string
	idx      int

	pipeline *gst.Pipeline
	appsink  *app.Sink

	frames chan types.Frame
	mu     sync.RWMutex

	// Current file's native properties, read from negotiated caps.
	curWidth  int
	curHeight int
	curFPS    int
	curSource string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	frameCount    uint64
	framesDropped uint64
	errorCount    uint64
	connected     atomic.Bool
	started       time.Time

	maxRetries     int
	retryDelay     time.Duration
	maxRetryDelay  time.Duration
	currentRetries int
}

// NewFileStream creates a playlist stream from a video file or a folder of
// video files.
func NewFileStream(path string) (*FileStream, error) {
	playlist, err := ResolveSources(path)
	if err != nil {
		return nil, err
	}

	return &FileStream{
		playlist:      playlist,
		frames:        make(chan types.Frame, 10),
		maxRetries:    5,
		retryDelay:    1 * time.Second,
		maxRetryDelay: 30 * time.Second,
	}, nil
}

// Playlist returns the resolved playback order.
func (s *FileStream) Playlist() []string {
	return s.playlist
}

// Start initializes GStreamer and begins playback with the first entry.
func (s *FileStream) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return fmt.Errorf("stream already started")
	}

	gst.Init(nil)

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started = time.Now()

	s.wg.Add(1)
	go s.runPipeline()

	slog.Info("video stream starting", "files", len(s.playlist))

	return nil
}

// runPipeline plays playlist entries one after another. A finished file
// advances cleanly; a broken file advances with backoff so a playlist of
// unreadable entries cannot spin.
func (s *FileStream) runPipeline() {
	defer s.wg.Done()
	defer close(s.frames)

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		path := s.playlist[s.idx]
		err := s.playFile(path)
		s.connected.Store(false)

		select {
		case <-s.ctx.Done():
			return
		default:
		}

		s.advance()

		if err == nil {
			s.currentRetries = 0
			continue
		}

		atomic.AddUint64(&s.errorCount, 1)
		slog.Error("video playback error", "file", path, "error", err)

		s.currentRetries++
		if s.currentRetries > s.maxRetries {
			slog.Error("video retries exhausted, stopping stream",
				"retries", s.currentRetries,
			)
			return
		}

		delay := s.retryDelay * time.Duration(1<<uint(s.currentRetries-1))
		if delay > s.maxRetryDelay {
			delay = s.maxRetryDelay
		}

		select {
		case <-time.After(delay):
		case <-s.ctx.Done():
			return
		}
	}
}

// advance moves to the next playlist entry, wrapping past the last.
func (s *FileStream) advance() string {
	s.idx = (s.idx + 1) % len(s.playlist)
	return s.playlist[s.idx]
}

// playFile builds a decode pipeline for one file and pumps frames until end
// of stream, error, or shutdown. Returns nil on a clean end of stream.
func (s *FileStream) playFile(path string) error {
	s.mu.Lock()
	s.curWidth, s.curHeight, s.curFPS = 0, 0, 0
	s.curSource = filepath.Base(path)
	s.mu.Unlock()

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}
	s.pipeline = pipeline

	filesrc, err := gst.NewElement("filesrc")
	if err != nil {
		return fmt.Errorf("failed to create filesrc: %w", err)
	}
	filesrc.SetProperty("location", path)

	decodebin, err := gst.NewElement("decodebin")
	if err != nil {
		return fmt.Errorf("failed to create decodebin: %w", err)
	}

	videoconvert, _ := gst.NewElement("videoconvert")

	capsfilter, _ := gst.NewElement("capsfilter")
	capsfilter.SetProperty("caps", gst.NewCapsFromString("video/x-raw,format=BGR"))

	appsink, err := app.NewAppSink()
	if err != nil {
		return fmt.Errorf("failed to create appsink: %w", err)
	}
	s.appsink = appsink

	// sync=true paces delivery to the file's own frame rate.
	appsink.SetProperty("sync", true)
	appsink.SetProperty("max-buffers", 1)
	appsink.SetProperty("drop", true)

	appsink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: func(sink *app.Sink) gst.FlowReturn {
			return s.onNewSample(sink)
		},
	})

	pipeline.AddMany(filesrc, decodebin, videoconvert, capsfilter, appsink.Element)

	gst.ElementLinkMany(filesrc, decodebin)
	gst.ElementLinkMany(videoconvert, capsfilter, appsink.Element)

	// decodebin exposes pads once it knows the streams; take the video one
	// and leave any audio branch unlinked.
	decodebin.Connect("pad-added", func(self *gst.Element, srcPad *gst.Pad) {
		caps := srcPad.GetCurrentCaps()
		if caps == nil || caps.GetSize() == 0 {
			return
		}
		if !strings.HasPrefix(caps.GetStructureAt(0).Name(), "video/") {
			return
		}
		sinkPad := videoconvert.GetStaticPad("sink")
		if sinkPad != nil {
			srcPad.Link(sinkPad)
		}
	})

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("failed to set pipeline to playing: %w", err)
	}
	defer pipeline.SetState(gst.StateNull)

	bus := pipeline.GetPipelineBus()
	for {
		select {
		case <-s.ctx.Done():
			return nil
		default:
		}

		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			slog.Debug("end of file", "file", path)
			return nil

		case gst.MessageError:
			gerr := msg.ParseError()
			return fmt.Errorf("pipeline error: %w", gerr)

		case gst.MessageStateChanged:
			if msg.Source() == pipeline.GetName() {
				_, newState := msg.ParseStateChanged()
				if newState == gst.StatePlaying {
					s.connected.Store(true)
				}
			}
		}
	}
}

// onNewSample copies one decoded buffer out of GStreamer. The first sample
// of each file also records the negotiated dimensions and frame rate.
func (s *FileStream) onNewSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		return gst.FlowEOS
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		return gst.FlowError
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	defer buffer.Unmap()

	if len(data) == 0 {
		return gst.FlowOK
	}

	s.mu.Lock()
	if s.curWidth == 0 {
		s.readNegotiatedCaps()
		slog.Info("playing video",
			"file", s.curSource,
			"resolution", fmt.Sprintf("%dx%d", s.curWidth, s.curHeight),
			"fps", s.curFPS,
		)
	}
	width, height, source := s.curWidth, s.curHeight, s.curSource
	s.mu.Unlock()

	frameData := make([]byte, len(data))
	copy(frameData, data)

	frame := types.Frame{
		Seq:          atomic.AddUint64(&s.frameCount, 1),
		Timestamp:    time.Now(),
		Width:        width,
		Height:       height,
		Data:         frameData,
		SourceStream: source,
		TraceID:      uuid.New().String(),
	}

	select {
	case s.frames <- frame:
	default:
		atomic.AddUint64(&s.framesDropped, 1)
		slog.Debug("dropping video frame, channel full", "seq", frame.Seq)
	}

	return gst.FlowOK
}

// readNegotiatedCaps pulls width, height, and frame rate from the appsink
// pad once caps are negotiated. Caller holds mu.
func (s *FileStream) readNegotiatedCaps() {
	pad := s.appsink.Element.GetStaticPad("sink")
	if pad == nil {
		return
	}
	caps := pad.GetCurrentCaps()
	if caps == nil || caps.GetSize() == 0 {
		return
	}
	structure := caps.GetStructureAt(0)

	if val, err := structure.GetValue("width"); err == nil {
		if width, ok := val.(int); ok {
			s.curWidth = width
		}
	}
	if val, err := structure.GetValue("height"); err == nil {
		if height, ok := val.(int); ok {
			s.curHeight = height
		}
	}
	if val, err := structure.GetValue("framerate"); err == nil {
		s.curFPS = parseFPS(fmt.Sprintf("%v", val))
	}
}

// parseFPS converts a framerate fraction to integer FPS.
// "30/1" -> 30, "30000/1001" -> 29.
func parseFPS(framerate string) int {
	var numerator, denominator int
	if _, err := fmt.Sscanf(framerate, "%d/%d", &numerator, &denominator); err == nil {
		if denominator > 0 {
			return numerator / denominator
		}
	}

	var fps int
	if _, err := fmt.Sscanf(framerate, "%d", &fps); err == nil {
		return fps
	}
	return 0
}

// Frames returns the channel of decoded frames.
func (s *FileStream) Frames() <-chan types.Frame {
	return s.frames
}

// Stop stops playback. Waits a bounded time for the pipeline to wind down.
func (s *FileStream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return fmt.Errorf("stream not started")
	}

	slog.Info("stopping video stream")
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("video stream stopped",
			"frames", atomic.LoadUint64(&s.frameCount),
			"dropped", atomic.LoadUint64(&s.framesDropped),
			"uptime", time.Since(s.started),
		)
	case <-time.After(3 * time.Second):
		slog.Warn("video stream stop timeout, pipeline may still be running")
	}

	return nil
}

// Stats returns current stream statistics.
func (s *FileStream) Stats() types.StreamStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	frameCount := atomic.LoadUint64(&s.frameCount)
	uptime := time.Since(s.started).Seconds()

	var fpsReal float64
	if uptime > 0 {
		fpsReal = float64(frameCount) / uptime
	}

	return types.StreamStats{
		FrameCount:    frameCount,
		FramesDropped: atomic.LoadUint64(&s.framesDropped),
		FPSTarget:     s.curFPS,
		FPSReal:       fpsReal,
		SourceStream:  s.curSource,
		Resolution:    fmt.Sprintf("%dx%d", s.curWidth, s.curHeight),
		IsConnected:   s.connected.Load(),
		Errors:        atomic.LoadUint64(&s.errorCount),
	}
}
