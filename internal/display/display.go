// Package display renders frames into named video panes. Each pane is a
// small GStreamer pipeline fed through an appsrc; panes are created lazily
// on first use and rebuilt when the incoming frame size changes.
package display

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/care/vigil/internal/types"
)

// Pane names used by the session loop.
const (
	// PaneLive shows every frame of the running source.
	PaneLive = "video"
	// PaneAnalysis shows the frame currently under inspection: the frame
	// dispatched for monitoring, or the frozen frame of a question.
	PaneAnalysis = "frame"
)

// Display renders frames into named panes.
type Display interface {
	// Show renders one frame in the given pane
	Show(pane string, frame types.Frame) error
	// Close tears down all panes
	Close() error
}

// Nop is the headless display: it accepts and discards everything.
type Nop struct{}

func (Nop) Show(string, types.Frame) error { return nil }
func (Nop) Close() error                   { return nil }

// gstFormatTime is the GstFormat enum value for time-based buffers.
const gstFormatTime = 3

// Window implements Display with one autovideosink pipeline per pane.
type Window struct {
	scale float64

	mu    sync.Mutex
	panes map[string]*pane
}

type pane struct {
	pipeline *gst.Pipeline
	src      *app.Source
	width    int
	height   int
	broken   bool
}

// NewWindow creates a windowed display. Scale below 1.0 shrinks the panes;
// any other value shows frames at native size.
func NewWindow(scale float64) *Window {
	gst.Init(nil)
	return &Window{
		scale: scale,
		panes: make(map[string]*pane),
	}
}

// Show renders a frame. A pane that failed to build stays disabled so a
// headless environment degrades to log output instead of failing the loop.
func (w *Window) Show(name string, frame types.Frame) error {
	if len(frame.Data) == 0 || frame.Width <= 0 || frame.Height <= 0 {
		return fmt.Errorf("refusing to show empty frame in pane %q", name)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	p, ok := w.panes[name]
	if ok && p.broken {
		return nil
	}
	if ok && (p.width != frame.Width || p.height != frame.Height) {
		// Source switched resolution; rebuild the pane around it.
		p.teardown()
		delete(w.panes, name)
		ok = false
	}
	if !ok {
		var err error
		p, err = w.buildPane(frame.Width, frame.Height)
		if err != nil {
			slog.Warn("display pane unavailable, continuing without it",
				"pane", name,
				"error", err,
			)
			w.panes[name] = &pane{broken: true}
			return nil
		}
		w.panes[name] = p
	}

	buffer := gst.NewBufferFromBytes(frame.Data)
	if ret := p.src.PushBuffer(buffer); ret != gst.FlowOK {
		return fmt.Errorf("pane %q rejected frame: %s", name, ret)
	}
	return nil
}

// buildPane assembles appsrc -> videoconvert -> videoscale -> capsfilter ->
// autovideosink for one frame size.
func (w *Window) buildPane(width, height int) (*pane, error) {
	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	appsrc, err := app.NewAppSrc()
	if err != nil {
		return nil, fmt.Errorf("failed to create appsrc: %w", err)
	}
	appsrc.SetProperty("is-live", true)
	appsrc.SetProperty("do-timestamp", true)
	appsrc.SetProperty("format", gstFormatTime)
	appsrc.SetProperty("caps", gst.NewCapsFromString(fmt.Sprintf(
		"video/x-raw,format=BGR,width=%d,height=%d,framerate=0/1",
		width, height,
	)))

	videoconvert, _ := gst.NewElement("videoconvert")
	videoscale, _ := gst.NewElement("videoscale")

	capsfilter, _ := gst.NewElement("capsfilter")
	capsStr := "video/x-raw"
	if w.scale > 0 && w.scale < 1.0 {
		capsStr = fmt.Sprintf("video/x-raw,width=%d,height=%d",
			int(float64(width)*w.scale), int(float64(height)*w.scale))
	}
	capsfilter.SetProperty("caps", gst.NewCapsFromString(capsStr))

	sink, err := gst.NewElement("autovideosink")
	if err != nil {
		return nil, fmt.Errorf("failed to create autovideosink: %w", err)
	}
	sink.SetProperty("sync", false)

	pipeline.AddMany(appsrc.Element, videoconvert, videoscale, capsfilter, sink)
	gst.ElementLinkMany(appsrc.Element, videoconvert, videoscale, capsfilter, sink)

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		return nil, fmt.Errorf("failed to start pane pipeline: %w", err)
	}

	return &pane{
		pipeline: pipeline,
		src:      appsrc,
		width:    width,
		height:   height,
	}, nil
}

func (p *pane) teardown() {
	if p.pipeline == nil {
		return
	}
	p.src.EndStream()
	p.pipeline.SetState(gst.StateNull)
	p.pipeline = nil
	p.src = nil
}

// Close tears down all panes.
func (w *Window) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for name, p := range w.panes {
		p.teardown()
		delete(w.panes, name)
	}
	slog.Debug("display closed")
	return nil
}
