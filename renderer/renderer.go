// Package renderer holds the playback state machine: SOAP actions come
// in through the ticket dispatcher, player notifications come in
// through the translation loop, and both sides mutate a shared State
// that the services project into their responses and events.
package renderer

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"dmrender.app/dmrender/device"
	"dmrender.app/dmrender/httpclient"
	"dmrender.app/dmrender/player"
	"dmrender.app/dmrender/soap"
)

// Rotation handling modes for JPEG items.
const (
	RotateOff       = "n"
	RotateKeypress  = "k"
	RotateTranscode = "j"
)

const defaultProbeTimeout = 5 * time.Second

// EventSink receives eventable property batches for a service short
// name. The subscription manager implements it.
type EventSink interface {
	Publish(service string, props []soap.Arg)
}

// Options are the renderer behavior switches.
type Options struct {
	// Minimize hides the player window while idle.
	Minimize bool

	// FullScreen switches the player to full screen on each session.
	FullScreen bool

	// JpegRotate selects EXIF rotation handling: off, by key press, or
	// by transcoding through RotateCommand.
	JpegRotate string

	// RotateCommand is the external helper for RotateTranscode mode.
	RotateCommand []string

	// HideMKVFromWMP drops the matroska entry from GetProtocolInfo for
	// Microsoft control points, which refuse remote control otherwise.
	HideMKVFromWMP bool

	// TrustController skips media address verification.
	TrustController bool

	// SearchSubtitles probes for sidecar subtitle files next to video
	// items that declare none.
	SearchSubtitles bool

	// ProxyRangeRejecting serves media through the local reverse proxy
	// when the origin rejects partial requests.
	ProxyRangeRejecting bool

	ProbeTimeout time.Duration
}

// Renderer binds the device model, the playback state and the player
// channel together.
type Renderer struct {
	log    zerolog.Logger
	dev    *device.Device
	state  *State
	client *httpclient.Client
	ch     player.Channel
	opts   Options

	// baseURL is this renderer's root URL on the bound interface,
	// http://ip:port without a trailing slash.
	baseURL string

	events EventSink

	cond      *sync.Cond
	received  int
	processed int
	running   bool

	titleMu     sync.Mutex
	title       string
	keyRotation int

	done      chan struct{}
	closeOnce sync.Once
}

// New assembles a renderer. Call SetEvents before Start when eventing
// is wired.
func New(log zerolog.Logger, dev *device.Device, client *httpclient.Client, ch player.Channel, baseURL string, opts Options) *Renderer {
	if opts.JpegRotate == "" {
		opts.JpegRotate = RotateOff
	}
	if opts.ProbeTimeout == 0 {
		opts.ProbeTimeout = defaultProbeTimeout
	}
	return &Renderer{
		log:     log,
		dev:     dev,
		state:   NewState(),
		client:  client,
		ch:      ch,
		opts:    opts,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		cond:    sync.NewCond(&sync.Mutex{}),
		running: true,
		done:    make(chan struct{}),
	}
}

// SetEvents wires the subscription manager.
func (r *Renderer) SetEvents(sink EventSink) {
	r.events = sink
}

// State exposes the shared playback state to the router and eventing.
func (r *Renderer) State() *State {
	return r.state
}

// Device exposes the immutable device model.
func (r *Renderer) Device() *device.Device {
	return r.dev
}

// BaseURL is the renderer's root URL on its bound interface.
func (r *Renderer) BaseURL() string {
	return r.baseURL
}

// Done is closed when the player goes away and the renderer should be
// torn down.
func (r *Renderer) Done() <-chan struct{} {
	return r.done
}

// Start launches the player notification translation loop.
func (r *Renderer) Start() {
	if r.opts.Minimize {
		r.ch.Send(player.Minimize{})
	}
	go r.translate()
}

// Shutdown stops action processing: pending tickets abort with 701.
func (r *Renderer) Shutdown() {
	r.cond.L.Lock()
	r.running = false
	r.cond.L.Unlock()
	r.cond.Broadcast()
	r.closeOnce.Do(func() { close(r.done) })
}

func (r *Renderer) publish(service string, props ...soap.Arg) {
	if r.events != nil {
		r.events.Publish(service, props)
	}
}

func (r *Renderer) setTitle(title string) {
	r.titleMu.Lock()
	r.title = title
	r.titleMu.Unlock()
}

func (r *Renderer) setKeyRotation(deg int) {
	r.titleMu.Lock()
	r.keyRotation = deg
	r.titleMu.Unlock()
}

// translate consumes player notifications and turns them into state
// mutations and service events.
func (r *Renderer) translate() {
	for n := range r.ch.Notifications() {
		switch n := n.(type) {
		case player.HandleReady:
			r.log.Debug().Msg("player handle ready")

		case player.PositionUpdated:
			r.state.SetPosition(FormatClock(n.Seconds))

		case player.DurationUpdated:
			d := FormatClock(n.Seconds)
			r.state.SetDuration(d)
			r.publish("AVTransport",
				soap.Arg{Name: "CurrentMediaDuration", Value: d},
				soap.Arg{Name: "CurrentTrackDuration", Value: d},
			)

		case player.StateChanged:
			r.applyTransportState(n.State.String())

		case player.ErrorOccurred:
			r.publish("AVTransport", soap.Arg{Name: "TransportStatus", Value: "ERROR_OCCURRED"})
			r.publish("AVTransport", soap.Arg{Name: "TransportStatus", Value: "OK"})

		case player.MuteChanged:
			v := "0"
			if n.Mute {
				v = "1"
			}
			if r.state.SetMute(v) {
				r.publish("RenderingControl", soap.Arg{Name: `Mute channel="Master"`, Value: v})
			}

		case player.VolumeChanged:
			v := strconv.Itoa(n.Level)
			if r.state.SetVolume(v) {
				r.publish("RenderingControl", soap.Arg{Name: `Volume channel="Master"`, Value: v})
			}

		case player.SessionOpened:
			r.onSessionOpened()

		case player.Shutdown:
			r.log.Info().Msg("player shut down")
			r.Shutdown()
			return
		}
	}
	r.Shutdown()
}

// applyTransportState mutates the transport state from a player-side
// state string, with the window reactions and the combined
// TransportState+CurrentTransportActions event.
func (r *Renderer) applyTransportState(state string) {
	state = strings.ToUpper(state)
	r.state.SetPlayerStatus(state)
	// Virtual image transitions own the transport state while an image
	// is up and paused playback is simulated.
	r.state.SetTransportState(state)

	switch state {
	case StateStopped:
		r.setTitle("")
		r.ch.Send(player.SetTitle{Title: r.dev.Name})
		if r.opts.Minimize {
			if r.state.PlayerImage() {
				time.AfterFunc(500*time.Millisecond, func() {
					if st := r.state.PlayerStatus(); st == StateStopped || st == StatePaused {
						r.ch.Send(player.Minimize{})
					}
				})
			} else {
				r.ch.Send(player.Minimize{})
			}
		}
	case StatePlaying, StatePaused:
		if r.opts.Minimize {
			r.ch.Send(player.Restore{})
		}
		if r.opts.FullScreen {
			r.ch.Send(player.Fullscreen{})
		}
	}

	r.publish("AVTransport",
		soap.Arg{Name: "TransportState", Value: state},
		soap.Arg{Name: "CurrentTransportActions", Value: ActionsFor(state)},
	)
}

// onSessionOpened pushes the per-session extras once media is loaded:
// window title, declared subtitles, key-press rotation.
func (r *Renderer) onSessionOpened() {
	r.titleMu.Lock()
	title := r.title
	rotation := r.keyRotation
	r.titleMu.Unlock()

	if title != "" {
		r.ch.Send(player.SetTitle{Title: r.dev.Name + " - " + title})
	}
	if sub := r.state.Track().SubURI; sub != "" {
		r.ch.Send(player.LoadSubtitles{URI: sub})
	}
	if rotation != 0 && r.opts.JpegRotate == RotateKeypress {
		r.ch.Send(player.Rotate{Degrees: rotation})
	}
	if r.opts.FullScreen {
		r.ch.Send(player.Fullscreen{})
	}
}

// Snapshot builds the full eventable-state batch a new subscription is
// seeded with.
func (r *Renderer) Snapshot(service string) []soap.Arg {
	switch {
	case strings.EqualFold(service, "AVTransport"):
		track := r.state.Track()
		state := r.state.TransportState()
		duration := r.state.Duration()
		count := "0"
		if track.URI != "" {
			count = "1"
		}
		return []soap.Arg{
			{Name: "TransportState", Value: state},
			{Name: "TransportStatus", Value: "OK"},
			{Name: "TransportPlaySpeed", Value: "1"},
			{Name: "NumberOfTracks", Value: count},
			{Name: "CurrentMediaDuration", Value: duration},
			{Name: "AVTransportURI", Value: track.URI},
			{Name: "AVTransportURIMetaData", Value: track.Metadata},
			{Name: "PlaybackStorageMedium", Value: "NETWORK,NONE"},
			{Name: "CurrentTrack", Value: count},
			{Name: "CurrentTrackDuration", Value: duration},
			{Name: "CurrentTrackMetaData", Value: track.Metadata},
			{Name: "CurrentTrackURI", Value: track.URI},
			{Name: "CurrentTransportActions", Value: ActionsFor(state)},
			{Name: "CurrentPlayMode", Value: "NORMAL"},
		}
	case strings.EqualFold(service, "RenderingControl"):
		return []soap.Arg{
			{Name: `Mute channel="Master"`, Value: r.state.Mute()},
			{Name: `Volume channel="Master"`, Value: r.state.Volume()},
		}
	case strings.EqualFold(service, "ConnectionManager"):
		return []soap.Arg{
			{Name: "SourceProtocolInfo", Value: ""},
			{Name: "SinkProtocolInfo", Value: r.dev.Sink},
		}
	}
	return nil
}

// lastSegment is the final path component of a URL or local path, used
// to give proxy and rotated URLs a recognizable tail.
func lastSegment(uri string) string {
	sep := "/"
	if !strings.Contains(uri, "://") {
		if strings.Contains(uri, "\\") {
			sep = "\\"
		}
	}
	parts := strings.Split(uri, sep)
	return parts[len(parts)-1]
}
