package renderer

import (
	"bytes"
	"context"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/h2non/filetype"

	"dmrender.app/dmrender/device"
	"dmrender.app/dmrender/player"
	"dmrender.app/dmrender/rotate"
	"dmrender.app/dmrender/soap"
)

// Result codes from ProcessAction. 200 carries out-arguments; the
// UPnP codes map to fault envelopes, 400/404 to bare HTTP errors.
const (
	ResultOK         = 200
	ResultBadRequest = 400
	ResultNotFound   = 404
)

var sidecarSubtitleExts = []string{".ttxt", ".txt", ".smi", ".srt", ".sub", ".ssa", ".ass"}

// ProcessAction validates a SOAP call against the service's action
// table, waits for its ticket turn and executes it. Calls run in
// strict arrival order even when submitted concurrently.
func (r *Renderer) ProcessAction(serviceShort, action string, args []soap.Arg, agent string) (int, []soap.Arg) {
	svc := r.serviceByShortName(serviceShort)
	if svc == nil {
		return ResultBadRequest, nil
	}
	schema := r.actionSchema(svc, action)
	if schema == nil {
		return soap.ErrInvalidAction, nil
	}

	in, ok := collectInArgs(schema, args)
	if !ok {
		return soap.ErrInvalidArgs, nil
	}

	// Ticket: strict FIFO completion order across all services.
	r.cond.L.Lock()
	ticket := r.received
	r.received++
	for ticket > r.processed && r.running {
		r.cond.Wait()
	}
	running := r.running
	r.cond.L.Unlock()

	defer func() {
		r.cond.L.Lock()
		r.processed++
		r.cond.L.Unlock()
		r.cond.Broadcast()
	}()

	if !running {
		return soap.ErrNotAvailable, nil
	}

	r.log.Debug().Int("ticket", ticket).Str("service", serviceShort).Str("action", schema.Name).Msg("processing action")
	code, out := r.execute(schema, in, agent)
	if code == ResultOK {
		r.log.Info().Str("service", serviceShort).Str("action", schema.Name).Msg("action done")
	} else {
		r.log.Info().Str("service", serviceShort).Str("action", schema.Name).Int("code", code).Msg("action failed")
	}
	return code, out
}

func (r *Renderer) serviceByShortName(short string) *device.Service {
	for _, svc := range r.dev.Services {
		if strings.EqualFold(svc.ShortName(), short) {
			return svc
		}
	}
	return nil
}

func (r *Renderer) actionSchema(svc *device.Service, action string) *device.Action {
	for _, a := range svc.Actions {
		if strings.EqualFold(a.Name, action) {
			return a
		}
	}
	return nil
}

// collectInArgs merges supplied arguments over schema defaults. An
// unknown argument name, or a required argument left without a value,
// fails validation.
func collectInArgs(schema *device.Action, args []soap.Arg) (map[string]string, bool) {
	in := make(map[string]*string)
	for _, arg := range schema.In() {
		in[strings.ToLower(arg.Name)] = arg.Default
	}
	for _, a := range args {
		key := strings.ToLower(a.Name)
		if _, known := in[key]; !known {
			return nil, false
		}
		v := a.Value
		in[key] = &v
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		if v == nil {
			return nil, false
		}
		out[k] = *v
	}
	return out, true
}

// outArgs builds the response argument list in schema order, skipping
// entries the executor marked absent.
func outArgs(schema *device.Action, values map[string]string) []soap.Arg {
	var out []soap.Arg
	for _, arg := range schema.Out() {
		v, ok := values[arg.Name]
		if !ok {
			if arg.Default != nil {
				v = *arg.Default
			} else {
				continue
			}
		}
		out = append(out, soap.Arg{Name: arg.Name, Value: v})
	}
	return out
}

func (r *Renderer) execute(schema *device.Action, in map[string]string, agent string) (int, []soap.Arg) {
	values := map[string]string{}
	switch strings.ToLower(schema.Name) {
	case "getprotocolinfo":
		values["Source"] = ""
		sink := r.dev.Sink
		if r.opts.HideMKVFromWMP && strings.Contains(strings.ToLower(agent), "microsoft") {
			sink = strings.ReplaceAll(sink, ",http-get:*:video/x-matroska:*", "")
		}
		values["Sink"] = sink

	case "setavtransporturi":
		return r.setAVTransportURI(in)

	case "play":
		if code := r.play(); code != ResultOK {
			return code, nil
		}

	case "pause":
		if code := r.pause(); code != ResultOK {
			return code, nil
		}

	case "stop":
		r.stop()

	case "seek":
		if code := r.seek(in); code != ResultOK {
			return code, nil
		}

	case "getpositioninfo":
		if r.state.TransportState() == StateNoMedia {
			values = map[string]string{
				"Track": "0", "TrackDuration": "0:00:00", "TrackMetaData": "", "TrackURI": "",
				"RelTime": "0:00:00", "AbsTime": "0:00:00", "RelCount": "2147483647", "AbsCount": "2147483647",
			}
		} else {
			track := r.state.Track()
			values = map[string]string{
				"Track":         "1",
				"TrackDuration": r.state.Duration(),
				"TrackMetaData": track.Metadata,
				"TrackURI":      track.URI,
				"RelTime":       r.state.Position(),
				"AbsTime":       r.state.Position(),
				"RelCount":      "2147483647",
				"AbsCount":      "2147483647",
			}
		}

	case "getmediainfo":
		track := r.state.Track()
		nrTracks := "1"
		if r.state.TransportState() == StateNoMedia {
			nrTracks = "0"
		}
		values = map[string]string{
			"NrTracks":           nrTracks,
			"MediaDuration":      r.state.Duration(),
			"CurrentURI":         track.URI,
			"CurrentURIMetaData": track.Metadata,
			"NextURI":            "",
			"NextURIMetaData":    "",
			"PlayMedium":         "NETWORK,NONE",
			"RecordMedium":       "NOT_IMPLEMENTED",
			"WriteStatus":        "NOT_IMPLEMENTED",
		}

	case "gettransportinfo":
		values = map[string]string{
			"CurrentTransportState":  r.state.TransportState(),
			"CurrentTransportStatus": "OK",
			"CurrentSpeed":           "1",
		}

	case "getmute":
		values["CurrentMute"] = r.state.Mute()

	case "getvolume":
		values["CurrentVolume"] = r.state.Volume()

	case "setmute":
		r.ch.Send(player.SetMute{Mute: in["desiredmute"] == "1"})

	case "setvolume":
		level, err := strconv.ParseFloat(in["desiredvolume"], 64)
		if err != nil {
			return soap.ErrInvalidArgs, nil
		}
		r.ch.Send(player.SetVolume{Level: int(level)})

	case "getcurrenttransportactions":
		values["Actions"] = ActionsFor(r.state.TransportState())

	default:
		return soap.ErrInvalidAction, nil
	}

	return ResultOK, outArgs(schema, values)
}

func (r *Renderer) play() int {
	if r.state.TransportState() == StateNoMedia {
		return soap.ErrNotAvailable
	}
	switch {
	case r.state.PlayerStatus() == StateStopped || r.state.PlayerStatus() == StateNoMedia:
		r.sendLoad()
		if r.opts.Minimize {
			r.ch.Send(player.Restore{})
		}
	case r.state.PlayerImage():
		// Images have no real playback; the transition is virtual.
		r.state.SetPlayerPaused(false)
		if r.state.PlayerStatus() != StatePlaying {
			r.applyTransportState(StatePlaying)
		}
	default:
		r.ch.Send(player.Play{})
	}
	return ResultOK
}

func (r *Renderer) pause() int {
	if r.state.TransportState() == StateNoMedia {
		return soap.ErrNotAvailable
	}
	if r.state.PlayerImage() {
		r.state.SetPlayerPaused(true)
		if r.state.PlayerStatus() == StatePlaying {
			r.applyTransportState(StatePaused)
		}
	} else {
		r.ch.Send(player.Pause{})
	}
	return ResultOK
}

func (r *Renderer) stop() {
	switch r.state.TransportState() {
	case StatePlaying, StatePaused, StateTransitioning:
		r.ch.Send(player.Stop{})
		if r.opts.Minimize {
			r.ch.Send(player.Minimize{})
		}
	}
}

func (r *Renderer) seek(in map[string]string) int {
	if r.state.TransportState() == StateNoMedia {
		return soap.ErrNotAvailable
	}
	unit := strings.ToUpper(in["unit"])
	if unit != "REL_TIME" && unit != "ABS_TIME" {
		return soap.ErrNotAvailable
	}
	if r.state.TransportState() != StateStopped {
		r.ch.Send(player.Seek{Seconds: ParseClock(in["target"])})
	}
	return ResultOK
}

// sendLoad issues the load command for the current track, picking the
// rotated-image URL or the proxy URL when they are engaged.
func (r *Renderer) sendLoad() {
	track := r.state.Track()
	uri := track.URI
	if track.ProxyURI != "" {
		uri = track.ProxyURI
	}
	if len(r.state.RotatedImage()) > 0 {
		uri = r.baseURL + "/rotated-" + lastSegment(track.URI)
	}
	r.ch.Send(player.Load{URI: uri})

	isImage := strings.Contains(
		strings.ReplaceAll(strings.ToLower(track.Metadata), " ", ""),
		"<upnp:class>object.item.imageitem",
	)
	r.state.SetPlayerImage(isImage)
	if !isImage {
		r.ch.Send(player.Play{})
	}
}

// setAVTransportURI runs the full load pipeline: optimistic state,
// metadata resolution, reachability checks, caption and rotation
// handling, proxy engagement, and finally the player load.
func (r *Renderer) setAVTransportURI(in map[string]string) (int, []soap.Arg) {
	prev := r.state.TransportState()
	r.state.SetTransportState(StateTransitioning)
	r.publish("AVTransport",
		soap.Arg{Name: "TransportState", Value: StateTransitioning},
		soap.Arg{Name: "CurrentTransportActions", Value: ActionsFor(StateTransitioning)},
	)

	media := soap.ParseDIDL(in["currenturimetadata"], in["currenturi"])
	ctx := context.Background()
	timeout := r.opts.ProbeTimeout

	reachable := false
	server := ""
	rejectRange := false
	if media.URI != "" {
		switch {
		case r.opts.TrustController:
			reachable = true
		case strings.Contains(media.URI, "://"):
			if resp := r.client.HeadResponse(ctx, media.URI, timeout); resp.Valid() && resp.Code < 400 {
				reachable = true
				server = resp.Headers.Get("Server")
				if hdr := resp.Headers.Get("CaptionInfo.sec"); hdr != "" {
					media.CaptionURI = hdr
				}
				if r.opts.ProxyRangeRejecting {
					rejectRange = r.client.RejectsRange(ctx, media.URI, timeout)
				}
			}
		default:
			if fi, err := os.Stat(media.URI); err == nil && fi.Mode().IsRegular() {
				reachable = true
			}
		}
	}
	if !reachable {
		r.publish("AVTransport", soap.Arg{Name: "TransportStatus", Value: "ERROR_OCCURRED"})
		r.publish("AVTransport", soap.Arg{Name: "TransportStatus", Value: "OK"})
		r.state.SetTransportState(prev)
		r.publish("AVTransport",
			soap.Arg{Name: "TransportState", Value: prev},
			soap.Arg{Name: "CurrentTransportActions", Value: ActionsFor(prev)},
		)
		return soap.ErrResourceMissing, nil
	}

	r.verifyCaption(ctx, &media, timeout)
	if media.CaptionURI == "" && r.opts.SearchSubtitles && media.IsVideo() &&
		strings.Contains(media.URI, "://") &&
		!strings.Contains(strings.ToLower(server), "microsoft-httpapi") &&
		!strings.Contains(strings.ToLower(server), "bubbleupnp") {
		r.probeSidecarSubtitles(ctx, &media, timeout)
	}

	rotation := r.prepareRotation(ctx, media, timeout)

	// Windows Media's MDEServer streams conversion-indicated content
	// that cannot seek; force the proxy heuristic for it.
	if strings.Contains(strings.ToLower(media.URI), "mdeserver") &&
		strings.Contains(strings.ToUpper(media.ProtocolInfo), "DLNA.ORG_CI=") &&
		!strings.Contains(strings.ToUpper(media.ProtocolInfo), "DLNA.ORG_CI=0") {
		rejectRange = true
	}

	proxyURI := ""
	if r.opts.ProxyRangeRejecting && rejectRange {
		proxyURI = r.baseURL + "/proxy-" + lastSegment(media.URI)
	}

	metadata := soap.BuildDIDL(media)
	r.state.SetTrack(Track{
		URI:      media.URI,
		Metadata: metadata,
		SubURI:   media.CaptionURI,
		ProxyURI: proxyURI,
	})
	r.publish("AVTransport",
		soap.Arg{Name: "AVTransportURI", Value: media.URI},
		soap.Arg{Name: "AVTransportURIMetaData", Value: metadata},
		soap.Arg{Name: "CurrentTrackMetaData", Value: metadata},
		soap.Arg{Name: "CurrentTrackURI", Value: media.URI},
	)

	if prev == StateTransitioning {
		r.ch.Send(player.Stop{})
	}

	title := media.Title
	if title == "" {
		title = lastSegment(media.URI)
	}
	r.setTitle(title)
	r.setKeyRotation(rotation)

	if playerIdle(r.state.PlayerStatus()) && (prev == StateNoMedia || prev == StateStopped) {
		// Idle on both sides: park as loaded-but-stopped, no playback.
		r.state.SetTransportState(StateStopped)
		r.state.SetPosition("0:00:00")
		r.state.SetDuration("0:00:00")
		r.publish("AVTransport",
			soap.Arg{Name: "TransportState", Value: StateStopped},
			soap.Arg{Name: "CurrentTransportActions", Value: ActionsFor(StateStopped)},
		)
		r.publish("AVTransport",
			soap.Arg{Name: "CurrentMediaDuration", Value: "0:00:00"},
			soap.Arg{Name: "CurrentTrackDuration", Value: "0:00:00"},
		)
	} else {
		r.sendLoad()
	}

	r.log.Info().Str("title", title).Str("uri", media.URI).Str("class", media.Class).Msg("media loaded")
	return ResultOK, nil
}

func playerIdle(status string) bool {
	return status == StateStopped || status == StateNoMedia
}

// verifyCaption drops a declared caption URI that does not answer.
func (r *Renderer) verifyCaption(ctx context.Context, media *soap.Media, timeout time.Duration) {
	if media.CaptionURI == "" || r.opts.TrustController {
		return
	}
	if strings.Contains(media.URI, "://") {
		if !r.client.Head(ctx, media.CaptionURI, timeout) {
			media.CaptionURI = ""
		}
	} else if fi, err := os.Stat(media.CaptionURI); err != nil || !fi.Mode().IsRegular() {
		media.CaptionURI = ""
	}
}

// probeSidecarSubtitles tries the usual sidecar extensions next to the
// media URI and keeps the first one that answers.
func (r *Renderer) probeSidecarSubtitles(ctx context.Context, media *soap.Media, timeout time.Duration) {
	base := media.URI
	if i := strings.LastIndex(base, "."); i > 0 {
		base = base[:i]
	}
	for _, ext := range sidecarSubtitleExts {
		if r.client.Head(ctx, base+ext, 2*time.Second) {
			media.CaptionURI = base + ext
			media.CaptionType = ext
			return
		}
	}
}

// prepareRotation resolves EXIF rotation for image items. In transcode
// mode the rotated bytes land in the state for /rotated-* serving; in
// keypress mode the angle is pushed to the player at session open.
func (r *Renderer) prepareRotation(ctx context.Context, media soap.Media, timeout time.Duration) int {
	r.state.SetRotatedImage(nil)
	if !media.IsImage() || r.opts.JpegRotate == RotateOff {
		return 0
	}

	var raw []byte
	if strings.Contains(media.URI, "://") {
		raw, _ = r.client.Fetch(ctx, media.URI, timeout, 32<<20)
	} else {
		raw, _ = os.ReadFile(media.URI)
	}
	// Orientation metadata only exists in jpeg containers; other image
	// formats declared as imageitem are served as-is.
	if len(raw) == 0 || !filetype.Is(raw, "jpg") {
		return 0
	}
	angle := rotate.Orientation(bytes.NewReader(raw))
	if angle == 0 {
		return 0
	}

	switch r.opts.JpegRotate {
	case RotateKeypress:
		return angle
	case RotateTranscode:
		rotated, err := rotate.Transform(raw, angle, r.opts.RotateCommand)
		if err != nil {
			r.log.Warn().Err(err).Msg("rotation helper failed, serving unrotated")
			return 0
		}
		r.state.SetRotatedImage(rotated)
		r.log.Debug().Int("angle", angle).Msg("image pre-rotated")
	}
	return 0
}
