package renderer

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dmrender.app/dmrender/device"
	"dmrender.app/dmrender/httpclient"
	"dmrender.app/dmrender/player"
	"dmrender.app/dmrender/soap"
)

type fakeChannel struct {
	mu    sync.Mutex
	cmds  []player.Command
	notes chan player.Notification
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{notes: make(chan player.Notification, 32)}
}

func (f *fakeChannel) Send(c player.Command) {
	f.mu.Lock()
	f.cmds = append(f.cmds, c)
	f.mu.Unlock()
}

func (f *fakeChannel) Notifications() <-chan player.Notification { return f.notes }

func (f *fakeChannel) Close() { close(f.notes) }

func (f *fakeChannel) commands() []player.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]player.Command, len(f.cmds))
	copy(out, f.cmds)
	return out
}

type publishedBatch struct {
	Service string
	Props   []soap.Arg
}

type fakeSink struct {
	mu      sync.Mutex
	batches []publishedBatch
}

func (f *fakeSink) Publish(service string, props []soap.Arg) {
	f.mu.Lock()
	f.batches = append(f.batches, publishedBatch{Service: service, Props: props})
	f.mu.Unlock()
}

func (f *fakeSink) all() []publishedBatch {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]publishedBatch, len(f.batches))
	copy(out, f.batches)
	return out
}

func newTestRenderer(t *testing.T, opts Options) (*Renderer, *fakeChannel, *fakeSink) {
	t.Helper()
	log := zerolog.Nop()
	dev, err := device.New("test renderer")
	require.NoError(t, err)
	ch := newFakeChannel()
	sink := &fakeSink{}
	r := New(log, dev, httpclient.New(log), ch, "http://10.0.0.2:9700", opts)
	r.SetEvents(sink)
	return r, ch, sink
}

func argValue(args []soap.Arg, name string) (string, bool) {
	for _, a := range args {
		if a.Name == name {
			return a.Value, true
		}
	}
	return "", false
}

func TestClockFormat(t *testing.T) {
	tt := []struct {
		name    string
		seconds int
		want    string
	}{
		{"zero", 0, "0:00:00"},
		{"negative clamps", -5, "0:00:00"},
		{"seconds only", 42, "0:00:42"},
		{"minutes", 125, "0:02:05"},
		{"hours", 3600, "1:00:00"},
		{"long", 7*3600 + 59*60 + 59, "7:59:59"},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, FormatClock(tc.seconds))
		})
	}
}

func TestClockParse(t *testing.T) {
	tt := []struct {
		name  string
		clock string
		want  int
	}{
		{"full", "1:02:03", 3723},
		{"minutes only", "02:05", 125},
		{"bare seconds", "42", 42},
		{"padded", "0:00:07", 7},
		{"garbage component", "x:00:30", 30},
		{"empty", "", 0},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ParseClock(tc.clock))
		})
	}
}

func TestProcessActionValidation(t *testing.T) {
	tt := []struct {
		name    string
		service string
		action  string
		args    []soap.Arg
		want    int
	}{
		{
			name:    "unknown service",
			service: "ContentDirectory",
			action:  "Browse",
			want:    ResultBadRequest,
		},
		{
			name:    "unknown action",
			service: "AVTransport",
			action:  "SetNextAVTransportURI",
			args:    []soap.Arg{{Name: "InstanceID", Value: "0"}},
			want:    soap.ErrInvalidAction,
		},
		{
			name:    "unknown argument",
			service: "AVTransport",
			action:  "Stop",
			args: []soap.Arg{
				{Name: "InstanceID", Value: "0"},
				{Name: "Bogus", Value: "1"},
			},
			want: soap.ErrInvalidArgs,
		},
		{
			name:    "missing required argument",
			service: "AVTransport",
			action:  "Stop",
			want:    soap.ErrInvalidArgs,
		},
		{
			name:    "play without media",
			service: "AVTransport",
			action:  "Play",
			args: []soap.Arg{
				{Name: "InstanceID", Value: "0"},
				{Name: "Speed", Value: "1"},
			},
			want: soap.ErrNotAvailable,
		},
		{
			name:    "pause without media",
			service: "AVTransport",
			action:  "Pause",
			args:    []soap.Arg{{Name: "InstanceID", Value: "0"}},
			want:    soap.ErrNotAvailable,
		},
		{
			name:    "seek without media",
			service: "AVTransport",
			action:  "Seek",
			args: []soap.Arg{
				{Name: "InstanceID", Value: "0"},
				{Name: "Unit", Value: "REL_TIME"},
				{Name: "Target", Value: "0:00:10"},
			},
			want: soap.ErrNotAvailable,
		},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			r, _, _ := newTestRenderer(t, Options{})
			code, _ := r.ProcessAction(tc.service, tc.action, tc.args, "")
			assert.Equal(t, tc.want, code)
		})
	}
}

func TestSeekRejectsTrackUnit(t *testing.T) {
	r, ch, _ := newTestRenderer(t, Options{})
	r.state.SetTransportState(StatePlaying)

	code, _ := r.ProcessAction("AVTransport", "Seek", []soap.Arg{
		{Name: "InstanceID", Value: "0"},
		{Name: "Unit", Value: "TRACK_NR"},
		{Name: "Target", Value: "1"},
	}, "")

	assert.Equal(t, soap.ErrNotAvailable, code)
	assert.Empty(t, ch.commands())
}

func TestSeekWhilePlaying(t *testing.T) {
	r, ch, _ := newTestRenderer(t, Options{})
	r.state.SetTransportState(StatePlaying)

	code, _ := r.ProcessAction("AVTransport", "Seek", []soap.Arg{
		{Name: "InstanceID", Value: "0"},
		{Name: "Unit", Value: "rel_time"},
		{Name: "Target", Value: "0:02:05"},
	}, "")

	require.Equal(t, ResultOK, code)
	cmds := ch.commands()
	require.Len(t, cmds, 1)
	assert.Equal(t, player.Seek{Seconds: 125}, cmds[0])
}

func TestSeekNoopWhileStopped(t *testing.T) {
	r, ch, _ := newTestRenderer(t, Options{})
	r.state.SetTransportState(StateStopped)

	code, _ := r.ProcessAction("AVTransport", "Seek", []soap.Arg{
		{Name: "InstanceID", Value: "0"},
		{Name: "Unit", Value: "REL_TIME"},
		{Name: "Target", Value: "0:00:30"},
	}, "")

	assert.Equal(t, ResultOK, code)
	assert.Empty(t, ch.commands())
}

func TestQueriesBeforeMedia(t *testing.T) {
	r, _, _ := newTestRenderer(t, Options{})

	t.Run("GetMute", func(t *testing.T) {
		code, out := r.ProcessAction("RenderingControl", "GetMute", []soap.Arg{
			{Name: "InstanceID", Value: "0"},
			{Name: "Channel", Value: "Master"},
		}, "")
		require.Equal(t, ResultOK, code)
		v, ok := argValue(out, "CurrentMute")
		require.True(t, ok)
		assert.Equal(t, "0", v)
	})

	t.Run("GetVolume", func(t *testing.T) {
		code, out := r.ProcessAction("RenderingControl", "GetVolume", []soap.Arg{
			{Name: "InstanceID", Value: "0"},
			{Name: "Channel", Value: "Master"},
		}, "")
		require.Equal(t, ResultOK, code)
		v, ok := argValue(out, "CurrentVolume")
		require.True(t, ok)
		assert.Equal(t, "100", v)
	})

	t.Run("GetPositionInfo", func(t *testing.T) {
		code, out := r.ProcessAction("AVTransport", "GetPositionInfo", []soap.Arg{
			{Name: "InstanceID", Value: "0"},
		}, "")
		require.Equal(t, ResultOK, code)
		for name, want := range map[string]string{
			"Track":         "0",
			"TrackDuration": "0:00:00",
			"RelTime":       "0:00:00",
			"RelCount":      "2147483647",
			"AbsCount":      "2147483647",
		} {
			v, ok := argValue(out, name)
			require.True(t, ok, name)
			assert.Equal(t, want, v, name)
		}
	})

	t.Run("GetMediaInfo", func(t *testing.T) {
		code, out := r.ProcessAction("AVTransport", "GetMediaInfo", []soap.Arg{
			{Name: "InstanceID", Value: "0"},
		}, "")
		require.Equal(t, ResultOK, code)
		v, _ := argValue(out, "NrTracks")
		assert.Equal(t, "0", v)
		v, _ = argValue(out, "PlayMedium")
		assert.Equal(t, "NETWORK,NONE", v)
		v, _ = argValue(out, "RecordMedium")
		assert.Equal(t, "NOT_IMPLEMENTED", v)
	})

	t.Run("GetTransportInfo", func(t *testing.T) {
		code, out := r.ProcessAction("AVTransport", "GetTransportInfo", []soap.Arg{
			{Name: "InstanceID", Value: "0"},
		}, "")
		require.Equal(t, ResultOK, code)
		v, _ := argValue(out, "CurrentTransportState")
		assert.Equal(t, StateNoMedia, v)
		v, _ = argValue(out, "CurrentSpeed")
		assert.Equal(t, "1", v)
	})

	t.Run("GetCurrentTransportActions", func(t *testing.T) {
		code, out := r.ProcessAction("AVTransport", "GetCurrentTransportActions", []soap.Arg{
			{Name: "InstanceID", Value: "0"},
		}, "")
		require.Equal(t, ResultOK, code)
		v, ok := argValue(out, "Actions")
		require.True(t, ok)
		assert.Equal(t, "", v)
	})
}

func TestGetProtocolInfoHidesMKVFromWMP(t *testing.T) {
	// Only the wildcard matroska entry is withheld from Microsoft
	// controllers; the profiled AVC_MKV entries stay advertised.
	generic := "http-get:*:video/x-matroska:*"

	tt := []struct {
		name        string
		hide        bool
		agent       string
		wantGeneric bool
	}{
		{"microsoft agent with hiding", true, "Microsoft-Windows/10.0 UPnP/1.0", false},
		{"other agent with hiding", true, "BubbleUPnP/3.5", true},
		{"microsoft agent without hiding", false, "Microsoft-Windows/10.0 UPnP/1.0", true},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			r, _, _ := newTestRenderer(t, Options{HideMKVFromWMP: tc.hide})
			code, out := r.ProcessAction("ConnectionManager", "GetProtocolInfo", nil, tc.agent)
			require.Equal(t, ResultOK, code)
			sink, ok := argValue(out, "Sink")
			require.True(t, ok)
			assert.Equal(t, tc.wantGeneric, strings.Contains(sink, generic))
			assert.Contains(t, sink, "video/x-matroska:DLNA.ORG_PN=")
			source, ok := argValue(out, "Source")
			require.True(t, ok)
			assert.Equal(t, "", source)
		})
	}
}

func TestSetMuteAndVolumeCommands(t *testing.T) {
	r, ch, _ := newTestRenderer(t, Options{})

	code, _ := r.ProcessAction("RenderingControl", "SetMute", []soap.Arg{
		{Name: "InstanceID", Value: "0"},
		{Name: "Channel", Value: "Master"},
		{Name: "DesiredMute", Value: "1"},
	}, "")
	require.Equal(t, ResultOK, code)

	code, _ = r.ProcessAction("RenderingControl", "SetVolume", []soap.Arg{
		{Name: "InstanceID", Value: "0"},
		{Name: "Channel", Value: "Master"},
		{Name: "DesiredVolume", Value: "42.7"},
	}, "")
	require.Equal(t, ResultOK, code)

	code, _ = r.ProcessAction("RenderingControl", "SetVolume", []soap.Arg{
		{Name: "InstanceID", Value: "0"},
		{Name: "Channel", Value: "Master"},
		{Name: "DesiredVolume", Value: "loud"},
	}, "")
	assert.Equal(t, soap.ErrInvalidArgs, code)

	cmds := ch.commands()
	require.Len(t, cmds, 2)
	assert.Equal(t, player.SetMute{Mute: true}, cmds[0])
	assert.Equal(t, player.SetVolume{Level: 42}, cmds[1])
}

func TestSetAVTransportURIUnreachable(t *testing.T) {
	r, ch, sink := newTestRenderer(t, Options{ProbeTimeout: 500 * time.Millisecond})

	code, _ := r.ProcessAction("AVTransport", "SetAVTransportURI", []soap.Arg{
		{Name: "InstanceID", Value: "0"},
		{Name: "CurrentURI", Value: "http://127.0.0.1:1/video.mp4"},
		{Name: "CurrentURIMetaData", Value: ""},
	}, "")

	assert.Equal(t, soap.ErrResourceMissing, code)
	assert.Equal(t, StateNoMedia, r.state.TransportState())
	assert.Empty(t, r.state.Track().URI)
	assert.Empty(t, ch.commands())

	var statuses []string
	for _, b := range sink.all() {
		if v, ok := argValue(b.Props, "TransportStatus"); ok {
			statuses = append(statuses, v)
		}
	}
	assert.Equal(t, []string{"ERROR_OCCURRED", "OK"}, statuses)
}

func TestSetAVTransportURIParksWhenIdle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "video/mp4")
		w.Header().Set("Content-Length", "4")
		if req.Method != http.MethodHead {
			w.Write([]byte("data"))
		}
	}))
	defer srv.Close()

	r, ch, sink := newTestRenderer(t, Options{})
	uri := srv.URL + "/clip.mp4"

	code, _ := r.ProcessAction("AVTransport", "SetAVTransportURI", []soap.Arg{
		{Name: "InstanceID", Value: "0"},
		{Name: "CurrentURI", Value: uri},
		{Name: "CurrentURIMetaData", Value: ""},
	}, "")

	require.Equal(t, ResultOK, code)
	assert.Equal(t, StateStopped, r.state.TransportState())
	assert.Equal(t, uri, r.state.Track().URI)
	assert.Equal(t, "0:00:00", r.state.Duration())
	assert.Empty(t, ch.commands())

	var states []string
	for _, b := range sink.all() {
		if v, ok := argValue(b.Props, "TransportState"); ok {
			states = append(states, v)
		}
	}
	assert.Equal(t, []string{StateTransitioning, StateStopped}, states)
}

func TestPlayAfterParkLoads(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Length", "0")
	}))
	defer srv.Close()

	r, ch, _ := newTestRenderer(t, Options{})
	uri := srv.URL + "/clip.mp4"

	code, _ := r.ProcessAction("AVTransport", "SetAVTransportURI", []soap.Arg{
		{Name: "InstanceID", Value: "0"},
		{Name: "CurrentURI", Value: uri},
		{Name: "CurrentURIMetaData", Value: ""},
	}, "")
	require.Equal(t, ResultOK, code)

	code, _ = r.ProcessAction("AVTransport", "Play", []soap.Arg{
		{Name: "InstanceID", Value: "0"},
		{Name: "Speed", Value: "1"},
	}, "")
	require.Equal(t, ResultOK, code)

	cmds := ch.commands()
	require.Len(t, cmds, 2)
	assert.Equal(t, player.Load{URI: uri}, cmds[0])
	assert.Equal(t, player.Play{}, cmds[1])
}

func TestStopOnlyWhileEngaged(t *testing.T) {
	r, ch, _ := newTestRenderer(t, Options{})

	code, _ := r.ProcessAction("AVTransport", "Stop", []soap.Arg{
		{Name: "InstanceID", Value: "0"},
	}, "")
	require.Equal(t, ResultOK, code)
	assert.Empty(t, ch.commands())

	r.state.SetTransportState(StatePlaying)
	code, _ = r.ProcessAction("AVTransport", "Stop", []soap.Arg{
		{Name: "InstanceID", Value: "0"},
	}, "")
	require.Equal(t, ResultOK, code)
	cmds := ch.commands()
	require.Len(t, cmds, 1)
	assert.Equal(t, player.Stop{}, cmds[0])
}

func TestTicketOrdering(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		time.Sleep(300 * time.Millisecond)
		w.Header().Set("Content-Length", "0")
	}))
	defer srv.Close()

	r, ch, _ := newTestRenderer(t, Options{ProbeTimeout: 2 * time.Second})

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		r.ProcessAction("AVTransport", "SetAVTransportURI", []soap.Arg{
			{Name: "InstanceID", Value: "0"},
			{Name: "CurrentURI", Value: srv.URL + "/a.mp4"},
			{Name: "CurrentURIMetaData", Value: ""},
		}, "")
	}()
	time.Sleep(100 * time.Millisecond)
	go func() {
		defer wg.Done()
		r.ProcessAction("RenderingControl", "SetVolume", []soap.Arg{
			{Name: "InstanceID", Value: "0"},
			{Name: "Channel", Value: "Master"},
			{Name: "DesiredVolume", Value: "10"},
		}, "")
	}()
	time.Sleep(50 * time.Millisecond)
	go func() {
		defer wg.Done()
		r.ProcessAction("RenderingControl", "SetVolume", []soap.Arg{
			{Name: "InstanceID", Value: "0"},
			{Name: "Channel", Value: "Master"},
			{Name: "DesiredVolume", Value: "20"},
		}, "")
	}()
	wg.Wait()

	var volumes []int
	for _, c := range ch.commands() {
		if v, ok := c.(player.SetVolume); ok {
			volumes = append(volumes, v.Level)
		}
	}
	assert.Equal(t, []int{10, 20}, volumes)
}

func TestShutdownAbortsPending(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		time.Sleep(400 * time.Millisecond)
		w.Header().Set("Content-Length", "0")
	}))
	defer srv.Close()

	r, _, _ := newTestRenderer(t, Options{ProbeTimeout: 2 * time.Second})

	go r.ProcessAction("AVTransport", "SetAVTransportURI", []soap.Arg{
		{Name: "InstanceID", Value: "0"},
		{Name: "CurrentURI", Value: srv.URL + "/a.mp4"},
		{Name: "CurrentURIMetaData", Value: ""},
	}, "")
	time.Sleep(100 * time.Millisecond)

	result := make(chan int, 1)
	go func() {
		code, _ := r.ProcessAction("AVTransport", "Play", []soap.Arg{
			{Name: "InstanceID", Value: "0"},
			{Name: "Speed", Value: "1"},
		}, "")
		result <- code
	}()
	time.Sleep(100 * time.Millisecond)

	r.Shutdown()

	select {
	case code := <-result:
		assert.Equal(t, soap.ErrNotAvailable, code)
	case <-time.After(2 * time.Second):
		t.Fatal("pending action did not abort")
	}
}

func TestTranslateNotifications(t *testing.T) {
	r, ch, sink := newTestRenderer(t, Options{})
	r.Start()
	defer r.Shutdown()

	ch.notes <- player.DurationUpdated{Seconds: 125}
	ch.notes <- player.PositionUpdated{Seconds: 30}
	ch.notes <- player.VolumeChanged{Level: 55}
	ch.notes <- player.VolumeChanged{Level: 55}
	ch.notes <- player.MuteChanged{Mute: true}
	ch.notes <- player.StateChanged{State: player.Playing}

	require.Eventually(t, func() bool {
		return r.state.TransportState() == StatePlaying
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, "0:02:05", r.state.Duration())
	assert.Equal(t, "0:00:30", r.state.Position())
	assert.Equal(t, "55", r.state.Volume())
	assert.Equal(t, "1", r.state.Mute())

	var volumeEvents, durations int
	for _, b := range sink.all() {
		if _, ok := argValue(b.Props, `Volume channel="Master"`); ok {
			volumeEvents++
		}
		if _, ok := argValue(b.Props, "CurrentMediaDuration"); ok {
			durations++
		}
	}
	assert.Equal(t, 1, volumeEvents)
	assert.Equal(t, 1, durations)
}

func TestShutdownOnPlayerExit(t *testing.T) {
	r, ch, _ := newTestRenderer(t, Options{})
	r.Start()

	ch.notes <- player.Shutdown{}

	select {
	case <-r.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("renderer did not shut down after player exit")
	}
}

func TestSnapshot(t *testing.T) {
	r, _, _ := newTestRenderer(t, Options{})

	avt := r.Snapshot("AVTransport")
	require.Len(t, avt, 14)
	v, _ := argValue(avt, "TransportState")
	assert.Equal(t, StateNoMedia, v)
	v, _ = argValue(avt, "CurrentPlayMode")
	assert.Equal(t, "NORMAL", v)
	v, _ = argValue(avt, "NumberOfTracks")
	assert.Equal(t, "0", v)

	rcs := r.Snapshot("RenderingControl")
	require.Len(t, rcs, 2)
	assert.Equal(t, `Mute channel="Master"`, rcs[0].Name)
	assert.Equal(t, "0", rcs[0].Value)
	assert.Equal(t, `Volume channel="Master"`, rcs[1].Name)
	assert.Equal(t, "100", rcs[1].Value)

	cm := r.Snapshot("ConnectionManager")
	require.Len(t, cm, 2)
	v, _ = argValue(cm, "SinkProtocolInfo")
	assert.Contains(t, v, "http-get")

	assert.Nil(t, r.Snapshot("ContentDirectory"))
}
