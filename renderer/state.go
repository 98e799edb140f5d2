package renderer

import (
	"strconv"
	"strings"
	"sync"
)

// Transport states exposed over AVTransport.
const (
	StateNoMedia       = "NO_MEDIA_PRESENT"
	StateStopped       = "STOPPED"
	StateTransitioning = "TRANSITIONING"
	StatePlaying       = "PLAYING"
	StatePaused        = "PAUSED_PLAYBACK"
)

// transportActions maps a transport state to the action list reported
// by GetCurrentTransportActions and the eventing snapshot.
var transportActions = map[string]string{
	StateTransitioning: "Stop",
	StateStopped:       "Play,Seek",
	StatePaused:        "Play,Stop,Seek",
	StatePlaying:       "Pause,Stop,Seek",
}

// ActionsFor returns the allowed transport actions for a state.
func ActionsFor(state string) string {
	return transportActions[state]
}

// State is the renderer's mutable playback state. All access goes
// through the accessors; composite updates swap under the same lock.
type State struct {
	mu sync.RWMutex

	transportState string
	mute           string
	volume         string

	uri      string
	metadata string
	subURI   string
	proxyURI string

	duration string
	position string

	rotImage []byte

	playerStatus string
	playerImage  bool
	playerPaused bool
}

// NewState returns the initial idle state.
func NewState() *State {
	return &State{
		transportState: StateNoMedia,
		mute:           "0",
		volume:         "100",
		duration:       "0:00:00",
		position:       "0:00:00",
		playerStatus:   StateNoMedia,
	}
}

func (s *State) TransportState() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.transportState
}

func (s *State) SetTransportState(v string) {
	s.mu.Lock()
	s.transportState = v
	s.mu.Unlock()
}

func (s *State) Mute() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mute
}

// SetMute stores the flag and reports whether it changed.
func (s *State) SetMute(v string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mute == v {
		return false
	}
	s.mute = v
	return true
}

func (s *State) Volume() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.volume
}

// SetVolume stores the level and reports whether it changed.
func (s *State) SetVolume(v string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.volume == v {
		return false
	}
	s.volume = v
	return true
}

// Track is the composite URI+metadata pair, swapped atomically.
type Track struct {
	URI      string
	Metadata string
	SubURI   string
	ProxyURI string
}

func (s *State) Track() Track {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Track{URI: s.uri, Metadata: s.metadata, SubURI: s.subURI, ProxyURI: s.proxyURI}
}

func (s *State) SetTrack(t Track) {
	s.mu.Lock()
	s.uri, s.metadata, s.subURI, s.proxyURI = t.URI, t.Metadata, t.SubURI, t.ProxyURI
	s.mu.Unlock()
}

func (s *State) Duration() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.duration
}

func (s *State) SetDuration(v string) {
	s.mu.Lock()
	s.duration = v
	s.mu.Unlock()
}

func (s *State) Position() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.position
}

func (s *State) SetPosition(v string) {
	s.mu.Lock()
	s.position = v
	s.mu.Unlock()
}

func (s *State) RotatedImage() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rotImage
}

func (s *State) SetRotatedImage(b []byte) {
	s.mu.Lock()
	s.rotImage = b
	s.mu.Unlock()
}

func (s *State) PlayerStatus() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.playerStatus
}

func (s *State) SetPlayerStatus(v string) {
	s.mu.Lock()
	s.playerStatus = v
	s.mu.Unlock()
}

func (s *State) PlayerImage() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.playerImage
}

func (s *State) SetPlayerImage(v bool) {
	s.mu.Lock()
	s.playerImage = v
	s.mu.Unlock()
}

func (s *State) PlayerPaused() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.playerPaused
}

func (s *State) SetPlayerPaused(v bool) {
	s.mu.Lock()
	s.playerPaused = v
	s.mu.Unlock()
}

// FormatClock renders seconds as H:MM:SS, the shape used in transport
// positions and durations.
func FormatClock(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	h := seconds / 3600
	m := seconds / 60 % 60
	sec := seconds % 60
	return strconv.Itoa(h) + ":" + pad2(m) + ":" + pad2(sec)
}

// ParseClock converts a H:MM:SS (or MM:SS, or SS) value to seconds.
// Malformed components count as zero, matching lenient controller
// input handling.
func ParseClock(clock string) int {
	total := 0
	mult := 1
	parts := strings.Split(clock, ":")
	for i := len(parts) - 1; i >= 0; i-- {
		n, _ := strconv.Atoi(strings.TrimSpace(parts[i]))
		total += n * mult
		mult *= 60
	}
	return total
}

func pad2(n int) string {
	if n < 10 {
		return "0" + strconv.Itoa(n)
	}
	return strconv.Itoa(n)
}
