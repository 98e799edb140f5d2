// Package player defines the control channel between the renderer core
// and an external media player: typed commands in, typed notifications
// out. The core depends only on the Channel contract.
package player

// State is the player-side playback state.
type State int

const (
	Stopped State = iota
	Transitioning
	Paused
	Playing
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "STOPPED"
	case Transitioning:
		return "TRANSITIONING"
	case Paused:
		return "PAUSED_PLAYBACK"
	case Playing:
		return "PLAYING"
	}
	return "UNKNOWN"
}

// Command is a typed instruction to the player.
type Command interface{ command() }

type Load struct{ URI string }
type Play struct{}
type Pause struct{}
type Stop struct{}
type Seek struct{ Seconds int }
type SetMute struct{ Mute bool }
type SetVolume struct{ Level int }
type Minimize struct{}
type Restore struct{}
type Fullscreen struct{}
type LoadSubtitles struct{ URI string }
type Rotate struct{ Degrees int }
type SetTitle struct{ Title string }

func (Load) command()          {}
func (Play) command()          {}
func (Pause) command()         {}
func (Stop) command()          {}
func (Seek) command()          {}
func (SetMute) command()       {}
func (SetVolume) command()     {}
func (Minimize) command()      {}
func (Restore) command()       {}
func (Fullscreen) command()    {}
func (LoadSubtitles) command() {}
func (Rotate) command()        {}
func (SetTitle) command()      {}

// Notification is a typed event from the player.
type Notification interface{ notification() }

type HandleReady struct{}
type SessionOpened struct{}
type StateChanged struct{ State State }
type DurationUpdated struct{ Seconds int }
type PositionUpdated struct{ Seconds int }
type MuteChanged struct{ Mute bool }
type VolumeChanged struct{ Level int }
type ErrorOccurred struct{}
type Shutdown struct{}

func (HandleReady) notification()     {}
func (SessionOpened) notification()   {}
func (StateChanged) notification()    {}
func (DurationUpdated) notification() {}
func (PositionUpdated) notification() {}
func (MuteChanged) notification()     {}
func (VolumeChanged) notification()   {}
func (ErrorOccurred) notification()   {}
func (Shutdown) notification()        {}

// Channel is the player control contract. Send never blocks on the
// player; Notifications is closed when the channel shuts down.
type Channel interface {
	Send(Command)
	Notifications() <-chan Notification
	Close()
}
