package player

import (
	"bufio"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	positionPollInterval = 500 * time.Millisecond
	quitGrace            = 3 * time.Second
)

// Slave drives a media player subprocess over the classic slave line
// protocol: one command per line on stdin, ANS_/status lines on stdout.
type Slave struct {
	log  zerolog.Logger
	cmd  *exec.Cmd
	in   io.WriteCloser
	out  io.ReadCloser
	cmds chan Command
	note chan Notification
	done chan struct{}

	mu       sync.Mutex
	state    State
	paused   bool
	duration int
	position int
	closed   bool
}

// NewSlave launches the player subprocess and starts the bridging
// goroutines. The command slice is the player binary and its slave-mode
// arguments. A launch failure is returned to the caller, who treats it
// as fatal.
func NewSlave(log zerolog.Logger, command []string) (*Slave, error) {
	if len(command) == 0 {
		return nil, errors.New("NewSlave empty player command")
	}
	cmd := exec.Command(command[0], command[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrap(err, "NewSlave stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "NewSlave stdout pipe")
	}
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "NewSlave start %s", command[0])
	}

	s := &Slave{
		log:   log,
		cmd:   cmd,
		in:    stdin,
		out:   stdout,
		cmds:  make(chan Command, 64),
		note:  make(chan Notification, 256),
		done:  make(chan struct{}),
		state: Stopped,
	}
	go s.writeLoop()
	go s.readLoop()
	go s.pollLoop()
	s.notify(HandleReady{})
	return s, nil
}

// Send queues a command for the player. Commands queued after Close are
// dropped.
func (s *Slave) Send(c Command) {
	select {
	case s.cmds <- c:
	case <-s.done:
	default:
		s.log.Warn().Msgf("player command queue full, dropping %T", c)
	}
}

// Notifications returns the event stream. The channel is closed once
// the subprocess has exited.
func (s *Slave) Notifications() <-chan Notification {
	return s.note
}

// Close asks the player to quit and reaps the subprocess.
func (s *Slave) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.writeLine("quit")
	close(s.done)

	exited := make(chan struct{})
	go func() {
		s.cmd.Wait()
		close(exited)
	}()
	select {
	case <-exited:
	case <-time.After(quitGrace):
		s.cmd.Process.Kill()
		<-exited
	}
}

func (s *Slave) notify(n Notification) {
	select {
	case s.note <- n:
	default:
		s.log.Warn().Msgf("player notification buffer full, dropping %T", n)
	}
}

func (s *Slave) writeLine(line string) {
	if _, err := io.WriteString(s.in, line+"\n"); err != nil {
		s.log.Debug().Err(err).Str("line", line).Msg("player write failed")
	}
}

func (s *Slave) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case c := <-s.cmds:
			s.apply(c)
		}
	}
}

// apply translates one typed command into slave-protocol lines and
// tracks the optimistic state the protocol does not report on its own.
func (s *Slave) apply(c Command) {
	switch c := c.(type) {
	case Load:
		s.writeLine(fmt.Sprintf("loadfile %q", c.URI))
		s.setState(Transitioning, false)
	case Play:
		s.mu.Lock()
		paused := s.paused
		s.mu.Unlock()
		if paused {
			s.writeLine("pause")
			s.setState(Playing, false)
		}
	case Pause:
		s.mu.Lock()
		paused := s.paused
		s.mu.Unlock()
		if !paused {
			s.writeLine("pause")
			s.setState(Paused, true)
		}
	case Stop:
		s.writeLine("stop")
		s.setState(Stopped, false)
	case Seek:
		s.writeLine(fmt.Sprintf("pausing_keep seek %d 2", c.Seconds))
	case SetMute:
		flag := 0
		if c.Mute {
			flag = 1
		}
		s.writeLine(fmt.Sprintf("pausing_keep mute %d", flag))
		s.notify(MuteChanged{Mute: c.Mute})
	case SetVolume:
		s.writeLine(fmt.Sprintf("pausing_keep volume %d 1", c.Level))
		s.notify(VolumeChanged{Level: c.Level})
	case Minimize, Restore:
		// The slave protocol has no window management; harmless to skip.
	case Fullscreen:
		s.writeLine("vo_fullscreen 1")
	case LoadSubtitles:
		if c.URI != "" {
			s.writeLine(fmt.Sprintf("sub_load %q", c.URI))
		}
	case Rotate:
		for turns := (c.Degrees / 90) % 4; turns > 0; turns-- {
			s.writeLine("key_down_event 114")
		}
	case SetTitle:
		s.writeLine(fmt.Sprintf("osd_show_text %q 2000", c.Title))
	}
}

func (s *Slave) setState(st State, paused bool) {
	s.mu.Lock()
	changed := s.state != st
	s.state = st
	s.paused = paused
	s.mu.Unlock()
	if changed {
		s.notify(StateChanged{State: st})
	}
}

func (s *Slave) readLoop() {
	defer close(s.note)
	sc := bufio.NewScanner(s.out)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		s.handleLine(strings.TrimSpace(sc.Text()))
	}
	// Stdout closed: the player is gone.
	s.notify(Shutdown{})
}

func (s *Slave) handleLine(line string) {
	switch {
	case line == "":
	case strings.HasPrefix(line, "Starting playback"):
		s.notify(SessionOpened{})
		s.setState(Playing, false)
	case strings.HasPrefix(line, "EOF code:"):
		s.setState(Stopped, false)
	case strings.HasPrefix(line, "ANS_TIME_POSITION="):
		if v, ok := parseSeconds(line[len("ANS_TIME_POSITION="):]); ok {
			s.mu.Lock()
			changed := v != s.position
			s.position = v
			s.mu.Unlock()
			if changed {
				s.notify(PositionUpdated{Seconds: v})
			}
		}
	case strings.HasPrefix(line, "ANS_LENGTH="):
		if v, ok := parseSeconds(line[len("ANS_LENGTH="):]); ok {
			s.mu.Lock()
			changed := v != s.duration
			s.duration = v
			s.mu.Unlock()
			if changed {
				s.notify(DurationUpdated{Seconds: v})
			}
		}
	case strings.HasPrefix(line, "FATAL:") || strings.HasPrefix(line, "Failed to open"):
		s.log.Warn().Str("line", line).Msg("player error")
		s.notify(ErrorOccurred{})
		s.setState(Stopped, false)
	}
}

func (s *Slave) pollLoop() {
	tick := time.NewTicker(positionPollInterval)
	defer tick.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-tick.C:
			s.mu.Lock()
			playing := s.state == Playing
			s.mu.Unlock()
			if playing {
				s.writeLine("pausing_keep_force get_time_pos")
				s.writeLine("pausing_keep_force get_time_length")
			}
		}
	}
}

func parseSeconds(s string) (int, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || f < 0 {
		return 0, false
	}
	return int(f), true
}
