// Package eventing implements GENA subscriptions: SUBSCRIBE handling,
// per-subscription delivery workers with duration-burst coalescing,
// renewal, expiry and NOTIFY dispatch over kept-alive connections.
package eventing

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"dmrender.app/dmrender/httpclient"
	"dmrender.app/dmrender/soap"
)

// DefaultTimeout is applied when a subscriber sends no usable
// Timeout header.
const DefaultTimeout = 10000

// lastChangeSchema maps a service short name to its LastChange event
// namespace tag. Services outside the map event flat property sets.
var lastChangeSchema = map[string]string{
	"AVTransport":      "AVT",
	"RenderingControl": "RCS",
}

// Snapshot returns the full eventable state of a service, used to seed
// a fresh subscription with its initial event.
type Snapshot func(service string) []soap.Arg

// Manager owns all subscriptions across the three services.
type Manager struct {
	log      zerolog.Logger
	client   *httpclient.Client
	snapshot Snapshot

	mu   sync.Mutex
	subs map[string]*subscription
}

// New returns a manager delivering events through the given client.
func New(log zerolog.Logger, client *httpclient.Client, snapshot Snapshot) *Manager {
	return &Manager{
		log:      log,
		client:   client,
		snapshot: snapshot,
		subs:     make(map[string]*subscription),
	}
}

// Subscribe registers a callback for a service and starts its delivery
// worker, seeded with the service's current state. It returns the
// subscription identifier and the granted timeout in seconds.
func (m *Manager) Subscribe(service, callback, timeoutHeader string) (string, int, error) {
	callback = parseCallback(callback)
	if callback == "" {
		return "", 0, errors.New("Subscribe missing callback")
	}

	timeout := ParseTimeout(timeoutHeader)
	seed := service + strconv.FormatInt(time.Now().UnixNano(), 10)
	sid := "uuid:" + uuid.NewSHA1(uuid.NameSpaceURL, []byte(seed)).String()

	s := &subscription{
		log:      m.log.With().Str("sid", sid).Str("service", service).Logger(),
		client:   m.client,
		conn:     &httpclient.PeerConn{},
		sid:      sid,
		service:  service,
		callback: callback,
		expiry:   time.Now().Add(time.Duration(timeout) * time.Second),
		wake:     make(chan struct{}, 1),
	}
	s.push(m.snapshot(service))

	m.mu.Lock()
	m.subs[sid] = s
	m.mu.Unlock()

	go func() {
		s.run()
		m.mu.Lock()
		delete(m.subs, sid)
		m.mu.Unlock()
	}()

	m.log.Info().Str("sid", sid).Str("service", service).Str("callback", callback).Int("timeout", timeout).Msg("subscription opened")
	return sid, timeout, nil
}

// Renew extends a live subscription. It reports the granted timeout
// and whether the SID matched an unexpired subscription of the service.
func (m *Manager) Renew(service, sid, timeoutHeader string) (int, bool) {
	m.mu.Lock()
	s := m.subs[sid]
	m.mu.Unlock()
	if s == nil || s.service != service {
		return 0, false
	}
	timeout := ParseTimeout(timeoutHeader)
	if !s.renew(time.Duration(timeout) * time.Second) {
		return 0, false
	}
	m.log.Debug().Str("sid", sid).Int("timeout", timeout).Msg("subscription renewed")
	return timeout, true
}

// Unsubscribe cancels a subscription, reporting whether the SID
// matched.
func (m *Manager) Unsubscribe(service, sid string) bool {
	m.mu.Lock()
	s := m.subs[sid]
	if s != nil && s.service == service {
		delete(m.subs, sid)
	}
	m.mu.Unlock()
	if s == nil || s.service != service {
		return false
	}
	s.stop()
	m.log.Info().Str("sid", sid).Msg("subscription cancelled")
	return true
}

// Publish queues a property batch for every live subscription of the
// service. Implements the renderer's event sink.
func (m *Manager) Publish(service string, props []soap.Arg) {
	if len(props) == 0 {
		return
	}
	m.mu.Lock()
	for _, s := range m.subs {
		if strings.EqualFold(s.service, service) {
			s.push(props)
		}
	}
	m.mu.Unlock()
}

// StopAll cancels every subscription, for shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	subs := make([]*subscription, 0, len(m.subs))
	for _, s := range m.subs {
		subs = append(subs, s)
	}
	m.mu.Unlock()
	for _, s := range subs {
		s.stop()
	}
}

// ParseTimeout extracts the seconds from a Second-N subscription
// timeout header. Anything unusable falls back to the default grant.
func ParseTimeout(header string) int {
	v := strings.TrimSpace(header)
	if rest, ok := strings.CutPrefix(strings.ToLower(v), "second-"); ok {
		v = rest
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n <= 0 {
		return DefaultTimeout
	}
	return n
}

// parseCallback picks the first URL from a Callback header of
// <url> entries.
func parseCallback(header string) string {
	start := strings.Index(header, "<")
	if start < 0 {
		return strings.TrimSpace(header)
	}
	end := strings.Index(header[start:], ">")
	if end < 0 {
		return ""
	}
	return header[start+1 : start+end]
}

// subscription is one subscriber callback with its delivery queue.
// The worker drains the queue in order and retires the subscription
// when it expires or is cancelled.
type subscription struct {
	log      zerolog.Logger
	client   *httpclient.Client
	conn     *httpclient.PeerConn
	sid      string
	service  string
	callback string

	mu        sync.Mutex
	queue     [][]soap.Arg
	nbSkipped int
	seq       uint32
	expiry    time.Time
	stopped   bool

	wake chan struct{}
}

func (s *subscription) push(props []soap.Arg) {
	if len(props) == 0 {
		return
	}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, props)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) renew(d time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || time.Now().After(s.expiry) {
		return false
	}
	s.expiry = time.Now().Add(d)
	return true
}

func (s *subscription) stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) run() {
	defer s.conn.Close()
	for {
		batch, ok := s.next()
		if !ok {
			s.log.Debug().Msg("subscription retired")
			return
		}
		s.deliver(batch)
	}
}

// next blocks until a batch is ready, applying the coalescing rule to
// duration-only bursts, or reports that the subscription is done.
func (s *subscription) next() ([]soap.Arg, bool) {
	for {
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return nil, false
		}
		if time.Now().After(s.expiry) {
			s.stopped = true
			s.mu.Unlock()
			return nil, false
		}
		if len(s.queue) > 0 {
			batch := s.pop()
			s.mu.Unlock()
			return batch, true
		}
		expiry := s.expiry
		s.mu.Unlock()

		timer := time.NewTimer(time.Until(expiry) + time.Second)
		select {
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// pop takes the oldest batch. Position polling floods the queue with
// back-to-back duration pairs; those are skipped ahead to the freshest
// one once the backlog grows, so slow subscribers never fall behind.
func (s *subscription) pop() []soap.Arg {
	for len(s.queue) >= 2 &&
		durationPair(s.queue[0]) && durationPair(s.queue[1]) &&
		(len(s.queue) >= 5 || s.nbSkipped < len(s.queue)-1) {
		s.queue = s.queue[1:]
		s.nbSkipped++
	}
	batch := s.queue[0]
	s.queue = s.queue[1:]
	s.nbSkipped = 0
	return batch
}

func durationPair(batch []soap.Arg) bool {
	return len(batch) == 2 && batch[0].Name == "CurrentMediaDuration"
}

// deliver sends one NOTIFY. The sequence number advances whether or
// not the subscriber answered, so gaps tell it that events were lost.
func (s *subscription) deliver(batch []soap.Arg) {
	var body []byte
	if schema, ok := lastChangeSchema[s.service]; ok {
		body = soap.BuildLastChange(schema, batch)
	} else {
		body = soap.BuildPropertySet(batch)
	}

	s.mu.Lock()
	seq := s.seq
	s.seq++
	s.mu.Unlock()

	resp := s.client.Do(context.Background(), httpclient.Request{
		URL:    s.callback,
		Method: "NOTIFY",
		Headers: [][2]string{
			{"Content-Type", `text/xml; charset="utf-8"`},
			{"NT", "upnp:event"},
			{"NTS", "upnp:propchange"},
			{"SID", s.sid},
			{"SEQ", strconv.FormatUint(uint64(seq), 10)},
			{"Cache-Control", "no-cache"},
		},
		Body: body,
		Conn: s.conn,
	})
	if !resp.Valid() {
		s.log.Debug().Uint32("seq", seq).Msg("notify undelivered")
	} else if resp.Code != 200 {
		s.log.Debug().Uint32("seq", seq).Int("code", resp.Code).Msg("notify refused")
	}
}
