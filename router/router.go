// Package router is the renderer's HTTP front door: one raw TCP
// request per connection, dispatched to the description documents,
// SOAP control, GENA subscription management and the media side
// surfaces (icon, rotated images, range proxy).
package router

import (
	"crypto/tls"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"dmrender.app/dmrender/device"
	"dmrender.app/dmrender/eventing"
	"dmrender.app/dmrender/httpmsg"
	"dmrender.app/dmrender/renderer"
	"dmrender.app/dmrender/soap"
)

const (
	requestTimeout = 10 * time.Second
	proxyTimeout   = 30 * time.Second

	rfc1123GMT = "Mon, 02 Jan 2006 15:04:05 GMT"

	xmlContentType = `text/xml; charset="utf-8"`

	allowedMethods = "OPTIONS, GET, HEAD, POST, SUBSCRIBE, UNSUBSCRIBE"
)

// Server owns the TCP listener and routes requests to the device
// model, the renderer and the subscription manager.
type Server struct {
	log    zerolog.Logger
	dev    *device.Device
	rend   *renderer.Renderer
	events *eventing.Manager

	mu      sync.Mutex
	ln      net.Listener
	stopped bool

	wg sync.WaitGroup
}

// New assembles the request server.
func New(log zerolog.Logger, dev *device.Device, rend *renderer.Renderer, events *eventing.Manager) *Server {
	return &Server{log: log, dev: dev, rend: rend, events: events}
}

// Start listens on addr and serves until Stop.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrap(err, "Start listen")
	}
	s.Serve(ln)
	return nil
}

// Serve adopts a listener and serves it in the background.
func (s *Server) Serve(ln net.Listener) {
	s.mu.Lock()
	s.ln = ln
	s.stopped = false
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop(ln)
	s.log.Info().Str("addr", ln.Addr().String()).Msg("request server listening")
}

// Stop closes the listener and waits for in-flight requests.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	ln := s.ln
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	s.wg.Wait()
	s.log.Info().Msg("request server stopped")
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			stopped := s.stopped
			s.mu.Unlock()
			if !stopped {
				s.log.Warn().Err(err).Msg("accept failed")
			}
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer conn.Close()
			s.handle(conn)
		}()
	}
}

// handle serves exactly one request; every response carries
// Connection close, controllers are expected to reconnect.
func (s *Server) handle(conn net.Conn) {
	req := httpmsg.Read(conn, httpmsg.Options{
		ReadBody:   true,
		DecodeText: true,
		ServerRole: true,
		Timeout:    requestTimeout,
	})
	if !req.Valid() || req.IsResponse() {
		if !req.Answered {
			s.respond(conn, 400, "Bad Request", nil, nil, false)
		}
		return
	}

	s.log.Debug().Str("method", req.Method).Str("path", req.Path).Str("peer", conn.RemoteAddr().String()).Msg("request")

	switch req.Method {
	case "OPTIONS":
		s.respond(conn, 200, "OK", [][2]string{{"Allow", allowedMethods}}, nil, false)
	case "GET", "HEAD":
		s.serveResource(conn, req)
	case "POST":
		s.serveControl(conn, req)
	case "SUBSCRIBE":
		s.serveSubscribe(conn, req)
	case "UNSUBSCRIBE":
		s.serveUnsubscribe(conn, req)
	default:
		s.respond(conn, 501, "Not Implemented", nil, nil, false)
	}
}

func (s *Server) serveResource(conn net.Conn, req *httpmsg.Message) {
	head := req.Method == "HEAD"
	path := req.Path
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}

	switch {
	case path == device.DescriptionPath:
		s.respond(conn, 200, "OK", [][2]string{
			{"Content-Type", xmlContentType},
			{"Ext", ""},
		}, s.dev.Description(), head)
		return
	case path == device.IconPath:
		s.respond(conn, 200, "OK", [][2]string{
			{"Content-Type", "image/png"},
		}, s.dev.Icon, head)
		return
	case strings.HasPrefix(path, "/rotated-"):
		img := s.rend.State().RotatedImage()
		if len(img) == 0 {
			s.respond(conn, 404, "Not Found", nil, nil, false)
			return
		}
		s.respond(conn, 200, "OK", [][2]string{
			{"Content-Type", "image/jpeg"},
		}, img, head)
		return
	case strings.HasPrefix(path, "/proxy-"):
		s.serveProxy(conn, req, path)
		return
	}

	for _, svc := range s.dev.Services {
		if path == svc.ScpdPath {
			s.respond(conn, 200, "OK", [][2]string{
				{"Content-Type", xmlContentType},
				{"Ext", ""},
			}, svc.Scpd, head)
			return
		}
	}
	s.respond(conn, 404, "Not Found", nil, nil, false)
}

func (s *Server) serveControl(conn net.Conn, req *httpmsg.Message) {
	svc := s.dev.ServiceByControlPath(req.Path)
	if svc == nil {
		s.respond(conn, 404, "Not Found", nil, nil, false)
		return
	}

	short := svc.ShortName()
	action, args, err := soap.ParseCall([]byte(req.Text), short, req.Headers.Get("SOAPACTION"))
	if err != nil {
		s.log.Debug().Err(err).Str("service", short).Msg("unparsable soap call")
		s.respond(conn, 400, "Bad Request", nil, nil, false)
		return
	}

	code, out := s.rend.ProcessAction(short, action, args, req.Headers.Get("User-Agent"))
	switch code {
	case renderer.ResultOK:
		body := soap.BuildResponse(short, action, out)
		s.respond(conn, 200, "OK", [][2]string{
			{"Content-Type", xmlContentType},
			{"Ext", ""},
		}, body, false)
	case renderer.ResultBadRequest:
		s.respond(conn, 400, "Bad Request", nil, nil, false)
	case renderer.ResultNotFound:
		s.respond(conn, 404, "Not Found", nil, nil, false)
	default:
		body := soap.BuildFault(code)
		s.respond(conn, 500, "Internal Server Error", [][2]string{
			{"Content-Type", xmlContentType},
			{"Ext", ""},
		}, body, false)
	}
}

func (s *Server) serveSubscribe(conn net.Conn, req *httpmsg.Message) {
	svc := s.dev.ServiceByEventPath(req.Path)
	if svc == nil {
		s.respond(conn, 404, "Not Found", nil, nil, false)
		return
	}
	short := svc.ShortName()

	if sid := req.Headers.Get("SID"); sid != "" {
		timeout, ok := s.events.Renew(short, sid, req.Headers.Get("Timeout"))
		if !ok {
			s.respond(conn, 412, "Precondition Failed", nil, nil, false)
			return
		}
		s.respond(conn, 200, "OK", [][2]string{
			{"SID", sid},
			{"Timeout", "Second-" + strconv.Itoa(timeout)},
		}, nil, false)
		return
	}

	sid, timeout, err := s.events.Subscribe(short, req.Headers.Get("Callback"), req.Headers.Get("Timeout"))
	if err != nil {
		s.respond(conn, 412, "Precondition Failed", nil, nil, false)
		return
	}
	s.respond(conn, 200, "OK", [][2]string{
		{"SID", sid},
		{"Timeout", "Second-" + strconv.Itoa(timeout)},
	}, nil, false)
}

func (s *Server) serveUnsubscribe(conn net.Conn, req *httpmsg.Message) {
	svc := s.dev.ServiceByEventPath(req.Path)
	if svc == nil {
		s.respond(conn, 404, "Not Found", nil, nil, false)
		return
	}
	sid := req.Headers.Get("SID")
	if sid == "" || !s.events.Unsubscribe(svc.ShortName(), sid) {
		s.respond(conn, 412, "Precondition Failed", nil, nil, false)
		return
	}
	s.respond(conn, 200, "OK", [][2]string{{"SID", sid}}, nil, false)
}

// serveProxy replays the request against the current track's origin
// and relays the origin's raw answer, so range requests stream without
// buffering whole media files.
func (s *Server) serveProxy(conn net.Conn, req *httpmsg.Message, path string) {
	track := s.rend.State().Track()
	if track.ProxyURI == "" || !strings.HasSuffix(track.ProxyURI, path) {
		s.respond(conn, 404, "Not Found", nil, nil, false)
		return
	}

	u, err := url.Parse(track.URI)
	if err != nil || u.Host == "" {
		s.respond(conn, 404, "Not Found", nil, nil, false)
		return
	}

	origin, err := dialOrigin(u)
	if err != nil {
		s.log.Debug().Err(err).Str("uri", track.URI).Msg("proxy dial failed")
		s.respond(conn, 502, "Bad Gateway", nil, nil, false)
		return
	}
	defer origin.Close()

	out := httpmsg.NewRequest(req.Method, u.RequestURI())
	out.Headers.Set("Host", u.Host)
	for _, name := range []string{"User-Agent", "Range", "Accept", "Accept-Encoding"} {
		if v := req.Headers.Get(name); v != "" {
			out.Headers.Set(name, v)
		}
	}
	out.Headers.Set("Connection", "close")

	_ = origin.SetWriteDeadline(time.Now().Add(proxyTimeout))
	if _, err := origin.Write(out.Encode()); err != nil {
		s.log.Debug().Err(err).Msg("proxy request failed")
		s.respond(conn, 502, "Bad Gateway", nil, nil, false)
		return
	}

	// Relay the origin's raw response, status line and headers
	// included, until either side gives up.
	buf := make([]byte, 64<<10)
	for {
		_ = origin.SetReadDeadline(time.Now().Add(proxyTimeout))
		n, rerr := origin.Read(buf)
		if n > 0 {
			_ = conn.SetWriteDeadline(time.Now().Add(proxyTimeout))
			if _, werr := conn.Write(buf[:n]); werr != nil {
				return
			}
		}
		if rerr != nil {
			return
		}
	}
}

func dialOrigin(u *url.URL) (net.Conn, error) {
	host := u.Host
	dialer := &net.Dialer{Timeout: requestTimeout}
	switch strings.ToLower(u.Scheme) {
	case "http":
		if u.Port() == "" {
			host = net.JoinHostPort(u.Hostname(), "80")
		}
		return dialer.Dial("tcp", host)
	case "https":
		if u.Port() == "" {
			host = net.JoinHostPort(u.Hostname(), "443")
		}
		return tls.DialWithDialer(dialer, "tcp", host, &tls.Config{InsecureSkipVerify: true})
	}
	return nil, errors.Errorf("dialOrigin unsupported scheme %q", u.Scheme)
}

// respond writes one complete response and leaves the connection for
// the caller to close.
func (s *Server) respond(conn net.Conn, code int, reason string, hdrs [][2]string, body []byte, headOnly bool) {
	msg := httpmsg.NewResponse(code, reason)
	msg.Headers.Set("Server", device.ServerName)
	msg.Headers.Set("Date", time.Now().UTC().Format(rfc1123GMT))
	for _, kv := range hdrs {
		msg.Headers.Set(kv[0], kv[1])
	}
	msg.Headers.Set("Content-Length", strconv.Itoa(len(body)))
	msg.Headers.Set("Connection", "close")
	if !headOnly {
		msg.Body = body
	}

	_ = conn.SetWriteDeadline(time.Now().Add(requestTimeout))
	if _, err := conn.Write(msg.Encode()); err != nil {
		s.log.Debug().Err(err).Msg("response write failed")
	}
}
