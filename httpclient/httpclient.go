package httpclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"dmrender.app/dmrender/httpmsg"
)

const (
	defaultTimeout = 5 * time.Second
	maxRedirects   = 5

	// probeUserAgent mirrors what ffmpeg-based players send, so origin
	// servers answer the verification probe the same way they will
	// answer the player itself.
	probeUserAgent = "Lavf/58.45.100"
)

// Header names the client always derives itself. Caller values for
// these are discarded.
var reservedHeaders = map[string]struct{}{
	"Host":           {},
	"Content-Length": {},
	"Connection":     {},
	"Expect":         {},
}

// PeerConn is a reusable connection handle to a single peer. A zero
// PeerConn is ready to use. Callers keep one handle per peer they talk
// to repeatedly (one per event subscription); the client dials through
// it and clears it on any failure.
type PeerConn struct {
	mu   sync.Mutex
	conn net.Conn
	key  string
}

// Close shuts the underlying connection, if any.
func (p *PeerConn) Close() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.drop()
}

func (p *PeerConn) drop() {
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
	p.key = ""
}

// Request describes one outbound HTTP exchange.
type Request struct {
	URL     string
	Method  string
	Headers [][2]string
	Body    []byte

	Timeout   time.Duration
	MaxLength int

	// Conn, when non-nil, is reused across calls to the same peer and
	// kept open unless the exchange fails or the peer asks to close.
	Conn *PeerConn
}

// Client performs raw-socket HTTP exchanges using the message codec.
type Client struct {
	log zerolog.Logger
}

// New returns a client that logs transport failures to the given logger.
func New(log zerolog.Logger) *Client {
	return &Client{log: log}
}

// Do performs the request, following redirects, and returns the parsed
// response. On any transport or protocol failure the returned message
// is invalid and the reusable handle, if one was supplied, is cleared.
func (c *Client) Do(ctx context.Context, req Request) *httpmsg.Message {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = "GET"
	}
	rawurl := req.URL
	body := req.Body

	for hop := 0; hop <= maxRedirects; hop++ {
		resp, err := c.exchange(ctx, rawurl, method, req, body)
		if err != nil {
			c.log.Debug().Err(err).Str("url", rawurl).Str("method", method).Msg("http exchange failed")
			req.Conn.Close()
			return &httpmsg.Message{}
		}
		if resp.Code < 300 || resp.Code >= 400 || resp.Code == 304 {
			return resp
		}
		loc := resp.Headers.Get("Location")
		if loc == "" {
			return resp
		}
		next, err := resolveLocation(rawurl, loc)
		if err != nil {
			c.log.Debug().Err(err).Str("location", loc).Msg("unresolvable redirect")
			req.Conn.Close()
			return &httpmsg.Message{}
		}
		if resp.Code == 303 {
			method = "GET"
			body = nil
		}
		rawurl = next
	}
	c.log.Debug().Str("url", req.URL).Msg("too many redirects")
	req.Conn.Close()
	return &httpmsg.Message{}
}

func (c *Client) exchange(ctx context.Context, rawurl, method string, req Request, body []byte) (*httpmsg.Message, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, errors.Wrap(err, "exchange parse url")
	}
	var secure bool
	switch strings.ToLower(u.Scheme) {
	case "http":
	case "https":
		secure = true
	default:
		return nil, errors.Errorf("exchange unsupported scheme %q", u.Scheme)
	}
	host := u.Host
	if u.Port() == "" {
		if secure {
			host = net.JoinHostPort(u.Hostname(), "443")
		} else {
			host = net.JoinHostPort(u.Hostname(), "80")
		}
	}

	timeout := req.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	wire := buildRequest(u, method, req.Headers, body, req.Conn != nil)

	reused := false
	conn, err := c.obtain(ctx, req.Conn, host, secure, timeout, &reused)
	if err != nil {
		return nil, err
	}

	resp, err := c.roundTrip(conn, wire, method, req, timeout)
	if err != nil && reused {
		// A kept-alive connection may have gone stale; retry once on a
		// fresh dial.
		req.Conn.Close()
		conn, err = c.obtain(ctx, req.Conn, host, secure, timeout, &reused)
		if err != nil {
			return nil, err
		}
		resp, err = c.roundTrip(conn, wire, method, req, timeout)
	}
	if err != nil {
		if req.Conn != nil {
			req.Conn.Close()
		} else {
			conn.Close()
		}
		return nil, err
	}

	if req.Conn == nil {
		conn.Close()
	} else if resp.ExpectClose {
		req.Conn.Close()
	}
	return resp, nil
}

func (c *Client) roundTrip(conn net.Conn, wire []byte, method string, req Request, timeout time.Duration) (*httpmsg.Message, error) {
	_ = conn.SetWriteDeadline(time.Now().Add(timeout))
	if _, err := conn.Write(wire); err != nil {
		return nil, errors.Wrap(err, "roundTrip write")
	}
	// HEAD responses carry the framing headers of the body they omit.
	resp := httpmsg.Read(conn, httpmsg.Options{
		ReadBody:  method != "HEAD",
		Timeout:   timeout,
		MaxLength: req.MaxLength,
	})
	if !resp.Valid() {
		return nil, errors.New("roundTrip invalid response")
	}
	return resp, nil
}

// obtain returns a connection to host, reusing the handle's when it
// matches. reused reports whether the connection came from the handle.
func (c *Client) obtain(ctx context.Context, pc *PeerConn, host string, secure bool, timeout time.Duration, reused *bool) (net.Conn, error) {
	key := host
	if secure {
		key = "tls:" + host
	}
	if pc != nil {
		pc.mu.Lock()
		if pc.conn != nil && pc.key == key {
			conn := pc.conn
			pc.mu.Unlock()
			*reused = true
			return conn, nil
		}
		pc.drop()
		pc.mu.Unlock()
	}
	*reused = false

	dialer := &net.Dialer{Timeout: timeout}
	var (
		conn net.Conn
		err  error
	)
	if secure {
		// DLNA endpoints are self-identified LAN devices, usually with
		// non-CA certificates. Verification is skipped on purpose.
		td := &tls.Dialer{
			NetDialer: dialer,
			Config:    &tls.Config{InsecureSkipVerify: true},
		}
		conn, err = td.DialContext(ctx, "tcp", host)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", host)
	}
	if err != nil {
		return nil, errors.Wrap(err, "obtain dial")
	}
	if pc != nil {
		pc.mu.Lock()
		pc.conn, pc.key = conn, key
		pc.mu.Unlock()
	}
	return conn, nil
}

func buildRequest(u *url.URL, method string, hdrs [][2]string, body []byte, keepAlive bool) []byte {
	target := u.RequestURI()
	if target == "" {
		target = "/"
	}
	msg := httpmsg.NewRequest(method, target)
	msg.Headers.Set("Host", u.Host)
	for _, kv := range hdrs {
		name := strings.TrimSpace(kv[0])
		if _, reserved := reservedHeaders[canonical(name)]; reserved || name == "" {
			continue
		}
		msg.Headers.Add(name, kv[1])
	}
	if keepAlive {
		msg.Headers.Set("Connection", "keep-alive")
	} else {
		msg.Headers.Set("Connection", "close")
	}
	if len(body) > 0 || method == "POST" || method == "PUT" {
		msg.Headers.Set("Content-Length", strconv.Itoa(len(body)))
	}
	msg.Body = body
	return msg.Encode()
}

func canonical(name string) string {
	return textproto.CanonicalMIMEHeaderKey(name)
}

func resolveLocation(base, loc string) (string, error) {
	bu, err := url.Parse(base)
	if err != nil {
		return "", errors.Wrap(err, "resolveLocation base")
	}
	lu, err := url.Parse(loc)
	if err != nil {
		return "", errors.Wrap(err, "resolveLocation target")
	}
	return bu.ResolveReference(lu).String(), nil
}

// HeadResponse probes a URL with the player's user agent and returns
// the full response, headers included.
func (c *Client) HeadResponse(ctx context.Context, rawurl string, timeout time.Duration) *httpmsg.Message {
	return c.Do(ctx, Request{
		URL:     rawurl,
		Method:  "HEAD",
		Headers: [][2]string{{"User-Agent", probeUserAgent}},
		Timeout: timeout,
	})
}

// Head reports whether the origin answered the probe with a non-error
// status.
func (c *Client) Head(ctx context.Context, rawurl string, timeout time.Duration) bool {
	resp := c.HeadResponse(ctx, rawurl, timeout)
	return resp.Valid() && resp.Code < 400
}

// RejectsRange probes whether the origin refuses partial requests. A
// 406 answer to an open-ended range means the media must be proxied
// for players that rely on seeking.
func (c *Client) RejectsRange(ctx context.Context, rawurl string, timeout time.Duration) bool {
	resp := c.Do(ctx, Request{
		URL:    rawurl,
		Method: "HEAD",
		Headers: [][2]string{
			{"User-Agent", probeUserAgent},
			{"Range", "bytes=0-"},
		},
		Timeout: timeout,
	})
	return resp.Valid() && resp.Code == 406
}

// Fetch retrieves a full body with a size cap, for subtitle and image
// downloads.
func (c *Client) Fetch(ctx context.Context, rawurl string, timeout time.Duration, maxLength int) ([]byte, error) {
	resp := c.Do(ctx, Request{
		URL:       rawurl,
		Method:    "GET",
		Headers:   [][2]string{{"User-Agent", probeUserAgent}},
		Timeout:   timeout,
		MaxLength: maxLength,
	})
	if !resp.Valid() {
		return nil, errors.New("Fetch invalid response")
	}
	if resp.Code != 200 {
		return nil, fmt.Errorf("Fetch unexpected status %d", resp.Code)
	}
	return resp.Body, nil
}
