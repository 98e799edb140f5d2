package httpmsg

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/saintfish/chardet"
	"golang.org/x/text/encoding/ianaindex"
)

const (
	// DefaultMaxLength bounds the total bytes a single message may
	// occupy on the wire, headers and body included.
	DefaultMaxLength = 1 << 20

	// DefaultMaxHeaderLength bounds the size of the header block alone.
	DefaultMaxHeaderLength = 64 << 10

	// DefaultTimeout applies to each socket read while assembling a message.
	DefaultTimeout = 5 * time.Second
)

// Headers that are overwritten instead of comma-joined on repetition.
var singleValueHeaders = map[string]struct{}{
	"Content-Length": {},
	"Location":       {},
	"Host":           {},
}

// Headers is a case-insensitive header map that remembers insertion
// order so that encoded messages are byte-stable across calls.
type Headers struct {
	keys   []string
	values map[string]string
}

func (h *Headers) init() {
	if h.values == nil {
		h.values = make(map[string]string)
	}
}

// Set stores a header, replacing any previous value.
func (h *Headers) Set(name, value string) {
	h.init()
	key := textproto.CanonicalMIMEHeaderKey(name)
	if _, ok := h.values[key]; !ok {
		h.keys = append(h.keys, key)
	}
	h.values[key] = value
}

// Add appends a repeated header value with a comma, except for the
// single-value headers which are overwritten.
func (h *Headers) Add(name, value string) {
	h.init()
	key := textproto.CanonicalMIMEHeaderKey(name)
	prev, ok := h.values[key]
	if !ok {
		h.keys = append(h.keys, key)
		h.values[key] = value
		return
	}
	if _, single := singleValueHeaders[key]; single {
		h.values[key] = value
		return
	}
	h.values[key] = prev + ", " + value
}

// Get returns the header value or "" when absent.
func (h *Headers) Get(name string) string {
	if h.values == nil {
		return ""
	}
	return h.values[textproto.CanonicalMIMEHeaderKey(name)]
}

// Has reports whether the header is present at all.
func (h *Headers) Has(name string) bool {
	if h.values == nil {
		return false
	}
	_, ok := h.values[textproto.CanonicalMIMEHeaderKey(name)]
	return ok
}

// Del removes a header.
func (h *Headers) Del(name string) {
	if h.values == nil {
		return
	}
	key := textproto.CanonicalMIMEHeaderKey(name)
	if _, ok := h.values[key]; !ok {
		return
	}
	delete(h.values, key)
	for i, k := range h.keys {
		if k == key {
			h.keys = append(h.keys[:i], h.keys[i+1:]...)
			break
		}
	}
}

// Names returns the header names in insertion order.
func (h *Headers) Names() []string {
	out := make([]string, len(h.keys))
	copy(out, h.keys)
	return out
}

// Message is a parsed HTTP request or response. A Message that failed
// to parse is cleared; callers must check Valid before using it.
type Message struct {
	Method  string
	Path    string
	Version string

	Code   int
	Reason string

	Headers Headers

	Body []byte
	Text string

	// ExpectClose is derived from the Connection header and version:
	// the peer will not reuse this connection.
	ExpectClose bool

	// Answered is set on an invalid message when a final rejection was
	// already written to the peer while reading it.
	Answered bool
}

// Valid reports whether the message carries a parsed start line.
func (m *Message) Valid() bool {
	return m != nil && (m.Method != "" || m.Code != 0)
}

// IsResponse reports the message role.
func (m *Message) IsResponse() bool {
	return m.Code != 0
}

func (m *Message) clear() {
	*m = Message{}
}

// NewRequest prepares a request-role message for encoding.
func NewRequest(method, path string) *Message {
	return &Message{Method: method, Path: path, Version: "HTTP/1.1"}
}

// NewResponse prepares a response-role message for encoding.
func NewResponse(code int, reason string) *Message {
	return &Message{Code: code, Reason: reason, Version: "HTTP/1.1"}
}

// Encode produces the wire form of the message. The body is appended
// as-is; Content-Length is the caller's responsibility.
func (m *Message) Encode() []byte {
	var b bytes.Buffer
	if m.IsResponse() {
		fmt.Fprintf(&b, "%s %d %s\r\n", m.Version, m.Code, m.Reason)
	} else {
		fmt.Fprintf(&b, "%s %s %s\r\n", m.Method, m.Path, m.Version)
	}
	for _, k := range m.Headers.keys {
		fmt.Fprintf(&b, "%s: %s\r\n", k, m.Headers.values[k])
	}
	b.WriteString("\r\n")
	b.Write(m.Body)
	return b.Bytes()
}

// Options controls how a message is read and decoded.
type Options struct {
	// ReadBody disabled skips body assembly entirely.
	ReadBody bool

	// DecodeText decodes the finished body into Message.Text. A body
	// that cannot be decoded invalidates the whole message.
	DecodeText bool

	// ServerRole enables the 100-continue provisional reply and the
	// 413 rejection of oversized declared bodies.
	ServerRole bool

	Timeout         time.Duration
	MaxLength       int
	MaxHeaderLength int
}

func (o Options) withDefaults() Options {
	if o.Timeout == 0 {
		o.Timeout = DefaultTimeout
	}
	if o.MaxLength == 0 {
		o.MaxLength = DefaultMaxLength
	}
	if o.MaxHeaderLength == 0 {
		o.MaxHeaderLength = DefaultMaxHeaderLength
	}
	return o
}

// source feeds the reader either from a connected stream or from a
// fixed buffer. A fixed buffer never grows: running out of bytes
// invalidates the message, it never blocks.
type source struct {
	conn    net.Conn
	timeout time.Duration
	rem     int

	// closed is set when the peer shut the stream down cleanly, as
	// opposed to a timeout, a transport error or an exhausted budget.
	closed bool

	// answered is set when a final rejection went out during the read.
	answered bool
}

func (s *source) recv() ([]byte, bool) {
	if s.conn == nil || s.closed || s.rem <= 0 {
		return nil, false
	}
	want := s.rem
	if want > 32<<10 {
		want = 32 << 10
	}
	buf := make([]byte, want)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.timeout))
	n, err := s.conn.Read(buf)
	if err == io.EOF {
		s.closed = true
	}
	if n <= 0 {
		return nil, false
	}
	s.rem -= n
	return buf[:n], true
}

func (s *source) send(data []byte) bool {
	if s.conn == nil {
		return false
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.timeout))
	_, err := s.conn.Write(data)
	return err == nil
}

// Read assembles one message from a connected stream.
func Read(conn net.Conn, opts Options) *Message {
	opts = opts.withDefaults()
	src := &source{conn: conn, timeout: opts.Timeout, rem: opts.MaxLength}
	return readMessage(nil, src, opts)
}

// Parse assembles one message from a fixed in-memory buffer, such as a
// received UDP datagram.
func Parse(data []byte, opts Options) *Message {
	opts = opts.withDefaults()
	src := &source{rem: 0}
	return readMessage(data, src, opts)
}

func readMessage(seed []byte, src *source, opts Options) *Message {
	msg := &Message{}
	if !readInto(msg, seed, src, opts) {
		msg.clear()
		msg.Answered = src.answered
		return msg
	}
	if opts.DecodeText && msg.Body != nil {
		text, ok := decodeText(msg.Body)
		if !ok {
			msg.clear()
			return msg
		}
		msg.Text = text
	}
	return msg
}

func readInto(msg *Message, resp []byte, src *source, opts Options) bool {
	// Assemble the header block up to the blank-line terminator.
	var bodyPos int
	for {
		resp = bytes.TrimLeft(resp, "\r\n")
		if i := bytes.Index(resp, []byte("\r\n\r\n")); i >= 0 {
			bodyPos = i + 4
			break
		}
		if i := bytes.Index(resp, []byte("\n\n")); i >= 0 {
			bodyPos = i + 2
			break
		}
		if len(resp) > opts.MaxHeaderLength {
			return false
		}
		bloc, ok := src.recv()
		if !ok {
			return false
		}
		resp = append(resp, bloc...)
	}
	if bodyPos > opts.MaxHeaderLength {
		return false
	}
	if !parseHeaderBlock(msg, resp[:bodyPos]) {
		return false
	}
	msg.deriveExpectClose()

	if !opts.ReadBody || emptyBodyCode(msg.Code) {
		msg.Body = []byte{}
		return true
	}

	chunked := strings.EqualFold(msg.Headers.Get("Transfer-Encoding"), "chunked")

	bodyLen := -1
	if !chunked {
		if cl := msg.Headers.Get("Content-Length"); cl != "" {
			n, err := strconv.Atoi(strings.TrimSpace(cl))
			if err != nil || n < 0 {
				return false
			}
			bodyLen = n
			if bodyPos+bodyLen-len(resp) > src.rem {
				if opts.ServerRole && src.send([]byte("HTTP/1.1 413 Request Entity Too Large\r\nContent-Length: 0\r\nConnection: close\r\n\r\n")) {
					src.answered = true
				}
				return false
			}
		} else if !msg.IsResponse() {
			// A request without a length and without chunking has no body.
			bodyLen = 0
		}
	}

	if opts.ServerRole && strings.EqualFold(msg.Headers.Get("Expect"), "100-continue") {
		if !src.send([]byte("HTTP/1.1 100 Continue\r\n\r\n")) {
			return false
		}
	}

	switch {
	case chunked:
		return readChunkedBody(msg, resp[bodyPos:], src)
	case bodyLen >= 0:
		for len(resp) < bodyPos+bodyLen {
			bloc, ok := src.recv()
			if !ok {
				return false
			}
			resp = append(resp, bloc...)
		}
		msg.Body = resp[bodyPos : bodyPos+bodyLen]
		return true
	default:
		// Response with no framing: read until the peer closes. The end
		// of a fixed buffer counts as the close; on a stream, stopping
		// for any other reason means the body is incomplete.
		for {
			bloc, ok := src.recv()
			if !ok {
				break
			}
			resp = append(resp, bloc...)
		}
		if src.conn != nil && !src.closed {
			return false
		}
		msg.Body = resp[bodyPos:]
		msg.Headers.Set("Content-Length", strconv.Itoa(len(msg.Body)))
		return true
	}
}

func readChunkedBody(msg *Message, buff []byte, src *source) bool {
	var body []byte
	chunkLen := -1
	for chunkLen != 0 {
		var chunkPos int
		for {
			buff = bytes.TrimLeft(buff, "\r\n")
			if i := bytes.Index(buff, []byte("\r\n")); i >= 0 {
				chunkPos = i + 2
				break
			}
			if i := bytes.IndexByte(buff, '\n'); i >= 0 {
				chunkPos = i + 1
				break
			}
			bloc, ok := src.recv()
			if !ok {
				return false
			}
			buff = append(buff, bloc...)
		}
		sizeLine := bytes.TrimRight(buff[:chunkPos], "\r\n")
		// Chunk extensions after ';' are ignored.
		if i := bytes.IndexByte(sizeLine, ';'); i >= 0 {
			sizeLine = sizeLine[:i]
		}
		n, err := strconv.ParseInt(string(bytes.TrimSpace(sizeLine)), 16, 32)
		if err != nil || n < 0 {
			return false
		}
		chunkLen = int(n)
		if chunkPos+chunkLen-len(buff) > src.rem {
			return false
		}
		for len(buff) < chunkPos+chunkLen {
			bloc, ok := src.recv()
			if !ok {
				return false
			}
			buff = append(buff, bloc...)
		}
		body = append(body, buff[chunkPos:chunkPos+chunkLen]...)
		buff = buff[chunkPos+chunkLen:]
	}
	msg.Body = body
	msg.Headers.Set("Content-Length", strconv.Itoa(len(body)))

	// Absorb optional trailer headers up to the closing blank line.
	buff = append([]byte("\r\n"), buff...)
	for !bytes.Contains(buff, []byte("\r\n\r\n")) && !bytes.Contains(buff, []byte("\n\n")) {
		bloc, ok := src.recv()
		if !ok {
			return false
		}
		buff = append(buff, bloc...)
	}
	return true
}

func parseHeaderBlock(msg *Message, block []byte) bool {
	lines := splitLines(block)
	startSeen := false
	for _, line := range lines {
		if len(line) == 0 {
			break
		}
		if !startSeen {
			if !parseStartLine(msg, string(line)) {
				return false
			}
			startSeen = true
			continue
		}
		name, value, ok := strings.Cut(string(line), ":")
		if !ok {
			return false
		}
		name = strings.TrimSpace(name)
		if name == "" {
			return false
		}
		msg.Headers.Add(name, strings.TrimSpace(value))
	}
	return startSeen
}

func parseStartLine(msg *Message, line string) bool {
	fields := strings.Fields(line)
	switch len(fields) {
	case 2:
		fields = append(fields, "")
	case 3:
	default:
		if len(fields) > 3 {
			// Reason phrases may contain spaces.
			rest := strings.SplitN(line, " ", 3)
			fields = []string{rest[0], rest[1], strings.TrimSpace(rest[2])}
			break
		}
		return false
	}
	if strings.HasPrefix(strings.ToUpper(fields[0]), "HTTP") {
		code, err := strconv.Atoi(fields[1])
		if err != nil || code < 100 || code > 999 {
			return false
		}
		msg.Version = strings.ToUpper(fields[0])
		msg.Code = code
		msg.Reason = fields[2]
		return true
	}
	msg.Method = strings.ToUpper(fields[0])
	msg.Path = fields[1]
	msg.Version = strings.ToUpper(fields[2])
	return true
}

func (m *Message) deriveExpectClose() {
	conn := strings.ToLower(m.Headers.Get("Connection"))
	switch {
	case strings.Contains(conn, "close"):
		m.ExpectClose = true
	case m.Version == "HTTP/1.0" || strings.HasPrefix(m.Version, "HTTP/0"):
		m.ExpectClose = !strings.Contains(conn, "keep-alive")
	}
}

func emptyBodyCode(code int) bool {
	return code >= 100 && code < 200 || code == 204 || code == 304
}

// decodeText decodes a body to a string, trying UTF-8 first and
// falling back to charset detection for legacy encodings.
func decodeText(body []byte) (string, bool) {
	if utf8.Valid(body) {
		return string(body), true
	}
	det := chardet.NewTextDetector()
	guess, err := det.DetectBest(body)
	if err != nil {
		return "", false
	}
	enc, err := ianaindex.IANA.Encoding(guess.Charset)
	if err != nil || enc == nil {
		return "", false
	}
	decoded, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		return "", false
	}
	return string(decoded), true
}

func splitLines(block []byte) [][]byte {
	var out [][]byte
	for len(block) > 0 {
		i := bytes.IndexByte(block, '\n')
		if i < 0 {
			out = append(out, block)
			break
		}
		out = append(out, bytes.TrimRight(block[:i], "\r"))
		block = block[i+1:]
	}
	return out
}
