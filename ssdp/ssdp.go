// Package ssdp answers M-SEARCH discovery on the SSDP multicast group
// and sends the alive/byebye presence advertisements.
package ssdp

import (
	"net"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"dmrender.app/dmrender/device"
	"dmrender.app/dmrender/httpmsg"
)

const (
	multicastAddr = "239.255.255.250:1900"

	// SSDP datagrams fit one UDP packet.
	packetSize = 1500

	maxAge = "max-age=1800"

	rfc1123GMT = "Mon, 02 Jan 2006 15:04:05 GMT"
)

// Responder listens for renderer searches and replies unicast with the
// device location. One Responder serves one bound interface.
type Responder struct {
	log     zerolog.Logger
	dev     *device.Device
	descURL string

	// localIP, when set, pins advertisement sends to one interface.
	localIP string

	limiter *rate.Limiter

	mu      sync.Mutex
	conn    *net.UDPConn
	stopped bool

	done chan struct{}
}

// New builds a responder advertising descURL. localIP may be empty to
// let the kernel pick the outbound interface.
func New(log zerolog.Logger, dev *device.Device, descURL, localIP string) *Responder {
	return &Responder{
		log:     log,
		dev:     dev,
		descURL: descURL,
		localIP: localIP,
		limiter: rate.NewLimiter(16, 8),
		done:    make(chan struct{}),
	}
}

// Start joins the multicast group and serves searches until Stop.
func (r *Responder) Start() error {
	maddr, err := net.ResolveUDPAddr("udp4", multicastAddr)
	if err != nil {
		return errors.Wrap(err, "Start resolve group")
	}
	var ifi *net.Interface
	if r.localIP != "" {
		ifi = interfaceFor(r.localIP)
	}
	conn, err := net.ListenMulticastUDP("udp4", ifi, maddr)
	if err != nil {
		return errors.Wrap(err, "Start join group")
	}

	r.mu.Lock()
	r.conn = conn
	r.stopped = false
	r.mu.Unlock()

	go r.serve(conn)
	r.log.Info().Str("group", multicastAddr).Msg("search responder listening")
	return nil
}

// Stop leaves the group and waits for the serve loop to finish.
func (r *Responder) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	conn := r.conn
	r.mu.Unlock()

	if conn != nil {
		conn.Close()
		<-r.done
	}
	r.log.Info().Msg("search responder stopped")
}

func (r *Responder) serve(conn *net.UDPConn) {
	defer close(r.done)
	buf := make([]byte, packetSize)
	for {
		n, raddr, err := conn.ReadFromUDP(buf)
		if err != nil {
			r.mu.Lock()
			stopped := r.stopped
			r.mu.Unlock()
			if !stopped {
				r.log.Warn().Err(err).Msg("search socket read failed")
			}
			return
		}
		r.handle(conn, raddr, buf[:n])
	}
}

func (r *Responder) handle(conn *net.UDPConn, raddr *net.UDPAddr, packet []byte) {
	msg := httpmsg.Parse(packet, httpmsg.Options{})
	if !msg.Valid() || msg.Method != "M-SEARCH" {
		return
	}
	st := msg.Headers.Get("ST")
	if !r.accepts(st) {
		return
	}
	if !r.limiter.Allow() {
		return
	}

	resp := "HTTP/1.1 200 OK\r\n" +
		"Cache-Control: " + maxAge + "\r\n" +
		"Date: " + time.Now().UTC().Format(rfc1123GMT) + "\r\n" +
		"Ext: \r\n" +
		"Location: " + r.descURL + "\r\n" +
		"Server: " + device.ServerName + "\r\n" +
		"ST: " + st + "\r\n" +
		"USN: " + r.dev.UDN + "::" + st + "\r\n" +
		"Content-Length: 0\r\n" +
		"\r\n"
	if _, err := conn.WriteToUDP([]byte(resp), raddr); err != nil {
		r.log.Debug().Err(err).Stringer("peer", raddr).Msg("search reply failed")
		return
	}
	r.log.Debug().Stringer("peer", raddr).Str("st", st).Msg("search answered")
}

// accepts reports whether a search target designates this renderer.
func (r *Responder) accepts(st string) bool {
	for _, want := range []string{
		"ssdp:all",
		"upnp:rootdevice",
		device.DeviceType,
		"urn:schemas-upnp-org:service:AVTransport:1",
		r.dev.UDN,
	} {
		if strings.EqualFold(st, want) {
			return true
		}
	}
	return false
}

// Advertise multicasts one presence round: rootdevice, the bare UDN,
// the device type and the three service types. Renderers announce
// twice in a row at startup and shutdown, UDP being lossy.
func (r *Responder) Advertise(alive bool) {
	nts := "ssdp:byebye"
	if alive {
		nts = "ssdp:alive"
	}

	var laddr *net.UDPAddr
	if r.localIP != "" {
		laddr = &net.UDPAddr{IP: net.ParseIP(r.localIP)}
	}
	raddr, err := net.ResolveUDPAddr("udp4", multicastAddr)
	if err != nil {
		r.log.Warn().Err(err).Msg("advertisement group unresolvable")
		return
	}
	conn, err := net.DialUDP("udp4", laddr, raddr)
	if err != nil {
		r.log.Warn().Err(err).Msg("advertisement socket failed")
		return
	}
	defer conn.Close()

	for _, nt := range r.notificationTypes() {
		usn := r.dev.UDN
		if nt != r.dev.UDN {
			usn += "::" + nt
		}
		msg := "NOTIFY * HTTP/1.1\r\n" +
			"Host: " + multicastAddr + "\r\n" +
			"Cache-Control: " + maxAge + "\r\n" +
			"Location: " + r.descURL + "\r\n" +
			"NT: " + nt + "\r\n" +
			"NTS: " + nts + "\r\n" +
			"Server: " + device.ServerName + "\r\n" +
			"USN: " + usn + "\r\n" +
			"\r\n"
		if _, err := conn.Write([]byte(msg)); err != nil {
			r.log.Debug().Err(err).Str("nt", nt).Msg("advertisement send failed")
		}
	}
	r.log.Debug().Str("nts", nts).Msg("advertisement round sent")
}

func (r *Responder) notificationTypes() []string {
	types := []string{"upnp:rootdevice", r.dev.UDN, device.DeviceType}
	for _, svc := range r.dev.Services {
		types = append(types, svc.Type)
	}
	return types
}

// interfaceFor finds the interface owning an IP, for the multicast
// join. nil means any.
func interfaceFor(ip string) *net.Interface {
	want := net.ParseIP(ip)
	if want == nil {
		return nil
	}
	ifis, err := net.Interfaces()
	if err != nil {
		return nil
	}
	for i := range ifis {
		addrs, err := ifis[i].Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if ipn, ok := a.(*net.IPNet); ok && ipn.IP.Equal(want) {
				return &ifis[i]
			}
		}
	}
	return nil
}
