package ssdp

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dmrender.app/dmrender/device"
	"dmrender.app/dmrender/httpmsg"
)

func newTestResponder(t *testing.T) *Responder {
	t.Helper()
	dev, err := device.New("salon")
	require.NoError(t, err)
	return New(zerolog.Nop(), dev, "http://10.0.0.2:9700/D_S", "")
}

func searchPacket(st string) []byte {
	return []byte("M-SEARCH * HTTP/1.1\r\n" +
		"Host: 239.255.255.250:1900\r\n" +
		"Man: \"ssdp:discover\"\r\n" +
		"MX: 1\r\n" +
		"ST: " + st + "\r\n" +
		"\r\n")
}

func TestAccepts(t *testing.T) {
	r := newTestResponder(t)

	tt := []struct {
		name string
		st   string
		want bool
	}{
		{"all", "ssdp:all", true},
		{"rootdevice", "upnp:rootdevice", true},
		{"device type", "urn:schemas-upnp-org:device:MediaRenderer:1", true},
		{"avtransport", "urn:schemas-upnp-org:service:AVTransport:1", true},
		{"udn", r.dev.UDN, true},
		{"udn case insensitive", strings.ToUpper(r.dev.UDN), true},
		{"content directory", "urn:schemas-upnp-org:service:ContentDirectory:1", false},
		{"empty", "", false},
		{"other udn", "uuid:0000-1111", false},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, r.accepts(tc.st))
		})
	}
}

func TestNotificationTypes(t *testing.T) {
	r := newTestResponder(t)

	types := r.notificationTypes()
	require.Len(t, types, 6)
	assert.Equal(t, "upnp:rootdevice", types[0])
	assert.Equal(t, r.dev.UDN, types[1])
	assert.Equal(t, device.DeviceType, types[2])
	for _, st := range types[3:] {
		assert.True(t, strings.HasPrefix(st, "urn:schemas-upnp-org:service:"), st)
	}
}

func TestHandleRepliesUnicast(t *testing.T) {
	r := newTestResponder(t)

	sock, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer sock.Close()
	peer, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer peer.Close()

	r.handle(sock, peer.LocalAddr().(*net.UDPAddr), searchPacket("upnp:rootdevice"))

	peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, packetSize)
	n, err := peer.Read(buf)
	require.NoError(t, err)

	resp := httpmsg.Parse(buf[:n], httpmsg.Options{})
	require.True(t, resp.Valid())
	assert.Equal(t, 200, resp.Code)
	assert.Equal(t, "upnp:rootdevice", resp.Headers.Get("ST"))
	assert.Equal(t, r.dev.UDN+"::upnp:rootdevice", resp.Headers.Get("USN"))
	assert.Equal(t, "http://10.0.0.2:9700/D_S", resp.Headers.Get("Location"))
	assert.Equal(t, "max-age=1800", resp.Headers.Get("Cache-Control"))
	assert.True(t, strings.HasSuffix(resp.Headers.Get("Date"), "GMT"))
	assert.Equal(t, device.ServerName, resp.Headers.Get("Server"))
	assert.True(t, resp.Headers.Has("Ext"))
}

func TestHandleIgnores(t *testing.T) {
	r := newTestResponder(t)

	sock, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer sock.Close()
	peer, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer peer.Close()

	tt := []struct {
		name   string
		packet []byte
	}{
		{"foreign target", searchPacket("urn:schemas-upnp-org:service:ContentDirectory:1")},
		{"notify method", []byte("NOTIFY * HTTP/1.1\r\nNT: upnp:rootdevice\r\n\r\n")},
		{"garbage", []byte("not a datagram")},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			r.handle(sock, peer.LocalAddr().(*net.UDPAddr), tc.packet)
			peer.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
			buf := make([]byte, packetSize)
			_, err := peer.Read(buf)
			assert.Error(t, err)
		})
	}
}

func TestHandleRateLimited(t *testing.T) {
	r := newTestResponder(t)

	sock, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer sock.Close()
	peer, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer peer.Close()

	for i := 0; i < 30; i++ {
		r.handle(sock, peer.LocalAddr().(*net.UDPAddr), searchPacket("ssdp:all"))
	}

	answered := 0
	buf := make([]byte, packetSize)
	for {
		peer.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		if _, err := peer.Read(buf); err != nil {
			break
		}
		answered++
	}
	assert.GreaterOrEqual(t, answered, 8)
	assert.Less(t, answered, 30)
}

func TestStartStop(t *testing.T) {
	r := newTestResponder(t)
	if err := r.Start(); err != nil {
		t.Skipf("multicast unavailable: %v", err)
	}

	done := make(chan struct{})
	go func() {
		r.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("stop did not complete")
	}

	r.Stop()
}
