// Command dmrender runs a UPnP/DLNA MediaRenderer that drives an
// external media player over its slave protocol.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"dmrender.app/dmrender/config"
	"dmrender.app/dmrender/device"
	"dmrender.app/dmrender/eventing"
	"dmrender.app/dmrender/httpclient"
	"dmrender.app/dmrender/iptools"
	"dmrender.app/dmrender/player"
	"dmrender.app/dmrender/renderer"
	"dmrender.app/dmrender/router"
	"dmrender.app/dmrender/ssdp"
)

var (
	version string
	build   string
)

func main() {
	conf, err := config.GetAppConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config unreadable, using defaults:", err)
		conf = config.Default()
	}

	bindArg := flag.String("b", conf.Bind, "IP address to bind the renderer to. (auto-selected by default)")
	portArg := flag.Int("p", conf.Port, "TCP port of the renderer.")
	nameArg := flag.String("n", conf.Name, "Friendly name of the renderer.")
	minimizeArg := flag.Bool("m", conf.Minimize, "Minimize the player window while idle.")
	fullscreenArg := flag.Bool("f", conf.FullScreen, "Switch the player to full screen on each session.")
	rotateArg := flag.String("r", conf.RotateJpeg, "JPEG auto-rotation mode: n (off), k (by key press), j (by transcoding).")
	noMKVArg := flag.Bool("w", conf.HideMKVFromWMP, "Hide matroska support from Windows Media Player controllers.")
	trustArg := flag.Bool("t", conf.TrustController, "Skip media address verification before handing URIs to the player.")
	subsArg := flag.Bool("s", conf.SearchSubtitles, "Probe for sidecar subtitle files next to video items.")
	proxyArg := flag.Bool("i", conf.ProxyRangeRejecting, "Proxy origins that reject partial requests.")
	verboseArg := flag.Int("v", conf.Verbosity, "Verbosity level, 0 to 2.")
	versionPtr := flag.Bool("version", false, "Print version.")
	flag.Parse()

	if *versionPtr {
		fmt.Printf("dmrender %s build %s\n", version, build)
		os.Exit(0)
	}

	log := newLogger(*verboseArg)

	if *rotateArg != renderer.RotateOff && *rotateArg != renderer.RotateKeypress && *rotateArg != renderer.RotateTranscode {
		log.Fatal().Str("mode", *rotateArg).Msg("rotation mode must be n, k or j")
	}

	ip := *bindArg
	if ip == "" {
		ip, err = iptools.OutboundIP()
		if err != nil {
			log.Fatal().Err(err).Msg("no usable interface address")
		}
	}
	port, err := iptools.CheckAndPickPort(ip, *portArg)
	if err != nil {
		log.Fatal().Err(err).Msg("no free port")
	}
	baseURL := "http://" + net.JoinHostPort(ip, strconv.Itoa(port))

	dev, err := device.New(*nameArg)
	if err != nil {
		log.Fatal().Err(err).Msg("device model failed to build")
	}
	log.Info().Str("name", dev.Name).Str("udn", dev.UDN).Str("url", baseURL).Msg("renderer starting")

	ch, err := player.NewSlave(log, conf.PlayerCommand)
	if err != nil {
		log.Fatal().Err(err).Strs("command", conf.PlayerCommand).Msg("player failed to start")
	}

	client := httpclient.New(log)
	rend := renderer.New(log, dev, client, ch, baseURL, renderer.Options{
		Minimize:            *minimizeArg,
		FullScreen:          *fullscreenArg,
		JpegRotate:          *rotateArg,
		RotateCommand:       conf.RotateCommand,
		HideMKVFromWMP:      *noMKVArg,
		TrustController:     *trustArg,
		SearchSubtitles:     *subsArg,
		ProxyRangeRejecting: *proxyArg,
	})
	events := eventing.New(log, client, rend.Snapshot)
	rend.SetEvents(events)
	rend.Start()

	srv := router.New(log, dev, rend, events)
	if err := srv.Start(net.JoinHostPort(ip, strconv.Itoa(port))); err != nil {
		log.Fatal().Err(err).Msg("request server failed to start")
	}

	responder := ssdp.New(log, dev, baseURL+device.DescriptionPath, ip)
	if err := responder.Start(); err != nil {
		log.Fatal().Err(err).Msg("search responder failed to start")
	}
	// UDP being lossy, presence is announced twice in a row.
	responder.Advertise(true)
	responder.Advertise(true)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		log.Info().Msg("signal received, shutting down")
	case <-rend.Done():
		log.Info().Msg("player gone, shutting down")
	}

	responder.Advertise(false)
	responder.Advertise(false)
	responder.Stop()
	srv.Stop()
	events.StopAll()
	rend.Shutdown()
	ch.Close()

	log.Info().Msg("renderer stopped")
}

func newLogger(verbosity int) zerolog.Logger {
	level := zerolog.WarnLevel
	switch verbosity {
	case 1:
		level = zerolog.InfoLevel
	case 2:
		level = zerolog.DebugLevel
	}
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}
