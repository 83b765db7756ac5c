package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"net"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/equinix-labs/otel-init-go/otelinit"
	"github.com/go-logr/logr"
	"github.com/go-logr/zerologr"
	"github.com/go-playground/validator/v10"
	"github.com/keeleysam/bsdpy"
	"github.com/keeleysam/bsdpy/handler/bsdp"
	"github.com/peterbourgon/ff/v3"
	"github.com/peterbourgon/ff/v3/ffcli"
	"github.com/rs/zerolog"
	"inet.af/netaddr"
)

type command struct {
	log      logr.Logger
	logLevel string
	// NBIPath is the catalog and TFTP root.
	NBIPath string `validate:"required"`
	// Proto picks how clients mount the root disk image.
	Proto string `validate:"oneof=http nfs"`
	IFace string
	// IP overrides the served IP, normally taken from IFace.
	IP serverIP
	// NBIURL overrides the HTTP base clients fetch disk images from.
	NBIURL webURL
	// APIURL switches the catalog from the filesystem to a remote endpoint.
	APIURL webURL
	APIKey string
	// Priority pins the server priority, 0 means randomize.
	Priority int `validate:"min=0,max=65535"`
}

func main() {
	exitCode := 0
	defer func() {
		os.Exit(exitCode)
	}()

	ctx, done := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGHUP, syscall.SIGTERM)
	defer done()
	ctx, otelShutdown := otelinit.InitOpenTelemetry(ctx, "github.com/keeleysam/bsdpy")
	defer otelShutdown(ctx)

	if err := execute(ctx, os.Args[1:]); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "{\"err\":\"%v\"}\n", err)
		exitCode = 1
	}
}

func commandDefaults() *command {
	return &command{
		logLevel: "info",
		NBIPath:  "/nbi",
		Proto:    "http",
		IFace:    "eth0",
	}
}

func execute(ctx context.Context, args []string) error {
	c := commandDefaults()
	fs := flag.NewFlagSet("bsdpy", flag.ExitOnError)
	c.RegisterFlags(fs)
	cmd := &ffcli.Command{
		Name:       "bsdpy",
		ShortUsage: "Run BSDP NetBoot server",
		FlagSet:    fs,
		Options:    []ff.Option{ff.WithEnvVarPrefix("BSDPY")},
		Exec: func(ctx context.Context, args []string) error {
			c.log = defaultLogger(c.logLevel)
			c.log = c.log.WithName("bsdpy")
			if err := c.Validate(); err != nil {
				return err
			}

			return c.Run(ctx)
		},
	}
	if err := cmd.Parse(args); err != nil {
		return err
	}

	return cmd.Run(ctx)
}

func (c *command) Run(ctx context.Context) error {
	l := c.log.WithValues()
	// 1. resolve the served identity (ip, hostname, priority)
	// 2. create the backend and run the initial scan
	// 3. create the handler(backend)
	// 4. start the listener(handler)
	ip := netaddr.IP(c.IP)
	if ip.IsZero() {
		var err error
		ip, err = ifaceIPv4(c.IFace)
		if err != nil {
			return err
		}
	}
	priority := [2]byte{byte(c.Priority >> 8), byte(c.Priority)}
	if c.Priority == 0 {
		// clients prefer higher priority servers, never advertise zero
		priority = [2]byte{byte(1 + rand.Intn(255)), byte(1 + rand.Intn(255))}
	}

	apiURL := url.URL(c.APIURL)
	nbiURL := url.URL(c.NBIURL)
	cl := cli{
		Logger:   l,
		NBIPath:  c.NBIPath,
		Proto:    c.Proto,
		ServerIP: ip,
		APIKey:   c.APIKey,
	}
	if apiURL.Host != "" {
		cl.APIURL = &apiURL
	}
	if nbiURL.Host != "" {
		cl.NBIURL = &nbiURL
	}
	backend, dmgBase, err := cliautomagic(ctx, cl)
	if err != nil {
		return err
	}
	rescanOnUSR1(ctx, l, backend)

	handler := &bsdp.Handler{
		Log:      l.WithValues("handler", "bsdp"),
		Backend:  backend,
		IPAddr:   ip,
		Priority: priority,
		DMGBase:  dmgBase,
	}
	listener := &bsdpy.Listener{
		Addr:   netaddr.IPPortFrom(netaddr.IPv4(0, 0, 0, 0), 67),
		IFName: c.IFace,
	}
	l.Info("starting bsdp server", "ip", ip.String(), "serverPriority", priority, "dmgBase", dmgBase)
	err = listener.ListenAndServe(ctx, handler)
	l.Info("shutting down bsdp server")
	return err
}

// Validate checks the Command struct for validation errors.
func (c *command) Validate() error {
	return validator.New().Struct(c)
}

// RegisterFlags registers a flag set for the bsdpy command.
func (c *command) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&c.NBIPath, "nbi-path", "/nbi", "path to the NetBoot image bundles, also the TFTP root")
	f.StringVar(&c.Proto, "proto", "http", "protocol clients mount root disk images over (http or nfs)")
	f.StringVar(&c.IFace, "iface", "eth0", "interface to listen on")
	f.Var(&c.IP, "ip", "served IP address, defaults to the address of -iface")
	f.Var(&c.NBIURL, "nbi-url", "HTTP base URL clients fetch disk images from, defaults to the served IP")
	f.Var(&c.APIURL, "api-url", "catalog API endpoint, switches off filesystem scanning")
	f.StringVar(&c.APIKey, "api-key", "", "bearer token for the catalog API")
	f.IntVar(&c.Priority, "priority", 0, "server priority advertised to clients, 0 randomizes")
	f.StringVar(&c.logLevel, "log-level", "info", "Log level")
}

// rescanOnUSR1 reloads the catalog whenever the process receives SIGUSR1.
func rescanOnUSR1(ctx context.Context, log logr.Logger, backend catalogBackend) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGUSR1)
	go func() {
		for {
			select {
			case <-ctx.Done():
				signal.Stop(sig)
				return
			case <-sig:
				log.Info("SIGUSR1 received, rescanning catalog")
				if err := backend.Rescan(ctx); err != nil {
					log.Error(err, "rescan failed, keeping previous catalog")
				}
			}
		}
	}()
}

// defaultLogger is a zerolog logr implementation.
func defaultLogger(level string) logr.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	zerologr.NameFieldName = "logger"
	zerologr.NameSeparator = "/"

	zl := zerolog.New(os.Stdout)
	zl = zl.With().Caller().Timestamp().Logger()
	var l zerolog.Level
	switch level {
	case "debug":
		l = zerolog.DebugLevel
	default:
		l = zerolog.InfoLevel
	}
	zl = zl.Level(l)

	return zerologr.New(&zl)
}

// ifaceIPv4 returns the first usable IPv4 address of the named interface.
func ifaceIPv4(name string) (netaddr.IP, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return netaddr.IP{}, fmt.Errorf("failed to find interface %s: %w", name, err)
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return netaddr.IP{}, err
	}
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		v4 := ipnet.IP.To4()
		if v4 == nil || !v4.IsGlobalUnicast() {
			continue
		}
		if ip, ok := netaddr.FromStdIP(v4); ok {
			return ip, nil
		}
	}

	return netaddr.IP{}, fmt.Errorf("interface %s has no usable IPv4 address", name)
}
