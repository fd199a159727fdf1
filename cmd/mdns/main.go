package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/betamos/mdns"
	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/exp/zapslog"
	"go.uber.org/zap/zapcore"
)

var (
	browse  = flag.Bool("b", false, "Browse for services")
	name    = flag.String("p", "", "Publish a service with the given name.")
	resolve = flag.String("r", "", "Resolve a host name, e.g. printer.local, and exit.")
	types   = flag.Bool("types", false, "List service types in the domain.")

	typeStr = flag.String("type", "_mdns-go._tcp", "The service type.")

	hostname = flag.String("hostname", "", "Override hostname for the service.")
	port     = flag.Int("port", 42424, "Override the port for the service.")
	addrs    = flag.String("addrs", "", "Override IP addrs for the service (comma-separated).")

	network = flag.String("net", "udp", "Change the network to use ipv4 or ipv6 only.")
	expiry  = flag.Int("expiry", 0, "Set a custom expiry in seconds.")
	text    = flag.String("text", "", "Text values for the service (comma-separated).")
	reload  = flag.Int("reload", 0, "Reload every n seconds. 0 means never.")
	timeout = flag.Duration("timeout", 3*time.Second, "Timeout for -r.")

	verbose = flag.Bool("v", false, "Verbose mode, with debug output.")
	logFile = flag.String("log-file", "", "Also write logs to a rotated file.")
)

// Builds a zap core for stderr, and optionally a rotated file, and installs it as the default
// slog handler.
func setupLogging() *zap.Logger {
	level := zapcore.InfoLevel
	if *verbose {
		level = zapcore.DebugLevel
	}
	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeTime = zapcore.TimeEncoderOfLayout(time.TimeOnly)
	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.Lock(os.Stderr), level),
	}
	if *logFile != "" {
		hook := &lumberjack.Logger{
			Filename:   *logFile,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			Compress:   true,
		}
		fileCfg := zap.NewProductionEncoderConfig()
		fileCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(fileCfg), zapcore.AddSync(hook), level))
	}
	logger := zap.New(zapcore.NewTee(cores...))
	slog.SetDefault(slog.New(zapslog.NewHandler(logger.Core())))
	return logger
}

func main() {
	flag.Parse()

	logger := setupLogging()
	defer logger.Sync()

	if err := run(); err != nil {
		slog.Error("exiting", "err", err)
		logger.Sync()
		os.Exit(1)
	}
}

func run() error {
	ty := mdns.NewType(*typeStr)
	svc := mdns.NewService(ty, *name, uint16(*port))
	svc.Text = split(*text)
	if *hostname != "" {
		svc.Hostname = *hostname
	}
	for _, s := range split(*addrs) {
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return fmt.Errorf("invalid address: %w", err)
		}
		svc.Addrs = append(svc.Addrs, addr)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	opts := mdns.New().
		Logger(slog.Default()).
		Expiry(time.Duration(*expiry) * time.Second).
		Network(*network)

	if *name != "" {
		opts.Publish(svc, listener{})
		slog.Info("publishing", "type", ty, "service", svc)
	}
	if *browse {
		opts.Browse(func(e mdns.ServiceEvent) {
			slog.Info("service", "op", e.Op, "name", e.Name, "host", e.Hostname, "port", e.Port,
				"addrs", e.Addrs, "text", e.Text)
		}, ty)
		slog.Info("browsing", "type", ty)
	}
	if !*browse && *name == "" && *resolve == "" && !*types {
		return errors.New("either -p <name> (publish), -b (browse), -r <host> or -types must be provided (see -help)")
	}

	client, err := opts.Open()
	if err != nil {
		return fmt.Errorf("failed creating client: %w", err)
	}

	if *resolve != "" {
		return errors.Join(resolveHost(ctx, client, *resolve), client.Close())
	}
	if *types {
		q, err := client.BrowseTypes(ty.Domain, func(op mdns.Op, ty *mdns.Type) {
			slog.Info("type", "op", op, "type", ty)
		})
		if err != nil {
			return errors.Join(err, client.Close())
		}
		defer q.Cancel()
	}

	// Reload periodically. The "empty ticker" blocks forever
	ticker := new(time.Ticker)
	if *reload > 0 {
		ticker = time.NewTicker(time.Duration(*reload) * time.Second)
	}
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			if err := client.Reload(); err != nil {
				slog.Warn("reload failed", "err", err)
			}
		}
	}
	ticker.Stop()

	if err := client.Close(); err != nil {
		return fmt.Errorf("failed closing client: %w", err)
	}
	return nil
}

func resolveHost(ctx context.Context, client *mdns.Client, host string) error {
	name, err := mdns.ParseName(host)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()
	rec, err := client.Resolve(ctx, mdns.Question{Name: name, Type: mdns.TypeA})
	if err != nil {
		return err
	}
	fmt.Println(rec)
	return nil
}

type listener struct{}

func (listener) NameConflict(from, to mdns.Name) {
	slog.Info("renamed", "from", from, "to", to)
}

func (listener) RegistrationFailed(name mdns.Name, err error) {
	slog.Error("publishing failed", "name", name, "err", err)
}

func split(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
