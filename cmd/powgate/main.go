package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/TecharoHQ/powgate"
	"github.com/TecharoHQ/powgate/internal"
	"github.com/TecharoHQ/powgate/lib"
	"github.com/TecharoHQ/powgate/lib/policy"
	"github.com/facebookgo/flagenv"
	_ "github.com/joho/godotenv/autoload"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"sigs.k8s.io/yaml"
)

var (
	bind                     = flag.String("bind", ":8923", "network address to bind HTTP to")
	bindNetwork              = flag.String("bind-network", "tcp", "network family to bind HTTP to, e.g. unix, tcp")
	challengeDifficulty      = flag.Int("difficulty", powgate.DefaultDifficulty, "number of leading zero bits a solution digest must have")
	challengeTTL             = flag.Duration("challenge-ttl", powgate.ChallengeTTL, "how long an issued challenge can be redeemed for")
	sweepInterval            = flag.Duration("sweep-interval", powgate.SweepInterval, "how often expired challenges are purged")
	development              = flag.Bool("development", false, "if true, include internal error details in upstream and verification failure responses")
	gzipLevel                = flag.Int("gzip-level", 0, "if > 0, gzip responses for clients that accept it at this compression level (1-9)")
	hcaptchaSecret           = flag.String("hcaptcha-secret", "", "hCaptcha secret key used to verify claim requests")
	hcaptchaVerifyURL        = flag.String("hcaptcha-verify-url", "", "if set, the hCaptcha siteverify endpoint to use instead of the public one")
	metricsBind              = flag.String("metrics-bind", ":9090", "network address to bind metrics to")
	metricsBindNetwork       = flag.String("metrics-bind-network", "tcp", "network family for the metrics server to bind to")
	socketMode               = flag.String("socket-mode", "0770", "socket mode (permissions) for unix domain sockets.")
	policyFname              = flag.String("policy-fname", "", "full path to powgate policy document (defaults to a sensible built-in policy)")
	printPolicy              = flag.Bool("print-policy", false, "print the effective policy document and exit")
	slogLevel                = flag.String("slog-level", "INFO", "logging level (see https://pkg.go.dev/log/slog#hdr-Levels)")
	target                   = flag.String("target", "http://localhost:3923", "upstream API to forward requests to, set to an empty string to disable forwarding")
	targetSNI                = flag.String("target-sni", "", "if set, the value of the TLS handshake hostname when forwarding requests to the target")
	targetHost               = flag.String("target-host", "", "if set, the value of the Host header when forwarding requests to the target")
	targetInsecureSkipVerify = flag.Bool("target-insecure-skip-verify", false, "if true, skips TLS validation for the backend")
	healthcheck              = flag.Bool("healthcheck", false, "run a health check against powgate")
	useRemoteAddress         = flag.Bool("use-remote-address", false, "read the client's IP address from the network request, useful for debugging and running powgate on bare metal")
	versionFlag              = flag.Bool("version", false, "print powgate version")
	xffStripPrivate          = flag.Bool("xff-strip-private", true, "if set, strip private addresses from X-Forwarded-For")
)

func doHealthCheck() error {
	resp, err := http.Get("http://localhost" + *metricsBind + "/metrics")
	if err != nil {
		return fmt.Errorf("failed to fetch metrics: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	return nil
}

// parseBindNetFromAddr determine bind network and address based on the given network and address.
func parseBindNetFromAddr(address string) (string, string, error) {
	defaultScheme := "http://"
	if !strings.Contains(address, "://") {
		if strings.HasPrefix(address, ":") {
			address = defaultScheme + "localhost" + address
		} else {
			address = defaultScheme + address
		}
	}

	bindUri, err := url.Parse(address)
	if err != nil {
		return "", "", fmt.Errorf("failed to parse bind URL: %w", err)
	}

	switch bindUri.Scheme {
	case "unix":
		return "unix", bindUri.Path, nil
	case "tcp", "http", "https":
		return "tcp", bindUri.Host, nil
	default:
		return "", "", fmt.Errorf("unsupported network scheme %s in address %s", bindUri.Scheme, address)
	}
}

func setupListener(network string, address string) (net.Listener, string) {
	formattedAddress := ""

	if network == "" {
		var err error
		network, address, err = parseBindNetFromAddr(address)
		if err != nil {
			log.Fatal(err)
		}
	}

	switch network {
	case "unix":
		formattedAddress = "unix:" + address
	case "tcp":
		if strings.HasPrefix(address, ":") { // assume it's just a port e.g. :4259
			formattedAddress = "http://localhost" + address
		} else {
			formattedAddress = "http://" + address
		}
	default:
		formattedAddress = fmt.Sprintf(`(%s) %s`, network, address)
	}

	listener, err := net.Listen(network, address)
	if err != nil {
		log.Fatal(fmt.Errorf("failed to bind to %s: %w", formattedAddress, err))
	}

	if network == "unix" {
		mode, err := strconv.ParseUint(*socketMode, 8, 0)
		if err != nil {
			listener.Close()
			log.Fatal(fmt.Errorf("could not parse socket mode %s: %w", *socketMode, err))
		}

		if err := os.Chmod(address, os.FileMode(mode)); err != nil {
			if err := listener.Close(); err != nil {
				log.Printf("failed to close listener: %v", err)
			}
			log.Fatal(fmt.Errorf("could not change socket mode: %w", err))
		}
	}

	return listener, formattedAddress
}

func main() {
	flagenv.Parse()
	flag.Parse()

	if *versionFlag {
		fmt.Println("powgate", powgate.Version)
		return
	}

	internal.InitSlog(*slogLevel)

	if *healthcheck {
		if err := doHealthCheck(); err != nil {
			log.Fatal(err)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pc, err := lib.LoadPoliciesOrDefault(ctx, *policyFname, policy.Defaults{
		Difficulty:    *challengeDifficulty,
		ChallengeTTL:  *challengeTTL,
		SweepInterval: *sweepInterval,
	})
	if err != nil {
		log.Fatalf("can't parse policy file: %v", err)
	}

	if *printPolicy {
		out, err := yaml.Marshal(pc.Original())
		if err != nil {
			log.Fatalf("can't marshal policy: %v", err)
		}
		os.Stdout.Write(out)
		return
	}

	var upstream *lib.Upstream
	// systemd can't set an environment variable to an empty string, only to a space
	if strings.TrimSpace(*target) != "" {
		upstream, err = lib.NewUpstream(*target, *targetSNI, *targetHost, *targetInsecureSkipVerify)
		if err != nil {
			log.Fatalf("can't configure upstream: %v", err)
		}
		if *targetInsecureSkipVerify {
			slog.Warn("TARGET_INSECURE_SKIP_VERIFY is set to true, TLS certificate validation will not be performed", "target", *target)
		}
	} else {
		slog.Warn("TARGET is not set, guarded requests will be answered with 503")
	}

	projectCache, err := lib.BuildProjectCache(ctx, pc.ProjectCache)
	if err != nil {
		log.Fatal(err)
	}

	s, err := lib.New(lib.Options{
		Policy:            pc,
		Upstream:          upstream,
		HCaptchaSecret:    *hcaptchaSecret,
		HCaptchaVerifyURL: *hcaptchaVerifyURL,
		ProjectCache:      projectCache,
		Development:       *development,
	})
	if err != nil {
		log.Fatalf("can't construct lib.Server: %v", err)
	}

	wg := new(sync.WaitGroup)

	if *metricsBind != "" {
		wg.Add(1)
		go metricsServer(ctx, wg.Done)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.RunSweeper(ctx)
	}()

	var h http.Handler
	h = s
	if *gzipLevel > 0 {
		h, err = internal.GzipMiddleware(*gzipLevel, h)
		if err != nil {
			log.Fatalf("can't set up gzip: %v", err)
		}
	}
	h = internal.RemoteXRealIP(*useRemoteAddress, *bindNetwork, h)
	h = internal.XForwardedForToXRealIP(h)
	h = internal.XForwardedForUpdate(*xffStripPrivate, h)

	srv := http.Server{Handler: h, ErrorLog: internal.GetFilteredHTTPLogger()}
	listener, listenerUrl := setupListener(*bindNetwork, *bind)
	slog.Info(
		"listening",
		"url", listenerUrl,
		"difficulty", int(pc.Difficulty),
		"challenge-ttl", pc.ChallengeTTL,
		"sweep-interval", pc.SweepInterval,
		"target", *target,
		"version", powgate.Version,
		"use-remote-address", *useRemoteAddress,
		"development", *development,
		"project-cache", pc.ProjectCache != nil,
	)

	go func() {
		<-ctx.Done()
		c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(c); err != nil {
			log.Printf("cannot shut down: %v", err)
		}
	}()

	if err := srv.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
	wg.Wait()
}

func metricsServer(ctx context.Context, done func()) {
	defer done()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := http.Server{Handler: mux, ErrorLog: internal.GetFilteredHTTPLogger()}
	listener, metricsUrl := setupListener(*metricsBindNetwork, *metricsBind)
	slog.Debug("listening for metrics", "url", metricsUrl)

	go func() {
		<-ctx.Done()
		c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(c); err != nil {
			log.Printf("cannot shut down: %v", err)
		}
	}()

	if err := srv.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
}
