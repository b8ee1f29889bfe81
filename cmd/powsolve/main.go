// Command powsolve solves powgate challenges from the command line. It can
// solve a token offline, fetch and solve a challenge from a running gate,
// fetch the project listing through the gate, or benchmark the solvers.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/TecharoHQ/powgate"
	"github.com/TecharoHQ/powgate/internal"
	"github.com/TecharoHQ/powgate/lib/client"
	"github.com/TecharoHQ/powgate/lib/pow"
	"github.com/facebookgo/flagenv"
	"github.com/google/uuid"
	_ "github.com/joho/godotenv/autoload"
	"sigs.k8s.io/yaml"
)

var (
	gateURL      = flag.String("gate", "", "base URL of a powgate instance to fetch challenges from, e.g. https://cdk.example")
	token        = flag.String("token", "", "solve this challenge token offline instead of fetching one")
	difficulty   = flag.Int("difficulty", powgate.DefaultDifficulty, "number of leading zero bits the gate requires")
	engineName   = flag.String("engine", "auto", "compute engine: auto, parallel, cooperative")
	workers      = flag.Int("workers", 0, "number of parallel workers (defaults to GOMAXPROCS)")
	list         = flag.Bool("list", false, "fetch the project listing through the gate and print it")
	benchmark    = flag.Int("benchmark", 0, "if > 0, solve this many random tokens and report the hash rate")
	outputFormat = flag.String("format", "yaml", "output format: yaml, json or text")
	showProgress = flag.Bool("progress", false, "log solver progress")
	slogLevel    = flag.String("slog-level", "WARN", "logging level (see https://pkg.go.dev/log/slog#hdr-Levels)")
	timeout      = flag.Duration("timeout", 0, "if > 0, give up after this long")
	versionFlag  = flag.Bool("version", false, "print powsolve version")
)

var ErrNothingToDo = errors.New("powsolve: set one of -token, -gate or -benchmark")

type options struct {
	Gate       string
	Token      string
	Difficulty pow.Difficulty
	Engine     string
	Workers    int
	List       bool
	Benchmark  int
	Format     string
	Progress   bool
}

// Result is what powsolve prints.
type Result struct {
	Challenge  string  `json:"challenge,omitempty"`
	Nonce      *uint64 `json:"nonce,omitempty"`
	Difficulty int     `json:"difficulty"`
	Engine     string  `json:"engine"`
	Elapsed    string  `json:"elapsed"`
	Solves     int     `json:"solves,omitempty"`
	HashRate   float64 `json:"hash_rate,omitempty"`
	Status     int     `json:"status,omitempty"`
	Body       any     `json:"body,omitempty"`
}

func init() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage of %s:\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "%s [options]\n\n", os.Args[0])
		flag.PrintDefaults()
		fmt.Fprintln(os.Stderr, "\nExamples:")
		fmt.Fprintln(os.Stderr, "  # Solve a token offline")
		fmt.Fprintln(os.Stderr, "  powsolve -token abc123 -difficulty 16")
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "  # Fetch the project listing through a gate")
		fmt.Fprintln(os.Stderr, "  powsolve -gate https://cdk.example -list -format json")
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "  # Measure the local hash rate")
		fmt.Fprintln(os.Stderr, "  powsolve -benchmark 10 -difficulty 18")
	}
}

func main() {
	flagenv.Parse()
	flag.Parse()

	if *versionFlag {
		fmt.Println("powsolve", powgate.Version)
		return
	}

	internal.InitSlog(*slogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	err := run(ctx, options{
		Gate:       *gateURL,
		Token:      *token,
		Difficulty: pow.Difficulty(*difficulty),
		Engine:     *engineName,
		Workers:    *workers,
		List:       *list,
		Benchmark:  *benchmark,
		Format:     *outputFormat,
		Progress:   *showProgress,
	}, os.Stdout)
	if errors.Is(err, ErrNothingToDo) {
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatal(err)
	}
}

func newEngine(name string, workers int) (client.ComputeEngine, error) {
	switch name {
	case "", "auto":
		s := client.NewSolver(slog.Default())
		if workers > 0 && s.Parallel != nil {
			s.Parallel = &client.ParallelEngine{Workers: workers}
		}
		return s, nil
	case "parallel":
		return &client.ParallelEngine{Workers: workers}, nil
	case "cooperative":
		return client.CooperativeEngine{}, nil
	default:
		return nil, fmt.Errorf("unknown engine %q (want auto, parallel or cooperative)", name)
	}
}

func run(ctx context.Context, opts options, out io.Writer) error {
	if err := opts.Difficulty.Valid(); err != nil {
		return err
	}

	engine, err := newEngine(opts.Engine, opts.Workers)
	if err != nil {
		return err
	}

	var progress client.Progress
	if opts.Progress {
		progress = func(n uint64) {
			slog.Info("solving", "attempts", n, "expected", opts.Difficulty.ExpectedAttempts())
		}
	}

	var result *Result
	switch {
	case opts.Benchmark > 0:
		result, err = runBenchmark(ctx, engine, opts, progress)
	case opts.Token != "":
		result, err = solveOffline(ctx, engine, opts, progress)
	case opts.Gate != "":
		result, err = solveFromGate(ctx, engine, opts, progress)
	default:
		return ErrNothingToDo
	}
	if err != nil {
		return err
	}

	result.Difficulty = int(opts.Difficulty)
	result.Engine = opts.Engine
	if result.Engine == "" {
		result.Engine = "auto"
	}

	return write(out, opts.Format, result)
}

func solveOffline(ctx context.Context, engine client.ComputeEngine, opts options, progress client.Progress) (*Result, error) {
	start := time.Now()
	nonce, err := engine.Search(ctx, opts.Token, opts.Difficulty, progress)
	if err != nil {
		return nil, fmt.Errorf("can't solve %q: %w", opts.Token, err)
	}

	return &Result{
		Challenge: opts.Token,
		Nonce:     &nonce,
		Elapsed:   time.Since(start).String(),
	}, nil
}

func solveFromGate(ctx context.Context, engine client.ComputeEngine, opts options, progress client.Progress) (*Result, error) {
	coord, err := client.NewCoordinator(client.Options{
		BaseURL:    opts.Gate,
		Difficulty: opts.Difficulty,
		Engine:     engine,
		Progress:   progress,
	})
	if err != nil {
		return nil, err
	}

	start := time.Now()

	if !opts.List {
		sol, err := coord.Acquire(ctx)
		if err != nil {
			return nil, err
		}

		return &Result{
			Challenge: sol.Token,
			Nonce:     &sol.Nonce,
			Elapsed:   time.Since(start).String(),
		}, nil
	}

	cli := &http.Client{Transport: &client.Transport{Coordinator: coord}}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(opts.Gate, "/")+powgate.ListingPath, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "powsolve/"+powgate.Version)

	resp, err := cli.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("can't read listing: %w", err)
	}

	result := &Result{
		Elapsed: time.Since(start).String(),
		Status:  resp.StatusCode,
	}

	var decoded any
	if err := json.Unmarshal(body, &decoded); err == nil {
		result.Body = decoded
	} else {
		result.Body = string(body)
	}

	return result, nil
}

func runBenchmark(ctx context.Context, engine client.ComputeEngine, opts options, progress client.Progress) (*Result, error) {
	var attempts uint64
	start := time.Now()

	for i := range opts.Benchmark {
		tok := uuid.NewString()
		nonce, err := engine.Search(ctx, tok, opts.Difficulty, progress)
		if err != nil {
			return nil, fmt.Errorf("benchmark round %d: %w", i, err)
		}

		// the engines find the smallest nonce, so nonce+1 hashes were needed
		attempts += nonce + 1
		slog.Debug("benchmark round", "round", i, "challenge", tok, "nonce", nonce)
	}

	elapsed := time.Since(start)

	return &Result{
		Elapsed:  elapsed.String(),
		Solves:   opts.Benchmark,
		HashRate: float64(attempts) / elapsed.Seconds(),
	}, nil
}

func write(out io.Writer, format string, result *Result) error {
	var data []byte
	var err error

	switch strings.ToLower(format) {
	case "json":
		data, err = json.MarshalIndent(result, "", "  ")
		data = append(data, '\n')
	case "yaml", "":
		data, err = yaml.Marshal(result)
	case "text":
		data = []byte(textResult(result))
	default:
		return fmt.Errorf("unknown format %q (want yaml, json or text)", format)
	}
	if err != nil {
		return fmt.Errorf("can't marshal result: %w", err)
	}

	_, err = out.Write(data)
	return err
}

// textResult prints the headers a caller would send.
func textResult(r *Result) string {
	if r.Nonce == nil {
		return fmt.Sprintf("elapsed: %s\n", r.Elapsed)
	}

	return fmt.Sprintf("%s: %s\n%s: %s\n", powgate.ChallengeHeader, r.Challenge, powgate.NonceHeader, strconv.FormatUint(*r.Nonce, 10))
}
