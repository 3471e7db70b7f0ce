package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/dtoncu/cloudbase-init-ci/internal/config"
	"github.com/dtoncu/cloudbase-init-ci/internal/logging"
	"github.com/dtoncu/cloudbase-init-ci/internal/report"
	"github.com/dtoncu/cloudbase-init-ci/internal/retry"
	"github.com/dtoncu/cloudbase-init-ci/internal/scenario"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v3"
)

var errRunFailed = errors.New("run failed")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().Run(ctx, os.Args); err != nil {
		if !errors.Is(err, errRunFailed) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		stop()
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:  "argus",
		Usage: "install and verify cloudbase-init on Windows guests",
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "run the configured scenarios",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Value: "argus.yaml", Usage: "path to the configuration file"},
					&cli.StringSliceFlag{Name: "scenario", Aliases: []string{"s"}, Usage: "scenario to run (can be used multiple times, default all)"},
					&cli.StringFlag{Name: "env-file", Usage: "dotenv file loaded before the configuration is expanded"},
					&cli.StringSliceFlag{Name: "metadata", Usage: `custom metadata in the format key=value (can be used multiple times)`},
					&cli.BoolFlag{Name: "echo", Usage: "stream remote command output to stdout"},
				},
				Action: runAction,
			},
			{
				Name:      "inspect",
				Usage:     "show a stored run",
				ArgsUsage: "<run-dir>",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "also print the run configuration"},
				},
				Action: inspectAction,
			},
			{
				Name:      "compare",
				Usage:     "compare two stored runs",
				ArgsUsage: "<run-dir> <run-dir>",
				Action:    compareAction,
			},
			{
				Name:      "add-metadata",
				Usage:     "attach custom metadata to a stored run",
				ArgsUsage: "<run-dir> key=value...",
				Action:    addMetadataAction,
			},
			{
				Name:  "serve",
				Usage: "serve stored runs as JSON",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "addr", Value: "127.0.0.1:8080", Usage: "listen address"},
					&cli.StringFlag{Name: "output-dir", Value: config.DefaultOutputDir, Usage: "directory holding the runs"},
				},
				Action: serveAction,
			},
			{
				Name:  "init",
				Usage: "print a default configuration file",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "write to this file instead of stdout"},
				},
				Action: initAction,
			},
		},
	}
}

func runAction(ctx context.Context, cmd *cli.Command) error {
	if envFile := cmd.String("env-file"); envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("error loading env file: %w", err)
		}
	}
	custom, err := parseMetadata(cmd.StringSlice("metadata"))
	if err != nil {
		return err
	}
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return err
	}

	logger, closer, err := logging.Init(loggingConfig(cfg))
	if err != nil {
		return err
	}
	defer closer.Close()

	md, runDir, err := report.NewRun(cfg.Argus.OutputDir, cfg, custom)
	if err != nil {
		return err
	}
	logger.Info().Str("run_id", md.RunID).Str("dir", runDir).Msg("starting run")

	var echo io.Writer
	if cmd.Bool("echo") {
		echo = os.Stdout
	}
	reg := prometheus.NewRegistry()
	runner := scenario.NewRunner(cfg, scenario.SessionConnector(logger, echo), logger,
		scenario.WithExecutorOptions(retry.WithMetrics(retry.NewMetrics(reg))),
		scenario.WithPause(newPauser(os.Stdin, os.Stderr)),
	)

	rep, runErr := runner.Run(ctx, cmd.StringSlice("scenario"))
	if rep != nil {
		fmt.Fprintln(os.Stderr)
		scenario.WriteErrors(os.Stderr, rep.Results)
		scenario.WriteSummary(os.Stderr, rep)
	}
	if err := report.Finish(md, runDir, rep, reg); err != nil {
		logger.Error().Err(err).Msg("failed to store run results")
	}
	if runErr != nil {
		return runErr
	}
	logger.Info().Str("dir", runDir).Msg("run stored")
	if !rep.Tally.Successful() {
		return errRunFailed
	}
	return nil
}

func inspectAction(ctx context.Context, cmd *cli.Command) error {
	if cmd.NArg() != 1 {
		return errors.New("inspect needs exactly one run directory")
	}
	out, err := report.Inspect(cmd.Args().First(), cmd.Bool("verbose"))
	if err != nil {
		return err
	}
	fmt.Print(out)
	return nil
}

func compareAction(ctx context.Context, cmd *cli.Command) error {
	if cmd.NArg() != 2 {
		return errors.New("compare needs exactly two run directories")
	}
	md1, err := report.Load(cmd.Args().Get(0))
	if err != nil {
		return err
	}
	md2, err := report.Load(cmd.Args().Get(1))
	if err != nil {
		return err
	}
	fmt.Printf("Comparing %s with %s\n", md1.RunID, md2.RunID)
	fmt.Print(report.PrintComparisonResults(report.CompareRuns(md1, md2)))
	return nil
}

func addMetadataAction(ctx context.Context, cmd *cli.Command) error {
	if cmd.NArg() < 2 {
		return errors.New("add-metadata needs a run directory and at least one key=value pair")
	}
	args := cmd.Args().Slice()
	extra, err := parseMetadata(args[1:])
	if err != nil {
		return err
	}
	return report.AddMetadata(args[0], extra)
}

func serveAction(ctx context.Context, cmd *cli.Command) error {
	handler, err := report.NewHandler(cmd.String("output-dir"))
	if err != nil {
		return err
	}
	srv := &http.Server{Addr: cmd.String("addr"), Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	fmt.Fprintf(os.Stderr, "Serving runs from %s on http://%s\n", cmd.String("output-dir"), srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func initAction(ctx context.Context, cmd *cli.Command) error {
	path := cmd.String("output")
	if path == "" {
		fmt.Print(config.GetDefaultConfigFile())
		return nil
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	return os.WriteFile(path, []byte(config.GetDefaultConfigFile()), 0644)
}

// parseMetadata turns key=value pairs into a map.
func parseMetadata(pairs []string) (map[string]string, error) {
	metadata := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid metadata format: %s. Expected format: key=value", pair)
		}
		metadata[key] = value
	}
	return metadata, nil
}

func loggingConfig(cfg *config.Config) logging.Config {
	lc := logging.Config{Component: "argus"}
	if cfg.Logging != nil {
		lc.Level = cfg.Logging.Level
		lc.Format = cfg.Logging.Format
		lc.FilePath = cfg.Logging.Path
	}
	return lc
}

// newPauser returns a pause function that waits for a line on in. Concurrent
// scenarios pause one at a time.
func newPauser(in io.Reader, out io.Writer) func(ctx context.Context) error {
	var (
		mu      sync.Mutex
		pending bool
	)
	lines := make(chan error, 1)
	reader := bufio.NewReader(in)
	return func(ctx context.Context) error {
		mu.Lock()
		defer mu.Unlock()

		fmt.Fprint(out, "Paused before cleanup, press Enter to continue...")
		// a read abandoned by a cancelled pause is picked up by the next one
		if !pending {
			pending = true
			go func() {
				_, err := reader.ReadString('\n')
				lines <- err
			}()
		}
		select {
		case err := <-lines:
			pending = false
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
