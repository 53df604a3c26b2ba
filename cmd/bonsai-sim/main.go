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
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/microsoft/microsoft-bonsai-api/internal/client"
	"github.com/microsoft/microsoft-bonsai-api/pkg/agent"
	"github.com/microsoft/microsoft-bonsai-api/pkg/config"
	"github.com/microsoft/microsoft-bonsai-api/pkg/core"
	"github.com/microsoft/microsoft-bonsai-api/pkg/environment"
	"github.com/microsoft/microsoft-bonsai-api/pkg/experiment"
	"github.com/microsoft/microsoft-bonsai-api/pkg/iterlog"
	"github.com/microsoft/microsoft-bonsai-api/pkg/messaging"
	"github.com/microsoft/microsoft-bonsai-api/pkg/monitor"
	"github.com/microsoft/microsoft-bonsai-api/pkg/policy"
	"github.com/microsoft/microsoft-bonsai-api/pkg/stub"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:          "bonsai-sim",
		Short:        "bonsai-sim connects a simulator to the training service and drives it until told to stop.",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML settings file")
	config.RegisterFlags(rootCmd.PersistentFlags())

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Register the Adder simulator and run it against the service",
		RunE:  runSimulator,
	}
	runCmd.Flags().String("monitor-addr", "", "serve a websocket transition stream and /status on this address")

	testCmd := &cobra.Command{
		Use:   "test-policy",
		Short: "Drive the simulator locally with a fixed policy",
		RunE:  testPolicy,
	}
	testCmd.Flags().String("policy", "random", "random, coast or brain")
	testCmd.Flags().Int("episodes", 10, "episodes to play")
	testCmd.Flags().Int("iterations", 200, "iterations per episode")
	testCmd.Flags().Int64("seed", time.Now().UnixNano(), "random policy seed")

	stubCmd := &cobra.Command{
		Use:   "stub",
		Short: "Serve the scripted stub training service",
		RunE:  serveStub,
	}
	stubCmd.Flags().String("addr", ":8080", "listen address")
	stubCmd.Flags().Int("episode-length", stub.DefaultOptions().EpisodeLength, "advance calls per episode")
	stubCmd.Flags().Int("unregister-after", stub.DefaultOptions().UnregisterAfter, "advance call answered with Unregister")
	stubCmd.Flags().Float64("idle-callback", 1, "callbackTime for the idle workspace")

	setupCmd := &cobra.Command{
		Use:   "config-setup",
		Short: "Prompt for workspace and access key and save them to .env",
		RunE:  configSetup,
	}
	setupCmd.Flags().String("env-file", ".env", "file to write")

	config.LoadDotenv()

	rootCmd.AddCommand(runCmd, testCmd, stubCmd, setupCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (config.Config, *logrus.Logger, error) {
	file, err := config.FromFile(configPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	cfg, err := config.Resolve(config.Defaults(), file, config.FromEnv(os.LookupEnv), config.FromFlags(cmd.Flags()))
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logger, err := cfg.NewLogger()
	if err != nil {
		return config.Config{}, nil, err
	}
	logger.WithField("config", fmt.Sprintf("%+v", cfg.Redacted())).Debug("Resolved configuration")
	return cfg, logger, nil
}

// signalContext is cancelled on the first interrupt.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-sigChan:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()
	return ctx, cancel
}

func registrationInfo(cfg config.Config) (core.RegistrationInfo, error) {
	info := core.RegistrationInfo{
		Name:    "Adder",
		Timeout: 60,
		Description: map[string]any{
			"state":  map[string]any{"category": "Struct", "fields": []any{map[string]any{"name": "value", "type": map[string]any{"category": "Number"}}}},
			"action": map[string]any{"category": "Struct", "fields": []any{map[string]any{"name": "addend", "type": map[string]any{"category": "Number"}}}},
			"config": map[string]any{"category": "Struct", "fields": []any{map[string]any{"name": "initial_value", "type": map[string]any{"category": "Number"}}}},
		},
	}
	if cfg.InterfacePath != "" {
		loaded, err := config.LoadInterface(cfg.InterfacePath)
		if err != nil {
			return core.RegistrationInfo{}, err
		}
		info = loaded
	}
	if info.SimulatorContext == "" {
		info.SimulatorContext = cfg.SimulatorContext
	}
	return info, nil
}

// attachSinks wires the configured iteration logs to broker. The returned
// func flushes and closes them.
func attachSinks(cfg config.Config, broker messaging.Broker, logger *logrus.Logger) (func(), error) {
	var sinks []*iterlog.Sink
	closeAll := func() {
		for _, s := range sinks {
			n, err := s.Close()
			if err != nil {
				logger.WithError(err).Warn("Failed to close iteration log")
			}
			logger.WithField("iterations", n).Info("Iteration log closed")
		}
	}
	if !cfg.LogIterations {
		return closeAll, nil
	}

	csvWriter, err := iterlog.NewCSVWriter(cfg.LogPath)
	if err != nil {
		return nil, err
	}
	s, err := iterlog.Attach(broker, "csv", csvWriter, 1024, logger)
	if err != nil {
		csvWriter.Close()
		return nil, err
	}
	sinks = append(sinks, s)
	logger.WithField("path", cfg.LogPath).Info("Logging iterations to CSV")

	if cfg.LogDB != "" {
		dbWriter, err := iterlog.NewSQLiteWriter(cfg.LogDB)
		if err != nil {
			closeAll()
			return nil, err
		}
		s, err := iterlog.Attach(broker, "sqlite", dbWriter, 1024, logger)
		if err != nil {
			dbWriter.Close()
			closeAll()
			return nil, err
		}
		sinks = append(sinks, s)
		logger.WithField("path", cfg.LogDB).Info("Logging iterations to SQLite")
	}
	return closeAll, nil
}

func runSimulator(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	onUnregister, err := experiment.ParseUnregisterPolicy(cfg.UnregisterPolicy)
	if err != nil {
		return err
	}
	info, err := registrationInfo(cfg)
	if err != nil {
		return err
	}
	api, err := client.New(client.Config{
		Server:    cfg.Server,
		Workspace: cfg.Workspace,
		AccessKey: cfg.AccessKey,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	broker := messaging.NewBroker()
	defer broker.Reset()
	closeSinks, err := attachSinks(cfg, broker, logger)
	if err != nil {
		return err
	}
	defer closeSinks()

	ctx, cancel := signalContext()
	defer cancel()

	engine := experiment.New(api, environment.NewAdder(), info,
		experiment.WithLogger(logger),
		experiment.WithBroker(broker),
		experiment.WithUnregisterPolicy(onUnregister),
	)

	if addr, _ := cmd.Flags().GetString("monitor-addr"); addr != "" {
		stopMonitor, err := startMonitor(addr, engine, broker, logger)
		if err != nil {
			return err
		}
		defer stopMonitor()
	}

	runErr := engine.Run(ctx)

	st := engine.Status()
	logger.WithFields(logrus.Fields{
		"session_id":    st.SessionID,
		"episodes":      st.Episode,
		"registrations": st.Registrations,
		"elapsed":       st.EndTime.Sub(st.StartTime).Round(time.Millisecond),
	}).Info("Simulator stopped")

	if experiment.IsInterrupted(runErr) {
		logger.Info("Gracefully shutting down simulator session")
		return nil
	}
	return runErr
}

// startMonitor serves engine transitions until the returned func is called.
func startMonitor(addr string, engine *experiment.Engine, broker messaging.Broker, logger *logrus.Logger) (func(), error) {
	b := monitor.NewBroadcaster(func() any { return engine.Status() }, 16, logger)
	ch := make(chan messaging.Message, 256)
	if err := broker.Subscribe("monitor", ch); err != nil {
		return nil, err
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.Run(ch)
	}()

	srv := &http.Server{Addr: addr, Handler: b.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logger.WithField("addr", addr).Info("Monitor listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("Monitor stopped")
		}
	}()

	return func() {
		_ = broker.Unsubscribe("monitor")
		close(ch)
		<-done
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		b.Close()
	}, nil
}

// policyLogPath names the iteration log after the run unless a log path
// was configured.
func policyLogPath(cfg config.Config, name string, now time.Time) string {
	if !cfg.LogIterations || cfg.LogPath != config.Defaults().LogPath {
		return cfg.LogPath
	}
	return now.Format("2006-01-02-15-04-05") + "_" + name + "_log.csv"
}

func testPolicy(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	name, _ := cmd.Flags().GetString("policy")
	episodes, _ := cmd.Flags().GetInt("episodes")
	iterations, _ := cmd.Flags().GetInt("iterations")
	seed, _ := cmd.Flags().GetInt64("seed")

	var p core.Policy
	switch name {
	case "random":
		p, err = policy.NewRandom(map[string]policy.Range{"addend": {Min: -1, Max: 1}}, seed)
		if err != nil {
			return err
		}
	case "coast":
		p = policy.Constant{"addend": 0.0}
	case "brain":
		p = policy.NewBrain(policy.WithBaseURL(cfg.BrainURL), policy.WithLogger(logger))
	default:
		return fmt.Errorf("unknown policy %q, want random, coast or brain", name)
	}

	broker := messaging.NewBroker()
	defer broker.Reset()
	cfg.LogPath = policyLogPath(cfg, name, time.Now())
	closeSinks, err := attachSinks(cfg, broker, logger)
	if err != nil {
		return err
	}
	defer closeSinks()

	ctx, cancel := signalContext()
	defer cancel()

	runner, err := agent.NewRunner(environment.NewAdder(), p,
		agent.WithEpisodes(episodes),
		agent.WithIterations(iterations),
		agent.WithMessageBroker(broker),
		agent.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	sum, err := runner.Run(ctx)
	logger.WithFields(logrus.Fields{
		"policy":     name,
		"episodes":   sum.Episodes,
		"iterations": sum.Iterations,
		"halted":     sum.Halted,
	}).Info("Policy test finished")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func serveStub(cmd *cobra.Command, args []string) error {
	_, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	addr, _ := cmd.Flags().GetString("addr")
	opts := stub.DefaultOptions()
	opts.EpisodeLength, _ = cmd.Flags().GetInt("episode-length")
	opts.UnregisterAfter, _ = cmd.Flags().GetInt("unregister-after")
	opts.IdleCallback, _ = cmd.Flags().GetFloat64("idle-callback")

	srv := &http.Server{
		Addr:              addr,
		Handler:           stub.New(opts, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := signalContext()
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		logger.WithField("addr", addr).Info("Stub service listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown stub service: %w", err)
	}
	logger.Info("Stub service stopped")
	return nil
}

func configSetup(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("env-file")
	values, err := promptCredentials(cmd.InOrStdin(), cmd.OutOrStdout())
	if err != nil {
		return err
	}
	if err := config.WriteDotenv(path, values); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Saved workspace settings to %s\n", path)
	return nil
}

func promptCredentials(in io.Reader, out io.Writer) (map[string]string, error) {
	reader := bufio.NewReader(in)
	values := map[string]string{}
	for _, p := range []struct{ env, prompt string }{
		{"SIM_WORKSPACE", "Please enter your workspace id: "},
		{"SIM_ACCESS_KEY", "Please enter your access key: "},
	} {
		fmt.Fprint(out, p.prompt)
		line, err := reader.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			return nil, fmt.Errorf("%s must not be empty", p.env)
		}
		values[p.env] = line
	}
	return values, nil
}
