package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/san-kum/cryostat/internal/config"
	"github.com/san-kum/cryostat/internal/logging"
	"github.com/san-kum/cryostat/internal/plant"
	"github.com/san-kum/cryostat/internal/pv"
	"github.com/san-kum/cryostat/internal/store"
	"github.com/san-kum/cryostat/internal/tui"
)

// peak-to-peak noise on simulated sensors
const sensorNoise = 0.01

var (
	configFile  string
	envFile     string
	storeDriver string
	storePath   string
	listen      string
	logLevel    string
	resume      bool
	timeScale   float64
	watchAddr   string
	refresh     time.Duration
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "cryoctl",
		Short:         "supervisory control engine for cryostat PID loops",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "engine config file (yaml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "dotenv file with CRYO_* overrides")
	rootCmd.PersistentFlags().StringVar(&storeDriver, "store-driver", config.DefaultStoreDriver, "config store driver (sqlite, file, memory)")
	rootCmd.PersistentFlags().StringVar(&storePath, "store", config.DefaultStorePath, "config store path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", config.DefaultLogLevel, "log level")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "run every configured loop until interrupted",
		Args:  cobra.NoArgs,
		RunE:  runEngine,
	}
	runCmd.Flags().StringVar(&listen, "listen", config.DefaultListen, "status server address")
	runCmd.Flags().BoolVar(&resume, "resume", false, "let loops enabled at startup run without re-enable")
	runCmd.Flags().Float64Var(&timeScale, "time-scale", 1, "simulated plant seconds per wall second")

	loopsCmd := &cobra.Command{
		Use:   "loops",
		Short: "list loops with their stored config and status",
		Args:  cobra.NoArgs,
		RunE:  listLoops,
	}

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "inspect and edit loop configuration records",
	}
	showCmd := &cobra.Command{
		Use:   "show [loop]",
		Short: "print stored loop configuration",
		Args:  cobra.MaximumNArgs(1),
		RunE:  showConfig,
	}
	setCmd := &cobra.Command{
		Use:   "set [loop] [field=value]...",
		Short: "edit fields of a loop configuration",
		Args:  cobra.MinimumNArgs(2),
		RunE:  setConfig,
	}
	seedCmd := &cobra.Command{
		Use:   "seed",
		Short: "write device defaults for loops without a record",
		Args:  cobra.NoArgs,
		RunE:  seedConfig,
	}
	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "write a default engine config file",
		Args:  cobra.ExactArgs(1),
		RunE:  initConfig,
	}
	disableCmd := &cobra.Command{
		Use:   "disable [loop]...",
		Short: "clear the enabled flag of loop records",
		Args:  cobra.MinimumNArgs(1),
		RunE:  disableLoops,
	}
	configCmd.AddCommand(showCmd, setCmd, seedCmd, initCmd, disableCmd)

	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "terminal dashboard of a running engine",
		Args:  cobra.NoArgs,
		RunE:  watch,
	}
	watchCmd.Flags().StringVar(&watchAddr, "addr", "", "status server address (default: listen address from config)")
	watchCmd.Flags().DurationVar(&refresh, "refresh", time.Second, "poll interval")

	checkCmd := &cobra.Command{
		Use:   "check [loop]",
		Short: "read and evaluate every interlock of a loop",
		Args:  cobra.ExactArgs(1),
		RunE:  checkInterlocks,
	}

	rootCmd.AddCommand(runCmd, loopsCmd, configCmd, watchCmd, checkCmd)
	return rootCmd
}

// loadConfig layers the config file, the environment and explicit flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if configFile != "" {
		loaded, err := config.Load(configFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := config.LoadEnv(envFile); err != nil {
		return nil, fmt.Errorf("env file: %w", err)
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("store-driver") {
		cfg.Store.Driver = storeDriver
	}
	if flags.Changed("store") {
		cfg.Store.Path = storePath
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if flags.Lookup("listen") != nil && flags.Changed("listen") {
		cfg.Listen = listen
	}
	if flags.Lookup("resume") != nil && flags.Changed("resume") {
		cfg.ResumeEnabledOnStart = resume
	}
	return cfg, nil
}

// openStore opens the configured store and seeds records for every
// selected device.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.Store, []config.Device, error) {
	devs, err := cfg.SelectedDevices()
	if err != nil {
		return nil, nil, err
	}
	st, err := store.Open(cfg.Store.Driver, cfg.Store.Path, logger)
	if err != nil {
		return nil, nil, err
	}
	created, err := store.Seed(ctx, st, devs)
	if err != nil {
		return nil, nil, multierr.Append(err, st.Close())
	}
	for _, id := range created {
		logger.Info("seeded loop config", zap.String("loop", id))
	}
	return st, devs, nil
}

func quietLogger(cfg *config.Config) (*zap.Logger, func(), error) {
	logCfg := cfg.Log
	if logCfg.Level == "" || logCfg.Level == config.DefaultLogLevel {
		logCfg.Level = "warn"
	}
	logger, closer, err := logging.New(logCfg, os.Stderr)
	if err != nil {
		return nil, nil, err
	}
	return logger, func() { _ = closer.Close() }, nil
}

func listLoops(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, done, err := quietLogger(cfg)
	if err != nil {
		return err
	}
	defer done()

	ctx := cmd.Context()
	st, devs, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "LOOP\tENABLED\tSETPOINT\tTARGET\tCONTROL\tSTATUS")
	for _, dev := range devs {
		lc, err := st.ReadLoopConfig(ctx, dev.ID)
		if err != nil {
			return err
		}
		status, err := st.LoopStatus(ctx, dev.ID)
		if err != nil {
			status = "-"
		}
		fmt.Fprintf(w, "%s\t%t\t%g\t%s\t%s\t%s\n", dev.ID, lc.Enabled, lc.TargetSetpoint, dev.TargetPV, dev.ControlPV, status)
	}
	return w.Flush()
}

func showConfig(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, done, err := quietLogger(cfg)
	if err != nil {
		return err
	}
	defer done()

	ctx := cmd.Context()
	st, devs, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	records := make(map[string]config.LoopConfig)
	for _, dev := range devs {
		if len(args) == 1 && dev.ID != args[0] {
			continue
		}
		lc, err := st.ReadLoopConfig(ctx, dev.ID)
		if err != nil {
			return err
		}
		records[dev.ID] = lc
	}
	if len(args) == 1 && len(records) == 0 {
		return fmt.Errorf("%w: %q", config.ErrUnknownDevice, args[0])
	}

	out, err := yaml.Marshal(records)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(out)
	return err
}

// parseAssignment splits field=value.
func parseAssignment(s string) (string, string, error) {
	field, value, ok := strings.Cut(s, "=")
	field = strings.TrimSpace(field)
	value = strings.TrimSpace(value)
	if !ok || field == "" || value == "" {
		return "", "", fmt.Errorf("expected field=value, got %q", s)
	}
	return field, value, nil
}

// applyAssignments sets each field=value on lc.
func applyAssignments(lc *config.LoopConfig, assignments []string) error {
	for _, a := range assignments {
		field, value, err := parseAssignment(a)
		if err != nil {
			return err
		}
		if _, numeric := lc.Get(field); numeric {
			v, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return fmt.Errorf("%s: %w", field, err)
			}
			if err := lc.Set(field, v); err != nil {
				return err
			}
			continue
		}
		probe := *lc
		if err := probe.SetFlag(field, false); err != nil {
			return err
		}
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("%s: %w", field, err)
		}
		if err := lc.SetFlag(field, b); err != nil {
			return err
		}
	}
	return nil
}

func setConfig(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, done, err := quietLogger(cfg)
	if err != nil {
		return err
	}
	defer done()

	id := args[0]
	if _, ok := config.GetDevice(id); !ok {
		return fmt.Errorf("%w: %q", config.ErrUnknownDevice, id)
	}

	ctx := cmd.Context()
	st, _, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	lc, err := st.ReadLoopConfig(ctx, id)
	if err != nil {
		return err
	}
	if err := applyAssignments(&lc, args[1:]); err != nil {
		return err
	}
	if err := lc.Validate(); err != nil {
		return err
	}
	if err := st.WriteLoopConfig(ctx, id, lc); err != nil {
		return err
	}
	fmt.Printf("updated %s\n", id)
	return nil
}

func seedConfig(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, done, err := quietLogger(cfg)
	if err != nil {
		return err
	}
	defer done()

	devs, err := cfg.SelectedDevices()
	if err != nil {
		return err
	}
	st, err := store.Open(cfg.Store.Driver, cfg.Store.Path, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	created, err := store.Seed(cmd.Context(), st, devs)
	if err != nil {
		return err
	}
	if len(created) == 0 {
		fmt.Println("every loop already has a record")
		return nil
	}
	for _, id := range created {
		fmt.Printf("seeded %s\n", id)
	}
	return nil
}

func disableLoops(cmd *cobra.Command, args []string) error {
	for _, id := range args {
		if _, ok := config.GetDevice(id); !ok {
			return fmt.Errorf("%w: %q", config.ErrUnknownDevice, id)
		}
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, done, err := quietLogger(cfg)
	if err != nil {
		return err
	}
	defer done()

	ctx := cmd.Context()
	st, _, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	for _, id := range args {
		if err := store.Disable(ctx, st, id); err != nil {
			return fmt.Errorf("%s: %w", id, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "disabled %s\n", id)
	}
	return nil
}

func initConfig(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(args[0]); err == nil {
		return fmt.Errorf("%s already exists", args[0])
	}
	if err := config.Save(args[0], config.DefaultConfig()); err != nil {
		return err
	}
	fmt.Printf("wrote %s\n", args[0])
	return nil
}

func watch(cmd *cobra.Command, args []string) error {
	addr := watchAddr
	if addr == "" {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		addr = cfg.Listen
	}
	return tui.Run(addr, refresh)
}

// openChannel returns the channel transport for devs. Only the simulated
// plant is available.
func openChannel(cfg *config.Config, devs []config.Device, logger *zap.Logger) (*plant.Plant, pv.Channel, error) {
	if !cfg.Plant.Enabled {
		return nil, nil, fmt.Errorf("no channel transport configured: set plant.enabled")
	}
	scale := timeScale
	if !(scale > 0) {
		scale = 1
	}
	p := plant.New(devs,
		plant.WithLogger(logger.Named("plant")),
		plant.WithTimeScale(scale),
		plant.WithNoise(sensorNoise, uint64(time.Now().UnixNano())),
	)
	return p, pv.WithTimeout(p, cfg.IOTimeout), nil
}

func checkInterlocks(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, done, err := quietLogger(cfg)
	if err != nil {
		return err
	}
	defer done()

	dev, ok := config.GetDevice(args[0])
	if !ok {
		return fmt.Errorf("%w: %q", config.ErrUnknownDevice, args[0])
	}
	all, err := cfg.SelectedDevices()
	if err != nil {
		return err
	}
	_, ch, err := openChannel(cfg, all, logger)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CHECK\tVALUE\tRESULT")

	failed := 0
	_, powered, err := ch.Read(ctx, dev.ControlPV)
	switch {
	case err != nil:
		fmt.Fprintf(w, "%s powered\t-\tERROR %v\n", dev.ControlPV, err)
		failed++
	case !powered:
		fmt.Fprintf(w, "%s powered\tfalse\tFAIL\n", dev.ControlPV)
		failed++
	default:
		fmt.Fprintf(w, "%s powered\ttrue\tPASS\n", dev.ControlPV)
	}

	interlocks := append([]config.Interlock(nil), dev.Interlocks...)
	sort.SliceStable(interlocks, func(i, j int) bool { return interlocks[i].Channel < interlocks[j].Channel })
	for _, il := range interlocks {
		v, _, err := ch.Read(ctx, il.Channel)
		if err != nil {
			fmt.Fprintf(w, "%s\t-\tERROR %v\n", il, err)
			failed++
			continue
		}
		result := "PASS"
		if !il.Satisfied(v) {
			result = "FAIL"
			failed++
		}
		fmt.Fprintf(w, "%s\t%g\t%s\n", il, v, result)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%s: %d check(s) failed", dev.ID, failed)
	}
	return nil
}
