package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/songzhibin97/wizard-engine/config"
	"github.com/songzhibin97/wizard-engine/logger"
	"github.com/songzhibin97/wizard-engine/steps"
	"github.com/songzhibin97/wizard-engine/types"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	appName   = "portal"
	envPrefix = "PORTAL"
)

type cli struct {
	v   *viper.Viper
	cfg config.Config
}

func setupFlags(cmd *cobra.Command, v *viper.Viper) error {
	def := config.Default()
	f := cmd.PersistentFlags()
	f.String("config-file", "", "Path to config file.")
	f.String("http-addr", def.HTTPAddr, "address the REST server listens on")
	f.String("log-level", def.LogLevel, "log level (debug, info, warn, error)")
	f.Bool("log-json", def.LogJSON, "log in JSON instead of console format")
	f.String("flows-file", "", "YAML step table replacing the built-in flows")
	f.Bool("strict", def.Strict, "refuse to advance past incomplete steps")

	f.String("storage-impl", string(def.StorageType), "session storage (memory, redis)")
	f.String("redis-addr", def.Redis.Addr, "redis host:port")
	f.String("redis-password", "", "redis password")
	f.Int("redis-db", def.Redis.DB, "redis database")
	f.Int("redis-pool-size", def.Redis.PoolSize, "redis connection pool size")
	f.String("namespace", def.Redis.Namespace, "namespace used in storage")

	f.String("textgen-base-url", def.TextGen.BaseURL, "chat completions base URL")
	f.String("textgen-api-key", "", "text generation API key; empty uses a local stub")
	f.String("textgen-model", def.TextGen.Model, "text generation model")
	f.Duration("textgen-timeout", def.TextGen.Timeout, "text generation request timeout")

	f.String("prospect-base-url", def.Prospect.BaseURL, "prospect search base URL")
	f.String("prospect-api-key", "", "prospect search API key; empty disables search")
	f.Duration("reveal-ttl", def.Prospect.SessionTTL, "how long revealed contact details are cached")

	f.String("relay-url", "", "e-signature relay URL; empty stores signature requests locally")
	f.String("relay-api-key", "", "e-signature relay API key")

	f.String("webhook-url", "", "chat webhook for notify actions and event notifications")
	f.String("webhook-channel", "", "webhook channel override")
	f.String("webhook-username", def.Webhook.Username, "webhook username")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v.BindPFlags(f)
}

func (c *cli) setupConfig(cmd *cobra.Command, args []string) error {
	if path := c.v.GetString("config-file"); path != "" {
		c.v.SetConfigFile(path)
		if err := c.v.ReadInConfig(); err != nil {
			// it's ok if config file doesn't exist
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
				return fmt.Errorf("read config: %w", err)
			}
		}
	}

	v := c.v
	c.cfg = config.Config{
		HTTPAddr:    v.GetString("http-addr"),
		LogLevel:    v.GetString("log-level"),
		LogJSON:     v.GetBool("log-json"),
		FlowsFile:   v.GetString("flows-file"),
		Strict:      v.GetBool("strict"),
		StorageType: config.StorageType(v.GetString("storage-impl")),
		Redis: config.RedisConfig{
			Addr:      v.GetString("redis-addr"),
			Password:  v.GetString("redis-password"),
			DB:        v.GetInt("redis-db"),
			PoolSize:  v.GetInt("redis-pool-size"),
			Namespace: v.GetString("namespace"),
		},
		TextGen: config.TextGenConfig{
			BaseURL: v.GetString("textgen-base-url"),
			APIKey:  v.GetString("textgen-api-key"),
			Model:   v.GetString("textgen-model"),
			Timeout: v.GetDuration("textgen-timeout"),
		},
		Prospect: config.ProspectConfig{
			BaseURL:    v.GetString("prospect-base-url"),
			APIKey:     v.GetString("prospect-api-key"),
			SessionTTL: v.GetDuration("reveal-ttl"),
		},
		Relay: config.RelayConfig{
			URL:    v.GetString("relay-url"),
			APIKey: v.GetString("relay-api-key"),
		},
		Webhook: config.WebhookConfig{
			URL:      v.GetString("webhook-url"),
			Channel:  v.GetString("webhook-channel"),
			Username: v.GetString("webhook-username"),
		},
	}
	if err := c.cfg.Validate(); err != nil {
		return err
	}
	return logger.Init(c.cfg.LogLevel, c.cfg.LogJSON)
}

func (c *cli) serve(cmd *cobra.Command, args []string) error {
	defer logger.Sync()

	a, err := newApp(c.cfg)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.server.Start()
	}()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigc:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			logger.Error("http server failed", zap.Error(err))
			_ = a.Close()
			return err
		}
	}
	return a.Close()
}

func (c *cli) flows(cmd *cobra.Command, args []string) error {
	table, err := loadTable(c.cfg.FlowsFile)
	if err != nil {
		return err
	}

	variants := types.Variants
	if len(args) > 0 {
		variants = nil
		for _, a := range args {
			v, err := steps.ParseVariant(a)
			if err != nil {
				return err
			}
			variants = append(variants, v)
		}
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	for _, v := range variants {
		fmt.Fprintf(w, "%s\n", v)
		for _, st := range table.Steps(v) {
			fmt.Fprintf(w, "  %d\t%s\t%s\n", st.ID, st.Title, strings.Join(st.Required, ", "))
		}
	}
	return w.Flush()
}

func newRootCmd() *cobra.Command {
	c := &cli{v: viper.New()}

	root := &cobra.Command{
		Use:               appName,
		Short:             "Business portal wizard and conversation server",
		PersistentPreRunE: c.setupConfig,
		SilenceUsage:      true,
	}
	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the REST server",
		RunE:  c.serve,
	})
	root.AddCommand(&cobra.Command{
		Use:   "flows [variant...]",
		Short: "Print the step table of each flow variant",
		RunE:  c.flows,
	})

	if err := setupFlags(root, c.v); err != nil {
		panic(err)
	}
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
