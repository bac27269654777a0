package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/go-resty/resty/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"adaptive-market-maker/config"
	"adaptive-market-maker/gateway"
	"adaptive-market-maker/infrastructure/logger"
	"adaptive-market-maker/internal/container"
	"adaptive-market-maker/order"
)

func main() {
	// .env 不存在时使用真实环境变量
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "amm",
		Short:         "Adaptive market maker",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().String("config", "configs/config.yaml", "配置文件路径")

	root.AddCommand(newRunCmd(), newValidateCmd(), newStatusCmd(), newCancelCmd())
	return root
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a trading session and run until SIGINT/SIGTERM",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			paper, _ := cmd.Flags().GetBool("paper")
			watch, _ := cmd.Flags().GetBool("watch")
			return run(cmd.Context(), container.Options{ConfigPath: path, Paper: paper, WatchConfig: watch}, cmd.OutOrStdout())
		},
	}
	cmd.Flags().Bool("paper", false, "使用内存模拟盘，不连接交易所")
	cmd.Flags().Bool("watch", true, "配置文件变化时排队到下一个会话")
	return cmd
}

func run(parent context.Context, opts container.Options, out io.Writer) error {
	if parent == nil {
		parent = context.Background()
	}
	c, err := container.New(opts)
	if err != nil {
		return err
	}
	if err := c.Build(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	if err := c.Start(ctx); err != nil {
		_ = c.Stop()
		return err
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	fmt.Fprintf(out, "session started: symbols=%v paper=%v\n", c.Config().Session.Symbols, opts.Paper)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		fmt.Fprintf(out, "received %s, stopping\n", sig)
	case <-c.Controller().Done():
		fmt.Fprintln(out, "session ended")
	case <-parent.Done():
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	// 控制器收尾撤单不依赖 ctx，这里只给停止过程一个整体上限
	done := make(chan error, 1)
	go func() { done <- c.Stop() }()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Minute):
		return errors.New("shutdown timed out")
	}
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load and validate a configuration file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.LoadWithEnvOverrides(path)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config ok: env=%s symbols=%v capital=%.2f multi_agent=%v\n",
				cfg.Env, cfg.Session.Symbols, cfg.Session.Capital, cfg.Session.MultiAgent)
			return nil
		},
	}
}

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the status of a running session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			addr, _ := cmd.Flags().GetString("addr")
			resp, err := resty.New().SetTimeout(5 * time.Second).R().
				SetContext(cmd.Context()).
				Get(addr + "/status")
			if err != nil {
				return err
			}
			if resp.IsError() {
				return fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String())
			}
			_, err = cmd.OutOrStdout().Write(resp.Body())
			return err
		},
	}
	cmd.Flags().String("addr", "http://127.0.0.1:9100", "状态服务地址")
	return cmd
}

// newCancelCmd 紧急撤单：不启动会话，直接撤掉配置中所有交易对的挂单
func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel-all",
		Short: "Cancel every open order for the configured symbols",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.LoadWithEnvOverrides(path)
			if err != nil {
				return err
			}
			rest := gateway.NewRESTClient(gateway.RESTConfig{
				BaseURL:      cfg.Gateway.BaseURL,
				APIKey:       cfg.Gateway.APIKey,
				APISecret:    cfg.Gateway.APISecret,
				RecvWindowMs: cfg.Gateway.RecvWindowMs,
				Timeout:      cfg.Session.CallTimeout,
			})
			return cancelAll(cmd.Context(), rest, cfg, cmd.OutOrStdout())
		},
	}
}

func cancelAll(ctx context.Context, ex gateway.Exchange, cfg config.AppConfig, out io.Writer) error {
	mgr := order.NewManager(ex, order.ManagerConfig{
		Retry: gateway.RetryPolicy{
			MaxRetries: cfg.Gateway.MaxRetries,
			Backoff:    cfg.Gateway.RetryBackoff,
			MaxBackoff: 10 * cfg.Gateway.RetryBackoff,
		},
		Limiter: gateway.NewTokenBucketLimiter(cfg.Session.OrderRate, cfg.Session.OrderBurst),
	}, logger.NewNop(), nil)

	var errs []error
	for _, sym := range cfg.Session.Symbols {
		report, err := mgr.CancelAll(ctx, sym)
		if err != nil {
			errs = append(errs, err)
			fmt.Fprintf(out, "%s: cancelled=%d failed=%d error=%v\n", sym, report.Cancelled, report.Failed, err)
			continue
		}
		fmt.Fprintf(out, "%s: cancelled=%d\n", sym, report.Cancelled)
	}
	return errors.Join(errs...)
}
