package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dushixiang/dashrun/internal/app"
	"github.com/dushixiang/dashrun/internal/config"
	"github.com/dushixiang/dashrun/internal/logger"
	"github.com/dushixiang/dashrun/internal/protocol"
	"github.com/dushixiang/dashrun/internal/service"
	"github.com/dushixiang/dashrun/internal/store"
	"github.com/labstack/echo/v4"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

type options struct {
	configFile string
	from       string
	to         string
	vars       []string
}

// NewRootCommand 命令入口
func NewRootCommand() *cobra.Command {
	opts := &options{}
	v := viper.New()

	root := &cobra.Command{
		Use:           "dashrun",
		Short:         "Execute dashboard queries against Grafana or SigNoz and print normalized results",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "config file (default ./config.yaml)")
	root.PersistentFlags().String("backend", "", "backend type: grafana|signoz|prometheus")
	root.PersistentFlags().String("backend-url", "", "backend base URL")
	root.PersistentFlags().String("store", "", "dashboard store: file|grafana|database")
	root.PersistentFlags().String("dir", "", "dashboard directory for the file store")
	_ = v.BindPFlag("Backend.Type", root.PersistentFlags().Lookup("backend"))
	_ = v.BindPFlag("Backend.URL", root.PersistentFlags().Lookup("backend-url"))
	_ = v.BindPFlag("Store.Type", root.PersistentFlags().Lookup("store"))
	_ = v.BindPFlag("Store.Dir", root.PersistentFlags().Lookup("dir"))

	root.AddCommand(
		newRunCommand(v, opts),
		newQueryCommand(v, opts),
		newImportCommand(v, opts),
		newServeCommand(v, opts),
	)
	return root
}

func addTimeFlags(cmd *cobra.Command, opts *options) {
	cmd.Flags().StringVar(&opts.from, "from", "now-1h", "range start: now-<dur>, RFC3339 or epoch")
	cmd.Flags().StringVar(&opts.to, "to", "now", "range end")
	cmd.Flags().StringArrayVar(&opts.vars, "var", nil, "variable override name=v1,v2 (repeatable)")
}

func newRunCommand(v *viper.Viper, opts *options) *cobra.Command {
	var panels []string
	cmd := &cobra.Command{
		Use:   "run <dashboard-uid>",
		Short: "Execute every panel of a dashboard",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cleanup, err := initApp(v, opts)
			if err != nil {
				return err
			}
			defer cleanup()

			tr, err := protocol.ParseTimeRange(opts.from, opts.to, time.Now())
			if err != nil {
				return err
			}
			vars, err := parseVarFlags(opts.vars)
			if err != nil {
				return err
			}
			result, err := a.Service.ExecuteDashboard(cmd.Context(), service.ExecuteRequest{
				DashboardUID: args[0],
				TimeRange:    tr,
				PanelIDs:     panels,
				Variables:    vars,
			})
			if result != nil {
				if werr := writeJSON(cmd.OutOrStdout(), result); werr != nil {
					return werr
				}
			}
			return err
		},
	}
	addTimeFlags(cmd, opts)
	cmd.Flags().StringSliceVar(&panels, "panel", nil, "only execute these panel ids")
	return cmd
}

func newQueryCommand(v *viper.Viper, opts *options) *cobra.Command {
	var (
		datasource string
		dsType     string
		panelType  string
		legend     string
	)
	cmd := &cobra.Command{
		Use:   "query <expression>",
		Short: "Execute a single ad-hoc query",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cleanup, err := initApp(v, opts)
			if err != nil {
				return err
			}
			defer cleanup()

			tr, err := protocol.ParseTimeRange(opts.from, opts.to, time.Now())
			if err != nil {
				return err
			}
			vars, err := parseVarFlags(opts.vars)
			if err != nil {
				return err
			}
			result, err := a.Service.ExecuteSingleQuery(cmd.Context(), service.SingleQueryRequest{
				Expression: args[0],
				Datasource: protocol.DatasourceRef{UID: datasource, Type: dsType},
				TimeRange:  tr,
				PanelType:  protocol.PanelType(panelType),
				Legend:     legend,
				Variables:  vars,
			})
			if result != nil {
				if werr := writeJSON(cmd.OutOrStdout(), result); werr != nil {
					return werr
				}
			}
			return err
		},
	}
	addTimeFlags(cmd, opts)
	cmd.Flags().StringVar(&datasource, "datasource", "", "datasource uid or name")
	cmd.Flags().StringVar(&dsType, "datasource-type", "", "datasource type, e.g. prometheus, mysql")
	cmd.Flags().StringVar(&panelType, "panel-type", string(protocol.PanelTypeTimeseries), "timeseries|table|stat|gauge|logs")
	cmd.Flags().StringVar(&legend, "legend", "", "legend template, e.g. {{instance}}")
	return cmd
}

func newImportCommand(v *viper.Viper, opts *options) *cobra.Command {
	var (
		dsn  string
		tags []string
	)
	cmd := &cobra.Command{
		Use:   "import <file>...",
		Short: "Import dashboard files (native or Grafana JSON model) into the database store",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v, opts.configFile)
			if err != nil {
				return err
			}
			if dsn == "" {
				dsn = cfg.Store.DSN
			}
			if dsn == "" {
				return errors.New("database dsn is required (--dsn or Store.DSN)")
			}
			log := logger.New(cfg.Log)
			defer log.Sync()

			db, closeDB, err := app.OpenDatabase(log, dsn)
			if err != nil {
				return err
			}
			defer closeDB()
			repoStore := store.NewRepoStore(log, db)

			fs := afero.NewOsFs()
			for _, file := range args {
				data, err := afero.ReadFile(fs, file)
				if err != nil {
					return err
				}
				dashboard, err := store.DecodeDashboard(data, filepath.Ext(file))
				if err != nil {
					return fmt.Errorf("%s: %w", file, err)
				}
				if dashboard.UID == "" {
					dashboard.UID = strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
				}
				if err := repoStore.Import(cmd.Context(), dashboard, tags); err != nil {
					return fmt.Errorf("%s: %w", file, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "imported %s (%s)\n", dashboard.UID, dashboard.Title)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dsn, "dsn", "", "sqlite database file (default Store.DSN)")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "tags to attach")
	return cmd
}

func newServeCommand(v *viper.Viper, opts *options) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and run configured schedules",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cleanup, err := initApp(v, opts)
			if err != nil {
				return err
			}
			defer cleanup()
			if addr == "" {
				addr = a.Config.Server.Addr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if cached, ok := a.Store.(*store.CachedStore); ok && a.Config.Store.Type == "file" && a.Config.Store.Watch {
				if err := cached.Watch(ctx, a.Config.Store.Dir); err != nil {
					a.Logger.Warn("目录监控启动失败", zap.Error(err))
				}
			}
			a.Scheduler.Start(ctx, a.Config.Schedules)
			defer a.Scheduler.Stop()

			e := echo.New()
			e.HideBanner = true
			e.HidePort = true
			a.Handler.Register(e)

			errCh := make(chan error, 1)
			go func() {
				a.Logger.Info("HTTP 服务已启动", zap.String("addr", addr))
				if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case <-ctx.Done():
			case err := <-errCh:
				if err != nil {
					return err
				}
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			a.Logger.Info("正在关闭 HTTP 服务")
			return e.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default Server.Addr)")
	return cmd
}

func initApp(v *viper.Viper, opts *options) (*app.App, func(), error) {
	cfg, err := config.Load(v, opts.configFile)
	if err != nil {
		return nil, nil, err
	}
	a, cleanup, err := app.InitApp(cfg)
	if err != nil {
		return nil, nil, err
	}
	return a, func() {
		cleanup()
		_ = a.Logger.Sync()
	}, nil
}

// parseVarFlags 解析 name=v1,v2 形式的变量覆盖
func parseVarFlags(flags []string) (map[string]protocol.Values, error) {
	if len(flags) == 0 {
		return nil, nil
	}
	vars := make(map[string]protocol.Values, len(flags))
	for _, flag := range flags {
		name, value, ok := strings.Cut(flag, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid --var %q, expected name=value", flag)
		}
		var values protocol.Values
		for _, item := range strings.Split(value, ",") {
			if item = strings.TrimSpace(item); item != "" {
				values = append(values, item)
			}
		}
		vars[strings.TrimSpace(name)] = values
	}
	return vars, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
