package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/eigerco/kvclient/pkg/config"
	"github.com/eigerco/kvclient/pkg/kv"
	"github.com/eigerco/kvclient/pkg/log"
	"github.com/eigerco/kvclient/pkg/store"
)

type globalFlags struct {
	config    string
	proxy     string
	logLevel  string
	logFormat string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	cmd := &cobra.Command{
		Use:           "kvclient",
		Short:         "Read and write a key-value store through its proxy",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			level, err := log.ParseLogLevel(g.logLevel)
			if err != nil {
				return err
			}
			format, err := log.ParseLoggerType(g.logFormat)
			if err != nil {
				return err
			}
			log.Init(log.Options{LogLevel: level, Type: format, Output: cmd.ErrOrStderr()})
			return nil
		},
	}
	pf := cmd.PersistentFlags()
	pf.StringVar(&g.config, "config", "", "YAML or JSON configuration file")
	pf.StringVar(&g.proxy, "proxy", "", "proxy address, overrides the configuration file")
	pf.StringVar(&g.logLevel, "log-level", "warn", "log level")
	pf.StringVar(&g.logFormat, "log-format", "console", "log format (console or json)")

	cmd.AddCommand(
		newGetCmd(g),
		newPutCmd(g),
		newDeleteCmd(g),
		newIterateCmd(g),
		newStreamCmd(g),
	)
	return cmd
}

func (g *globalFlags) loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if g.config != "" {
		cfg, err = config.Load(g.config)
	} else {
		cfg, err = config.New()
	}
	if err != nil {
		return nil, err
	}
	if g.proxy != "" {
		cfg.Proxy.Address = g.proxy
	}
	return cfg, nil
}

// withStore opens a store for the duration of fn.
func (g *globalFlags) withStore(ctx context.Context, fn func(*store.Store) error) (err error) {
	cfg, err := g.loadConfig()
	if err != nil {
		return err
	}
	s, err := store.New(cfg)
	if err != nil {
		return err
	}
	if err := s.Open(ctx); err != nil {
		return err
	}
	defer func() {
		if cerr := s.Close(context.WithoutCancel(ctx)); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(s)
}

func parseRow(arg string) (kv.Row, error) {
	row, err := kv.DecodeRow(arg)
	if err != nil {
		return nil, fmt.Errorf("invalid JSON document %q: %w", arg, err)
	}
	return row, nil
}

// output is one NDJSON line.
type output struct {
	Table      string `json:"table,omitempty"`
	Row        kv.Row `json:"row,omitempty"`
	Version    string `json:"version,omitempty"`
	Expiration int64  `json:"expiration,omitempty"`
	Success    *bool  `json:"success,omitempty"`
}

func writeRow(w io.Writer, row kv.RowWithMetadata) error {
	return json.NewEncoder(w).Encode(output{
		Table:      row.Table,
		Row:        row.Row,
		Version:    row.Version.String(),
		Expiration: row.Expiration,
	})
}

func writeResult(w io.Writer, res kv.WriteResult) error {
	out := output{Success: &res.Success, Row: res.PreviousRow}
	if len(res.Version) > 0 {
		out.Version = res.Version.String()
	}
	return json.NewEncoder(w).Encode(out)
}
