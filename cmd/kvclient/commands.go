package main

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/eigerco/kvclient/pkg/cursor"
	"github.com/eigerco/kvclient/pkg/kv"
	"github.com/eigerco/kvclient/pkg/store"
)

func newGetCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "get TABLE PRIMARY_KEY",
		Short: "Print the row stored under a primary key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pk, err := parseRow(args[1])
			if err != nil {
				return err
			}
			return g.withStore(cmd.Context(), func(s *store.Store) error {
				res, err := s.Get(cmd.Context(), args[0], pk, nil)
				if err != nil {
					return err
				}
				if res.Row == nil {
					return fmt.Errorf("no row in %s for %s", args[0], args[1])
				}
				return writeRow(cmd.OutOrStdout(), kv.RowWithMetadata{Table: args[0], Row: res.Row, Version: res.Version, Expiration: res.Expiration})
			})
		},
	}
}

func newPutCmd(g *globalFlags) *cobra.Command {
	var condition, version string
	cmd := &cobra.Command{
		Use:   "put TABLE ROW",
		Short: "Write a row",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			row, err := parseRow(args[1])
			if err != nil {
				return err
			}
			match, err := hex.DecodeString(version)
			if err != nil {
				return fmt.Errorf("invalid --version: %w", err)
			}
			return g.withStore(cmd.Context(), func(s *store.Store) error {
				ctx := cmd.Context()
				var res kv.WriteResult
				switch condition {
				case "":
					res, err = s.Put(ctx, args[0], row, nil)
				case "absent":
					res, err = s.PutIfAbsent(ctx, args[0], row, nil)
				case "present":
					res, err = s.PutIfPresent(ctx, args[0], row, nil)
				case "version":
					res, err = s.PutIfVersion(ctx, args[0], row, match, nil)
				default:
					return fmt.Errorf("unknown --if %q", condition)
				}
				if err != nil {
					return err
				}
				return writeResult(cmd.OutOrStdout(), res)
			})
		},
	}
	cmd.Flags().StringVar(&condition, "if", "", "write only if the row is absent, present, or has --version")
	cmd.Flags().StringVar(&version, "version", "", "hex version for --if version")
	return cmd
}

func newDeleteCmd(g *globalFlags) *cobra.Command {
	var version string
	cmd := &cobra.Command{
		Use:   "delete TABLE PRIMARY_KEY",
		Short: "Delete a row",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pk, err := parseRow(args[1])
			if err != nil {
				return err
			}
			match, err := hex.DecodeString(version)
			if err != nil {
				return fmt.Errorf("invalid --version: %w", err)
			}
			return g.withStore(cmd.Context(), func(s *store.Store) error {
				var res kv.WriteResult
				if len(match) > 0 {
					res, err = s.DeleteIfVersion(cmd.Context(), args[0], pk, match, nil)
				} else {
					res, err = s.Delete(cmd.Context(), args[0], pk, nil)
				}
				if err != nil {
					return err
				}
				return writeResult(cmd.OutOrStdout(), res)
			})
		},
	}
	cmd.Flags().StringVar(&version, "version", "", "delete only if the row has this hex version")
	return cmd
}

type iterateFlags struct {
	index     string
	keysOnly  bool
	reverse   bool
	batchSize uint32
}

func (f *iterateFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.index, "index", "", "iterate through this index; KEY is then an index key")
	cmd.Flags().BoolVar(&f.keysOnly, "keys-only", false, "return primary key fields only")
	cmd.Flags().BoolVar(&f.reverse, "reverse", false, "iterate in descending key order")
	cmd.Flags().Uint32Var(&f.batchSize, "batch-size", 0, "rows per page, server default when zero")
}

func (f *iterateFlags) options() *kv.IteratorOptions {
	opts := &kv.IteratorOptions{BatchSize: f.batchSize, Direction: kv.DirectionForward}
	if f.reverse {
		opts.Direction = kv.DirectionReverse
	}
	return opts
}

func keyArg(args []string) (kv.Row, error) {
	if len(args) < 2 {
		return kv.Row{}, nil
	}
	return parseRow(args[1])
}

func openIterator(ctx context.Context, s *store.Store, table string, key kv.Row, f *iterateFlags) (*cursor.Session, error) {
	opts := f.options()
	switch {
	case f.index != "" && f.keysOnly:
		return s.IndexKeysIterator(ctx, table, f.index, key, nil, opts)
	case f.index != "":
		return s.IndexIterator(ctx, table, f.index, key, nil, opts)
	case f.keysOnly:
		return s.TableKeysIterator(ctx, table, key, nil, nil, opts)
	}
	return s.TableIterator(ctx, table, key, nil, nil, opts)
}

func newIterateCmd(g *globalFlags) *cobra.Command {
	f := &iterateFlags{}
	cmd := &cobra.Command{
		Use:   "iterate TABLE [KEY]",
		Short: "Print every row matching a partial key, one JSON document per line",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := keyArg(args)
			if err != nil {
				return err
			}
			return g.withStore(cmd.Context(), func(s *store.Store) error {
				ctx := cmd.Context()
				sess, err := openIterator(ctx, s, args[0], key, f)
				if err != nil {
					return err
				}
				return sess.ForEach(ctx, func(row kv.RowWithMetadata) error {
					return writeRow(cmd.OutOrStdout(), row)
				})
			})
		},
	}
	f.register(cmd)
	return cmd
}

func newStreamCmd(g *globalFlags) *cobra.Command {
	f := &iterateFlags{}
	cmd := &cobra.Command{
		Use:   "stream TABLE [KEY]",
		Short: "Stream every row matching a partial key as NDJSON",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := keyArg(args)
			if err != nil {
				return err
			}
			return g.withStore(cmd.Context(), func(s *store.Store) error {
				ctx := cmd.Context()
				sess, err := openIterator(ctx, s, args[0], key, f)
				if err != nil {
					return err
				}
				st := cursor.NewStream(sess)

				var writeErr error
				st.OnData(func(row kv.RowWithMetadata) {
					if writeErr != nil {
						return
					}
					if writeErr = writeRow(cmd.OutOrStdout(), row); writeErr != nil {
						// Stop pulling pages once output is broken.
						_ = sess.Close(context.WithoutCancel(ctx))
					}
				})
				if err := st.Run(ctx); err != nil && writeErr == nil {
					return err
				}
				return writeErr
			})
		},
	}
	f.register(cmd)
	return cmd
}
