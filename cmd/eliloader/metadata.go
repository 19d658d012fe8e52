//go:build linux

package main

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/xenserver/eliloader/internal/metadata"
)

// newMetadataCommand manages the records of the local bolt store, used to
// replay boots without a toolstack.
func newMetadataCommand(opts *options) *cobra.Command {
	var dbPath string

	open := func() (*metadata.BoltStore, error) {
		path := dbPath
		if path == "" {
			path = opts.cfg.Metadata.Path
		}
		if path == "" {
			return nil, errors.New("no metadata db configured, pass --db")
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.Wrap(err, "create metadata directory")
		}
		return metadata.OpenBolt(path)
	}

	metadataCmd := &cobra.Command{
		Use:   "metadata",
		Short: "Manage VM records in the local metadata store",
	}
	metadataCmd.PersistentFlags().StringVar(&dbPath, "db", "", "bolt metadata file (default from config)")

	importCmd := &cobra.Command{
		Use:   "import <vm> <file.toml>",
		Short: "Replace a VM record with the contents of a TOML file",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			if _, err := uuid.Parse(args[0]); err != nil {
				return errors.Wrapf(err, "VM uuid %q", args[0])
			}
			var rec metadata.VM
			if _, err := toml.DecodeFile(args[1], &rec); err != nil {
				return errors.Wrapf(err, "parse %s", args[1])
			}

			store, err := open()
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Put(args[0], rec); err != nil {
				return err
			}
			logrus.Infof("imported VM %s from %s", args[0], args[1])
			return nil
		},
	}

	exportCmd := &cobra.Command{
		Use:   "export <vm>",
		Short: "Print a VM record as TOML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := open()
			if err != nil {
				return err
			}
			defer store.Close()

			rec, err := store.Get(args[0])
			if err != nil {
				return err
			}
			return errors.Wrap(toml.NewEncoder(cmd.OutOrStdout()).Encode(rec), "encode record")
		},
	}

	metadataCmd.AddCommand(importCmd, exportCmd)
	return metadataCmd
}
