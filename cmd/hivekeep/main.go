// Command hivekeep runs a single-process node: customer, supplier and
// broker roles wired over the in-process bus, driven by a YAML config.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/hivekeep/hivekeep/internal/config"
	"github.com/hivekeep/hivekeep/internal/crypt"
	"github.com/hivekeep/hivekeep/internal/identity"
	"github.com/hivekeep/hivekeep/internal/node"
	"github.com/hivekeep/hivekeep/internal/transport"
)

var (
	cfgPath string
	verbose bool
)

func main() {
	root := &cobra.Command{
		Use:   "hivekeep",
		Short: "Distributed encrypted backup node",
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "config.yaml", "path to the configuration file")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(serveCmd(), backupCmd(), restoreCmd(), deleteCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setup() (*node.Node, *logrus.Logger, error) {
	log := logrus.New()
	if verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, err
	}
	key, err := loadOrCreateKey(filepath.Join(cfg.DataDir, "key.pem"), log)
	if err != nil {
		return nil, nil, err
	}
	registry := identity.NewRegistry()
	bus := transport.NewLoopback()
	n, err := node.New(cfg, key, registry, bus, log)
	if err != nil {
		return nil, nil, err
	}
	return n, log, nil
}

func loadOrCreateKey(path string, log *logrus.Logger) (*crypt.Key, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return crypt.ParsePrivateKey(data)
	}
	if !os.IsNotExist(err) {
		return nil, err
	}
	log.Info("generating identity key")
	key, err := crypt.NewKey(2048)
	if err != nil {
		return nil, err
	}
	pem, err := key.MarshalPrivateKey()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, pem, 0o600); err != nil {
		return nil, err
	}
	return key, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the node until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, log, err := setup()
			if err != nil {
				return err
			}
			defer n.Close()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			n.Start(ctx)
			log.Info("node running")

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			<-sig
			log.Info("shutting down")
			return nil
		},
	}
}

func backupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backup <path>",
		Short: "Snapshot a file or directory to the suppliers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, log, err := setup()
			if err != nil {
				return err
			}
			defer n.Close()
			backupID, err := n.Backup(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			log.WithField("backup", backupID).Info("backup complete")
			fmt.Println(backupID)
			return nil
		},
	}
}

func restoreCmd() *cobra.Command {
	var extract bool
	c := &cobra.Command{
		Use:   "restore <backup-id> <output>",
		Short: "Rebuild a backup from supplier fragments",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, log, err := setup()
			if err != nil {
				return err
			}
			defer n.Close()
			if err := n.Restore(cmd.Context(), args[0], args[1], extract); err != nil {
				return err
			}
			log.Info("restore complete")
			return nil
		},
	}
	c.Flags().BoolVar(&extract, "extract", false, "treat the backup as a directory snapshot and unpack it")
	return c
}

func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <backup-id>",
		Short: "Erase a backup from every supplier",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, _, err := setup()
			if err != nil {
				return err
			}
			defer n.Close()
			return n.DeleteBackup(cmd.Context(), args[0])
		},
	}
}
