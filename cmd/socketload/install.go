package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/socketdev-demo/socket-benchmarking-tool/internal/config"
	"github.com/socketdev-demo/socket-benchmarking-tool/internal/installer"
	"github.com/socketdev-demo/socket-benchmarking-tool/internal/remote"
)

func newInstallCmd(g *globalFlags) *cobra.Command {
	var (
		dryRun  bool
		onLocal bool
	)
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Install k6 on the load generators",
		Long: `Installs k6 from the official package repositories (apt, yum, dnf or pacman).

With infrastructure.type ssh every configured load generator is set up over
SSH; non-root users need passwordless sudo. Otherwise k6 is installed on
this host, which requires root.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(g.configPath)
			if err != nil {
				return err
			}
			logger, err := g.logger()
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			out := cmd.OutOrStdout()

			if onLocal || cfg.Infrastructure.Type != config.InfraSSH {
				if !dryRun && !installer.IsRoot() {
					return fmt.Errorf("install requires root privileges (use sudo)")
				}
				inst := &installer.Installer{
					Host:   installer.LocalHost{Out: out},
					DryRun: dryRun,
					Out:    out,
					Logger: logger,
				}
				return inst.Run(ctx)
			}

			hosts := cfg.Infrastructure.SSH.LoadGenerators
			if len(hosts) == 0 {
				return fmt.Errorf("no load generators configured under infrastructure.ssh.load_generators")
			}
			pool := remote.NewPool(remote.Options{KnownHosts: cfg.Infrastructure.SSH.KnownHosts}, logger)
			defer pool.Close()

			var failed int
			for _, h := range hosts {
				client, err := pool.Connect(ctx, h)
				if err != nil {
					logger.Error("connect failed", zap.String("host", h.Host), zap.Error(err))
					failed++
					continue
				}
				inst := &installer.Installer{
					Host:   installer.SSHHost{Client: client, Out: out},
					DryRun: dryRun,
					Sudo:   h.User != "" && h.User != "root",
					Out:    out,
					Logger: logger,
				}
				if err := inst.Run(ctx); err != nil {
					logger.Error("install failed", zap.String("host", h.Host), zap.Error(err))
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("k6 installation failed on %d of %d load generators", failed, len(hosts))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Print the commands without running them")
	cmd.Flags().BoolVar(&onLocal, "local", false, "Install on this host even when SSH generators are configured")
	return cmd
}
