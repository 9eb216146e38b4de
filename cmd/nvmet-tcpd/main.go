// Command nvmet-tcpd runs the NVMe-over-TCP target daemon: it binds a
// listen address, accepts connections, and drives each one's queue
// engine on a CPU-pinned scheduler.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	nvmet "github.com/jackey-gu/nvmet-tcp"
	"github.com/jackey-gu/nvmet-tcp/pkg/config"
)

var (
	configPath string
	debugLog   bool
)

func main() {
	root := &cobra.Command{
		Use:   "nvmet-tcpd",
		Short: "NVMe-over-TCP target daemon",
		RunE:  run,
	}
	root.Flags().StringVarP(&configPath, "config", "c", "/etc/nvmet-tcpd/target.ini", "path to target configuration file")
	root.Flags().BoolVar(&debugLog, "debug", false, "enable debug logging")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	log := logrus.New()
	if debugLog {
		log.SetLevel(logrus.DebugLevel)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	entry := logrus.NewEntry(log)
	sched := nvmet.NewScheduler(cfg.CPUs, entry)
	done := make(chan struct{})
	sched.Start(done)

	registry := nvmet.NewRegistry()
	executor := nvmet.NewEchoExecutor()

	port, err := nvmet.AddPort(cfg.ListenAddr, nvmet.PortConfig{
		Scheduler:           sched,
		Registry:            registry,
		Executor:            executor,
		Controller:          nil,
		NrCmdsAdmin:         cfg.NrCmdsMultiplier * 32,
		NrCmdsMultiplier:    cfg.NrCmdsMultiplier,
		SocketBufferBytes:   cfg.SocketBufferBytes,
		RequireHeaderDigest: cfg.HeaderDigestDefault,
		RequireDataDigest:   cfg.DataDigestDefault,
		CPUs:                cfg.CPUs,
		Log:                 entry,
	})
	if err != nil {
		return err
	}
	entry.WithField("addr", cfg.ListenAddr).Info("nvmet-tcpd listening")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	entry.Info("shutting down")
	_ = port.RemovePort()
	nvmet.DeleteCtrl(registry)
	close(done)
	return sched.Wait()
}
