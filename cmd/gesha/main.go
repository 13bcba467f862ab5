// Command gesha is the control core binary for a networked espresso
// machine: it reads a YAML config file, opens the persistent store and
// hardware seams, and runs every component until SIGINT/SIGHUP.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/sirupsen/logrus"
	"periph.io/x/periph/host"

	"gesha/config"
	"gesha/internal/supervisor"
)

func main() {
	configPath := flag.String("config-path", "./gesha.config.yaml", "path to gesha.config.yaml")
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	entry := logrus.NewEntry(log)

	cfg, err := config.Load(*configPath)
	if err != nil {
		entry.WithError(err).Fatal("failed to load config")
	}

	if _, err := host.Init(); err != nil {
		entry.WithError(err).Fatal("failed to initialize periph host drivers")
	}

	sup := supervisor.New(cfg, entry)
	if err := sup.Run(context.Background()); err != nil {
		entry.WithError(err).Fatal("supervisor exited with error")
	}

	os.Exit(0)
}
