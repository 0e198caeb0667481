package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"p2pstore/commands"
	"p2pstore/config"

	log "github.com/sirupsen/logrus"
)

func setLogLevel(level string) {
	l, err := log.ParseLevel(level)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	log.SetLevel(l)
}

func registerGlobalFlags(fset *flag.FlagSet) {
	flag.VisitAll(func(f *flag.Flag) {
		fset.Var(f.Value, f.Name, f.Usage)
	})
}

func checkConfig(cfg string) {
	if cfg == "" {
		log.Fatal("Config file not specified")
	}
}

func loadConfig(file string) *config.Config {
	cfg, err := config.NewConfigFromFile(file)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

// main is the entry point of the application.
func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	configFile := flag.String("config", "", "Path to config file")
	logLevel := flag.String("loglevel", "info", "Log level")

	initCmd := flag.NewFlagSet("init", flag.ExitOnError)
	keyAlg := initCmd.String("key", "ed25519", "Node key algorithm (ed25519 or dilithium3)")
	registerGlobalFlags(initCmd)

	serveCmd := flag.NewFlagSet("serve", flag.ExitOnError)
	registerGlobalFlags(serveCmd)

	publishCmd := flag.NewFlagSet("publish", flag.ExitOnError)
	publishType := publishCmd.String("type", "", "Payload type")
	publishData := publishCmd.String("data", "", "Payload data")
	publishTTL := publishCmd.Duration("ttl", 0, "Entry lifetime, 0 for the node default")
	registerGlobalFlags(publishCmd)

	unpublishCmd := flag.NewFlagSet("unpublish", flag.ExitOnError)
	unpublishKey := unpublishCmd.String("key", "", "Key of the entry to remove")
	registerGlobalFlags(unpublishCmd)

	listCmd := flag.NewFlagSet("list", flag.ExitOnError)
	listType := listCmd.String("type", "", "Only list entries of this payload type")
	registerGlobalFlags(listCmd)

	peersCmd := flag.NewFlagSet("peers", flag.ExitOnError)
	registerGlobalFlags(peersCmd)

	infoCmd := flag.NewFlagSet("info", flag.ExitOnError)
	registerGlobalFlags(infoCmd)

	if len(os.Args) < 2 {
		log.WithField("args", os.Args).Fatal("Expected a subcommand")
	}
	cmd, args := os.Args[1], os.Args[2:]

	switch cmd {
	case "init":
		initCmd.Parse(args)
		checkConfig(*configFile)
		setLogLevel(*logLevel)
		cfg := config.NewEmptyConfig(*configFile)
		commands.RunInit(ctx, cfg, *keyAlg)
	case "serve":
		serveCmd.Parse(args)
		checkConfig(*configFile)
		setLogLevel(*logLevel)
		commands.RunServe(ctx, loadConfig(*configFile))
	case "publish":
		publishCmd.Parse(args)
		checkConfig(*configFile)
		setLogLevel(*logLevel)
		if *publishType == "" {
			log.Fatal("Payload type not specified")
		}
		commands.RunPublish(ctx, loadConfig(*configFile), *publishType, *publishData, *publishTTL)
	case "unpublish":
		unpublishCmd.Parse(args)
		checkConfig(*configFile)
		setLogLevel(*logLevel)
		commands.RunUnpublish(ctx, loadConfig(*configFile), *unpublishKey)
	case "list":
		listCmd.Parse(args)
		checkConfig(*configFile)
		setLogLevel(*logLevel)
		commands.RunList(ctx, loadConfig(*configFile), *listType)
	case "peers":
		peersCmd.Parse(args)
		checkConfig(*configFile)
		setLogLevel(*logLevel)
		commands.RunPeers(ctx, loadConfig(*configFile))
	case "info":
		infoCmd.Parse(args)
		checkConfig(*configFile)
		setLogLevel(*logLevel)
		commands.RunInfo(ctx, loadConfig(*configFile))
	default:
		log.Fatalf("Invalid subcommand '%s'", os.Args[1])
	}
}
