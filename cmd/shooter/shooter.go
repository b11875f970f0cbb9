package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/rs/zerolog/log"

	"github.com/tigerbot-team/flywheel/pkg/config"
	"github.com/tigerbot-team/flywheel/pkg/hardware"
	"github.com/tigerbot-team/flywheel/pkg/shooter"
)

var CLI struct {
	Config     string `help:"YAML hardware and tuning file." default:"/cfg/flywheel.yaml" type:"path"`
	WriteInUse string `help:"Write the configuration in force to this file." type:"path"`
	Sim        bool   `help:"Simulate every motor channel."`
	Dummy      bool   `help:"Drive logging-only actuators."`
	NoStart    bool   `help:"Wait stopped instead of spinning up on launch."`
	DumpPath   string `help:"Override the event log dump path." type:"path"`
	LogLevel   string `help:"Diagnostic log level." default:"info" enum:"trace,debug,info,warn,error"`
}

func main() {
	kong.Parse(&CLI, kong.Description("Runs the flywheel speed controller."))
	if err := shooter.ConfigureLogging(CLI.LogLevel); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	log.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("---- shooter ----")

	cfg, err := config.Load(CLI.Config)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	if CLI.DumpPath != "" {
		cfg.Log.DumpPath = CLI.DumpPath
	}
	if CLI.WriteInUse != "" {
		if err := config.WriteInUse(CLI.WriteInUse, cfg); err != nil {
			log.Warn().Err(err).Msg("Failed to write in-use config")
		}
	}

	var hw hardware.Interface
	if CLI.Dummy {
		hw, err = hardware.NewDummy(cfg)
	} else {
		hw, err = hardware.New(cfg, hardware.Options{Simulate: CLI.Sim})
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialise hardware")
	}

	s, err := shooter.New(cfg, hw)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create controller")
	}

	// Our global context, we cancel it to trigger shutdown.
	ctx, cancel := context.WithCancel(context.Background())
	registerSignalHandlers(cancel)

	if err := s.Run(ctx, !CLI.NoStart); err != nil {
		log.Error().Err(err).Msg("Shut down with error")
		os.Exit(1)
	}
	log.Info().Msg("Shut down cleanly")
}

func registerSignalHandlers(cancel context.CancelFunc) {
	signals := make(chan os.Signal, 2)
	signal.Notify(signals, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		s := <-signals
		log.Info().Stringer("signal", s).Msg("Signal received")
		cancel()
	}()
}
