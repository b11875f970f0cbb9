package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/tigerbot-team/flywheel/pkg/eventlog"
	"github.com/tigerbot-team/flywheel/pkg/hwclock"
	"github.com/tigerbot-team/flywheel/pkg/tachometer"
)

var CLI struct {
	Pin         string        `arg:"" help:"GPIO the Hall sensor is wired to, e.g. GPIO17."`
	EdgesPerRev int           `help:"Sensor marks per revolution." default:"1"`
	Interval    time.Duration `help:"How often to print." default:"250ms"`
	Dump        string        `help:"Dump the edge log here on exit." type:"path"`
}

func main() {
	kong.Parse(&CLI, kong.Description("Prints the speed seen by one tachometer."))

	clock := hwclock.Monotonic{}
	elog := eventlog.New(clock)
	elog.Init(eventlog.DefaultCapacity)

	src, err := tachometer.OpenGPIO(CLI.Pin, clock)
	if err != nil {
		fmt.Println("Failed to open GPIO", err)
		os.Exit(1)
	}
	tach, err := tachometer.New(src, clock, elog, CLI.EdgesPerRev)
	if err != nil {
		fmt.Println("Failed to start tachometer", err)
		os.Exit(1)
	}
	defer tach.Close()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGTERM, syscall.SIGINT)

	ticker := time.NewTicker(CLI.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-signals:
			if CLI.Dump != "" {
				if err := elog.Dump(CLI.Dump); err != nil {
					fmt.Println("Dump failed:", err)
				}
			}
			return
		case <-ticker.C:
			fmt.Printf("interval %6dus  %7.1f rpm  %d edges logged\n",
				tach.GetInterval(), tach.Rate(), elog.Len()-1)
		}
	}
}
