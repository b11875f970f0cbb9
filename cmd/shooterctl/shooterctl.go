package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/alecthomas/kong"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/tigerbot-team/flywheel/pkg/config"
	"github.com/tigerbot-team/flywheel/pkg/hardware"
	"github.com/tigerbot-team/flywheel/pkg/pid"
	"github.com/tigerbot-team/flywheel/pkg/shooter"
	"github.com/tigerbot-team/flywheel/pkg/spinner"
	"github.com/tigerbot-team/flywheel/pkg/tunable"
)

var Flags struct {
	Config   string `help:"YAML hardware and tuning file." default:"/cfg/flywheel.yaml" type:"path"`
	Sim      bool   `help:"Simulate every motor channel."`
	Dummy    bool   `help:"Drive logging-only actuators."`
	LogLevel string `help:"Diagnostic log level." default:"warn" enum:"trace,debug,info,warn,error"`
}

var CLI struct {
	Start  StartCmd  `cmd:"" help:"Spin up every side."`
	Stop   StopCmd   `cmd:"" help:"Stop every side."`
	Speed  SpeedCmd  `cmd:"" help:"Set a side's target speed."`
	Gains  GainsCmd  `cmd:"" help:"Set the speed loop gains."`
	Status StatusCmd `cmd:"" help:"Show each side's state."`
	Get    GetCmd    `cmd:"" help:"List tunables."`
	Next   NextCmd   `cmd:"" help:"Select the next tunable."`
	Prev   PrevCmd   `cmd:"" help:"Select the previous tunable."`
	Adjust AdjustCmd `cmd:"" help:"Add to the selected tunable."`
	Dump   DumpCmd   `cmd:"" help:"Dump the event log."`
	Quit   QuitCmd   `cmd:"" help:"Stop, dump and exit."`
}

type Context struct {
	ctx     context.Context
	shooter *shooter.Shooter
	dumpTo  string
}

func (c *Context) do(f func(*spinner.Controller)) error {
	return c.shooter.Do(c.ctx, f)
}

type StartCmd struct{}

func (*StartCmd) Run(ctx *Context) error {
	return ctx.do(func(c *spinner.Controller) { c.Start() })
}

type StopCmd struct{}

func (*StopCmd) Run(ctx *Context) error {
	return ctx.do(func(c *spinner.Controller) { c.Stop() })
}

type SpeedCmd struct {
	Side string  `arg:"" help:"Side name."`
	RPM  float64 `arg:"" help:"Target speed."`
}

func (s *SpeedCmd) Run(ctx *Context) error {
	return ctx.shooter.Tunables().Set(tunable.SpeedName(s.Side), s.RPM)
}

type GainsCmd struct {
	P float64 `arg:""`
	I float64 `arg:""`
	D float64 `arg:"" optional:""`
}

func (g *GainsCmd) Run(ctx *Context) error {
	return ctx.shooter.Tunables().SetGains(pid.Gains{P: g.P, I: g.I, D: g.D})
}

type NextCmd struct{}

func (*NextCmd) Run(ctx *Context) error {
	return showSelected(ctx.shooter.Tunables().SelectNext())
}

type PrevCmd struct{}

func (*PrevCmd) Run(ctx *Context) error {
	return showSelected(ctx.shooter.Tunables().SelectPrev())
}

type AdjustCmd struct {
	Delta float64 `arg:"" help:"Amount to add to the selected tunable."`
}

func (a *AdjustCmd) Run(ctx *Context) error {
	tn := ctx.shooter.Tunables().Current()
	if tn == nil {
		return errors.New("nothing selected")
	}
	tn.Add(a.Delta)
	return showSelected(tn)
}

func showSelected(tn *tunable.Tunable) error {
	if tn == nil {
		return errors.New("no tunables")
	}
	fmt.Printf("%-14s %v\n", tn.Name, tn.Get())
	return nil
}

type StatusCmd struct{}

func (*StatusCmd) Run(ctx *Context) error {
	var status []spinner.Status
	if err := ctx.do(func(c *spinner.Controller) { status = c.Status() }); err != nil {
		return err
	}
	for _, st := range status {
		fmt.Printf("%-10s %-12v target %7.1f  rpm %7.1f  faults %d\n",
			st.Name, st.Mode, st.Target, st.Measured, st.Faults)
	}
	return nil
}

type GetCmd struct{}

func (*GetCmd) Run(ctx *Context) error {
	tn := ctx.shooter.Tunables()
	var selected string
	if cur := tn.Current(); cur != nil {
		selected = cur.Name
	}
	for _, name := range tn.Names() {
		marker := " "
		if name == selected {
			marker = "*"
		}
		fmt.Printf("%s %-14s %v\n", marker, name, tn.Get(name))
	}
	return nil
}

type DumpCmd struct {
	Path string `arg:"" optional:"" help:"Destination, defaults to the configured dump path."`
}

func (d *DumpCmd) Run(ctx *Context) error {
	path := d.Path
	if path == "" {
		path = ctx.dumpTo
	}
	var err error
	if doErr := ctx.do(func(c *spinner.Controller) { err = c.Dump(path) }); doErr != nil {
		return doErr
	}
	if err == nil {
		fmt.Println("Dumped to", path)
	}
	return err
}

type QuitCmd struct{}

func (*QuitCmd) Run(ctx *Context) error {
	return Quit
}

var Quit = errors.New("Quit")

func main() {
	kong.Parse(&Flags, kong.Description("Interactive flywheel controller."))
	if err := shooter.ConfigureLogging(Flags.LogLevel); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	fmt.Println("---- shooterctl ----")

	cfg, err := config.Load(Flags.Config)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	var hw hardware.Interface
	if Flags.Dummy {
		hw, err = hardware.NewDummy(cfg)
	} else {
		hw, err = hardware.New(cfg, hardware.Options{Simulate: Flags.Sim})
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialise hardware")
	}
	s, err := shooter.New(cfg, hw)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create controller")
	}

	ctx, cancel := context.WithCancel(context.Background())
	var runWG sync.WaitGroup
	runWG.Add(1)
	go func() {
		defer runWG.Done()
		defer cancel()
		if err := s.Run(ctx, false); err != nil {
			fmt.Println("ERROR:", err)
		}
	}()

	k, err := kong.New(&CLI, kong.Exit(func(int) {}))
	if err != nil {
		panic(err)
	}
	kctx := &Context{ctx: ctx, shooter: s, dumpTo: cfg.Log.DumpPath}

	scanner := bufio.NewScanner(os.Stdin)
	for ctx.Err() == nil {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		command := strings.Fields(scanner.Text())
		if len(command) == 0 {
			continue
		}
		parsed, err := k.Parse(command)
		if err != nil {
			fmt.Println("parse error:", err)
			continue
		}
		err = parsed.Run(kctx)
		if err == Quit {
			break
		} else if err != nil {
			fmt.Println("ERROR:", err)
		}
	}
	cancel()
	runWG.Wait()
}
