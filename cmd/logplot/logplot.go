package main

import (
	"fmt"
	"image/color"
	"os"
	"sort"

	"github.com/alecthomas/kong"
	"github.com/fogleman/gg"

	"github.com/tigerbot-team/flywheel/pkg/eventlog"
	"github.com/tigerbot-team/flywheel/pkg/tachometer"
)

var CLI struct {
	Input       string  `arg:"" help:"Event log dump." type:"existingfile"`
	Output      string  `help:"PNG to write." default:"flywheel.png" type:"path"`
	Width       int     `help:"Image width." default:"1200"`
	Height      int     `help:"Image height." default:"600"`
	EdgesPerRev int     `help:"Sensor marks per revolution." default:"1"`
	MaxRPM      float64 `help:"Top of the speed axis." default:"4000"`
}

type point struct {
	t   uint32
	rpm float64
}

type series struct {
	name   string
	points []point
	dashed bool
}

func main() {
	kong.Parse(&CLI, kong.Description("Plots wheel speeds from an event log dump."))

	f, err := os.Open(CLI.Input)
	if err != nil {
		fmt.Println("Failed to open dump:", err)
		os.Exit(1)
	}
	records, err := eventlog.ReadDump(f)
	f.Close()
	if err != nil {
		fmt.Println("Failed to parse dump:", err)
		os.Exit(1)
	}
	all := buildSeries(records, CLI.EdgesPerRev)
	if len(all) == 0 {
		fmt.Println("Nothing to plot")
		os.Exit(1)
	}
	if err := render(all, records, CLI.Output); err != nil {
		fmt.Println("Failed to render:", err)
		os.Exit(1)
	}
	fmt.Println("Wrote", CLI.Output)
}

// buildSeries turns TACH edges into per-sensor speeds and collects the
// polled SPEED events per side.  Times are relative to the first record.
func buildSeries(records []eventlog.Record, edgesPerRev int) []*series {
	if len(records) == 0 {
		return nil
	}
	if edgesPerRev < 1 {
		edgesPerRev = 1
	}
	start := records[0].Timestamp
	byName := map[string]*series{}
	get := func(name string, dashed bool) *series {
		s, ok := byName[name]
		if !ok {
			s = &series{name: name, dashed: dashed}
			byName[name] = s
		}
		return s
	}
	lastEdge := map[uint32]uint32{}
	for _, r := range records {
		switch r.Kind {
		case eventlog.KindTach:
			if prev, ok := lastEdge[r.Channel]; ok {
				interval := r.Value - prev
				if interval > 0 && interval < tachometer.StaleWindow {
					s := get(fmt.Sprintf("tach %d", r.Channel), true)
					s.points = append(s.points, point{r.Value - start, 60e6 / (float64(interval) * float64(edgesPerRev))})
				}
			}
			lastEdge[r.Channel] = r.Value
		case eventlog.KindSpeed:
			s := get(fmt.Sprintf("side %d", r.Channel), false)
			s.points = append(s.points, point{r.Timestamp - start, float64(r.Value)})
		}
	}
	out := make([]*series, 0, len(byName))
	for _, s := range byName {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

var palette = []color.Color{
	color.RGBA{0xe4, 0x1a, 0x1c, 0xff},
	color.RGBA{0x37, 0x7e, 0xb8, 0xff},
	color.RGBA{0x4d, 0xaf, 0x4a, 0xff},
	color.RGBA{0x98, 0x4e, 0xa3, 0xff},
	color.RGBA{0xff, 0x7f, 0x00, 0xff},
}

func render(all []*series, records []eventlog.Record, path string) error {
	const margin = 50.0
	w, h := float64(CLI.Width), float64(CLI.Height)
	dc := gg.NewContext(CLI.Width, CLI.Height)
	dc.SetRGB(1, 1, 1)
	dc.Clear()

	var span uint32 = 1
	for _, s := range all {
		for _, p := range s.points {
			if p.t > span {
				span = p.t
			}
		}
	}
	x := func(t uint32) float64 { return margin + float64(t)/float64(span)*(w-2*margin) }
	y := func(rpm float64) float64 {
		if rpm > CLI.MaxRPM {
			rpm = CLI.MaxRPM
		}
		return h - margin - rpm/CLI.MaxRPM*(h-2*margin)
	}

	// Axes and a grid line every 1000 rpm.
	dc.SetRGB(0.85, 0.85, 0.85)
	dc.SetLineWidth(1)
	for rpm := 1000.0; rpm <= CLI.MaxRPM; rpm += 1000 {
		dc.DrawLine(margin, y(rpm), w-margin, y(rpm))
		dc.Stroke()
	}
	dc.SetRGB(0, 0, 0)
	dc.DrawLine(margin, h-margin, w-margin, h-margin)
	dc.DrawLine(margin, margin, margin, h-margin)
	dc.Stroke()
	for rpm := 0.0; rpm <= CLI.MaxRPM; rpm += 1000 {
		dc.DrawStringAnchored(fmt.Sprintf("%.0f", rpm), margin-5, y(rpm), 1, 0.5)
	}
	dc.DrawStringAnchored(fmt.Sprintf("%.2fs", float64(span)/1e6), w-margin, h-margin+15, 1, 0.5)

	// Mode changes as vertical ticks along the time axis.
	dc.SetRGB(0.5, 0.5, 0.5)
	for _, r := range records {
		if r.Kind == eventlog.KindMode || r.Kind == eventlog.KindStart || r.Kind == eventlog.KindStop {
			t := r.Timestamp - records[0].Timestamp
			dc.DrawLine(x(t), h-margin, x(t), h-margin-8)
			dc.Stroke()
		}
	}

	for i, s := range all {
		dc.SetColor(palette[i%len(palette)])
		dc.SetLineWidth(1.5)
		if s.dashed {
			dc.SetDash(4, 3)
		} else {
			dc.SetDash()
		}
		for j, p := range s.points {
			if j == 0 {
				dc.MoveTo(x(p.t), y(p.rpm))
			} else {
				dc.LineTo(x(p.t), y(p.rpm))
			}
		}
		dc.Stroke()
		dc.DrawString(s.name, w-margin-100, margin+float64(i)*15)
	}
	return dc.SavePNG(path)
}
