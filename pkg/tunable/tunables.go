// Package tunable is a small store of named numeric values that an operator
// can adjust while the controller runs.  It stands in for a dashboard.
package tunable

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/tigerbot-team/flywheel/pkg/pid"
)

// Well-known names.
const (
	KP = "kp"
	KI = "ki"
	KD = "kd"

	speedSuffix = ".speed"
)

// SpeedName is the tunable holding a side's setpoint.
func SpeedName(side string) string {
	return side + speedSuffix
}

type Tunable struct {
	Name string
	bits atomic.Uint64
}

func (t *Tunable) Get() float64 {
	return math.Float64frombits(t.bits.Load())
}

func (t *Tunable) Set(v float64) {
	t.bits.Store(math.Float64bits(v))
	log.Debug().Str("tunable", t.Name).Float64("value", v).Msg("Tunable set")
}

func (t *Tunable) Add(delta float64) float64 {
	for {
		old := t.bits.Load()
		v := math.Float64frombits(old) + delta
		if t.bits.CompareAndSwap(old, math.Float64bits(v)) {
			log.Debug().Str("tunable", t.Name).Float64("value", v).Msg("Tunable adjusted")
			return v
		}
	}
}

type Tunables struct {
	lock     sync.Mutex
	all      []*Tunable
	byName   map[string]*Tunable
	selected int
}

func New() *Tunables {
	return &Tunables{byName: map[string]*Tunable{}}
}

// Create adds a tunable, or returns the existing one of that name with its
// value left alone.
func (t *Tunables) Create(name string, value float64) *Tunable {
	t.lock.Lock()
	defer t.lock.Unlock()
	if existing, ok := t.byName[name]; ok {
		return existing
	}
	nt := &Tunable{Name: name}
	nt.bits.Store(math.Float64bits(value))
	t.all = append(t.all, nt)
	t.byName[name] = nt
	return nt
}

func (t *Tunables) Lookup(name string) (*Tunable, bool) {
	t.lock.Lock()
	defer t.lock.Unlock()
	tn, ok := t.byName[name]
	return tn, ok
}

// Get returns the named value, or NaN if there is no such tunable.
func (t *Tunables) Get(name string) float64 {
	tn, ok := t.Lookup(name)
	if !ok {
		return math.NaN()
	}
	return tn.Get()
}

func (t *Tunables) Set(name string, v float64) error {
	tn, ok := t.Lookup(name)
	if !ok {
		return errors.Errorf("no tunable called %q", name)
	}
	tn.Set(v)
	return nil
}

// Names returns the tunable names in sorted order.
func (t *Tunables) Names() []string {
	t.lock.Lock()
	defer t.lock.Unlock()
	names := make([]string, 0, len(t.all))
	for _, tn := range t.all {
		names = append(names, tn.Name)
	}
	sort.Strings(names)
	return names
}

func (t *Tunables) SelectNext() *Tunable {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.selected++
	if t.selected >= len(t.all) {
		t.selected = 0
	}
	return t.currentLocked()
}

func (t *Tunables) SelectPrev() *Tunable {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.selected--
	if t.selected < 0 {
		t.selected = len(t.all) - 1
	}
	return t.currentLocked()
}

// Current returns the selected tunable, nil if there are none.
func (t *Tunables) Current() *Tunable {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.currentLocked()
}

func (t *Tunables) currentLocked() *Tunable {
	if len(t.all) == 0 {
		return nil
	}
	return t.all[t.selected]
}

// Setpoint returns the side's speed tunable.
func (t *Tunables) Setpoint(side string) float64 {
	return t.Get(SpeedName(side))
}

// Gains returns the speed loop gains.  It never sees part of a SetGains.
func (t *Tunables) Gains() pid.Gains {
	t.lock.Lock()
	defer t.lock.Unlock()
	return pid.Gains{P: t.valueLocked(KP), I: t.valueLocked(KI), D: t.valueLocked(KD)}
}

// SetGains stores all three gains together.
func (t *Tunables) SetGains(g pid.Gains) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	p, i, d := t.byName[KP], t.byName[KI], t.byName[KD]
	if p == nil || i == nil || d == nil {
		return errors.New("gain tunables have not been created")
	}
	p.Set(g.P)
	i.Set(g.I)
	d.Set(g.D)
	return nil
}

func (t *Tunables) valueLocked(name string) float64 {
	tn, ok := t.byName[name]
	if !ok {
		return math.NaN()
	}
	return tn.Get()
}
