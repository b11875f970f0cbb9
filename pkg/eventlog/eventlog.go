// Package eventlog is a fixed-capacity, lock-protected record of timestamped
// events that can be appended to from edge handlers and periodic control code
// alike, and dumped to a file for post-hoc diagnosis.
package eventlog

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/tigerbot-team/flywheel/pkg/hwclock"
)

// DefaultCapacity is used when Log is called before Init.
const DefaultCapacity = 10000

// Kind identifies what a record describes.  It is written to the dump as its
// numeric value.
type Kind uint32

const (
	KindInit Kind = iota
	KindStart
	KindStop
	KindMode
	KindCurrent
	KindSpeed
	KindTach
)

func (k Kind) String() string {
	switch k {
	case KindInit:
		return "INIT"
	case KindStart:
		return "START"
	case KindStop:
		return "STOP"
	case KindMode:
		return "MODE"
	case KindCurrent:
		return "CURRENT"
	case KindSpeed:
		return "SPEED"
	case KindTach:
		return "TACH"
	default:
		return fmt.Sprintf("KIND(%d)", uint32(k))
	}
}

// Record is one logged event.  Channel names the sensor or motor it concerns.
type Record struct {
	Timestamp uint32
	Kind      Kind
	Channel   uint32
	Value     uint32
}

func (r Record) String() string {
	return fmt.Sprintf("%d %v ch=%d val=%d", r.Timestamp, r.Kind, r.Channel, r.Value)
}

// EventLog is shared by reference between every component that logs.  The
// backing storage is allocated once, by Init or by the first Log, and is never
// grown afterwards: records that arrive while the log is full are counted in
// Dropped instead.
type EventLog struct {
	clock hwclock.Clock

	lock    sync.Mutex
	records []Record
	dropped uint64
}

// New returns an empty log stamped from clock.  Storage is allocated by Init
// or the first Log.
func New(clock hwclock.Clock) *EventLog {
	return &EventLog{clock: clock}
}

// Init allocates the log with room for capacity records and appends the INIT
// marker.  Calling it again is a no-op.
func (l *EventLog) Init(capacity int) {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.initLocked(capacity)
}

// initLocked must be called with the lock held.  Log uses it directly rather
// than calling Init so the lock is never taken twice.
func (l *EventLog) initLocked(capacity int) {
	if l.records != nil {
		return
	}
	if capacity < 1 {
		capacity = 1
	}
	l.records = make([]Record, 0, capacity)
	l.appendLocked(KindInit, 0, 0)
}

func (l *EventLog) Log(kind Kind, channel, value uint32) {
	l.lock.Lock()
	l.initLocked(DefaultCapacity)
	l.appendLocked(kind, channel, value)
	l.lock.Unlock()
}

func (l *EventLog) appendLocked(kind Kind, channel, value uint32) {
	if len(l.records) == cap(l.records) {
		l.dropped++
		return
	}
	l.records = append(l.records, Record{
		Timestamp: l.clock.Micros(),
		Kind:      kind,
		Channel:   channel,
		Value:     value,
	})
}

// Dump writes every record to path as "timestamp,kind,channel,value" lines,
// truncating the file, then clears the log back to a single INIT marker.
//
// When the log holds nothing but the marker the file is not touched at all, so
// an empty dump never clobbers an earlier useful one.  If the file cannot be
// written the records are kept for the next attempt.
func (l *EventLog) Dump(path string) error {
	l.lock.Lock()
	defer l.lock.Unlock()

	if len(l.records) <= 1 {
		return nil
	}

	if err := writeRecords(path, l.records); err != nil {
		log.Warn().Err(err).Str("path", path).Int("records", len(l.records)).Msg("Event log dump failed")
		return err
	}
	if l.dropped > 0 {
		log.Warn().Uint64("dropped", l.dropped).Int("capacity", cap(l.records)).Msg("Event log overflowed since last dump")
	}

	l.records = l.records[:0]
	l.dropped = 0
	l.appendLocked(KindInit, 0, 0)
	return nil
}

func writeRecords(path string, records []Record) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return errors.Wrap(err, "opening dump file")
	}
	w := bufio.NewWriter(f)
	var line []byte
	for _, r := range records {
		line = line[:0]
		line = strconv.AppendUint(line, uint64(r.Timestamp), 10)
		line = append(line, ',')
		line = strconv.AppendUint(line, uint64(r.Kind), 10)
		line = append(line, ',')
		line = strconv.AppendUint(line, uint64(r.Channel), 10)
		line = append(line, ',')
		line = strconv.AppendUint(line, uint64(r.Value), 10)
		line = append(line, '\n')
		if _, err := w.Write(line); err != nil {
			_ = f.Close()
			return errors.Wrap(err, "writing dump file")
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return errors.Wrap(err, "flushing dump file")
	}
	return errors.Wrap(f.Close(), "closing dump file")
}

// Len returns the number of records held, including the INIT marker.
func (l *EventLog) Len() int {
	l.lock.Lock()
	defer l.lock.Unlock()
	return len(l.records)
}

func (l *EventLog) Cap() int {
	l.lock.Lock()
	defer l.lock.Unlock()
	return cap(l.records)
}

// Dropped returns how many records were discarded because the log was full.
func (l *EventLog) Dropped() uint64 {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.dropped
}

// Records returns a copy of the current contents in insertion order.
func (l *EventLog) Records() []Record {
	l.lock.Lock()
	defer l.lock.Unlock()
	out := make([]Record, len(l.records))
	copy(out, l.records)
	return out
}
