package eventlog

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/tigerbot-team/flywheel/pkg/hwclock"
)

func TestInitIsIdempotent(t *testing.T) {
	l := New(hwclock.NewFake(5))
	l.Init(16)
	l.Init(32)
	recs := l.Records()
	if len(recs) != 1 {
		t.Fatalf("Expected only the INIT marker, got %v", recs)
	}
	if recs[0] != (Record{Timestamp: 5, Kind: KindInit}) {
		t.Fatalf("Unexpected marker %v", recs[0])
	}
	if l.Cap() != 16 {
		t.Fatalf("Second Init should not reallocate, cap=%d", l.Cap())
	}
}

func TestLogInitialisesOnFirstUse(t *testing.T) {
	clk := hwclock.NewFake(100)
	l := New(clk)
	clk.Advance(7)
	l.Log(KindTach, 3, 42)

	recs := l.Records()
	if len(recs) != 2 {
		t.Fatalf("Expected INIT plus one record, got %v", recs)
	}
	if recs[0].Kind != KindInit {
		t.Errorf("First record should be INIT, got %v", recs[0])
	}
	if recs[1] != (Record{Timestamp: 107, Kind: KindTach, Channel: 3, Value: 42}) {
		t.Errorf("Unexpected record %v", recs[1])
	}
	if l.Cap() != DefaultCapacity {
		t.Errorf("Expected default capacity %d, got %d", DefaultCapacity, l.Cap())
	}
}

func TestDumpWithOnlyMarkerLeavesFileAlone(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "robot.log")

	l := New(hwclock.NewFake(0))
	l.Init(8)
	if err := l.Dump(path); err != nil {
		t.Fatalf("Dump failed: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("Dump of an empty log should not create the file (stat err=%v)", err)
	}

	// An earlier good dump must survive an empty one.
	if err := os.WriteFile(path, []byte("previous\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := l.Dump(path); err != nil {
		t.Fatalf("Dump failed: %v", err)
	}
	if b, _ := os.ReadFile(path); string(b) != "previous\n" {
		t.Fatalf("Empty dump overwrote file: %q", b)
	}

	l.Log(KindStart, 1, 9)
	if err := l.Dump(path); err != nil {
		t.Fatalf("Dump failed: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSuffix(string(b), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("Expected marker plus one data line, got %q", b)
	}
	if lines[0] != "0,0,0,0" {
		t.Errorf("Expected INIT marker line, got %q", lines[0])
	}
	if lines[1] != "0,1,1,9" {
		t.Errorf("Expected START data line, got %q", lines[1])
	}

	if recs := l.Records(); len(recs) != 1 || recs[0].Kind != KindInit {
		t.Fatalf("Dump should leave exactly one INIT marker, got %v", recs)
	}
}

func TestDumpRoundTrip(t *testing.T) {
	clk := hwclock.NewFake(1000)
	l := New(clk)
	l.Init(64)

	var want []Record
	for i := uint32(0); i < 20; i++ {
		ts := clk.Advance(137 * (i + 1))
		k := Kind(1 + i%6)
		l.Log(k, i%3, i*i*1000)
		want = append(want, Record{Timestamp: ts, Kind: k, Channel: i % 3, Value: i * i * 1000})
	}

	path := filepath.Join(t.TempDir(), "dump.csv")
	if err := l.Dump(path); err != nil {
		t.Fatalf("Dump failed: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	got, err := ReadDump(f)
	if err != nil {
		t.Fatalf("ReadDump failed: %v", err)
	}
	if len(got) != len(want)+1 || got[0].Kind != KindInit {
		t.Fatalf("Expected marker plus %d records, got %d: %v", len(want), len(got), got)
	}
	for i, r := range got[1:] {
		if r != want[i] {
			t.Errorf("Record %d: got %v, want %v", i, r, want[i])
		}
	}
}

func TestDumpTruncatesExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dump.csv")
	if err := os.WriteFile(path, []byte(strings.Repeat("junk line\n", 100)), 0644); err != nil {
		t.Fatal(err)
	}
	l := New(hwclock.NewFake(0))
	l.Log(KindStop, 2, 0)
	if err := l.Dump(path); err != nil {
		t.Fatal(err)
	}
	b, _ := os.ReadFile(path)
	if string(b) != "0,0,0,0\n0,2,2,0\n" {
		t.Fatalf("Unexpected file contents %q", b)
	}
}

func TestDumpFailureKeepsRecords(t *testing.T) {
	l := New(hwclock.NewFake(0))
	l.Log(KindMode, 1, 2)
	err := l.Dump(filepath.Join(t.TempDir(), "missing", "dir", "dump.csv"))
	if err == nil {
		t.Fatal("Expected an error dumping into a missing directory")
	}
	if l.Len() != 2 {
		t.Fatalf("Failed dump should keep records, have %d", l.Len())
	}
}

func TestOverflowDropsInsteadOfGrowing(t *testing.T) {
	l := New(hwclock.NewFake(0))
	l.Init(3)
	for i := 0; i < 5; i++ {
		l.Log(KindTach, 0, uint32(i))
	}
	if l.Len() != 3 || l.Cap() != 3 {
		t.Fatalf("Expected a full log of 3, len=%d cap=%d", l.Len(), l.Cap())
	}
	if l.Dropped() != 3 {
		t.Fatalf("Expected 3 dropped records, got %d", l.Dropped())
	}
	if err := l.Dump(filepath.Join(t.TempDir(), "d.csv")); err != nil {
		t.Fatal(err)
	}
	if l.Dropped() != 0 || l.Len() != 1 {
		t.Fatalf("Dump should reset the log, len=%d dropped=%d", l.Len(), l.Dropped())
	}
}

func TestConcurrentLogging(t *testing.T) {
	l := New(hwclock.NewFake(0))
	l.Init(10000)

	const writers, each = 8, 500
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(ch uint32) {
			defer wg.Done()
			for i := 0; i < each; i++ {
				l.Log(KindTach, ch, uint32(i))
			}
		}(uint32(w))
	}
	wg.Wait()

	recs := l.Records()
	if len(recs) != writers*each+1 {
		t.Fatalf("Expected %d records, got %d", writers*each+1, len(recs))
	}
	// Per channel, values must appear in the order each writer logged them.
	next := map[uint32]uint32{}
	for _, r := range recs[1:] {
		if r.Value != next[r.Channel] {
			t.Fatalf("Channel %d out of order: got %d, want %d", r.Channel, r.Value, next[r.Channel])
		}
		next[r.Channel]++
	}
}

func TestReadDumpRejectsGarbage(t *testing.T) {
	_, err := ReadDump(strings.NewReader("1,2,3,4\n1,2,x,4\n"))
	if err == nil {
		t.Fatal("Expected parse error")
	}
	_, err = ReadDump(strings.NewReader("1,2,3\n"))
	if err == nil {
		t.Fatal("Expected field count error")
	}
}

func TestKindString(t *testing.T) {
	for k, want := range map[Kind]string{
		KindInit: "INIT", KindStart: "START", KindStop: "STOP", KindMode: "MODE",
		KindCurrent: "CURRENT", KindSpeed: "SPEED", KindTach: "TACH", Kind(99): "KIND(99)",
	} {
		if k.String() != want {
			t.Errorf("Kind %d: got %q, want %q", uint32(k), k.String(), want)
		}
	}
}
