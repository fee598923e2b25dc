package capture

import (
	"sync"
	"testing"
	"time"

	"github.com/breeze-rmm/agent/internal/framecompress"
)

type fakeReader struct {
	mu      sync.Mutex
	content string
	ok      bool
}

func newFakeReader(content string) *fakeReader {
	return &fakeReader{content: content, ok: true}
}

func (f *fakeReader) CapturePaneForStream(session string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.content, f.ok
}

func (f *fakeReader) setContent(content string) {
	f.mu.Lock()
	f.content = content
	f.mu.Unlock()
}

func (f *fakeReader) setOK(ok bool) {
	f.mu.Lock()
	f.ok = ok
	f.mu.Unlock()
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func TestStartDeliversFirstFrameImmediately(t *testing.T) {
	reader := newFakeReader("hello")
	engine := New(reader, framecompress.New(), Config{ActiveInterval: 10 * time.Millisecond})
	defer engine.StopAll()

	var mu sync.Mutex
	var frames []framecompress.Frame
	engine.Start("s1", func(f framecompress.Frame) {
		mu.Lock()
		frames = append(frames, f)
		mu.Unlock()
	})

	ok := waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(frames) >= 1
	})
	if !ok {
		t.Fatal("expected at least one frame delivered")
	}
}

func TestChangeTriggersAnotherDelivery(t *testing.T) {
	reader := newFakeReader("v1")
	engine := New(reader, framecompress.New(), Config{ActiveInterval: 10 * time.Millisecond, ForceSendInterval: time.Hour})
	defer engine.StopAll()

	var mu sync.Mutex
	var frames []framecompress.Frame
	engine.Start("s1", func(f framecompress.Frame) {
		mu.Lock()
		frames = append(frames, f)
		mu.Unlock()
	})

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(frames) >= 1
	})

	reader.setContent("v2")

	ok := waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(frames) >= 2
	})
	if !ok {
		t.Fatal("expected a second frame after content changed")
	}

	mu.Lock()
	defer mu.Unlock()
	if frames[len(frames)-1].RawText != "v2" {
		t.Fatalf("expected latest frame to carry v2, got %+v", frames[len(frames)-1])
	}
}

func TestUnchangedContentDoesNotRedeliverBelowForceInterval(t *testing.T) {
	reader := newFakeReader("static")
	engine := New(reader, framecompress.New(), Config{ActiveInterval: 10 * time.Millisecond, ForceSendInterval: time.Hour})
	defer engine.StopAll()

	var mu sync.Mutex
	var count int
	engine.Start("s1", func(f framecompress.Frame) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	waitFor(t, 300*time.Millisecond, func() bool { return false })

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Fatalf("expected exactly 1 delivery for unchanged content, got %d", count)
	}
}

func TestForceSendIntervalRedeliversUnchangedContent(t *testing.T) {
	reader := newFakeReader("static")
	engine := New(reader, framecompress.New(), Config{ActiveInterval: 10 * time.Millisecond, ForceSendInterval: 50 * time.Millisecond})
	defer engine.StopAll()

	var mu sync.Mutex
	var count int
	engine.Start("s1", func(f framecompress.Frame) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	ok := waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count >= 2
	})
	if !ok {
		t.Fatal("expected force-send to redeliver unchanged content")
	}
}

func TestStopPreventsFurtherDelivery(t *testing.T) {
	reader := newFakeReader("v1")
	engine := New(reader, framecompress.New(), Config{ActiveInterval: 10 * time.Millisecond})
	defer engine.StopAll()

	var mu sync.Mutex
	var count int
	engine.Start("s1", func(f framecompress.Frame) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count >= 1
	})

	engine.Stop("s1")
	mu.Lock()
	countAtStop := count
	mu.Unlock()

	reader.setContent("v2")
	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != countAtStop {
		t.Fatalf("expected no further delivery after Stop, had %d then %d", countAtStop, count)
	}
	if engine.IsCapturing("s1") {
		t.Fatal("expected IsCapturing to be false after Stop")
	}
}

func TestNullCaptureResultReschedulesWithoutDelivery(t *testing.T) {
	reader := newFakeReader("v1")
	reader.setOK(false)
	engine := New(reader, framecompress.New(), Config{ActiveInterval: 10 * time.Millisecond})
	defer engine.StopAll()

	var mu sync.Mutex
	var count int
	engine.Start("s1", func(f framecompress.Frame) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 0 {
		t.Fatalf("expected no deliveries while captures return null, got %d", count)
	}
	if !engine.IsCapturing("s1") {
		t.Fatal("expected engine to keep retrying rather than stop the task")
	}
}

func TestIsCapturingReflectsLifecycle(t *testing.T) {
	reader := newFakeReader("v1")
	engine := New(reader, framecompress.New(), Config{ActiveInterval: 10 * time.Millisecond})
	defer engine.StopAll()

	if engine.IsCapturing("s1") {
		t.Fatal("expected not capturing before Start")
	}
	engine.Start("s1", func(framecompress.Frame) {})
	if !engine.IsCapturing("s1") {
		t.Fatal("expected capturing after Start")
	}
	engine.Stop("s1")
	if engine.IsCapturing("s1") {
		t.Fatal("expected not capturing after Stop")
	}
}
