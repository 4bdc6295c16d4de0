package clock

import (
	"testing"
	"time"
)

func TestFakeTickerFiresOnAdvance(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	f := NewFake(start)
	ticker := f.NewTicker(30 * time.Second)
	defer ticker.Stop()

	f.Advance(10 * time.Second)
	select {
	case <-ticker.C:
		t.Fatal("ticked before interval elapsed")
	default:
	}

	f.Advance(20 * time.Second)
	select {
	case got := <-ticker.C:
		if !got.Equal(start.Add(30 * time.Second)) {
			t.Fatalf("unexpected tick time %v", got)
		}
	default:
		t.Fatal("expected a tick")
	}
	if !f.Now().Equal(start.Add(30 * time.Second)) {
		t.Fatalf("unexpected now %v", f.Now())
	}
}

func TestFakeStoppedTickerIsSilent(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	ticker := f.NewTicker(time.Second)
	ticker.Stop()

	f.Advance(5 * time.Second)
	select {
	case <-ticker.C:
		t.Fatal("stopped ticker fired")
	default:
	}
}

func TestWaitForTickers(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	done := make(chan struct{})
	go func() {
		f.NewTicker(time.Second)
		close(done)
	}()
	f.WaitForTickers(1)
	<-done
}
