package timeutil

import (
	"testing"
	"time"
)

func TestRealClock_Now(t *testing.T) {
	clock := RealClock{}
	before := time.Now()
	now := clock.Now()
	after := time.Now()

	if now.Before(before) || now.After(after) {
		t.Errorf("Now() = %v, expected between %v and %v", now, before, after)
	}
}

func TestRealClock_Ticker(t *testing.T) {
	ticker := RealClock{}.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	select {
	case <-ticker.C():
	case <-time.After(time.Second):
		t.Fatal("real ticker did not fire")
	}
}

func TestMockClock_SleepAdvances(t *testing.T) {
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := NewMockClock(start)

	clock.Sleep(400 * time.Millisecond)
	clock.Sleep(time.Second)

	if got := clock.Since(start); got != 1400*time.Millisecond {
		t.Errorf("Since = %v, want 1.4s", got)
	}
	sleeps := clock.Sleeps()
	if len(sleeps) != 2 || sleeps[0] != 400*time.Millisecond {
		t.Errorf("Sleeps = %v", sleeps)
	}
}

func TestMockClock_Set(t *testing.T) {
	clock := NewMockClock(time.Unix(0, 0))
	target := time.Unix(1000, 0)
	clock.Set(target)
	if !clock.Now().Equal(target) {
		t.Errorf("Now = %v, want %v", clock.Now(), target)
	}
}

func TestMockTicker_FiresOnAdvance(t *testing.T) {
	clock := NewMockClock(time.Unix(0, 0))
	ticker := clock.NewTicker(time.Second)

	clock.Advance(500 * time.Millisecond)
	select {
	case <-ticker.C():
		t.Fatal("ticker fired early")
	default:
	}

	clock.Advance(500 * time.Millisecond)
	select {
	case now := <-ticker.C():
		if !now.Equal(time.Unix(1, 0)) {
			t.Errorf("tick time = %v", now)
		}
	default:
		t.Fatal("ticker did not fire at 1s")
	}

	// A large jump delivers a single tick and reschedules past now.
	clock.Advance(5 * time.Second)
	<-ticker.C()
	clock.Advance(500 * time.Millisecond)
	select {
	case <-ticker.C():
		t.Fatal("ticker fired twice for one jump")
	default:
	}
}

func TestMockTicker_Stop(t *testing.T) {
	clock := NewMockClock(time.Unix(0, 0))
	ticker := clock.NewTicker(time.Second)
	ticker.Stop()

	clock.Advance(2 * time.Second)
	select {
	case <-ticker.C():
		t.Fatal("stopped ticker fired")
	default:
	}
	if !ticker.(*MockTicker).Stopped() {
		t.Error("Stopped() = false")
	}
}

func TestMockClock_WaitForTickers(t *testing.T) {
	clock := NewMockClock(time.Unix(0, 0))
	if clock.WaitForTickers(1, 10*time.Millisecond) {
		t.Fatal("WaitForTickers succeeded with no tickers")
	}

	go clock.NewTicker(time.Second)
	if !clock.WaitForTickers(1, time.Second) {
		t.Fatal("WaitForTickers timed out")
	}
}
