package clock

import (
	"testing"
	"time"
)

func TestVirtualAfter_FiresOnAdvance(t *testing.T) {
	v := NewVirtual(time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC))
	ch := v.After(30 * time.Minute)

	select {
	case <-ch:
		t.Fatal("channel fired before deadline")
	default:
	}

	v.Advance(31 * time.Minute)

	select {
	case got := <-ch:
		want := time.Date(2026, 1, 1, 8, 31, 0, 0, time.UTC)
		if !got.Equal(want) {
			t.Errorf("fired at %v, want %v", got, want)
		}
	default:
		t.Fatal("channel did not fire after deadline passed")
	}
}

func TestVirtualTimer_StopPreventsFire(t *testing.T) {
	v := NewVirtual(time.Now())
	timer := v.NewTimer(time.Minute)
	if !timer.Stop() {
		t.Fatal("Stop() returned false for an active timer")
	}

	v.Advance(2 * time.Minute)

	select {
	case <-timer.C():
		t.Fatal("stopped timer fired")
	default:
	}
}

func TestVirtualTimer_Reset(t *testing.T) {
	v := NewVirtual(time.Now())
	timer := v.NewTimer(time.Minute)
	v.Advance(30 * time.Second)
	timer.Reset(time.Minute)

	v.Advance(45 * time.Second)
	select {
	case <-timer.C():
		t.Fatal("timer fired before reset deadline")
	default:
	}

	v.Advance(30 * time.Second)
	select {
	case <-timer.C():
	default:
		t.Fatal("timer did not fire after reset deadline elapsed")
	}
}

func TestVirtualWaiters_BothFireOnAdvance(t *testing.T) {
	v := NewVirtual(time.Now())
	first := v.After(10 * time.Second)
	second := v.After(5 * time.Second)

	v.Advance(time.Minute)

	for name, ch := range map[string]<-chan time.Time{"first": first, "second": second} {
		select {
		case <-ch:
		default:
			t.Errorf("%s waiter did not fire after its deadline passed", name)
		}
	}
}
