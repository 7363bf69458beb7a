package privilege

import (
	"os"
	"testing"
)

func TestElevateAndDropRoundTrip(t *testing.T) {
	drop, err := Elevate()
	if err != nil {
		if os.Geteuid() != 0 {
			t.Skipf("Elevate requires root or CAP_SETUID: %v", err)
		}
		t.Fatalf("Elevate: %v", err)
	}
	drop()
}

func TestDropIsSafeToCallTwice(t *testing.T) {
	drop, err := Elevate()
	if err != nil {
		if os.Geteuid() != 0 {
			t.Skipf("Elevate requires root or CAP_SETUID: %v", err)
		}
		t.Fatalf("Elevate: %v", err)
	}
	drop()
	drop() // must not double-unlock mu or re-seteuid
}

func TestElevateSerializesConcurrentCallers(t *testing.T) {
	drop1, err := Elevate()
	if err != nil {
		if os.Geteuid() != 0 {
			t.Skipf("Elevate requires root or CAP_SETUID: %v", err)
		}
		t.Fatalf("Elevate: %v", err)
	}

	done := make(chan struct{})
	go func() {
		drop2, err := Elevate()
		if err == nil {
			drop2()
		}
		close(done)
	}()

	select {
	case <-done:
		t.Fatalf("second Elevate returned before the first drop")
	default:
	}
	drop1()
	<-done
}
