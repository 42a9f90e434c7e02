package logging

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew_Modes(t *testing.T) {
	for _, dev := range []bool{false, true} {
		l, err := New(Config{ServiceName: "trust-bridge", Development: dev})
		if err != nil {
			t.Fatalf("New(dev=%v): %v", dev, err)
		}
		if l.Logger == nil {
			t.Fatalf("New(dev=%v) returned nil zap logger", dev)
		}
	}
}

func TestOrNop(t *testing.T) {
	if OrNop(nil).Logger == nil {
		t.Fatal("OrNop(nil) should return a usable logger")
	}
	l := Nop()
	if OrNop(l) != l {
		t.Error("OrNop should return the given logger")
	}
}

func TestSecurity_TagsEvent(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := &Logger{Logger: zap.New(core)}

	l.Named("callback").WithSession("s-1").Security("callback rejected", zap.String("code", "HMAC_MISMATCH"))

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	e := entries[0]
	if e.Level != zapcore.WarnLevel {
		t.Errorf("level = %v, want warn", e.Level)
	}
	fields := e.ContextMap()
	if fields["security_event"] != true {
		t.Errorf("security_event = %v, want true", fields["security_event"])
	}
	if fields["component"] != "callback" || fields["session_id"] != "s-1" {
		t.Errorf("fields = %v", fields)
	}
}
