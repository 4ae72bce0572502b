package registry

import (
	"bytes"
	"strings"
	"testing"

	"portbridge/internal/proxy"
	"portbridge/util"
)

func TestTee(t *testing.T) {
	a, b := &recordingNotifier{}, &recordingNotifier{}
	tee := Tee{a, b}

	tee.ClientChanged("x", true)
	tee.BackendOpened("x", proxy.KindTCP, false)
	tee.TrafficChanged("x", 1, 2)

	for i, n := range []*recordingNotifier{a, b} {
		if n.count() != 3 {
			t.Errorf("notifier %d got %d events", i, n.count())
		}
	}
	if got := a.filter("data", "x"); len(got) != 1 || got[0].received != 1 || got[0].sent != 2 {
		t.Errorf("data = %+v", got)
	}
}

func TestLogNotifier(t *testing.T) {
	var buf bytes.Buffer
	log := util.NewLogger(3)
	log.SetOutput(&buf)
	log.SetTimestamps(false)

	n := LogNotifier{Logger: log}
	n.ClientChanged("p1", true)
	n.BackendOpened("p1", proxy.KindSerial, true)
	n.TrafficChanged("p1", 3, 4)

	out := buf.String()
	for _, want := range []string{"p1: client connected", "serial backend open=true", "received=3 sent=4"} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in %q", want, out)
		}
	}
}
