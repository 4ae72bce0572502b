package registry

import (
	"portbridge/internal/proxy"
	"portbridge/util"
)

// LogNotifier reports proxy state changes through a logger.  It is used
// when no control client is attached.
type LogNotifier struct {
	Logger *util.Logger
}

func (n LogNotifier) ClientChanged(id string, connected bool) {
	if connected {
		n.Logger.Verbose("%s: client connected", id)
	} else {
		n.Logger.Verbose("%s: client disconnected", id)
	}
}

func (n LogNotifier) BackendOpened(id string, kind proxy.Kind, opened bool) {
	n.Logger.Verbose("%s: %s backend open=%v", id, kind, opened)
}

func (n LogNotifier) TrafficChanged(id string, received, sent int64) {
	n.Logger.Debug("%s: received=%d sent=%d", id, received, sent)
}

// Tee fans every notification out to several notifiers in order.
type Tee []Notifier

func (t Tee) ClientChanged(id string, connected bool) {
	for _, n := range t {
		n.ClientChanged(id, connected)
	}
}

func (t Tee) BackendOpened(id string, kind proxy.Kind, opened bool) {
	for _, n := range t {
		n.BackendOpened(id, kind, opened)
	}
}

func (t Tee) TrafficChanged(id string, received, sent int64) {
	for _, n := range t {
		n.TrafficChanged(id, received, sent)
	}
}
