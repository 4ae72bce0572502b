package proxy

import (
	"portbridge/util"
)

// step is one best-effort teardown action.
type step struct {
	name string
	fn   func() error
}

// release runs every step in order.  A failing or panicking step is
// logged and never prevents the following ones.
func release(log *util.Logger, steps ...step) {
	for _, st := range steps {
		runStep(log, st)
	}
}

func runStep(log *util.Logger, st step) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("release %s: panic: %v", st.name, r)
		}
	}()
	if err := st.fn(); err != nil && !util.IsHarmless(err) {
		log.Warn("release %s: %v", st.name, err)
	}
}
