// Package inhibit keeps the screen saver and display sleep away while a
// recording is running.
package inhibit

import (
	"errors"
	"sync"

	"github.com/breeze-rmm/screenrec/internal/logging"
)

var log = logging.L("inhibit")

// ErrNotSupported is returned on platforms without an inhibit backend.
var ErrNotSupported = errors.New("screen saver inhibition not supported on this platform")

const appName = "screenrec"

type backend interface {
	inhibit(app, reason string) (uint32, error)
	uninhibit(cookie uint32) error
}

type Inhibitor struct {
	backend backend
}

// New returns an Inhibitor for the current platform.
func New() *Inhibitor {
	return &Inhibitor{backend: newBackend()}
}

// Inhibit asks the desktop to suppress the screen saver. The returned release
// function is safe to call more than once.
func (i *Inhibitor) Inhibit(reason string) (func(), error) {
	cookie, err := i.backend.inhibit(appName, reason)
	if err != nil {
		return func() {}, err
	}
	log.Debug("screen saver inhibited", "cookie", cookie)

	var once sync.Once
	return func() {
		once.Do(func() {
			if err := i.backend.uninhibit(cookie); err != nil {
				log.Warn("failed to release screen saver inhibit", "cookie", cookie, "error", err.Error())
				return
			}
			log.Debug("screen saver released", "cookie", cookie)
		})
	}, nil
}
