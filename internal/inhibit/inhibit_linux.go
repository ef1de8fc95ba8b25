//go:build linux

package inhibit

import (
	"fmt"

	"github.com/godbus/dbus/v5"
)

const (
	screenSaverName = "org.freedesktop.ScreenSaver"
	screenSaverPath = dbus.ObjectPath("/org/freedesktop/ScreenSaver")
)

type dbusBackend struct{}

func newBackend() backend { return dbusBackend{} }

func (dbusBackend) inhibit(app, reason string) (uint32, error) {
	conn, err := dbus.SessionBus()
	if err != nil {
		return 0, fmt.Errorf("connect session bus: %w", err)
	}
	obj := conn.Object(screenSaverName, screenSaverPath)
	call := obj.Call(screenSaverName+".Inhibit", 0, app, reason)
	if call.Err != nil {
		return 0, fmt.Errorf("inhibit screen saver: %w", call.Err)
	}
	var cookie uint32
	if err := call.Store(&cookie); err != nil {
		return 0, fmt.Errorf("inhibit screen saver: %w", err)
	}
	return cookie, nil
}

func (dbusBackend) uninhibit(cookie uint32) error {
	conn, err := dbus.SessionBus()
	if err != nil {
		return err
	}
	obj := conn.Object(screenSaverName, screenSaverPath)
	return obj.Call(screenSaverName+".UnInhibit", 0, cookie).Err
}
