//go:build linux

package input

import (
	"context"
	"fmt"
	"time"

	"github.com/godbus/dbus/v5"
)

// idleService describes one session-bus idle time method.
type idleService struct {
	name   string
	dest   string
	path   dbus.ObjectPath
	method string
}

var idleServices = []idleService{
	{
		name:   "mutter",
		dest:   "org.gnome.Mutter.IdleMonitor",
		path:   "/org/gnome/Mutter/IdleMonitor/Core",
		method: "org.gnome.Mutter.IdleMonitor.GetIdletime",
	},
	{
		name:   "screensaver",
		dest:   "org.freedesktop.ScreenSaver",
		path:   "/org/freedesktop/ScreenSaver",
		method: "org.freedesktop.ScreenSaver.GetSessionIdleTime",
	},
}

// DBusIdleProbe reads idle time from the desktop session bus.
type DBusIdleProbe struct {
	conn    *dbus.Conn
	service idleService
}

func newPlatformIdleProbe() (IdleProbe, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("connect session bus: %w", err)
	}

	for _, svc := range idleServices {
		p := &DBusIdleProbe{conn: conn, service: svc}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_, err := p.Idle(ctx)
		cancel()
		if err == nil {
			return p, nil
		}
	}

	conn.Close()
	return nil, ErrNotAvailable
}

func (p *DBusIdleProbe) Name() string { return "dbus." + p.service.name }

// Idle returns the session idle time. Both services report milliseconds.
func (p *DBusIdleProbe) Idle(ctx context.Context) (time.Duration, error) {
	obj := p.conn.Object(p.service.dest, p.service.path)
	call := obj.CallWithContext(ctx, p.service.method, 0)
	if call.Err != nil {
		return 0, call.Err
	}
	if len(call.Body) != 1 {
		return 0, fmt.Errorf("%s: unexpected reply %v", p.service.method, call.Body)
	}

	switch v := call.Body[0].(type) {
	case uint64:
		return time.Duration(v) * time.Millisecond, nil
	case uint32:
		return time.Duration(v) * time.Millisecond, nil
	default:
		return 0, fmt.Errorf("%s: unexpected reply type %T", p.service.method, v)
	}
}

func (p *DBusIdleProbe) Close() error {
	return p.conn.Close()
}
