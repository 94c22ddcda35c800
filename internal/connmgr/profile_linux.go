//go:build linux

package connmgr

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	dbus "github.com/godbus/dbus/v5"
)

const (
	bluezService         = "org.bluez"
	profileInterfaceName = "org.bluez.Profile1"
	profileManagerIface  = "org.bluez.ProfileManager1"
	deviceIface          = "org.bluez.Device1"
	adapterIface         = "org.bluez.Adapter1"
	objManagerIface      = "org.freedesktop.DBus.ObjectManager"
	propsIface           = "org.freedesktop.DBus.Properties"
)

var pathCounter uint64

// ProfileDialer connects through BlueZ: it registers a client-side
// org.bluez.Profile1 for the service UUID and receives the RFCOMM socket FD
// from Profile1.NewConnection after Device1.ConnectProfile.
//
// Unlike a one-shot connection it may Dial repeatedly; each service UUID is
// registered once and unregistered on Close. Dial calls must be serialized
// by the caller.
type ProfileDialer struct {
	mu     sync.Mutex
	closed bool

	bus *dbus.Conn

	// profiles by service UUID (lower case)
	profiles map[string]*profile

	// cleanup functions to release resources in Close (executed once, in reverse order).
	cleanup []func()
}

// NewProfileDialer creates a dialer; the system bus is connected lazily.
func NewProfileDialer() *ProfileDialer {
	return &ProfileDialer{profiles: make(map[string]*profile)}
}

// ensureBusLocked connects to the system bus if not yet connected.
func (d *ProfileDialer) ensureBusLocked() error {
	if d.bus != nil {
		return nil
	}
	c, err := dbus.SystemBus()
	if err != nil {
		return fmt.Errorf("connmgr: connect system bus: %w: %w", ErrUnavailable, err)
	}
	d.bus = c
	// Close the bus last during cleanup.
	d.cleanup = append(d.cleanup, func() { d.bus.Close() })
	return nil
}

func (d *ProfileDialer) busLocked() (*dbus.Conn, error) {
	if d.closed {
		return nil, ErrClosed
	}
	if err := d.ensureBusLocked(); err != nil {
		return nil, err
	}
	return d.bus, nil
}

// profile implements org.bluez.Profile1 and forwards NewConnection events
// to the Dial waiting for them.
type profile struct {
	mu sync.Mutex
	ch chan acceptResult // non-nil while a Dial is waiting
}

type acceptResult struct {
	fd  int
	dev string
}

// arm prepares a fresh delivery channel for one Dial.
func (p *profile) arm() chan acceptResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ch = make(chan acceptResult, 1)
	return p.ch
}

func (p *profile) disarm() {
	p.mu.Lock()
	p.ch = nil
	p.mu.Unlock()
}

// Release is called by BlueZ when the profile is being released.
func (p *profile) Release() *dbus.Error { return nil }

// Cancel may be called to indicate a canceled request.
func (p *profile) Cancel() *dbus.Error { return nil }

// RequestDisconnection is ignored; the session closes the FD itself.
func (p *profile) RequestDisconnection(_ dbus.ObjectPath) *dbus.Error { return nil }

// NewConnection delivers the RFCOMM socket FD to the waiting Dial.
func (p *profile) NewConnection(dev dbus.ObjectPath, fd dbus.UnixFD, _ map[string]dbus.Variant) *dbus.Error {
	res := acceptResult{fd: int(fd), dev: string(dev)}
	p.mu.Lock()
	ch := p.ch
	p.ch = nil // single delivery per Dial
	p.mu.Unlock()
	if ch == nil {
		// Nobody is dialing; close FD and reject to avoid leaks.
		_ = os.NewFile(uintptr(res.fd), "rfcomm").Close()
		return &dbus.Error{Name: "org.bluez.Error.Rejected", Body: []interface{}{"no dial in progress"}}
	}
	ch <- res
	return nil
}

// registerLocked exports and registers a client profile for uuid once.
func (d *ProfileDialer) registerLocked(uuid string) (*profile, error) {
	key := strings.ToLower(uuid)
	if p, ok := d.profiles[key]; ok {
		return p, nil
	}
	p := &profile{}
	// Unique object path per registration to avoid collisions.
	id := atomic.AddUint64(&pathCounter, 1)
	path := dbus.ObjectPath("/org/bluetooth_obd/connmgr/client/p" + strconv.FormatUint(id, 10))
	if err := d.bus.Export(p, path, profileInterfaceName); err != nil {
		return nil, fmt.Errorf("connmgr: export client profile: %w", err)
	}
	pm := d.bus.Object(bluezService, dbus.ObjectPath("/org/bluez"))
	optsMap := map[string]dbus.Variant{
		"Role": dbus.MakeVariant("client"),
	}
	if call := pm.Call(profileManagerIface+".RegisterProfile", 0, path, key, optsMap); call.Err != nil {
		_ = d.bus.Export(nil, path, profileInterfaceName)
		return nil, fmt.Errorf("connmgr: RegisterProfile(client): %w", call.Err)
	}
	// Unregister client profile on close.
	d.cleanup = append(d.cleanup, func() {
		_ = pm.Call(profileManagerIface+".UnregisterProfile", 0, path).Err
		_ = d.bus.Export(nil, path, profileInterfaceName)
	})
	d.profiles[key] = p
	return p, nil
}

// Ready checks that BlueZ has at least one powered adapter.
func (d *ProfileDialer) Ready(ctx context.Context) error {
	d.mu.Lock()
	bus, err := d.busLocked()
	d.mu.Unlock()
	if err != nil {
		return err
	}
	objs, err := managedObjects(ctx, bus)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	adapters := 0
	for _, ifaces := range objs {
		props, ok := ifaces[adapterIface]
		if !ok {
			continue
		}
		adapters++
		if v, ok := props["Powered"]; ok {
			if on, _ := v.Value().(bool); on {
				return nil
			}
		}
	}
	if adapters == 0 {
		return fmt.Errorf("%w: no adapter present", ErrUnavailable)
	}
	return fmt.Errorf("%w: adapter powered off", ErrUnavailable)
}

// Dial resolves ep to a BlueZ device, pairs it if necessary and connects the
// profile registered for uuid.
func (d *ProfileDialer) Dial(ctx context.Context, ep Endpoint, uuid string) (Conn, error) {
	if ep.Address == "" {
		return nil, fmt.Errorf("connmgr: device address required: %w", ErrNotFound)
	}
	if uuid == "" {
		uuid = SPPUUID
	}
	d.mu.Lock()
	bus, err := d.busLocked()
	if err != nil {
		d.mu.Unlock()
		return nil, err
	}
	prof, err := d.registerLocked(uuid)
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}

	devPath, err := resolveDevice(ctx, bus, ep.Address)
	if err != nil {
		return nil, err
	}
	devObj := bus.Object(bluezService, devPath)

	// Ensure paired; if not, attempt Pair() via Agent.
	var pairedVar dbus.Variant
	if call := devObj.CallWithContext(ctx, propsIface+".Get", 0, deviceIface, "Paired"); call.Err == nil {
		if err := call.Store(&pairedVar); err == nil {
			if b, ok := pairedVar.Value().(bool); ok && !b {
				if err := devObj.CallWithContext(ctx, deviceIface+".Pair", 0).Err; err != nil {
					return nil, fmt.Errorf("connmgr: Pair: %w", err)
				}
			}
		}
	}

	ch := prof.arm()
	defer prof.disarm()

	// ConnectProfile returns once BlueZ has handed us the FD, or fails.
	if call := devObj.CallWithContext(ctx, deviceIface+".ConnectProfile", 0, strings.ToLower(uuid)); call.Err != nil {
		// A delivery may still have raced in before the error.
		select {
		case res := <-ch:
			_ = os.NewFile(uintptr(res.fd), "rfcomm").Close()
		default:
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("connmgr: connect canceled: %w", ctxErr)
		}
		return nil, fmt.Errorf("connmgr: ConnectProfile: %w", call.Err)
	}

	select {
	case <-ctx.Done():
		// Late deliveries find the profile disarmed and are rejected.
		_ = devObj.Call(deviceIface+".DisconnectProfile", 0, strings.ToLower(uuid)).Err
		return nil, fmt.Errorf("connmgr: connect canceled: %w", ctx.Err())
	case res := <-ch:
		return newFileConn(res.fd, "rfcomm:"+macFromPath(res.dev))
	}
}

// Close is safe for concurrent and redundant calls (idempotent).
func (d *ProfileDialer) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	cleanup := d.cleanup
	d.cleanup = nil
	d.profiles = nil
	d.mu.Unlock()

	// Run cleanup outside the lock in reverse order of registration.
	for i := len(cleanup) - 1; i >= 0; i-- {
		if cleanup[i] != nil {
			cleanup[i]()
		}
	}
	return nil
}

// Helpers

type objectMap = map[dbus.ObjectPath]map[string]map[string]dbus.Variant

func managedObjects(ctx context.Context, bus *dbus.Conn) (objectMap, error) {
	obj := bus.Object(bluezService, dbus.ObjectPath("/"))
	var objs objectMap
	if call := obj.CallWithContext(ctx, objManagerIface+".GetManagedObjects", 0); call.Err != nil {
		return nil, fmt.Errorf("connmgr: GetManagedObjects: %w", call.Err)
	} else if err := call.Store(&objs); err != nil {
		return nil, fmt.Errorf("connmgr: decode GetManagedObjects: %w", err)
	}
	return objs, nil
}

// resolveDevice finds the Device1 object whose address matches addr.
func resolveDevice(ctx context.Context, bus *dbus.Conn, addr string) (dbus.ObjectPath, error) {
	if _, err := ParseAddress(addr); err != nil {
		return "", fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	objs, err := managedObjects(ctx, bus)
	if err != nil {
		return "", err
	}
	for path, ifaces := range objs {
		if mac, ok := deviceAddress(path, ifaces); ok && sameAddress(mac, addr) {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: %s is not known to bluez", ErrNotFound, addr)
}

func deviceAddress(path dbus.ObjectPath, ifaces map[string]map[string]dbus.Variant) (string, bool) {
	props, ok := ifaces[deviceIface]
	if !ok {
		return "", false
	}
	var mac string
	if v, ok := props["Address"]; ok {
		mac, _ = v.Value().(string)
	}
	if mac == "" {
		mac = macFromPath(string(path))
	}
	return mac, mac != ""
}
