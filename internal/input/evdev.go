package input

import (
	"bufio"
	"encoding/binary"
	"io"
	"strings"
	"unsafe"
)

// Linux struct input_event is a struct timeval (two C longs) followed by
// type (u16), code (u16) and value (s32): 24 bytes on 64-bit platforms and
// 16 on 32-bit ones. A C long is pointer-sized on every Linux Go port.
const (
	timevalSize = 2 * int(unsafe.Sizeof(uintptr(0)))
	eventSize   = timevalSize + 8
)

const (
	evKey = 0x01
	evRel = 0x02

	relX      = 0x00
	relY      = 0x01
	relHWheel = 0x06
	relWheel  = 0x08

	btnMouse = 0x110 // BTN_LEFT
	btnTask  = 0x117
	btnMisc  = 0x100

	keyPress = 1
)

// device is one entry from /proc/bus/input/devices.
type device struct {
	Name     string
	Path     string
	Keyboard bool
	Pointer  bool
}

// parseDevices reads the /proc/bus/input/devices format and returns the
// devices that produce keyboard or pointer events.
func parseDevices(r io.Reader) ([]device, error) {
	var (
		devices []device
		cur     device
	)
	flush := func() {
		if cur.Path != "" && (cur.Keyboard || cur.Pointer) {
			devices = append(devices, cur)
		}
		cur = device{}
	}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "N: Name="):
			cur.Name = strings.Trim(strings.TrimPrefix(line, "N: Name="), `"`)
		case strings.HasPrefix(line, "H: Handlers="):
			for _, part := range strings.Fields(strings.TrimPrefix(line, "H: Handlers=")) {
				if strings.HasPrefix(part, "event") {
					cur.Path = "/dev/input/" + part
				}
			}
		case strings.HasPrefix(line, "B: KEY="):
			// Full keyboards advertise a long key bitmap; power buttons
			// and lid switches advertise one or two words.
			if len(strings.Fields(strings.TrimPrefix(line, "B: KEY="))) >= 4 {
				cur.Keyboard = true
			}
		case strings.HasPrefix(line, "B: REL="):
			cur.Pointer = true
		}
	}
	flush()
	return devices, scanner.Err()
}

// decodeEvent classifies one raw input_event. Only the type, code and
// press state are inspected; the key code itself is never returned.
func decodeEvent(buf []byte) (Kind, bool) {
	return decodeEventAt(buf, timevalSize)
}

// decodeEventAt decodes an input_event whose timeval takes hdr bytes.
func decodeEventAt(buf []byte, hdr int) (Kind, bool) {
	if len(buf) < hdr+8 {
		return 0, false
	}
	typ := binary.LittleEndian.Uint16(buf[hdr : hdr+2])
	code := binary.LittleEndian.Uint16(buf[hdr+2 : hdr+4])
	value := int32(binary.LittleEndian.Uint32(buf[hdr+4 : hdr+8]))

	switch typ {
	case evKey:
		if value != keyPress {
			return 0, false
		}
		if code >= btnMouse && code <= btnTask {
			return MouseClick, true
		}
		if code < btnMisc {
			return Keystroke, true
		}
	case evRel:
		switch code {
		case relX, relY:
			return MouseMove, true
		case relWheel, relHWheel:
			return Scroll, true
		}
	}
	return 0, false
}
