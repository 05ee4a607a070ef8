package window

import (
	"errors"
	"strconv"
	"strings"
)

// parseActiveWindowID extracts the id from
// `_NET_ACTIVE_WINDOW(WINDOW): window id # 0x3a00007`.
func parseActiveWindowID(out string) (string, error) {
	fields := strings.Fields(out)
	if len(fields) < 5 {
		return "", errors.New("failed to parse xprop output")
	}
	id := fields[len(fields)-1]
	if id == "0x0" {
		return "", ErrNoActiveWindow
	}
	return id, nil
}

// xprops holds the window properties read by xprop.
type xprops struct {
	title string
	class string
	pid   int
}

// parseWindowProps reads WM_NAME/_NET_WM_NAME, WM_CLASS and _NET_WM_PID
// lines from `xprop -id <id>` output.
func parseWindowProps(out string) xprops {
	var p xprops
	for _, line := range strings.Split(out, "\n") {
		switch {
		case strings.HasPrefix(line, "_NET_WM_NAME"):
			if v, ok := quotedValue(line); ok {
				p.title = v
			}
		case strings.HasPrefix(line, "WM_NAME"):
			// _NET_WM_NAME is UTF-8 and wins when both are present.
			if p.title == "" {
				if v, ok := quotedValue(line); ok {
					p.title = v
				}
			}
		case strings.HasPrefix(line, "WM_CLASS"):
			// WM_CLASS(STRING) = "instance", "Class"
			if idx := strings.Index(line, ", \""); idx != -1 {
				end := strings.LastIndex(line, "\"")
				if end > idx+3 {
					p.class = line[idx+3 : end]
				}
			}
		case strings.HasPrefix(line, "_NET_WM_PID"):
			if idx := strings.Index(line, "= "); idx != -1 {
				if pid, err := strconv.Atoi(strings.TrimSpace(line[idx+2:])); err == nil {
					p.pid = pid
				}
			}
		}
	}
	return p
}

func quotedValue(line string) (string, bool) {
	idx := strings.Index(line, "= \"")
	if idx == -1 {
		return "", false
	}
	end := strings.LastIndex(line, "\"")
	if end < idx+3 {
		return "", false
	}
	v := line[idx+3 : end]
	v = strings.ReplaceAll(v, `\"`, `"`)
	return v, true
}
