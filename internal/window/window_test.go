package window

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProber struct {
	mu        sync.Mutex
	snap      Snapshot
	err       error
	available bool
}

func (f *fakeProber) Name() string { return "fake" }

func (f *fakeProber) Available() (bool, string) {
	if f.available {
		return true, "fake"
	}
	return false, "fake prober disabled"
}

func (f *fakeProber) Probe(context.Context) (Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap, f.err
}

func (f *fakeProber) set(snap Snapshot, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snap, f.err = snap, err
}

func startObserver(t *testing.T, p Prober, filter *TitleFilter) (*Observer, *quartz.Mock, context.Context) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	clock := quartz.NewMock(t)
	trap := clock.Trap().NewTicker("window", "poll")
	defer trap.Close()

	o := NewObserver(p, ObserverConfig{PollInterval: 2 * time.Second, Clock: clock, Filter: filter})
	require.NoError(t, o.Start(ctx))
	trap.MustWait(ctx).MustRelease(ctx)
	t.Cleanup(o.Stop)
	return o, clock, ctx
}

// =============================================================================
// Observer
// =============================================================================

func TestObserverProbesImmediately(t *testing.T) {
	p := &fakeProber{available: true, snap: Snapshot{AppName: "firefox", WindowTitle: "Inbox"}}
	o, _, _ := startObserver(t, p, nil)

	snap, ok := o.Current()
	require.True(t, ok)
	assert.Equal(t, "firefox", snap.AppName)

	select {
	case ch := <-o.Changes():
		assert.Equal(t, "Inbox", ch.WindowTitle)
	default:
		t.Fatal("first observation is a change")
	}
}

func TestObserverKeepsLastGoodValue(t *testing.T) {
	p := &fakeProber{available: true, snap: Snapshot{AppName: "code", WindowTitle: "main.go"}}
	o, clock, ctx := startObserver(t, p, nil)
	<-o.Changes()

	p.set(Snapshot{}, errors.New("xdotool: exit status 1"))
	clock.Advance(2 * time.Second).MustWait(ctx)
	require.Eventually(t, func() bool { return o.Stats().Failures == 1 }, time.Second, 5*time.Millisecond)

	snap, ok := o.Current()
	require.True(t, ok, "stale but valid after a failed probe")
	assert.Equal(t, "main.go", snap.WindowTitle)
}

func TestObserverEmitsOnlyOnChange(t *testing.T) {
	p := &fakeProber{available: true, snap: Snapshot{AppName: "code", WindowTitle: "a.go"}}
	o, clock, ctx := startObserver(t, p, nil)
	<-o.Changes()

	clock.Advance(2 * time.Second).MustWait(ctx)
	require.Eventually(t, func() bool { return o.Stats().Polls == 2 }, time.Second, 5*time.Millisecond)
	select {
	case <-o.Changes():
		t.Fatal("unchanged window must not emit")
	default:
	}

	p.set(Snapshot{AppName: "code", WindowTitle: "b.go"}, nil)
	clock.Advance(2 * time.Second).MustWait(ctx)
	select {
	case snap := <-o.Changes():
		assert.Equal(t, "b.go", snap.WindowTitle)
	case <-time.After(time.Second):
		t.Fatal("title change not emitted")
	}
	assert.Equal(t, uint64(2), o.Stats().Changes)
}

func TestObserverLatestChangeWins(t *testing.T) {
	o := NewObserver(&fakeProber{available: true}, ObserverConfig{Clock: quartz.NewMock(t)})
	o.publish(Snapshot{AppName: "one"})
	o.publish(Snapshot{AppName: "two"})

	snap := <-o.Changes()
	assert.Equal(t, "two", snap.AppName)
}

func TestObserverAppliesFilter(t *testing.T) {
	p := &fakeProber{available: true, snap: Snapshot{AppName: "firefox", WindowTitle: "My Bank - Accounts"}}
	o, clock, ctx := startObserver(t, p, NewTitleFilter(DefaultFilterConfig()))

	snap, _ := o.Current()
	assert.Equal(t, RedactedTitle, snap.WindowTitle)

	o.SetFilter(NewTitleFilter(FilterConfig{CaptureTitles: false}))
	clock.Advance(2 * time.Second).MustWait(ctx)
	require.Eventually(t, func() bool {
		snap, _ := o.Current()
		return snap.WindowTitle == ""
	}, time.Second, 5*time.Millisecond)
}

func TestObserverUnavailable(t *testing.T) {
	o := NewObserver(Unavailable("headless"), ObserverConfig{Clock: quartz.NewMock(t)})
	assert.ErrorIs(t, o.Start(context.Background()), ErrNotAvailable)

	_, ok := o.Current()
	assert.False(t, ok)
	o.Stop()
}

func TestObserverStartTwice(t *testing.T) {
	p := &fakeProber{available: true}
	o, _, ctx := startObserver(t, p, nil)
	assert.ErrorIs(t, o.Start(ctx), ErrAlreadyRunning)
}

// =============================================================================
// Filter
// =============================================================================

func TestTitleFilter(t *testing.T) {
	tests := []struct {
		name string
		cfg  FilterConfig
		in   Snapshot
		want string
	}{
		{"plain title kept", DefaultFilterConfig(), Snapshot{AppName: "code", WindowTitle: "main.go"}, "main.go"},
		{"keyword redacted", DefaultFilterConfig(), Snapshot{AppName: "chrome", WindowTitle: "Payroll Q3"}, RedactedTitle},
		{"keyword case-insensitive", DefaultFilterConfig(), Snapshot{WindowTitle: "reset PASSWORD"}, RedactedTitle},
		{"titles disabled", FilterConfig{CaptureTitles: false}, Snapshot{WindowTitle: "main.go"}, ""},
		{
			"ignored app",
			FilterConfig{CaptureTitles: true, IgnoredApps: []string{"keepass*"}},
			Snapshot{AppName: "KeePassXC", WindowTitle: "vault"},
			"",
		},
		{
			"custom keywords",
			FilterConfig{CaptureTitles: true, SensitiveKeywords: []string{" Medical "}},
			Snapshot{WindowTitle: "medical records"},
			RedactedTitle,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NewTitleFilter(tt.cfg).Apply(tt.in)
			assert.Equal(t, tt.want, got.WindowTitle)
			assert.Equal(t, tt.in.AppName, got.AppName)
		})
	}
}

func TestNilTitleFilter(t *testing.T) {
	var f *TitleFilter
	snap := Snapshot{WindowTitle: "secret plans"}
	assert.Equal(t, snap, f.Apply(snap))
}

// =============================================================================
// xprop parsing
// =============================================================================

func TestParseActiveWindowID(t *testing.T) {
	id, err := parseActiveWindowID("_NET_ACTIVE_WINDOW(WINDOW): window id # 0x3a00007\n")
	require.NoError(t, err)
	assert.Equal(t, "0x3a00007", id)

	_, err = parseActiveWindowID("_NET_ACTIVE_WINDOW(WINDOW): window id # 0x0")
	assert.ErrorIs(t, err, ErrNoActiveWindow)

	_, err = parseActiveWindowID("garbage")
	assert.Error(t, err)
}

func TestParseWindowProps(t *testing.T) {
	out := `_NET_WM_NAME(UTF8_STRING) = "café \"menu\" - Mozilla Firefox"
WM_NAME(STRING) = "caf - Mozilla Firefox"
WM_CLASS(STRING) = "Navigator", "firefox"
_NET_WM_PID(CARDINAL) = 4242
`
	p := parseWindowProps(out)
	assert.Equal(t, `café "menu" - Mozilla Firefox`, p.title)
	assert.Equal(t, "firefox", p.class)
	assert.Equal(t, 4242, p.pid)

	p = parseWindowProps(`WM_NAME(STRING) = "xterm"`)
	assert.Equal(t, "xterm", p.title)
}
