package platform

import (
	"context"
	"sync"
)

// Fake is an in-memory Port that records every call. Set an entry in Errors
// (keyed by method name) to make that method fail.
type Fake struct {
	mu       sync.Mutex
	Info     PageInfo
	Errors   map[string]error
	Panics   map[string]bool
	calls    []string
	progress []string
	Caches   int
	Workers  int
}

func NewFake(pageURL string) *Fake {
	return &Fake{Info: PageInfo{URL: pageURL, UserAgent: "FakeKiosk/1.0"}, Errors: map[string]error{}, Panics: map[string]bool{}}
}

func (f *Fake) record(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	if f.Panics[name] {
		panic("platform fake: " + name)
	}
	return f.Errors[name]
}

// Calls returns the recorded method names in order.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// Count returns how many times method was called.
func (f *Fake) Count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == method {
			n++
		}
	}
	return n
}

// Progress returns every status text shown, in order.
func (f *Fake) Progress() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.progress...)
}

// URL returns the current page URL.
func (f *Fake) URL() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Info.URL
}

func (f *Fake) Page(context.Context) (PageInfo, error) {
	if err := f.record("Page"); err != nil {
		return PageInfo{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Info, nil
}

func (f *Fake) ReplaceURL(_ context.Context, url string) error {
	if err := f.record("ReplaceURL"); err != nil {
		return err
	}
	f.mu.Lock()
	f.Info.URL = url
	f.mu.Unlock()
	return nil
}

func (f *Fake) ApplyViewportPolicy(context.Context) error {
	return f.record("ApplyViewportPolicy")
}

func (f *Fake) ApplyOverscrollPolicy(context.Context) error {
	return f.record("ApplyOverscrollPolicy")
}

func (f *Fake) AcquireWakeLock(context.Context) error {
	return f.record("AcquireWakeLock")
}

func (f *Fake) ArmFullscreenOnGesture(context.Context) error {
	return f.record("ArmFullscreenOnGesture")
}

func (f *Fake) UnregisterServiceWorkers(context.Context) (int, error) {
	if err := f.record("UnregisterServiceWorkers"); err != nil {
		return 0, err
	}
	return f.Workers, nil
}

func (f *Fake) PurgeCaches(context.Context) (int, error) {
	if err := f.record("PurgeCaches"); err != nil {
		return 0, err
	}
	return f.Caches, nil
}

func (f *Fake) ShowProgress(_ context.Context, status string) error {
	if err := f.record("ShowProgress"); err != nil {
		return err
	}
	f.mu.Lock()
	f.progress = append(f.progress, status)
	f.mu.Unlock()
	return nil
}

func (f *Fake) Navigate(_ context.Context, url string) error {
	if err := f.record("Navigate"); err != nil {
		return err
	}
	f.mu.Lock()
	f.Info.URL = url
	f.mu.Unlock()
	return nil
}

func (f *Fake) HardReload(context.Context) error {
	return f.record("HardReload")
}
