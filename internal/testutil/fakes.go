package testutil

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/xenserver/eliloader/internal/delegate"
)

// FakeRunner answers delegate invocations from a script keyed by the
// space-joined argument list. Unscripted invocations fail the call.
type FakeRunner struct {
	mu      sync.Mutex
	Results map[string]delegate.Result
	Calls   [][]string
}

// NewFakeRunner returns a runner with no scripted results.
func NewFakeRunner() *FakeRunner {
	return &FakeRunner{Results: map[string]delegate.Result{}}
}

// On scripts the result for args.
func (r *FakeRunner) On(res delegate.Result, args ...string) *FakeRunner {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Results[strings.Join(args, " ")] = res
	return r
}

func (r *FakeRunner) Run(_ context.Context, args ...string) (delegate.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Calls = append(r.Calls, append([]string(nil), args...))
	res, ok := r.Results[strings.Join(args, " ")]
	if !ok {
		return delegate.Result{}, fmt.Errorf("unexpected delegate call: %q", args)
	}
	return res, nil
}

// FakeProber reports the listed URLs as present.
type FakeProber struct {
	mu      sync.Mutex
	Present map[string]bool
	Probed  []string
}

// NewFakeProber returns a prober for which only urls exist.
func NewFakeProber(urls ...string) *FakeProber {
	p := &FakeProber{Present: map[string]bool{}}
	for _, u := range urls {
		p.Present[u] = true
	}
	return p
}

func (p *FakeProber) Exists(_ context.Context, url string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Probed = append(p.Probed, url)
	return p.Present[url]
}
