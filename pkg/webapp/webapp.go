// Package webapp defines the contract between proton and the application it
// serves, and the registry through which applications are found by name.
package webapp

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
)

// App is the request handler proton serves.
type App = http.Handler

// BeforeStarter is implemented by apps that need to prepare before the first
// request. Start waits for it to return.
type BeforeStarter interface {
	OnBeforeStart(ctx context.Context) error
}

// Factory builds a fresh application instance. Each worker process calls it
// once.
type Factory func() (App, error)

var (
	mu       sync.RWMutex
	registry = make(map[string]Factory)
)

// Register makes an application available under name. It panics if called
// twice with the same name or with a nil factory.
func Register(name string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	if f == nil {
		panic("webapp: Register factory is nil")
	}
	if _, dup := registry[name]; dup {
		panic("webapp: Register called twice for " + name)
	}
	registry[name] = f
}

// Lookup returns the factory registered under name.
func Lookup(name string) (Factory, error) {
	mu.RLock()
	defer mu.RUnlock()
	f, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("webapp %q is not registered (known: %s)", name, strings.Join(namesLocked(), ", "))
	}
	return f, nil
}

// Load instantiates the application registered under name.
func Load(name string) (App, error) {
	f, err := Lookup(name)
	if err != nil {
		return nil, err
	}
	return f()
}

// Names lists registered applications in order.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	return namesLocked()
}

func namesLocked() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Prepare runs OnBeforeStart when app implements it.
func Prepare(ctx context.Context, app App) error {
	if bs, ok := app.(BeforeStarter); ok {
		return bs.OnBeforeStart(ctx)
	}
	return nil
}

// Personal.AI order the ending
