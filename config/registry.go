// Package config is the string-keyed, typed, change-notifying registry the
// core consumes, grounded on the teacher pack's viper-backed configuration
// components. The runtime core registers exactly two keys here:
// fiber.stack_size and tcp.connect.timeout.
package config

import (
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Registry is a typed view over a *viper.Viper with change listeners.
// It is the collaborator named in the runtime's external-interfaces
// section: a string-keyed registry producing typed values with change
// listeners, backed by YAML on disk.
type Registry interface {
	SetDefault(key string, value interface{})
	GetUint(key string) uint
	GetInt(key string) int
	GetDuration(key string) (millis int64)
	OnChange(key string, fn func())
	ReadInConfig() error
	SetConfigFile(path string)
	Watch()
}

type registry struct {
	mu        sync.RWMutex
	v         *viper.Viper
	listeners map[string][]func()
}

// New builds a Registry around a fresh *viper.Viper instance configured to
// read YAML, matching the "YAML-backed configuration registry" collaborator.
func New() Registry {
	v := viper.New()
	v.SetConfigType("yaml")
	r := &registry{v: v, listeners: make(map[string][]func())}
	v.OnConfigChange(func(_ fsnotify.Event) {
		r.mu.RLock()
		defer r.mu.RUnlock()
		for _, fns := range r.listeners {
			for _, fn := range fns {
				fn()
			}
		}
	})
	return r
}

func (r *registry) SetDefault(key string, value interface{}) {
	r.v.SetDefault(key, value)
}

func (r *registry) GetUint(key string) uint {
	return uint(r.v.GetUint64(key))
}

func (r *registry) GetInt(key string) int {
	return r.v.GetInt(key)
}

func (r *registry) GetDuration(key string) int64 {
	return int64(r.v.GetInt(key))
}

func (r *registry) OnChange(key string, fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners[key] = append(r.listeners[key], fn)
}

func (r *registry) ReadInConfig() error {
	return r.v.ReadInConfig()
}

func (r *registry) SetConfigFile(path string) {
	r.v.SetConfigFile(path)
}

func (r *registry) Watch() {
	r.v.WatchConfig()
}

// Default keys registered by the core, with their documented defaults.
const (
	KeyFiberStackSize    = "fiber.stack_size"
	KeyTCPConnectTimeout = "tcp.connect.timeout"

	DefaultFiberStackSize    = uint(131072)
	DefaultTCPConnectTimeout = 5000
)

// NewDefault builds a Registry pre-seeded with the core's two keys.
func NewDefault() Registry {
	r := New()
	r.SetDefault(KeyFiberStackSize, DefaultFiberStackSize)
	r.SetDefault(KeyTCPConnectTimeout, DefaultTCPConnectTimeout)
	return r
}
