package service

import (
	"path/filepath"
	"slices"
	"sync"

	"github.com/go-logr/logr"
)

// ConfigResolver returns the worker settings for a project root.
type ConfigResolver func(root string) Config

// Registry owns one Service per project root.
//
// Services are created on first lookup and stopped by Unload or Close.
// Registry is safe for concurrent use.
type Registry struct {
	resolve ConfigResolver
	opts    []Option
	log     logr.Logger

	mu       sync.Mutex
	services map[string]*Service
	closed   bool
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithConfigResolver sets per-project settings. The default uses the
// registry's base config for every root.
func WithConfigResolver(fn ConfigResolver) RegistryOption {
	return func(r *Registry) {
		r.resolve = fn
	}
}

// WithServiceOptions sets the options passed to every new Service.
func WithServiceOptions(opts ...Option) RegistryOption {
	return func(r *Registry) {
		r.opts = append(r.opts, opts...)
	}
}

// WithRegistryLogger sets the logger. Services log under "service".
func WithRegistryLogger(log logr.Logger) RegistryOption {
	return func(r *Registry) {
		r.log = log
	}
}

// NewRegistry creates an empty registry using config for every project.
func NewRegistry(config Config, opts ...RegistryOption) *Registry {
	r := &Registry{
		resolve:  func(string) Config { return config },
		log:      logr.Discard(),
		services: make(map[string]*Service),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Key returns the registry key for root: the cleaned absolute path.
func Key(root string) (string, error) {
	if root == "" {
		return "", ErrEmptyRoot
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	return filepath.Clean(abs), nil
}

// Get returns the Service for root, creating it if needed. A new Service
// is not started until a consumer binds.
func (r *Registry) Get(root string) (*Service, error) {
	key, err := Key(root)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrRegistryClosed
	}
	if s, ok := r.services[key]; ok {
		return s, nil
	}

	opts := make([]Option, 0, len(r.opts)+1)
	opts = append(opts, WithLogger(r.log.WithName("service").WithValues("root", key)))
	opts = append(opts, r.opts...)

	s := New(key, r.resolve(key), opts...)
	r.services[key] = s
	r.log.V(1).Info("created service", "root", key)
	return s, nil
}

// BindClient binds consumer to the Service for root.
func (r *Registry) BindClient(root string, consumer Consumer) (*Binding, error) {
	s, err := r.Get(root)
	if err != nil {
		return nil, err
	}
	return s.BindClient(consumer), nil
}

// Unload stops and forgets the Service for root. It reports whether a
// Service existed.
func (r *Registry) Unload(root string) bool {
	key, err := Key(root)
	if err != nil {
		return false
	}

	r.mu.Lock()
	s, ok := r.services[key]
	delete(r.services, key)
	r.mu.Unlock()

	if ok {
		s.Stop()
		r.log.V(1).Info("unloaded service", "root", key)
	}
	return ok
}

// Roots returns the keys of all live services, sorted.
func (r *Registry) Roots() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	roots := make([]string, 0, len(r.services))
	for k := range r.services {
		roots = append(roots, k)
	}
	slices.Sort(roots)
	return roots
}

// Close stops every Service. Later lookups return ErrRegistryClosed.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	services := r.services
	r.services = make(map[string]*Service)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range services {
		wg.Add(1)
		go func(s *Service) {
			defer wg.Done()
			s.Stop()
		}(s)
	}
	wg.Wait()
}
