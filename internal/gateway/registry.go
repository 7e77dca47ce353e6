package gateway

import (
	"fmt"
	"sort"
	"strings"
)

// Factory builds an adapter for one configured gateway. It returns an error
// wrapping ErrMissingCredentials when required settings are empty.
type Factory func(name string, cfg Config) (Adapter, error)

var drivers = map[string]Factory{
	"stripe":      func(name string, cfg Config) (Adapter, error) { return NewStripe(name, cfg) },
	"paystack":    func(name string, cfg Config) (Adapter, error) { return NewPaystack(name, cfg) },
	"flutterwave": func(name string, cfg Config) (Adapter, error) { return NewFlutterwave(name, cfg) },
	"nowpayments": func(name string, cfg Config) (Adapter, error) { return NewNOWPayments(name, cfg) },
}

// Drivers lists the implementation bindings a gateway entry may use.
func Drivers() []string {
	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Registry resolves gateway names to adapters. It is filled once at
// startup and never mutated afterwards.
type Registry struct {
	adapters     map[string]Adapter
	unconfigured map[string]error
	defaultName  string
}

// NewRegistry builds every configured gateway. Entries whose credentials
// are missing are kept as unconfigured so Resolve can fail closed with a
// configuration error; an unknown driver fails startup.
func NewRegistry(configs map[string]Config, defaultName string) (*Registry, error) {
	r := &Registry{
		adapters:     make(map[string]Adapter, len(configs)),
		unconfigured: make(map[string]error),
		defaultName:  strings.ToLower(defaultName),
	}

	for rawName, cfg := range configs {
		name := strings.ToLower(rawName)
		driver := strings.ToLower(cfg.Driver)
		if driver == "" {
			driver = name
		}

		factory, ok := drivers[driver]
		if !ok {
			return nil, fmt.Errorf("gateway %q: unknown driver %q (available: %s)",
				name, driver, strings.Join(Drivers(), ", "))
		}

		adapter, err := factory(name, cfg)
		if err != nil {
			if KindOf(err) == KindConfiguration {
				r.unconfigured[name] = err
				continue
			}
			return nil, fmt.Errorf("gateway %q: %w", name, err)
		}
		r.adapters[name] = adapter
	}

	return r, nil
}

// NewRegistryWith wraps already-built adapters.
func NewRegistryWith(defaultName string, adapters ...Adapter) *Registry {
	r := &Registry{
		adapters:     make(map[string]Adapter, len(adapters)),
		unconfigured: make(map[string]error),
		defaultName:  strings.ToLower(defaultName),
	}
	for _, a := range adapters {
		r.adapters[strings.ToLower(a.Name())] = a
	}
	return r
}

// Resolve returns the adapter for name; an empty name selects the default.
func (r *Registry) Resolve(name string) (Adapter, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		key = r.defaultName
	}

	if adapter, ok := r.adapters[key]; ok {
		return adapter, nil
	}
	if err, ok := r.unconfigured[key]; ok {
		return nil, err
	}
	return nil, newError(KindConfiguration, key, "resolve", ErrUnknownGateway)
}

// Default is the gateway used when callers do not name one.
func (r *Registry) Default() string { return r.defaultName }

// Names lists the gateways that resolved successfully.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func requireCredentials(gateway string, fields map[string]string) error {
	var missing []string
	for field, value := range fields {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, field)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return newError(KindConfiguration, gateway, "configure",
		fmt.Errorf("%w: %s", ErrMissingCredentials, strings.Join(missing, ", ")))
}
