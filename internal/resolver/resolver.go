// Package resolver maps logical service names to base URLs.
package resolver

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
)

// Logical service names.
const (
	Budget = "budget"
	Import = "import"
	Sync   = "sync"
)

// Mode selects the routing rule.
type Mode string

const (
	Development Mode = "dev"
	Production  Mode = "prod"
)

// devPorts are the fixed local ports services listen on in development.
var devPorts = map[string]int{
	Sync:   8790,
	Budget: 8791,
	Import: 8792,
}

// ErrUnknownService matches resolution failures for names that are not registered.
var ErrUnknownService = errors.New("unknown service")

// ConfigError reports a service name with no route.
type ConfigError struct {
	Service string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s %q (known: %s)", ErrUnknownService, e.Service, strings.Join(Services(), ", "))
}

// Is lets errors.Is(err, ErrUnknownService) match.
func (e *ConfigError) Is(target error) bool {
	return target == ErrUnknownService
}

// Services returns the known service names, sorted.
func Services() []string {
	names := make([]string, 0, len(devPorts))
	for name := range devPorts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolver turns service names into base URLs.
type Resolver struct {
	Mode      Mode
	Origin    string
	Overrides map[string]string

	// Getenv looks up environment overrides. Nil uses os.Getenv.
	Getenv func(string) string
}

// EnvVar returns the environment variable that overrides service's URL.
func EnvVar(service string) string {
	return "ENVSYNC_" + strings.ToUpper(service) + "_URL"
}

// Resolve returns the base URL for service, without a trailing slash.
func (r Resolver) Resolve(service string) (string, error) {
	port, ok := devPorts[service]
	if !ok {
		return "", &ConfigError{Service: service}
	}

	getenv := r.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := strings.TrimSpace(getenv(EnvVar(service))); v != "" {
		return strings.TrimRight(v, "/"), nil
	}
	if v := strings.TrimSpace(r.Overrides[service]); v != "" {
		return strings.TrimRight(v, "/"), nil
	}

	if r.Mode == Production {
		return strings.TrimRight(r.Origin, "/") + "/api/" + service, nil
	}
	return fmt.Sprintf("http://127.0.0.1:%d", port), nil
}
