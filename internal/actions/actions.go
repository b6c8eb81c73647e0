// Package actions defines the device actions droidrig can run as a batch:
// built-ins plus user actions loaded from a YAML catalog.
package actions

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/tOgg1/droidrig/internal/batch"
	"github.com/tOgg1/droidrig/internal/config"
	"github.com/tOgg1/droidrig/internal/poll"
)

var (
	ErrUnknownAction = errors.New("unknown action")
	ErrMissingParam  = errors.New("missing action parameter")
)

// Uploader copies a local file to the bastion.
type Uploader interface {
	Upload(ctx context.Context, local, remote string) error
}

// Env carries what action builders may need.
type Env struct {
	Actions       config.ActionsConfig
	OnlineTimeout time.Duration
	Uploader      Uploader
	Sessions      batch.Sessions
	Clock         poll.Clock
}

func (e Env) clock() poll.Clock {
	if e.Clock == nil {
		return poll.RealClock{}
	}
	return e.Clock
}

// Params are named action inputs such as a wifi ssid.
type Params map[string]string

// Definition describes one action.
type Definition struct {
	Name        string
	Description string
	// Params lists required parameter names.
	Params []string
	Build  func(env Env, p Params) (batch.Action, error)
}

// Registry holds action definitions by name.
type Registry struct {
	defs map[string]Definition
}

// NewRegistry returns a registry holding the built-in actions.
func NewRegistry() *Registry {
	r := &Registry{defs: make(map[string]Definition)}
	for _, d := range builtins() {
		r.Register(d)
	}
	return r
}

// Register adds or replaces a definition.
func (r *Registry) Register(d Definition) {
	r.defs[d.Name] = d
}

// Lookup returns the definition for name.
func (r *Registry) Lookup(name string) (Definition, bool) {
	d, ok := r.defs[name]
	return d, ok
}

// List returns all definitions sorted by name.
func (r *Registry) List() []Definition {
	out := make([]Definition, 0, len(r.defs))
	for _, d := range r.defs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Build validates params and builds the named action.
func (r *Registry) Build(name string, env Env, p Params) (batch.Action, error) {
	d, ok := r.defs[name]
	if !ok {
		return batch.Action{}, fmt.Errorf("%w: %s", ErrUnknownAction, name)
	}
	var missing []string
	for _, key := range d.Params {
		if strings.TrimSpace(p[key]) == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return batch.Action{}, fmt.Errorf("%s: %w: %s", name, ErrMissingParam, strings.Join(missing, ", "))
	}
	action, err := d.Build(env, p)
	if err != nil {
		return batch.Action{}, err
	}
	if action.Name == "" {
		action.Name = name
	}
	return action, nil
}
