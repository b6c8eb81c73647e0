package actions

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"

	"github.com/tOgg1/droidrig/internal/batch"
	"github.com/tOgg1/droidrig/internal/remote"
)

// CatalogEntry is one user-defined action.
type CatalogEntry struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Command     string   `yaml:"command"`
	Pre         string   `yaml:"pre,omitempty"`
	Post        string   `yaml:"post,omitempty"`
	Params      []string `yaml:"params,omitempty"`
}

// Catalog is the on-disk action file.
type Catalog struct {
	Actions []CatalogEntry `yaml:"actions"`
}

// LoadCatalog reads path. A missing file yields an empty catalog.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Catalog{}, nil
		}
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes and validates a catalog.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	seen := make(map[string]bool)
	for i, e := range c.Actions {
		if strings.TrimSpace(e.Name) == "" {
			return nil, fmt.Errorf("catalog entry %d: name is required", i)
		}
		if strings.TrimSpace(e.Command) == "" {
			return nil, fmt.Errorf("catalog entry %q: command is required", e.Name)
		}
		if seen[e.Name] {
			return nil, fmt.Errorf("catalog entry %q: duplicate name", e.Name)
		}
		seen[e.Name] = true
	}
	return &c, nil
}

// AddCatalog registers every catalog entry. Built-in names cannot be
// overridden.
func (r *Registry) AddCatalog(c *Catalog) error {
	builtin := make(map[string]bool)
	for _, d := range builtins() {
		builtin[d.Name] = true
	}
	for _, e := range c.Actions {
		if builtin[e.Name] {
			return fmt.Errorf("catalog entry %q shadows a built-in action", e.Name)
		}
		def, err := definitionFor(e)
		if err != nil {
			return err
		}
		r.Register(def)
	}
	return nil
}

func definitionFor(e CatalogEntry) (Definition, error) {
	cmd, err := compile(e.Name, e.Command)
	if err != nil {
		return Definition{}, err
	}
	var pre, post *template.Template
	if e.Pre != "" {
		if pre, err = compile(e.Name+".pre", e.Pre); err != nil {
			return Definition{}, err
		}
	}
	if e.Post != "" {
		if post, err = compile(e.Name+".post", e.Post); err != nil {
			return Definition{}, err
		}
	}
	entry := e

	return Definition{
		Name:        entry.Name,
		Description: entry.Description,
		Params:      entry.Params,
		Build: func(env Env, p Params) (batch.Action, error) {
			action := batch.Action{
				Command: func(device string) (string, error) {
					return render(cmd, device, p)
				},
			}
			if pre != nil {
				action.Pre = func(ctx context.Context) error {
					return runPre(ctx, env, pre, p)
				}
			}
			if post != nil {
				action.Post = func(ctx context.Context, e remote.Execer, devices []string) error {
					return runPost(ctx, e, post, devices, p)
				}
			}
			return action, nil
		},
	}, nil
}

// runPre renders the pre template without a device and runs it on its own
// bastion session.
func runPre(ctx context.Context, env Env, tmpl *template.Template, p Params) error {
	if env.Sessions == nil {
		return errors.New("no session source for pre command")
	}
	cmd, err := render(tmpl, "", p)
	if err != nil {
		return err
	}
	sess, err := env.Sessions.Acquire(ctx)
	if err != nil {
		return err
	}
	defer env.Sessions.Release(sess)

	res, err := remote.Run(ctx, sess, cmd, 0)
	if err != nil {
		return err
	}
	return res.Err()
}

func runPost(ctx context.Context, e remote.Execer, tmpl *template.Template, devices []string, p Params) error {
	var failed []string
	for _, d := range devices {
		cmd, err := render(tmpl, d, p)
		if err != nil {
			return err
		}
		res, err := remote.Run(ctx, e, cmd, 0)
		if err != nil || !res.OK() {
			failed = append(failed, d)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("post check failed for %s", strings.Join(failed, ", "))
	}
	return nil
}

var templateFuncs = template.FuncMap{
	"quote": remote.Quote,
}

func compile(name, text string) (*template.Template, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%s: empty command template", name)
	}
	t, err := template.New(name).Funcs(templateFuncs).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return t, nil
}

type templateData struct {
	Device string
	Params Params
}

func render(t *template.Template, device string, p Params) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, templateData{Device: device, Params: p}); err != nil {
		return "", fmt.Errorf("render %s: %w", t.Name(), err)
	}
	return buf.String(), nil
}
