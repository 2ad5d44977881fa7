package launchfile

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"
	"text/template"

	"github.com/gammadia/towerlaunch/dataset"
	"github.com/go-task/slim-sprig/v3"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"
)

//go:embed builtin/*.yaml
var builtins embed.FS

type ReadOptions struct {
	// Template parameters (-p key=value)
	Params map[string]string
}

type UnmarshalError struct {
	error
	Source string
}

func (e UnmarshalError) Unwrap() error {
	return e.error
}

// Template is a launch template that has not been evaluated against a dataset yet.
type Template struct {
	// Built-in template name or file path
	Name   string
	source string
}

// Builtins lists the names of the templates embedded in the binary.
func Builtins() []string {
	entries := lo.Must(fs.ReadDir(builtins, "builtin"))
	names := lo.Map(entries, func(entry fs.DirEntry, _ int) string {
		return strings.TrimSuffix(entry.Name(), path.Ext(entry.Name()))
	})
	sort.Strings(names)
	return names
}

// Read loads a launch template from a file, or a built-in template by name when no such file exists.
func Read(nameOrPath string) (*Template, error) {
	buf, err := os.ReadFile(nameOrPath)
	if err == nil {
		return &Template{Name: nameOrPath, source: string(buf)}, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read file: %w", err)
	}

	if buf, err = builtins.ReadFile("builtin/" + nameOrPath + ".yaml"); err != nil {
		return nil, fmt.Errorf("unknown template '%s', expected a file or one of: %s", nameOrPath, strings.Join(Builtins(), ", "))
	}
	return &Template{Name: nameOrPath, source: string(buf)}, nil
}

// Source returns the raw, unevaluated template.
func (t *Template) Source() string {
	return t.source
}

// Render evaluates the template for a dataset and validates the resulting launch.
func (t *Template) Render(d dataset.Dataset, options ReadOptions) (*Launchfile, error) {
	source, err := evaluateTemplate(t.source, d, options)
	if err != nil {
		return nil, fmt.Errorf("evaluate template: %w", err)
	}

	var launchfile Launchfile
	decoder := yaml.NewDecoder(strings.NewReader(source))
	decoder.KnownFields(true)
	if err = decoder.Decode(&launchfile); err != nil {
		return nil, UnmarshalError{fmt.Errorf("unmarshal: %w", err), source}
	}
	if err = launchfile.Validate(); err != nil {
		return nil, UnmarshalError{fmt.Errorf("validate: %w", err), source}
	}

	return &launchfile, nil
}

type TemplateData struct {
	Dataset dataset.Dataset
	Params  map[string]string
	Env     map[string]string
}

func evaluateTemplate(source string, d dataset.Dataset, options ReadOptions) (string, error) {
	tmpl, err := template.New("launchfile").
		Option("missingkey=zero").
		Funcs(sprig.TxtFuncMap()).
		Funcs(template.FuncMap{
			"env": func(key string) string {
				return os.Getenv(key)
			},
			"json": func(v any) (string, error) {
				buf, err := json.Marshal(v)
				return string(buf), err
			},
			"yaml": func(v any) (string, error) {
				var buf bytes.Buffer
				encoder := yaml.NewEncoder(&buf)
				encoder.SetIndent(2)
				if err := encoder.Encode(v); err != nil {
					return "", err
				}
				return strings.TrimSuffix(buf.String(), "\n"), nil
			},
			"lines": func(s string) []string {
				return strings.Split(s, "\n")
			},
		}).
		Parse(source)
	if err != nil {
		return "", fmt.Errorf("failed to parse template: %w", err)
	}

	data := TemplateData{
		Dataset: d,
		Params:  lo.Ternary(options.Params != nil, options.Params, map[string]string{}),
		Env:     lo.SliceToMap(os.Environ(), func(env string) (key, val string) { key, val, _ = strings.Cut(env, "="); return }),
	}

	var output strings.Builder
	if err := tmpl.Execute(&output, data); err != nil {
		return "", fmt.Errorf("failed to execute template: %w", err)
	}

	return output.String(), nil
}
