package dataset

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/samber/lo"
	"gopkg.in/yaml.v3"
)

const DefaultStartingStep = "mapping"

// Dataset is one entry of a datasets file: a samplesheet to process and where the results go.
type Dataset struct {
	ID           string `yaml:"id"`
	StartingStep string `yaml:"starting_step"`
	Samplesheet  string `yaml:"samplesheet"`
	ParentID     string `yaml:"parent_id"`

	// Any other key of the entry, available to launch templates
	Extra map[string]any `yaml:",inline"`
}

var ErrNoDatasets = errors.New("no datasets")

var idRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

// RunName names the run of a pipeline stage for this dataset, e.g. "sarek_JH-2-002".
func (d Dataset) RunName(prefix string) string {
	return prefix + "_" + d.ID
}

// Load reads and validates a datasets file.
func Load(file string) ([]Dataset, error) {
	buf, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	datasets, err := Parse(buf)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", file, err)
	}
	return datasets, nil
}

// Parse decodes a YAML sequence of datasets, applies defaults and validates the result.
func Parse(buf []byte) ([]Dataset, error) {
	var datasets []Dataset
	if err := yaml.Unmarshal(buf, &datasets); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}

	for i := range datasets {
		if datasets[i].StartingStep == "" {
			datasets[i].StartingStep = DefaultStartingStep
		}
	}

	if err := Validate(datasets); err != nil {
		return nil, fmt.Errorf("validate: %w", err)
	}
	return datasets, nil
}

func Validate(datasets []Dataset) error {
	if len(datasets) == 0 {
		return ErrNoDatasets
	}

	seen := map[string]bool{}
	for i, d := range datasets {
		if d.ID == "" {
			return fmt.Errorf("datasets[%d].id is required", i)
		}
		if !idRegex.MatchString(d.ID) {
			return fmt.Errorf("datasets[%d].id '%s' may only contain letters, digits, '_' and '-'", i, d.ID)
		}
		if seen[d.ID] {
			return fmt.Errorf("duplicated dataset id '%s'", d.ID)
		}
		seen[d.ID] = true

		if strings.TrimSpace(d.Samplesheet) == "" {
			return fmt.Errorf("datasets[%s].samplesheet is required", d.ID)
		}
	}

	return nil
}

// Filter keeps the datasets whose ID is listed, in file order. An empty list keeps everything.
func Filter(datasets []Dataset, ids []string) ([]Dataset, error) {
	if len(ids) == 0 {
		return datasets, nil
	}

	known := lo.Map(datasets, func(d Dataset, _ int) string { return d.ID })
	if unknown := lo.Without(ids, known...); len(unknown) > 0 {
		return nil, fmt.Errorf("unknown dataset ids: %s", strings.Join(unknown, ", "))
	}

	return lo.Filter(datasets, func(d Dataset, _ int) bool { return lo.Contains(ids, d.ID) }), nil
}
