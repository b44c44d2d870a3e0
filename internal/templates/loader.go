// Package templates loads, validates and serves the document requirement
// templates that drive checklist generation.
package templates

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/taxintake/model"
)

// File is one parsed template file.
type File struct {
	Version    string
	Templates  []model.Template
	Checksum   string
	SourceFile string
}

// fileDoc is the on-disk shape of a template file.
type fileDoc struct {
	Version   string        `yaml:"version"`
	TaxType   model.TaxType `yaml:"tax_type"`
	Templates []templateDoc `yaml:"templates"`
}

type templateDoc struct {
	ID                   string        `yaml:"id"`
	DocumentType         string        `yaml:"document_type"`
	TaxType              model.TaxType `yaml:"tax_type"`
	Label                string        `yaml:"label"`
	Description          string        `yaml:"description"`
	Condition            conditionDoc  `yaml:"condition"`
	Required             bool          `yaml:"required"`
	DefaultExpectedCount uint32        `yaml:"default_expected_count"`
	SortOrder            int           `yaml:"sort_order"`
}

// conditionDoc accepts a condition either as a JSON string or as a YAML
// mapping, and stores it serialized as JSON.
type conditionDoc string

func (c *conditionDoc) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		*c = conditionDoc(value.Value)
		return nil
	case yaml.MappingNode:
		var doc map[string]any
		if err := value.Decode(&doc); err != nil {
			return err
		}
		data, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("line %d: encoding condition: %w", value.Line, err)
		}
		*c = conditionDoc(data)
		return nil
	default:
		return fmt.Errorf("line %d: condition must be a mapping or a JSON string", value.Line)
	}
}

// Loader reads template files from the filesystem.
type Loader struct{}

// NewLoader creates a new Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadAll walks each directory and loads every .yaml/.yml file in it.
func (l *Loader) LoadAll(dirs []string) ([]File, error) {
	var files []File
	for _, dir := range dirs {
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			ext := strings.ToLower(filepath.Ext(path))
			if ext != ".yaml" && ext != ".yml" {
				return nil
			}
			f, err := l.LoadFile(path)
			if err != nil {
				return fmt.Errorf("loading %s: %w", path, err)
			}
			files = append(files, f)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walking %s: %w", dir, err)
		}
	}
	return files, nil
}

// LoadFile parses a single template file and computes its checksum. A
// file-level tax_type is inherited by templates that do not set their own.
func (l *Loader) LoadFile(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("reading file: %w", err)
	}

	var doc fileDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return File{}, fmt.Errorf("parsing YAML: %w", err)
	}

	f := File{
		Version:    doc.Version,
		Templates:  make([]model.Template, 0, len(doc.Templates)),
		Checksum:   fmt.Sprintf("%x", sha256.Sum256(data)),
		SourceFile: path,
	}
	for _, td := range doc.Templates {
		taxType := td.TaxType
		if taxType == "" {
			taxType = doc.TaxType
		}
		f.Templates = append(f.Templates, model.Template{
			ID:                   td.ID,
			DocumentType:         td.DocumentType,
			TaxType:              taxType,
			Label:                td.Label,
			Description:          td.Description,
			Condition:            strings.TrimSpace(string(td.Condition)),
			Required:             td.Required,
			DefaultExpectedCount: td.DefaultExpectedCount,
			SortOrder:            td.SortOrder,
		})
	}
	return f, nil
}
