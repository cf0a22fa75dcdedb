package importer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hyperjump/studyfed/internal/models"
	"gopkg.in/yaml.v3"
)

// DefaultExtensions are the descriptor formats the importer understands.
var DefaultExtensions = []string{".json", ".yaml", ".yml"}

// Descriptor is one parsed instance descriptor.
type Descriptor struct {
	StudyUID    string
	SeriesUID   string
	SOPUID      string
	Modality    string
	StudyFields map[string]string
}

// ParseDescriptor reads a JSON or YAML object of attribute keywords to values.
func ParseDescriptor(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	raw := make(map[string]any)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse descriptor: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse descriptor: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported descriptor format %q", filepath.Ext(path))
	}
	return descriptorFromMap(raw)
}

func descriptorFromMap(raw map[string]any) (*Descriptor, error) {
	d := &Descriptor{StudyFields: make(map[string]string)}
	for k, v := range raw {
		s := stringify(v)
		switch {
		case k == models.FieldStudyInstanceUID:
			d.StudyUID = s
		case k == keySeriesInstanceUID:
			d.SeriesUID = s
		case k == keySOPInstanceUID:
			d.SOPUID = s
		case k == keyModality:
			d.Modality = strings.ToUpper(s)
		case instanceKeys[k], derivedKeys[k]:
		default:
			d.StudyFields[k] = s
		}
	}
	var missing []string
	if d.StudyUID == "" {
		missing = append(missing, models.FieldStudyInstanceUID)
	}
	if d.SeriesUID == "" {
		missing = append(missing, keySeriesInstanceUID)
	}
	if d.SOPUID == "" {
		missing = append(missing, keySOPInstanceUID)
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("descriptor missing %s", strings.Join(missing, ", "))
	}
	return d, nil
}
