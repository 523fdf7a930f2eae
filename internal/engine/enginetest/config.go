package enginetest

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

type settings struct {
	maxDetections int
	threshold     float32
	numClasses    int
}

type document struct {
	Classes       []string         `yaml:"CLASSES"`
	ImageSize     []int            `yaml:"IMAGE_SIZE"`
	PostProcessor []map[string]any `yaml:"POST_PROCESSOR"`
}

// parseConfig reads the few settings the simulation needs from a pipeline document.
func parseConfig(text []byte) (settings, error) {
	var doc document
	if err := yaml.Unmarshal(text, &doc); err != nil {
		return settings{}, fmt.Errorf("parse config: %w", err)
	}
	if len(doc.ImageSize) != 2 {
		return settings{}, fmt.Errorf("parse config: IMAGE_SIZE must have two entries, got %d", len(doc.ImageSize))
	}

	s := settings{maxDetections: DefaultMaxDetections, numClasses: len(doc.Classes)}
	for _, stage := range doc.PostProcessor {
		for name, raw := range stage {
			params, _ := raw.(map[string]any)
			switch name {
			case "NMS":
				if v, ok := params["max_output_size"].(int); ok && v > 0 {
					s.maxDetections = v
				}
			case "ExcludeLowScoreBox":
				switch v := params["threshold"].(type) {
				case float64:
					s.threshold = float32(v)
				case int:
					s.threshold = float32(v)
				}
			}
		}
	}
	return s, nil
}
