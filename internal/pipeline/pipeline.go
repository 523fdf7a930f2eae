// Package pipeline describes the predictor pipeline on the host side.
//
// The engine consumes the pipeline as a YAML document (bridge.Config). This
// package builds, validates and renders that document; the bridge itself
// never looks inside it.
package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/born-ml/detbridge/internal/bridge"
)

// Stage names understood by the engine.
const (
	StageFormatYoloV2            = "FormatYoloV2"
	StageExcludeLowScoreBox      = "ExcludeLowScoreBox"
	StageNMS                     = "NMS"
	StageResizeWithGtBoxes       = "ResizeWithGtBoxes"
	StagePerImageStandardization = "PerImageStandardization"
)

// TaskObjectDetection is the only task the detection drivers run.
const TaskObjectDetection = "IMAGE.OBJECT_DETECTION"

// ErrInvalid is returned for pipelines the engine could not run.
var ErrInvalid = errors.New("pipeline: invalid description")

// Pipeline is the typed form of the config document. Fields are declared in
// the order the engine's own exporter writes them.
type Pipeline struct {
	Classes       []string `yaml:"CLASSES"`
	DataFormat    string   `yaml:"DATA_FORMAT"`
	ImageSize     []int    `yaml:"IMAGE_SIZE"` // height, width
	PostProcessor []Stage  `yaml:"POST_PROCESSOR"`
	PreProcessor  []Stage  `yaml:"PRE_PROCESSOR"`
	Task          string   `yaml:"TASK"`
}

// Stage is one named processing step with its parameters. A nil Params
// renders as null.
type Stage struct {
	Name   string
	Params map[string]any
}

// MarshalYAML renders the stage as a single-key mapping.
func (s Stage) MarshalYAML() (any, error) {
	if s.Params == nil {
		return map[string]any{s.Name: nil}, nil
	}
	return map[string]any{s.Name: s.Params}, nil
}

// UnmarshalYAML reads a single-key mapping.
func (s *Stage) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode || len(node.Content) != 2 {
		return fmt.Errorf("%w: line %d: stage must be a mapping with one key", ErrInvalid, node.Line)
	}
	s.Name = node.Content[0].Value
	s.Params = nil
	value := node.Content[1]
	if value.Tag == "!!null" {
		return nil
	}
	return value.Decode(&s.Params)
}

// DefaultFaceDetection returns the single-class face detector pipeline the
// bundled model was trained with.
func DefaultFaceDetection() *Pipeline {
	return &Pipeline{
		Classes:    []string{"face"},
		DataFormat: "NHWC",
		ImageSize:  []int{160, 160},
		PostProcessor: []Stage{
			{Name: StageFormatYoloV2, Params: map[string]any{
				"anchors": [][]float64{
					{1.3221, 1.73145},
					{3.19275, 4.00944},
					{5.05587, 8.09892},
					{9.47112, 4.84053},
					{11.2364, 10.0071},
				},
				"boxes_per_cell": 5,
				"data_format":    "NHWC",
				"image_size":     []int{160, 160},
				"num_classes":    1,
			}},
			{Name: StageExcludeLowScoreBox, Params: map[string]any{"threshold": 0.05}},
			{Name: StageNMS, Params: map[string]any{
				"classes":         []string{"face"},
				"iou_threshold":   0.5,
				"max_output_size": 100,
				"per_class":       true,
			}},
		},
		PreProcessor: []Stage{
			{Name: StageResizeWithGtBoxes, Params: map[string]any{"size": []int{160, 160}}},
			{Name: StagePerImageStandardization},
		},
		Task: TaskObjectDetection,
	}
}

// Parse reads a pipeline document and validates it.
func Parse(text []byte) (*Pipeline, error) {
	var p Pipeline
	if err := yaml.Unmarshal(text, &p); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// LoadFile reads and parses a pipeline document from disk.
func LoadFile(path string) (*Pipeline, error) {
	text, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load pipeline: %w", err)
	}
	p, err := Parse(text)
	if err != nil {
		return nil, fmt.Errorf("load pipeline %s: %w", path, err)
	}
	return p, nil
}

// Validate checks the fields the drivers and the engine depend on.
func (p *Pipeline) Validate() error {
	if len(p.Classes) == 0 {
		return fmt.Errorf("%w: no classes", ErrInvalid)
	}
	if len(p.ImageSize) != 2 || p.ImageSize[0] <= 0 || p.ImageSize[1] <= 0 {
		return fmt.Errorf("%w: image size %v must be two positive values", ErrInvalid, p.ImageSize)
	}
	switch p.DataFormat {
	case "NHWC", "NCHW":
	default:
		return fmt.Errorf("%w: unknown data format %q", ErrInvalid, p.DataFormat)
	}
	for _, s := range slices.Concat(p.PreProcessor, p.PostProcessor) {
		if s.Name == "" {
			return fmt.Errorf("%w: unnamed stage", ErrInvalid)
		}
	}
	return nil
}

// Render validates p and encodes it as the config the predictor consumes.
func (p *Pipeline) Render() (bridge.Config, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(p); err != nil {
		return "", fmt.Errorf("render pipeline: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("render pipeline: %w", err)
	}
	return bridge.Config(buf.String()), nil
}

// Height returns the configured image height.
func (p *Pipeline) Height() int { return p.ImageSize[0] }

// Width returns the configured image width.
func (p *Pipeline) Width() int { return p.ImageSize[1] }

// ClassName returns the name of class index i, or "class<i>" when out of range.
func (p *Pipeline) ClassName(i int) string {
	if i >= 0 && i < len(p.Classes) {
		return p.Classes[i]
	}
	return fmt.Sprintf("class%d", i)
}

// Stage returns the first stage with the given name.
func (p *Pipeline) Stage(name string) (Stage, bool) {
	for _, s := range slices.Concat(p.PreProcessor, p.PostProcessor) {
		if s.Name == name {
			return s, true
		}
	}
	return Stage{}, false
}

// MaxDetections returns the NMS max_output_size, the number of slots in each
// predictor output, or 0 when the pipeline has no NMS stage.
func (p *Pipeline) MaxDetections() int {
	s, ok := p.Stage(StageNMS)
	if !ok {
		return 0
	}
	v, _ := number(s.Params["max_output_size"])
	return int(v)
}

// ScoreThreshold returns the ExcludeLowScoreBox threshold, or 0 without one.
func (p *Pipeline) ScoreThreshold() float64 {
	s, ok := p.Stage(StageExcludeLowScoreBox)
	if !ok {
		return 0
	}
	v, _ := number(s.Params["threshold"])
	return v
}

// SetScoreThreshold sets the ExcludeLowScoreBox threshold, adding the stage
// in front of the post-processors if it is missing.
func (p *Pipeline) SetScoreThreshold(v float64) {
	for i, s := range p.PostProcessor {
		if s.Name == StageExcludeLowScoreBox {
			params := make(map[string]any, len(s.Params)+1)
			for k, pv := range s.Params {
				params[k] = pv
			}
			params["threshold"] = v
			p.PostProcessor[i].Params = params
			return
		}
	}
	stage := Stage{Name: StageExcludeLowScoreBox, Params: map[string]any{"threshold": v}}
	p.PostProcessor = append([]Stage{stage}, p.PostProcessor...)
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
