package flow

import (
	"io"

	"gopkg.in/yaml.v3"

	"github.com/Extra-Chill/data-machine/errors"
)

// pipelineDoc is the on-disk YAML shape for pipeline import/export
type pipelineDoc struct {
	Name  string    `yaml:"name"`
	Steps []StepDef `yaml:"steps"`
}

// ImportPipeline reads a pipeline definition from YAML. The document carries
// only the template (name + steps); identity and timestamps are assigned on
// import.
func ImportPipeline(r io.Reader) (*Pipeline, error) {
	var doc pipelineDoc
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, errors.Wrap(err, "failed to decode pipeline YAML")
	}
	return NewPipeline(doc.Name, doc.Steps)
}

// ExportPipeline writes a pipeline definition as YAML
func ExportPipeline(w io.Writer, p *Pipeline) error {
	doc := pipelineDoc{Name: p.Name, Steps: p.Steps}
	enc := yaml.NewEncoder(w)
	defer enc.Close()
	if err := enc.Encode(doc); err != nil {
		return errors.Wrapf(err, "failed to encode pipeline %s", p.ID)
	}
	return nil
}
