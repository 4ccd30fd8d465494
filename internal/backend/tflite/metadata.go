package tflite

import (
	"bytes"
	"fmt"
	"os"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/tphakala/nnbridge/internal/nnmodel"
)

// MetadataSuffix is appended to a model path to find its sidecar metadata.
const MetadataSuffix = ".yaml"

// Metadata describes how the tensors of a .tflite file map to methods and
// attributes. It is read from "<model>.tflite.yaml":
//
//	methods:
//	  - name: forward
//	    inDim: 1
//	    inRatio: 1
//	    outDim: 1
//	    outRatio: 1
//	    input: audio_in
//	    output: audio_out
//	attributes:
//	  - name: gain
//	    kind: double
//
// A model without sidecar gets DefaultMetadata.
type Metadata struct {
	Methods    []MethodSpec    `yaml:"methods"`
	Attributes []AttributeSpec `yaml:"attributes"`
}

// MethodSpec is a method and the tensors it reads and writes. Empty tensor
// names mean the first input and first output tensor.
type MethodSpec struct {
	nnmodel.ModelMethod `yaml:",inline"`
	Input               string `yaml:"input,omitempty"`
	Output              string `yaml:"output,omitempty"`
}

// AttributeSpec is an attribute and the scalar input tensor that holds it.
// An empty tensor name means the tensor called like the attribute.
type AttributeSpec struct {
	Name   string `yaml:"name"`
	Kind   string `yaml:"kind"`
	Tensor string `yaml:"tensor,omitempty"`
}

// TensorName returns the input tensor the attribute is written to.
func (a AttributeSpec) TensorName() string {
	if a.Tensor != "" {
		return a.Tensor
	}
	return a.Name
}

// Descriptor returns the nnmodel form of a.
func (a AttributeSpec) Descriptor() nnmodel.AttributeDescriptor {
	return nnmodel.AttributeDescriptor{Name: a.Name, Kind: nnmodel.ParseAttributeKind(a.Kind)}
}

// DefaultMetadata is a single ratio-1 mono "forward" method on the first
// input and output tensors.
func DefaultMetadata() Metadata {
	return Metadata{Methods: []MethodSpec{{
		ModelMethod: nnmodel.ModelMethod{Name: "forward", InChannels: 1, InRatio: 1, OutChannels: 1, OutRatio: 1},
	}}}
}

// ReadMetadata loads the sidecar of modelPath from fs. A missing sidecar
// yields DefaultMetadata.
func ReadMetadata(fs afero.Fs, modelPath string) (Metadata, error) {
	data, err := afero.ReadFile(fs, modelPath+MetadataSuffix)
	if os.IsNotExist(err) {
		return DefaultMetadata(), nil
	}
	if err != nil {
		return Metadata{}, err
	}
	return ParseMetadata(data)
}

// ParseMetadata decodes and validates sidecar YAML.
func ParseMetadata(data []byte) (Metadata, error) {
	var md Metadata
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&md); err != nil {
		return Metadata{}, fmt.Errorf("parse model metadata: %w", err)
	}
	if err := md.Validate(); err != nil {
		return Metadata{}, err
	}
	return md, nil
}

// Validate checks method shapes and that names are unique.
func (md Metadata) Validate() error {
	if len(md.Methods) == 0 {
		return fmt.Errorf("model metadata declares no methods")
	}
	seen := make(map[string]bool, len(md.Methods))
	for _, m := range md.Methods {
		if err := m.Validate(); err != nil {
			return err
		}
		if seen[m.Name] {
			return fmt.Errorf("duplicate method %q", m.Name)
		}
		seen[m.Name] = true
	}
	clear(seen)
	for _, a := range md.Attributes {
		if a.Name == "" {
			return fmt.Errorf("attribute without name")
		}
		if seen[a.Name] {
			return fmt.Errorf("duplicate attribute %q", a.Name)
		}
		seen[a.Name] = true
	}
	return nil
}

// ModelMethods returns the declared methods.
func (md Metadata) ModelMethods() []nnmodel.ModelMethod {
	out := make([]nnmodel.ModelMethod, len(md.Methods))
	for i := range md.Methods {
		out[i] = md.Methods[i].ModelMethod
	}
	return out
}

// ModelAttributes returns the declared attributes.
func (md Metadata) ModelAttributes() []nnmodel.AttributeDescriptor {
	out := make([]nnmodel.AttributeDescriptor, len(md.Attributes))
	for i := range md.Attributes {
		out[i] = md.Attributes[i].Descriptor()
	}
	return out
}
