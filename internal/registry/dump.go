package registry

import (
	"bytes"
	"io"
	"maps"
	"slices"
	"strconv"

	"github.com/patrickmn/go-cache"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/tphakala/nnbridge/internal/errors"
	"github.com/tphakala/nnbridge/internal/logger"
	"github.com/tphakala/nnbridge/internal/nnmodel"
)

const (
	dumpKeyAll   = "all"
	dumpFileMode = 0o644
)

// modelInfo is the dump record read by clients to learn a model's layout.
type modelInfo struct {
	Idx           int                   `yaml:"idx"`
	ModelPath     string                `yaml:"modelPath"`
	MinBufferSize int                   `yaml:"minBufferSize"`
	Methods       []nnmodel.ModelMethod `yaml:"methods"`
	Attributes    []string              `yaml:"attributes,omitempty"`
}

func (d *Descriptor) info() modelInfo {
	info := modelInfo{
		Idx:           d.id,
		ModelPath:     d.path,
		MinBufferSize: d.minBuffer,
		Methods:       d.methods,
	}
	for _, a := range d.attributes {
		info.Attributes = append(info.Attributes, a.Name)
	}
	if info.Methods == nil {
		info.Methods = []nnmodel.ModelMethod{}
	}
	return info
}

// Dump writes every loaded model as a YAML list ordered by id.
func (r *Registry) Dump(w io.Writer) error {
	data, err := r.render(dumpKeyAll, func() ([]modelInfo, error) {
		infos := make([]modelInfo, 0, len(r.models))
		for _, id := range slices.Sorted(maps.Keys(r.models)) {
			infos = append(infos, r.models[id].info())
		}
		return infos, nil
	})
	if err != nil {
		return err
	}
	return writeAll(w, data)
}

// DumpModel writes the model at id as a one-element YAML list.
func (r *Registry) DumpModel(id int, w io.Writer) error {
	data, err := r.render("model:"+strconv.Itoa(id), func() ([]modelInfo, error) {
		d, ok := r.models[id]
		if !ok {
			return nil, errNotFound(id)
		}
		return []modelInfo{d.info()}, nil
	})
	if err != nil {
		return err
	}
	return writeAll(w, data)
}

// WriteDump writes Dump output to path.
func (r *Registry) WriteDump(path string) error {
	return r.writeFile(path, r.Dump)
}

// WriteModelDump writes DumpModel output for id to path.
func (r *Registry) WriteModelDump(id int, path string) error {
	return r.writeFile(path, func(w io.Writer) error { return r.DumpModel(id, w) })
}

// render returns the cached YAML for key, building it under the registry lock
// on a miss. Mutations flush the cache.
func (r *Registry) render(key string, build func() ([]modelInfo, error)) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cached, ok := r.dumps.Get(key); ok {
		return cached.([]byte), nil
	}
	infos, err := build()
	if err != nil {
		return nil, err
	}
	data, err := yaml.Marshal(infos)
	if err != nil {
		return nil, errors.New(err).
			Component(componentRegistry).
			Category(errors.CategoryGeneric).
			Context("operation", "dump").
			Build()
	}
	r.dumps.Set(key, data, cache.NoExpiration)
	return data, nil
}

func (r *Registry) writeFile(path string, dump func(io.Writer) error) error {
	var buf bytes.Buffer
	if err := dump(&buf); err != nil {
		return err
	}
	if err := afero.WriteFile(r.fs, path, buf.Bytes(), dumpFileMode); err != nil {
		return fileError(err, path)
	}
	r.log.Debug("wrote model dump", logger.String("path", path))
	return nil
}

func fileError(err error, path string) error {
	return errors.New(err).
		Component(componentRegistry).
		Category(errors.CategoryFileIO).
		Context("path", path).
		Build()
}

func writeAll(w io.Writer, data []byte) error {
	_, err := w.Write(data)
	return err
}
