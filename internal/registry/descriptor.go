package registry

import (
	"slices"
	"sync"
	"sync/atomic"

	"github.com/tphakala/nnbridge/internal/nnmodel"
)

// Descriptor is the immutable metadata of one loaded model. It keeps the probe
// backend it was built from open until the last reference is released.
type Descriptor struct {
	id         int
	path       string
	methods    []nnmodel.ModelMethod
	attributes []nnmodel.AttributeDescriptor
	minBuffer  int

	probe     nnmodel.Backend
	refs      atomic.Int64
	closeOnce sync.Once
	closeErr  error
}

func newDescriptor(id int, path string, probe nnmodel.Backend) *Descriptor {
	d := &Descriptor{
		id:    id,
		path:  path,
		probe: probe,
	}
	for _, m := range probe.Methods() {
		if m.InChannels == 0 && m.InRatio == 0 && m.OutChannels == 0 && m.OutRatio == 0 {
			continue
		}
		d.methods = append(d.methods, m)
	}
	d.attributes = slices.Clone(probe.Attributes())
	d.minBuffer = nnmodel.MinBufferSize(d.methods)
	d.refs.Store(1)
	return d
}

// ID returns the registry id the descriptor was loaded at.
func (d *Descriptor) ID() int { return d.id }

// Path returns the model path.
func (d *Descriptor) Path() string { return d.path }

// MinBufferSize returns the highest ratio across the model's methods.
func (d *Descriptor) MinBufferSize() int { return d.minBuffer }

// Methods returns a copy of the method list.
func (d *Descriptor) Methods() []nnmodel.ModelMethod { return slices.Clone(d.methods) }

// Attributes returns a copy of the attribute list.
func (d *Descriptor) Attributes() []nnmodel.AttributeDescriptor {
	return slices.Clone(d.attributes)
}

// Method returns the method at index i.
func (d *Descriptor) Method(i int) (nnmodel.ModelMethod, bool) {
	if i < 0 || i >= len(d.methods) {
		return nnmodel.ModelMethod{}, false
	}
	return d.methods[i], true
}

// Attribute returns the attribute at index i.
func (d *Descriptor) Attribute(i int) (nnmodel.AttributeDescriptor, bool) {
	if i < 0 || i >= len(d.attributes) {
		return nnmodel.AttributeDescriptor{}, false
	}
	return d.attributes[i], true
}

// FindMethod returns the index of the method called name.
func (d *Descriptor) FindMethod(name string) (int, bool) {
	return nnmodel.FindMethod(d.methods, name)
}

// FindAttribute returns the index of the attribute called name.
func (d *Descriptor) FindAttribute(name string) (int, bool) {
	for i := range d.attributes {
		if d.attributes[i].Name == name {
			return i, true
		}
	}
	return -1, false
}

func (d *Descriptor) retain() {
	d.refs.Add(1)
}

// release drops one reference and closes the probe backend on the last one.
func (d *Descriptor) release() error {
	if d.refs.Add(-1) > 0 {
		return nil
	}
	d.closeOnce.Do(func() {
		d.closeErr = d.probe.Close()
	})
	return d.closeErr
}

// Lease keeps a Descriptor alive while an engine uses it.
type Lease struct {
	desc *Descriptor
	once sync.Once
}

// Descriptor returns the leased descriptor.
func (l *Lease) Descriptor() *Descriptor {
	return l.desc
}

// Release returns the lease. Calling it more than once is a no-op.
func (l *Lease) Release() error {
	var err error
	l.once.Do(func() {
		err = l.desc.release()
	})
	return err
}
