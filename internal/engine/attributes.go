package engine

import (
	"github.com/tphakala/nnbridge/internal/nnmodel"
)

type attributeSlot struct {
	desc nnmodel.AttributeDescriptor

	// audio thread
	value    float32
	lastTrig float32
	dirty    bool

	// written by Publish while the worker is idle, consumed by Snapshot
	frozenValue float32
	frozenDirty bool
}

// AttributeCache latches per-block attribute controls on the audio thread and
// hands them to the worker together with the input block they belong to.
type AttributeCache struct {
	slots []attributeSlot
}

// NewAttributeCache creates one clean slot per descriptor.
func NewAttributeCache(descs []nnmodel.AttributeDescriptor) *AttributeCache {
	c := &AttributeCache{slots: make([]attributeSlot, len(descs))}
	for i, d := range descs {
		c.slots[i].desc = d
	}
	return c
}

// Len returns the number of slots.
func (c *AttributeCache) Len() int {
	return len(c.slots)
}

// Lookup returns the slot index of the attribute called name.
func (c *AttributeCache) Lookup(name string) (int, bool) {
	for i := range c.slots {
		if c.slots[i].desc.Name == name {
			return i, true
		}
	}
	return -1, false
}

// Update records control for slot i on a rising trigger edge: the previous
// trigger was <= 0 and this one is > 0. A held trigger does not fire again.
// Audio thread only.
func (c *AttributeCache) Update(i int, control, trigger float32) {
	if i < 0 || i >= len(c.slots) {
		return
	}
	s := &c.slots[i]
	if s.lastTrig <= 0 && trigger > 0 {
		s.value = control
		s.dirty = true
	}
	s.lastTrig = trigger
}

// Publish freezes dirty slots for the next inference. Audio thread only, and
// only while the worker is idle.
func (c *AttributeCache) Publish() {
	for i := range c.slots {
		s := &c.slots[i]
		if s.dirty {
			s.frozenValue = s.value
			s.frozenDirty = true
			s.dirty = false
		}
	}
}

// Snapshot appends the formatted value of every frozen dirty slot to dst and
// clears those slots. Clean slots are omitted. Worker only.
func (c *AttributeCache) Snapshot(dst []nnmodel.AttributeValue) []nnmodel.AttributeValue {
	for i := range c.slots {
		s := &c.slots[i]
		if !s.frozenDirty {
			continue
		}
		dst = append(dst, nnmodel.AttributeValue{
			Name:  s.desc.Name,
			Value: nnmodel.FormatValue(s.desc.Kind, s.frozenValue),
			Kind:  s.desc.Kind,
		})
		s.frozenDirty = false
	}
	return dst
}
