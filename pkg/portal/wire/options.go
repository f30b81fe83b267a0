package wire

import (
	"sort"

	"github.com/godbus/dbus/v5"
)

// Options is the a{sv} record of optional named parameters attached to a
// portal call or carried in a response. Keys that were never set are not
// sent; the broker applies its own defaults for them.
type Options struct {
	keys   []string
	values map[string]dbus.Variant
}

// NewOptions returns an empty record.
func NewOptions() *Options {
	return &Options{values: make(map[string]dbus.Variant)}
}

// OptionsFromWire rebuilds a record from a decoded a{sv} map. Dictionaries
// carry no order, so keys come back sorted.
func OptionsFromWire(m map[string]dbus.Variant) *Options {
	o := NewOptions()

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		o.keys = append(o.keys, k)
		o.values[k] = m[k]
	}
	return o
}

// Set stores v under key, replacing any previous value in place.
func (o *Options) Set(key string, v interface{}) *Options {
	if o.values == nil {
		o.values = make(map[string]dbus.Variant)
	}

	variant, ok := v.(dbus.Variant)
	if !ok {
		variant = dbus.MakeVariant(v)
	}

	if _, exists := o.values[key]; !exists {
		o.keys = append(o.keys, key)
	}
	o.values[key] = variant
	return o
}

// SetBool stores b only when it is non-nil.
func (o *Options) SetBool(key string, b *bool) *Options {
	if b != nil {
		o.Set(key, *b)
	}
	return o
}

// SetString stores s only when it is non-nil.
func (o *Options) SetString(key string, s *string) *Options {
	if s != nil {
		o.Set(key, *s)
	}
	return o
}

func (o *Options) Has(key string) bool {
	if o == nil {
		return false
	}
	_, ok := o.values[key]
	return ok
}

// Keys returns the set keys in insertion order.
func (o *Options) Keys() []string {
	if o == nil {
		return nil
	}
	return append([]string(nil), o.keys...)
}

func (o *Options) Len() int {
	if o == nil {
		return 0
	}
	return len(o.keys)
}

// Variant returns the raw value stored under key.
func (o *Options) Variant(key string) (dbus.Variant, bool) {
	if o == nil {
		return dbus.Variant{}, false
	}
	v, ok := o.values[key]
	return v, ok
}

// Wire returns the a{sv} map to put on the bus. It is never nil, since an
// empty dictionary is still a required argument for most portal methods.
func (o *Options) Wire() map[string]dbus.Variant {
	m := make(map[string]dbus.Variant, o.Len())
	if o == nil {
		return m
	}
	for _, k := range o.keys {
		m[k] = o.values[k]
	}
	return m
}

// Bool reads a "b" value. present is false when the key is unset.
func (o *Options) Bool(key string) (value bool, present bool, err error) {
	v, ok := o.Variant(key)
	if !ok {
		return false, false, nil
	}
	b, ok := v.Value().(bool)
	if !ok {
		return false, true, mismatch(key, "b", v.Signature().String())
	}
	return b, true, nil
}

// String reads an "s" value.
func (o *Options) String(key string) (value string, present bool, err error) {
	v, ok := o.Variant(key)
	if !ok {
		return "", false, nil
	}
	s, ok := v.Value().(string)
	if !ok {
		return "", true, mismatch(key, "s", v.Signature().String())
	}
	return s, true, nil
}

// Uint32 reads a "u" value.
func (o *Options) Uint32(key string) (value uint32, present bool, err error) {
	v, ok := o.Variant(key)
	if !ok {
		return 0, false, nil
	}
	u, ok := v.Value().(uint32)
	if !ok {
		return 0, true, mismatch(key, "u", v.Signature().String())
	}
	return u, true, nil
}

// RequiredString reads an "s" value that the protocol says must be present.
func (o *Options) RequiredString(key string) (string, error) {
	s, present, err := o.String(key)
	if err != nil {
		return "", err
	}
	if !present {
		return "", Missing(key)
	}
	return s, nil
}
