// Package wire encodes portal call arguments and decodes replies and
// signals into typed values. It works on the values godbus hands back
// (dbus.Variant, map[string]dbus.Variant, []interface{} for structs inside
// variants) and refuses to guess: a reply of the wrong shape, an enum
// ordinal or tag with no mapped case, or a short body all surface as a
// DecodeError.
package wire
