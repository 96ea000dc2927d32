package event

import "fmt"

// Decoded is the result of routing a payload through its registered
// decoder: the known fields it recognized, plus a count of trailing
// fields it intentionally ignored (schema evolution, not corruption).
type Decoded struct {
	Kind          Kind
	SchemaVersion uint8
	Known         map[string][]byte
	SkippedFields int
}

// FieldSpec names one TLV tag a given (Kind, SchemaVersion) decoder
// understands.
type FieldSpec struct {
	Tag  uint16
	Name string
}

// schemaKey identifies one registered decoder.
type schemaKey struct {
	kind    Kind
	version uint8
}

var registry = map[schemaKey][]FieldSpec{
	{KindKeystroke, 1}: {
		{Tag: 1, Name: "key_code"},
	},
	{KindClipboard, 1}: {
		{Tag: 1, Name: "content_hash"},
		{Tag: 2, Name: "byte_length"},
	},
	{KindWindowFocus, 1}: {
		{Tag: 1, Name: "window_title_hash"},
		{Tag: 2, Name: "app_bundle_id"},
	},
}

// RegisterSchema installs or replaces the field list for (kind,
// version). Producers and the packer must call this with identical
// arguments at startup so both sides agree on what each tag means; the
// registry itself carries no versioning metadata beyond the map key.
func RegisterSchema(kind Kind, version uint8, fields []FieldSpec) {
	registry[schemaKey{kind, version}] = fields
}

// DecodeEvent parses e.Payload through the decoder registered for
// (e.Kind, e.SchemaVersion). Per the forward-compatibility rule,
// trailing fields the registered schema doesn't name are counted in
// SkippedFields rather than treated as an error; only a structurally
// malformed TLV stream (DecodeFields failing) or a kind/version with no
// registered decoder at all is an error, and the latter is the
// "unknown kind or unsupported schema_version" case the orchestrator
// quarantines rather than treats as fatal.
func DecodeEvent(e Event) (Decoded, error) {
	spec, ok := registry[schemaKey{e.Kind, e.SchemaVersion}]
	if !ok {
		return Decoded{}, fmt.Errorf("event: no decoder registered for kind=%s schema_version=%d", e.Kind, e.SchemaVersion)
	}

	fields, err := DecodeFields(e.Payload)
	if err != nil {
		return Decoded{}, err
	}

	byTag := make(map[uint16]FieldSpec, len(spec))
	for _, s := range spec {
		byTag[s.Tag] = s
	}

	known := make(map[string][]byte, len(spec))
	skipped := 0
	for _, f := range fields {
		if s, ok := byTag[f.Tag]; ok {
			known[s.Name] = f.Value
		} else {
			skipped++
		}
	}

	return Decoded{
		Kind:          e.Kind,
		SchemaVersion: e.SchemaVersion,
		Known:         known,
		SkippedFields: skipped,
	}, nil
}

// MaxRegisteredVersion returns the highest schema version registered
// for kind and whether any version is registered at all. The packer
// uses this to find a fallback version to decode a newer, unregistered
// record under, per DecodeUnderVersion's forward-compatibility contract.
func MaxRegisteredVersion(kind Kind) (version uint8, ok bool) {
	for key := range registry {
		if key.kind != kind {
			continue
		}
		if !ok || key.version > version {
			version = key.version
			ok = true
		}
	}
	return version, ok
}

// DecodeUnderVersion decodes payload as if it were schema_version even
// when the event declares a newer one, provided the newer version is a
// declared superset (every field the older version names is present at
// the same tag). This is how a packer whose registry only knows v1 can
// still ingest a v2 record: the newer producer adds fields, it never
// repurposes a tag, so decoding under the older schema and discarding
// the rest is safe by construction of RegisterSchema's contract.
func DecodeUnderVersion(e Event, version uint8) (Decoded, error) {
	e.SchemaVersion = version
	return DecodeEvent(e)
}
