// Package manifest reads and writes the skill lock file: a JSON document
// mapping skill IDs to provenance and content hashes. Documents written by
// newer tools keep their unknown fields across a read-modify-write cycle.
package manifest

import (
	"bytes"
	"encoding/json"
	"sort"
	"time"

	"github.com/pkg/errors"
)

// CurrentVersion is the document version written for new manifests.
const CurrentVersion = 1

// ErrManifestCorrupt is returned when the lock file exists but cannot be
// interpreted as a manifest.
var ErrManifestCorrupt = errors.New("manifest is corrupt")

// Entry is the provenance record for one installed skill.
type Entry struct {
	Source          string     `json:"source" jsonschema:"description=Where the skill came from such as owner/repo"`
	SourceType      string     `json:"sourceType" jsonschema:"description=Kind of source such as github or local"`
	SourceURL       string     `json:"sourceUrl" jsonschema:"description=Fetchable location of the source"`
	SkillPath       string     `json:"skillPath,omitempty" jsonschema:"description=Path of the skill inside the source"`
	SkillFolderHash string     `json:"skillFolderHash" jsonschema:"description=Content hash of the installed skill directory"`
	InstalledAt     *time.Time `json:"installedAt,omitempty"`
	UpdatedAt       *time.Time `json:"updatedAt,omitempty"`
	RemoteHash      string     `json:"remoteHash,omitempty" jsonschema:"description=Last known hash of the remote copy"`
	RemoteCheckedAt *time.Time `json:"remoteCheckedAt,omitempty"`

	// Extra holds fields this version does not know about, and the raw
	// value of any known field that did not decode. A raw known value is
	// written back only while its typed field is unset.
	Extra map[string]json.RawMessage `json:"-"`
}

// Stamp returns a pointer to t in UTC, for the optional timestamp fields.
func Stamp(t time.Time) *time.Time {
	t = t.UTC()
	return &t
}

// Manifest is the whole lock file.
type Manifest struct {
	Version int              `json:"version"`
	Skills  map[string]Entry `json:"skills"`

	// Extra holds unknown top-level fields.
	Extra map[string]json.RawMessage `json:"-"`
}

// New returns an empty manifest at CurrentVersion.
func New() *Manifest {
	return &Manifest{Version: CurrentVersion, Skills: map[string]Entry{}}
}

type entryFields Entry

// entryOrder is the on-disk order of the known entry fields.
var entryOrder = []string{
	"source", "sourceType", "sourceUrl", "skillPath", "skillFolderHash",
	"installedAt", "updatedAt", "remoteHash", "remoteCheckedAt",
}

var entryKeys = func() map[string]bool {
	keys := make(map[string]bool, len(entryOrder))
	for _, k := range entryOrder {
		keys[k] = true
	}
	return keys
}()

// UnmarshalJSON decodes an entry, keeping unknown fields in Extra. A known
// field with a null or undecodable value (a timestamp in another layout,
// say) is kept raw in Extra instead of failing the whole document.
func (e *Entry) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		return errors.New("entry must be an object")
	}

	var known entryFields
	var extra map[string]json.RawMessage
	for k, v := range raw {
		if entryKeys[k] && !isNull(v) && decodeField(&known, k, v) == nil {
			continue
		}
		if extra == nil {
			extra = make(map[string]json.RawMessage)
		}
		extra[k] = v
	}
	*e = Entry(known)
	e.Extra = extra
	return nil
}

// decodeField decodes a single member into dst, leaving dst untouched when
// the value does not fit the field.
func decodeField(dst *entryFields, key string, value json.RawMessage) error {
	name, err := json.Marshal(key)
	if err != nil {
		return err
	}
	member := make([]byte, 0, len(name)+len(value)+3)
	member = append(member, '{')
	member = append(member, name...)
	member = append(member, ':')
	member = append(member, value...)
	member = append(member, '}')

	var scratch entryFields
	if err := json.Unmarshal(member, &scratch); err != nil {
		return err
	}
	return json.Unmarshal(member, dst)
}

// MarshalJSON encodes known fields in entryOrder, then unknown fields in key
// order. Required string fields are always written; optional ones only when
// set, falling back to a raw value kept from decoding.
func (e Entry) MarshalJSON() ([]byte, error) {
	typed, err := json.Marshal(entryFields(e))
	if err != nil {
		return nil, err
	}
	var members map[string]json.RawMessage
	if err := json.Unmarshal(typed, &members); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.WriteByte('{')
	write := func(k string, v json.RawMessage) error {
		name, err := json.Marshal(k)
		if err != nil {
			return err
		}
		if !json.Valid(v) {
			return errors.Errorf("invalid raw value for field %q", k)
		}
		if buf.Len() > 1 {
			buf.WriteByte(',')
		}
		buf.Write(name)
		buf.WriteByte(':')
		buf.Write(v)
		return nil
	}

	for _, k := range entryOrder {
		v, set := members[k]
		if raw, ok := e.Extra[k]; ok && (!set || isEmptyString(v)) {
			v, set = raw, true
		}
		if !set {
			continue
		}
		if err := write(k, v); err != nil {
			return nil, err
		}
	}
	for _, k := range sortedKeys(e.Extra) {
		if entryKeys[k] {
			continue
		}
		if err := write(k, e.Extra[k]); err != nil {
			return nil, err
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

var manifestKeys = map[string]bool{"version": true, "skills": true}

// UnmarshalJSON decodes a manifest. Only a JSON object whose "skills" member
// (if present) is an object is accepted.
func (m *Manifest) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		return errors.New("manifest must be an object")
	}

	out := Manifest{Skills: map[string]Entry{}}
	if v, ok := raw["version"]; ok && !isNull(v) {
		if err := json.Unmarshal(v, &out.Version); err != nil {
			return errors.Wrap(err, "invalid version")
		}
	}
	if v, ok := raw["skills"]; ok && !isNull(v) {
		var skills map[string]Entry
		if err := json.Unmarshal(v, &skills); err != nil {
			return errors.Wrap(err, "invalid skills")
		}
		if skills == nil {
			return errors.New("skills must be an object")
		}
		out.Skills = skills
	}
	out.Extra = extraFields(raw, manifestKeys)
	*m = out
	return nil
}

// MarshalJSON encodes version and skills, then unknown fields in key order.
func (m Manifest) MarshalJSON() ([]byte, error) {
	skills := m.Skills
	if skills == nil {
		skills = map[string]Entry{}
	}
	data, err := json.Marshal(struct {
		Version int              `json:"version"`
		Skills  map[string]Entry `json:"skills"`
	}{m.Version, skills})
	if err != nil {
		return nil, err
	}
	return appendFields(data, m.Extra, manifestKeys)
}

// Encode renders the on-disk form: two-space indentation and a trailing
// newline.
func (m *Manifest) Encode() ([]byte, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal manifest")
	}
	return append(data, '\n'), nil
}

// Decode parses on-disk bytes. Any failure is reported as ErrManifestCorrupt.
func Decode(data []byte) (*Manifest, error) {
	if isNull(data) {
		return nil, errors.Wrap(ErrManifestCorrupt, "document is null")
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrapf(ErrManifestCorrupt, "%v", err)
	}
	return &m, nil
}

// Clone returns a deep copy.
func (m *Manifest) Clone() *Manifest {
	if m == nil {
		return nil
	}
	out := &Manifest{
		Version: m.Version,
		Skills:  make(map[string]Entry, len(m.Skills)),
		Extra:   cloneRaw(m.Extra),
	}
	for id, e := range m.Skills {
		out.Skills[id] = e.Clone()
	}
	return out
}

// Clone returns a deep copy.
func (e Entry) Clone() Entry {
	out := e
	out.Extra = cloneRaw(e.Extra)
	out.InstalledAt = cloneTime(e.InstalledAt)
	out.UpdatedAt = cloneTime(e.UpdatedAt)
	out.RemoteCheckedAt = cloneTime(e.RemoteCheckedAt)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// IDs returns the skill IDs in sorted order.
func (m *Manifest) IDs() []string {
	ids := make([]string, 0, len(m.Skills))
	for id := range m.Skills {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func extraFields(raw map[string]json.RawMessage, known map[string]bool) map[string]json.RawMessage {
	var extra map[string]json.RawMessage
	for k, v := range raw {
		if known[k] {
			continue
		}
		if extra == nil {
			extra = make(map[string]json.RawMessage)
		}
		extra[k] = v
	}
	return extra
}

// appendFields splices extra members into the encoded object obj.
func appendFields(obj []byte, extra map[string]json.RawMessage, known map[string]bool) ([]byte, error) {
	var keys []string
	for _, k := range sortedKeys(extra) {
		if !known[k] {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return obj, nil
	}

	var buf bytes.Buffer
	buf.Write(obj[:len(obj)-1])
	for _, k := range keys {
		name, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		if !json.Valid(extra[k]) {
			return nil, errors.Errorf("invalid raw value for field %q", k)
		}
		if buf.Len() > 1 {
			buf.WriteByte(',')
		}
		buf.Write(name)
		buf.WriteByte(':')
		buf.Write(extra[k])
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func sortedKeys(m map[string]json.RawMessage) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func isEmptyString(v json.RawMessage) bool {
	return bytes.Equal(v, []byte(`""`))
}

func cloneRaw(in map[string]json.RawMessage) map[string]json.RawMessage {
	if in == nil {
		return nil
	}
	out := make(map[string]json.RawMessage, len(in))
	for k, v := range in {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}

func isNull(v json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}
