package main

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
)

// ===========================================================================
// WHAT'S GOING ON HERE: Weight Manifest + Model Registry
// ===========================================================================
//
// Serialization here is built around an explicit, versioned WEIGHT MANIFEST
// rather than a positional tensor dump: the header names every parameter,
// its role, and its shape, decoupled from how any particular runtime lays
// out its checkpoints. Loading verifies the manifest against the freshly
// constructed model (format version, entry names, roles, shapes) BEFORE a
// single float is copied, so a truncated or mismatched file fails loudly
// with the offending entry in the message.
//
// On-disk format:
//   1. uint32 little-endian header length
//   2. JSON WeightManifest (format version + config + ordered entries)
//   3. For each manifest entry, in order: raw little-endian float64 data
//
// In shared-encoder mode only the single encoder's parameters are written;
// the sharing flag in the embedded config reconstructs the aliasing on
// load. The two projections are always written.
//
// The Registry below replaces package-global name lists: an explicit
// object, populated at startup, frozen, and immutable afterwards.
//
// ===========================================================================

// weightFormatVersion identifies the manifest layout. Bump on any change
// to the header or payload encoding.
const weightFormatVersion = 1

// ManifestEntry describes one named parameter.
type ManifestEntry struct {
	Name  string `json:"name"`
	Role  string `json:"role"`
	Shape []int  `json:"shape"`
}

// WeightManifest is the versioned header written ahead of the binary
// payload. Entries appear in payload order.
type WeightManifest struct {
	FormatVersion int             `json:"format_version"`
	Config        Config          `json:"config"`
	Entries       []ManifestEntry `json:"entries"`
}

// namedParam pairs a manifest entry with the live tensor it describes.
type namedParam struct {
	Name   string
	Role   string
	Tensor *Tensor
}

// namedParameters enumerates every parameter with a stable name and role,
// in serialization order.
func (m *DualEncoder) namedParameters() []namedParam {
	params := encoderNamedParameters("query_encoder", m.queryEncoder)
	if m.docEncoder != nil {
		params = append(params, encoderNamedParameters("doc_encoder", m.docEncoder)...)
	}
	params = append(params,
		namedParam{"project_query.weight", "projection", m.projQuery},
		namedParam{"project_doc.weight", "projection", m.projDoc},
	)
	return params
}

func encoderNamedParameters(prefix string, e *Encoder) []namedParam {
	params := []namedParam{
		{prefix + ".embeddings.token", "embedding", e.tokenEmbed},
		{prefix + ".embeddings.position", "embedding", e.posEmbed},
		{prefix + ".embeddings.layer_norm.gamma", "layer_norm", e.lnEmbed.gamma},
		{prefix + ".embeddings.layer_norm.beta", "layer_norm", e.lnEmbed.beta},
	}

	for i, l := range e.layers {
		lp := fmt.Sprintf("%s.layer.%d", prefix, i)
		params = append(params,
			namedParam{lp + ".attention.wq", "attention", l.attn.wq},
			namedParam{lp + ".attention.wk", "attention", l.attn.wk},
			namedParam{lp + ".attention.wv", "attention", l.attn.wv},
			namedParam{lp + ".attention.wo", "attention", l.attn.wo},
			namedParam{lp + ".attention.layer_norm.gamma", "layer_norm", l.ln1.gamma},
			namedParam{lp + ".attention.layer_norm.beta", "layer_norm", l.ln1.beta},
			namedParam{lp + ".feed_forward.w1", "feed_forward", l.ff.w1},
			namedParam{lp + ".feed_forward.b1", "feed_forward", l.ff.b1},
			namedParam{lp + ".feed_forward.w2", "feed_forward", l.ff.w2},
			namedParam{lp + ".feed_forward.b2", "feed_forward", l.ff.b2},
			namedParam{lp + ".output.layer_norm.gamma", "layer_norm", l.ln2.gamma},
			namedParam{lp + ".output.layer_norm.beta", "layer_norm", l.ln2.beta},
		)
	}

	return append(params,
		namedParam{prefix + ".pooler.weight", "pooler", e.poolerW},
		namedParam{prefix + ".pooler.bias", "pooler", e.poolerB},
	)
}

// Manifest builds the weight manifest for this model.
func (m *DualEncoder) Manifest() WeightManifest {
	named := m.namedParameters()
	entries := make([]ManifestEntry, len(named))
	for i, p := range named {
		entries[i] = ManifestEntry{Name: p.Name, Role: p.Role, Shape: p.Tensor.Shape()}
	}
	return WeightManifest{
		FormatVersion: weightFormatVersion,
		Config:        m.config,
		Entries:       entries,
	}
}

// SaveWeights writes the manifest header and binary payload to a file.
func (m *DualEncoder) SaveWeights(filename string) error {
	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer f.Close()

	manifestJSON, err := json.Marshal(m.Manifest())
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	headerLen := uint32(len(manifestJSON))
	if err := binary.Write(f, binary.LittleEndian, headerLen); err != nil {
		return fmt.Errorf("failed to write header length: %w", err)
	}
	if _, err := f.Write(manifestJSON); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}

	for _, p := range m.namedParameters() {
		if err := binary.Write(f, binary.LittleEndian, p.Tensor.data); err != nil {
			return fmt.Errorf("failed to write %s: %w", p.Name, err)
		}
	}

	return nil
}

// LoadDualEncoder reads a manifest-format weight file and reconstructs the
// model. The manifest is verified against the model built from the
// embedded config before any parameter data is copied.
func LoadDualEncoder(filename string) (*DualEncoder, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	var headerLen uint32
	if err := binary.Read(f, binary.LittleEndian, &headerLen); err != nil {
		return nil, fmt.Errorf("failed to read header length: %w", err)
	}

	manifestJSON := make([]byte, headerLen)
	if _, err := io.ReadFull(f, manifestJSON); err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var manifest WeightManifest
	if err := json.Unmarshal(manifestJSON, &manifest); err != nil {
		return nil, fmt.Errorf("failed to unmarshal manifest: %w", err)
	}

	if manifest.FormatVersion != weightFormatVersion {
		return nil, fmt.Errorf("unsupported weight format version %d (want %d)",
			manifest.FormatVersion, weightFormatVersion)
	}

	model, err := NewDualEncoder(manifest.Config)
	if err != nil {
		return nil, err
	}

	named := model.namedParameters()
	if len(named) != len(manifest.Entries) {
		return nil, fmt.Errorf("manifest has %d entries, model has %d parameters",
			len(manifest.Entries), len(named))
	}

	// Verify the whole manifest before touching any parameter.
	for i, entry := range manifest.Entries {
		if entry.Name != named[i].Name {
			return nil, fmt.Errorf("manifest entry %d: name %q, model expects %q",
				i, entry.Name, named[i].Name)
		}
		if entry.Role != named[i].Role {
			return nil, fmt.Errorf("manifest entry %q: role %q, model expects %q",
				entry.Name, entry.Role, named[i].Role)
		}
		if !shapeEqual(entry.Shape, named[i].Tensor.shape) {
			return nil, fmt.Errorf("%w: manifest entry %q: shape %v, model expects %v",
				ErrShapeMismatch, entry.Name, entry.Shape, named[i].Tensor.Shape())
		}
	}

	for _, p := range named {
		if err := binary.Read(f, binary.LittleEndian, p.Tensor.data); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", p.Name, err)
		}
	}

	return model, nil
}

// ===========================================================================
// MODEL REGISTRY
// ===========================================================================

// Registry maps released model names to configurations. It has an explicit
// lifecycle: Register during startup, Freeze once, then read-only. There is
// no package-level mutable registry state.
type Registry struct {
	frozen  bool
	configs map[string]Config
}

// NewRegistry creates an empty, unfrozen registry.
func NewRegistry() *Registry {
	return &Registry{configs: make(map[string]Config)}
}

// Register adds a named configuration. Fails after Freeze or on duplicates.
func (r *Registry) Register(name string, config Config) error {
	if r.frozen {
		return fmt.Errorf("registry: cannot register %q after freeze", name)
	}
	if _, exists := r.configs[name]; exists {
		return fmt.Errorf("registry: %q already registered", name)
	}
	if err := config.Validate(); err != nil {
		return fmt.Errorf("registry: %q: %w", name, err)
	}
	r.configs[name] = config
	return nil
}

// Freeze makes the registry immutable.
func (r *Registry) Freeze() {
	r.frozen = true
}

// Lookup returns the configuration registered under name.
func (r *Registry) Lookup(name string) (Config, bool) {
	config, ok := r.configs[name]
	return config, ok
}

// Names returns all registered names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.configs))
	for name := range r.configs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// BuiltinRegistry returns the frozen registry of configurations this
// repository ships with.
func BuiltinRegistry() *Registry {
	r := NewRegistry()

	base := DefaultConfig()
	if err := r.Register("retrieval-tiny", base); err != nil {
		panic(err)
	}

	large := base
	large.HiddenDim = 256
	large.NumLayers = 8
	large.NumHeads = 8
	large.IntermediateDim = 1024
	large.ProjectionDim = 128
	if err := r.Register("retrieval-small", large); err != nil {
		panic(err)
	}

	r.Freeze()
	return r
}
