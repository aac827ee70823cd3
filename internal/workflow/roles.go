package workflow

import (
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// Role is a semantic slot in a template filled by whichever node's class
// type appears in that role's allow-list.
type Role string

const (
	RolePrompt      Role = "prompt"
	RoleDimensions  Role = "dimensions"
	RoleSeed        Role = "seed"
	RoleImageLoader Role = "image_loader"
	RoleScheduler   Role = "scheduler"
	RoleOutput      Role = "output"
)

// Seed input names.
const (
	FieldSeed      = "seed"
	FieldNoiseSeed = "noise_seed"
)

// Roles is the immutable role -> class type registry. Build it once at
// startup with DefaultRoles (optionally extended by LoadRoles) and share it.
type Roles struct {
	tags       map[Role][]string
	seedFields map[string]string
}

// DefaultRoles returns the built-in allow-lists.
func DefaultRoles() Roles {
	return Roles{
		tags: map[Role][]string{
			RolePrompt: {
				"CLIPTextEncode",
				"BizyAir_CLIPTextEncode",
				"CLIPTextEncodeSDXL",
				"CLIPTextEncodeAdvanced",
				"BizyAir_CogView4_6B_Pipe",
			},
			RoleDimensions: {
				"EmptyLatentImage",
				"EmptySD3LatentImage",
				"BizyAir_CogView4_6B_Pipe",
				"EmptyLatentImageAdvanced",
				"BizyAir_ModelSamplingFlux",
			},
			RoleSeed: {
				"BizyAir_RandomNoise",
				"KSampler",
				"KSamplerAdvanced",
				"RandomNoise",
				"RandomSeed",
				"BizyAir_CogView4_6B_Pipe",
			},
			RoleImageLoader: {
				"LoadImage",
				"LoadImageMask",
				"ImageLoad",
				"LoadImageBase64",
				"LoadImageOutput",
			},
			RoleScheduler: {
				"KSampler",
				"KSamplerAdvanced",
				"SamplerCustom",
				"BasicScheduler",
				"BizyAir_BasicScheduler",
				"DPMScheduler",
			},
			RoleOutput: {
				"SaveImage",
				"SaveImageWithMetadata",
				"BizyAir_SaveImage",
			},
		},
		seedFields: map[string]string{
			"KSampler":            FieldSeed,
			"BizyAir_RandomNoise": FieldNoiseSeed,
			"RandomNoise":         FieldNoiseSeed,
		},
	}
}

// Tags returns a copy of the allow-list for role.
func (r Roles) Tags(role Role) []string {
	return slices.Clone(r.tags[role])
}

// With returns a new registry with extra class types appended to role's
// allow-list. The receiver is not modified.
func (r Roles) With(role Role, classTypes ...string) Roles {
	out := r.clone()
	for _, ct := range classTypes {
		if ct != "" && !slices.Contains(out.tags[role], ct) {
			out.tags[role] = append(out.tags[role], ct)
		}
	}
	return out
}

// WithSeedField returns a new registry that always writes seeds for
// classType into field.
func (r Roles) WithSeedField(classType, field string) Roles {
	out := r.clone()
	out.seedFields[classType] = field
	return out
}

func (r Roles) clone() Roles {
	out := Roles{
		tags:       make(map[Role][]string, len(r.tags)),
		seedFields: make(map[string]string, len(r.seedFields)),
	}
	for role, tags := range r.tags {
		out.tags[role] = slices.Clone(tags)
	}
	for ct, f := range r.seedFields {
		out.seedFields[ct] = f
	}
	return out
}

// rolesFile is the YAML layout accepted by LoadRoles:
//
//	roles:
//	  prompt: [MyTextEncoder]
//	seed_fields:
//	  MyNoise: noise_seed
type rolesFile struct {
	Roles      map[Role][]string `yaml:"roles"`
	SeedFields map[string]string `yaml:"seed_fields"`
}

var knownRoles = []Role{RolePrompt, RoleDimensions, RoleSeed, RoleImageLoader, RoleScheduler, RoleOutput}

// LoadRoles extends base with the class types listed in a YAML file.
// Extra tags rank after the built-in ones.
func LoadRoles(base Roles, path string) (Roles, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Roles{}, fmt.Errorf("reading roles file: %w", err)
	}

	var f rolesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Roles{}, fmt.Errorf("parsing roles file %s: %w", path, err)
	}

	out := base
	for role, tags := range f.Roles {
		if !slices.Contains(knownRoles, role) {
			return Roles{}, fmt.Errorf("roles file %s: unknown role %q", path, role)
		}
		out = out.With(role, tags...)
	}
	for ct, field := range f.SeedFields {
		if field != FieldSeed && field != FieldNoiseSeed {
			return Roles{}, fmt.Errorf("roles file %s: seed field for %s must be %s or %s, got %q",
				path, ct, FieldSeed, FieldNoiseSeed, field)
		}
		out = out.WithSeedField(ct, field)
	}
	return out, nil
}

// FindFirst returns the id of the first node, in document order, whose
// class type is in classTypes. Absence is reported through ok, never as an error.
func FindFirst(doc *Document, classTypes []string) (string, bool) {
	for _, id := range doc.order {
		if slices.Contains(classTypes, doc.nodes[id].ClassType) {
			return id, true
		}
	}
	return "", false
}

// Find locates the node filling role. The scheduler role prefers a node
// that declares a "denoise" input and falls back to a type-only match.
func (r Roles) Find(doc *Document, role Role) (string, bool) {
	tags := r.tags[role]
	if role == RoleScheduler {
		for _, id := range doc.order {
			n := doc.nodes[id]
			if slices.Contains(tags, n.ClassType) && n.HasInput("denoise") {
				return id, true
			}
		}
	}
	return FindFirst(doc, tags)
}

// SeedField picks the input that receives the seed on n. Class types with a
// registered field always use it; others use the first of seed, noise_seed
// the node declares.
func (r Roles) SeedField(n *Node) (string, bool) {
	if f, ok := r.seedFields[n.ClassType]; ok {
		return f, true
	}
	for _, f := range []string{FieldSeed, FieldNoiseSeed} {
		if n.HasInput(f) {
			return f, true
		}
	}
	return "", false
}
