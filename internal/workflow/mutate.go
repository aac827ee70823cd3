package workflow

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/kiranshivaraju/comfyrun/internal/errs"
)

// Seeds drawn for requests without one fall in [1, MaxAutoSeed].
const MaxAutoSeed = 999_999_999

// DefaultProduct is the filename prefix product segment.
const DefaultProduct = "ComfyUI"

// Params is the per-request subset of inputs the mutator writes.
type Params struct {
	Prompt  string
	Width   int
	Height  int
	Seed    *uint64
	Denoise float64
}

// Mutator rewrites cloned templates. It holds no per-request state and is
// safe for concurrent use.
type Mutator struct {
	roles   Roles
	product string
	logger  *slog.Logger

	now      func() time.Time
	drawSeed func() uint64
}

// NewMutator creates a Mutator. An empty product falls back to DefaultProduct.
func NewMutator(roles Roles, product string, logger *slog.Logger) *Mutator {
	if product == "" {
		product = DefaultProduct
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Mutator{
		roles:    roles,
		product:  product,
		logger:   logger,
		now:      time.Now,
		drawSeed: func() uint64 { return rand.Uint64N(MaxAutoSeed) + 1 },
	}
}

// ApplyText2Image returns a mutated copy of doc and the seed it used.
// Missing nodes degrade the matching aspect only; this never fails.
func (m *Mutator) ApplyText2Image(doc *Document, p Params) (*Document, uint64) {
	out := doc.Clone()
	seed := m.seed(p)

	m.setPrompt(out, p.Prompt)
	m.setDimensions(out, p.Width, p.Height)
	m.setSeed(out, seed)
	m.setPrefix(out, m.product)

	return out, seed
}

// ValidateImage2Image checks that doc can take an input image, without
// mutating it. Callers run it before uploading anything.
func (m *Mutator) ValidateImage2Image(doc *Document) error {
	id, ok := m.roles.Find(doc, RoleImageLoader)
	if !ok {
		return fmt.Errorf("%w: workflow does not contain a suitable image loader node", errs.ErrValidation)
	}
	if n, _ := doc.Node(id); n.Inputs == nil {
		return fmt.Errorf("%w: image loader node %s has no inputs", errs.ErrValidation, id)
	}
	return nil
}

// ApplyImage2Image performs the text-to-image edits plus the input image and
// denoise strength. The image loader is required.
func (m *Mutator) ApplyImage2Image(doc *Document, p Params, uploadedName string) (*Document, uint64, error) {
	if err := m.ValidateImage2Image(doc); err != nil {
		return nil, 0, err
	}

	out := doc.Clone()
	seed := m.seed(p)

	loaderID, _ := m.roles.Find(out, RoleImageLoader)
	loader, _ := out.Node(loaderID)
	loader.Inputs.Set("image", Text(uploadedName))
	m.logger.Info("set input image", "node_id", loaderID, "image", uploadedName)

	m.setPrompt(out, p.Prompt)
	m.setDimensions(out, p.Width, p.Height)
	m.setDenoise(out, p.Denoise)
	m.setSeed(out, seed)
	m.setPrefix(out, m.product+"_i2i")

	return out, seed, nil
}

func (m *Mutator) seed(p Params) uint64 {
	if p.Seed != nil {
		return *p.Seed
	}
	return m.drawSeed()
}

// node returns the mutable node filling role, or nil when the role is empty
// or the node has no inputs.
func (m *Mutator) node(doc *Document, role Role) *Node {
	id, ok := m.roles.Find(doc, role)
	if !ok {
		return nil
	}
	n, _ := doc.Node(id)
	if n.Inputs == nil {
		return nil
	}
	return n
}

func (m *Mutator) setPrompt(doc *Document, prompt string) {
	n := m.node(doc, RolePrompt)
	if n == nil {
		m.logger.Warn("no positive prompt node found, prompt not applied")
		return
	}
	n.Inputs.Set("text", Text(prompt))
	m.logger.Info("set positive prompt", "node_id", n.ID)
}

func (m *Mutator) setDimensions(doc *Document, width, height int) {
	if width <= 0 || height <= 0 {
		return
	}
	n := m.node(doc, RoleDimensions)
	if n == nil {
		m.logger.Warn("no latent image node found, dimensions not applied")
		return
	}
	n.Inputs.Set("width", Int(int64(width)))
	n.Inputs.Set("height", Int(int64(height)))
	m.logger.Info("set dimensions", "node_id", n.ID, "width", width, "height", height)
}

func (m *Mutator) setSeed(doc *Document, seed uint64) {
	n := m.node(doc, RoleSeed)
	if n == nil {
		m.logger.Warn("no seed node found, seed not applied")
		return
	}
	field, ok := m.roles.SeedField(n)
	if !ok {
		m.logger.Warn("seed node has neither seed nor noise_seed input", "node_id", n.ID, "class_type", n.ClassType)
		return
	}
	n.Inputs.Set(field, Uint(seed))
	m.logger.Info("set seed", "node_id", n.ID, "field", field, "seed", seed)
}

func (m *Mutator) setDenoise(doc *Document, denoise float64) {
	n := m.node(doc, RoleScheduler)
	if n == nil {
		m.logger.Warn("no scheduler node found, denoise not applied")
		return
	}
	if !n.Inputs.Has("denoise") {
		m.logger.Warn("scheduler node has no denoise input", "node_id", n.ID, "class_type", n.ClassType)
		return
	}
	n.Inputs.Set("denoise", Float(denoise))
	m.logger.Info("set denoise", "node_id", n.ID, "denoise", denoise)
}

func (m *Mutator) setPrefix(doc *Document, product string) {
	n := m.node(doc, RoleOutput)
	if n == nil {
		m.logger.Warn("no save image node found, filename prefix not applied")
		return
	}
	prefix := m.now().Format(time.DateOnly) + "/" + product
	n.Inputs.Set("filename_prefix", Text(prefix))
	m.logger.Info("set filename prefix", "node_id", n.ID, "prefix", prefix)
}
