package workflow

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/kiranshivaraju/comfyrun/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const image2ImageJSON = `{
  "10": {"inputs": {"image": "example.png", "upload": "image"}, "class_type": "LoadImage"},
  "11": {"inputs": {"text": "", "clip": ["4", 1]}, "class_type": "CLIPTextEncode"},
  "12": {"inputs": {"noise_seed": 1}, "class_type": "RandomNoise"},
  "13": {"inputs": {"steps": 20, "denoise": 1}, "class_type": "BasicScheduler"},
  "14": {"inputs": {"filename_prefix": "ComfyUI", "images": ["8", 0]}, "class_type": "SaveImage"}
}`

var fixedNow = time.Date(2025, 3, 7, 12, 0, 0, 0, time.UTC)

func newTestMutator() *Mutator {
	m := NewMutator(DefaultRoles(), "", slog.New(slog.NewTextHandler(io.Discard, nil)))
	m.now = func() time.Time { return fixedNow }
	return m
}

func seedPtr(v uint64) *uint64 { return &v }

func input(t *testing.T, doc *Document, id, key string) Value {
	t.Helper()
	n, ok := doc.Node(id)
	require.True(t, ok, "node %s", id)
	require.NotNil(t, n.Inputs)
	v, ok := n.Inputs.Get(key)
	require.True(t, ok, "node %s input %s", id, key)
	return v
}

func TestApplyText2Image_SetsAllRoles(t *testing.T) {
	m := newTestMutator()
	doc := mustParse(t, text2ImageJSON)

	out, seed := m.ApplyText2Image(doc, Params{Prompt: "a red fox", Width: 768, Height: 1024, Seed: seedPtr(4266)})

	assert.Equal(t, uint64(4266), seed)

	text, _ := input(t, out, "6", "text").Text()
	assert.Equal(t, "a red fox", text)
	negative, _ := input(t, out, "7", "text").Text()
	assert.Equal(t, "blurry", negative, "only the first encoder is rewritten")

	w, _ := input(t, out, "5", "width").Int()
	h, _ := input(t, out, "5", "height").Int()
	assert.Equal(t, int64(768), w)
	assert.Equal(t, int64(1024), h)

	s, _ := input(t, out, "3", "seed").Uint()
	assert.Equal(t, uint64(4266), s)
	assert.False(t, func() bool { n, _ := out.Node("3"); return n.HasInput("noise_seed") }())

	prefix, _ := input(t, out, "9", "filename_prefix").Text()
	assert.Equal(t, "2025-03-07/ComfyUI", prefix)
}

func TestApplyText2Image_TemplateUnchanged(t *testing.T) {
	m := newTestMutator()
	doc := mustParse(t, text2ImageJSON)
	before := encode(t, doc)

	m.ApplyText2Image(doc, Params{Prompt: "x", Width: 64, Height: 64, Seed: seedPtr(1)})

	assert.Equal(t, before, encode(t, doc))
}

func TestApplyText2Image_NoMatchingNodes(t *testing.T) {
	m := newTestMutator()
	const src = `{"1": {"class_type": "UpscaleModelLoader", "inputs": {"model_name": "x4"}}, "2": {"class_type": "PreviewImage", "inputs": {}}}`
	doc := mustParse(t, src)

	out, _ := m.ApplyText2Image(doc, Params{Prompt: "anything", Width: 512, Height: 512})

	assert.Equal(t, encode(t, doc), encode(t, out))
	assert.JSONEq(t, src, encode(t, out))
}

func TestApplyText2Image_SkipsNonPositiveDimensions(t *testing.T) {
	m := newTestMutator()
	doc := mustParse(t, text2ImageJSON)

	out, _ := m.ApplyText2Image(doc, Params{Prompt: "x", Width: 0, Height: 1024, Seed: seedPtr(1)})

	w, _ := input(t, out, "5", "width").Int()
	h, _ := input(t, out, "5", "height").Int()
	assert.Equal(t, int64(512), w)
	assert.Equal(t, int64(512), h)
}

func TestApplyText2Image_Deterministic(t *testing.T) {
	m := newTestMutator()
	doc := mustParse(t, text2ImageJSON)
	p := Params{Prompt: "same", Width: 512, Height: 512, Seed: seedPtr(42)}

	a, _ := m.ApplyText2Image(doc, p)
	b, _ := m.ApplyText2Image(doc, p)

	assert.Equal(t, encode(t, a), encode(t, b))
}

func TestApplyText2Image_AutoSeedDiffersOnlyInSeed(t *testing.T) {
	m := newTestMutator()
	draws := []uint64{111, 222}
	m.drawSeed = func() uint64 {
		v := draws[0]
		draws = draws[1:]
		return v
	}
	doc := mustParse(t, text2ImageJSON)
	p := Params{Prompt: "same", Width: 512, Height: 512}

	a, seedA := m.ApplyText2Image(doc, p)
	b, seedB := m.ApplyText2Image(doc, p)

	assert.Equal(t, uint64(111), seedA)
	assert.Equal(t, uint64(222), seedB)

	na, _ := a.Node("3")
	nb, _ := b.Node("3")
	na.Inputs.Set("seed", Int(0))
	nb.Inputs.Set("seed", Int(0))
	assert.Equal(t, encode(t, a), encode(t, b))
}

func TestApplyText2Image_NoiseSeedInRange(t *testing.T) {
	m := NewMutator(DefaultRoles(), "", slog.New(slog.NewTextHandler(io.Discard, nil)))
	doc := mustParse(t, `{
	  "1": {"class_type": "BizyAir_RandomNoise", "inputs": {}},
	  "2": {"class_type": "BizyAir_CLIPTextEncode", "inputs": {"text": ""}}
	}`)

	for range 50 {
		out, seed := m.ApplyText2Image(doc, Params{Prompt: "p"})
		v := input(t, out, "1", "noise_seed")
		got, ok := v.Uint()
		require.True(t, ok)
		assert.Equal(t, seed, got)
		assert.GreaterOrEqual(t, got, uint64(1))
		assert.LessOrEqual(t, got, uint64(MaxAutoSeed))

		n, _ := out.Node("1")
		assert.False(t, n.HasInput("seed"))
	}
}

func TestApplyText2Image_NodeWithoutInputsSkipped(t *testing.T) {
	m := newTestMutator()
	doc := mustParse(t, `{"1": {"class_type": "CLIPTextEncode"}, "2": {"class_type": "CLIPTextEncode", "inputs": {"text": ""}}}`)

	out, _ := m.ApplyText2Image(doc, Params{Prompt: "p"})

	assert.JSONEq(t, `{"1": {"class_type": "CLIPTextEncode"}, "2": {"class_type": "CLIPTextEncode", "inputs": {"text": ""}}}`, encode(t, out))
}

func TestApplyText2Image_CustomProduct(t *testing.T) {
	m := NewMutator(DefaultRoles(), "Studio", nil)
	m.now = func() time.Time { return fixedNow }
	doc := mustParse(t, text2ImageJSON)

	out, _ := m.ApplyText2Image(doc, Params{Prompt: "p", Seed: seedPtr(1)})

	prefix, _ := input(t, out, "9", "filename_prefix").Text()
	assert.Equal(t, "2025-03-07/Studio", prefix)
}

func TestValidateImage2Image(t *testing.T) {
	m := newTestMutator()

	require.NoError(t, m.ValidateImage2Image(mustParse(t, image2ImageJSON)))

	err := m.ValidateImage2Image(mustParse(t, text2ImageJSON))
	assert.ErrorIs(t, err, errs.ErrValidation)
	assert.Contains(t, err.Error(), "image loader")

	err = m.ValidateImage2Image(mustParse(t, `{"1": {"class_type": "LoadImage"}}`))
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestApplyImage2Image(t *testing.T) {
	m := newTestMutator()
	doc := mustParse(t, image2ImageJSON)
	before := encode(t, doc)

	out, seed, err := m.ApplyImage2Image(doc, Params{Prompt: "oil painting", Denoise: 0.6, Seed: seedPtr(7)}, "cat_123.png")
	require.NoError(t, err)
	assert.Equal(t, uint64(7), seed)

	img, _ := input(t, out, "10", "image").Text()
	assert.Equal(t, "cat_123.png", img)
	text, _ := input(t, out, "11", "text").Text()
	assert.Equal(t, "oil painting", text)
	d, _ := input(t, out, "13", "denoise").Float()
	assert.InDelta(t, 0.6, d, 1e-9)
	s, _ := input(t, out, "12", "noise_seed").Uint()
	assert.Equal(t, uint64(7), s)
	prefix, _ := input(t, out, "14", "filename_prefix").Text()
	assert.Equal(t, "2025-03-07/ComfyUI_i2i", prefix)

	assert.Equal(t, before, encode(t, doc))
}

func TestApplyImage2Image_NoLoader(t *testing.T) {
	m := newTestMutator()
	doc := mustParse(t, text2ImageJSON)

	out, _, err := m.ApplyImage2Image(doc, Params{Prompt: "p"}, "x.png")
	assert.ErrorIs(t, err, errs.ErrValidation)
	assert.Nil(t, out)
}

func TestApplyImage2Image_SchedulerWithoutDenoise(t *testing.T) {
	m := newTestMutator()
	doc := mustParse(t, `{
	  "1": {"class_type": "LoadImage", "inputs": {"image": "a.png"}},
	  "2": {"class_type": "DPMScheduler", "inputs": {"steps": 10}}
	}`)

	out, _, err := m.ApplyImage2Image(doc, Params{Prompt: "p", Denoise: 0.4}, "b.png")
	require.NoError(t, err)

	n, _ := out.Node("2")
	assert.False(t, n.HasInput("denoise"))
}
