package guiding

import (
	"math"
	"math/rand"
	"testing"

	"github.com/chewxy/math32"

	"github.com/BashPrince/go-path-guiding/pkg/core"
)

// mockDiffuseBSDF is a cosine-weighted Lambertian around +z
type mockDiffuseBSDF struct {
	albedo float32
}

func (m *mockDiffuseBSDF) Sample(sampler core.Sampler, outgoing core.Vec3, modes ScatteringMode) BSDFSample {
	if !modes.HasDiffuse() {
		return BSDFSample{Mode: ScatteringModeNone}
	}

	u := sampler.Get2D()
	phi := 2.0 * math32.Pi * u.X
	cosTheta := math32.Sqrt(u.Y)
	sinTheta := math32.Sqrt(1.0 - u.Y)

	incoming := core.NewVec3(
		math32.Cos(phi)*sinTheta,
		math32.Sin(phi)*sinTheta,
		cosTheta)

	pdf := cosTheta / math32.Pi
	return BSDFSample{
		Incoming: incoming,
		Value:    core.NewVec3(m.albedo, m.albedo, m.albedo).Multiply(cosTheta / math32.Pi),
		Pdf:      pdf,
		Mode:     ScatteringModeDiffuse,
	}
}

func (m *mockDiffuseBSDF) Evaluate(outgoing, incoming core.Vec3, modes ScatteringMode) (core.Vec3, float32) {
	if !modes.HasDiffuse() || incoming.Z <= 0 {
		return core.Vec3{}, 0
	}

	pdf := incoming.Z / math32.Pi
	return core.NewVec3(m.albedo, m.albedo, m.albedo).Multiply(incoming.Z / math32.Pi), pdf
}

func (m *mockDiffuseBSDF) IsPurelySpecular() bool {
	return false
}

func (m *mockDiffuseBSDF) AddParametersToProxy(proxy *BSDFProxy, modes ScatteringMode) bool {
	proxy.AddDiffuseWeight(m.albedo)
	return true
}

// mockSpecularBSDF always reports a specular bounce
type mockSpecularBSDF struct{}

func (m *mockSpecularBSDF) Sample(sampler core.Sampler, outgoing core.Vec3, modes ScatteringMode) BSDFSample {
	return BSDFSample{
		Incoming: core.NewVec3(-outgoing.X, -outgoing.Y, outgoing.Z),
		Value:    core.NewVec3(1, 1, 1),
		Pdf:      1.0,
		Mode:     ScatteringModeSpecular,
	}
}

func (m *mockSpecularBSDF) Evaluate(outgoing, incoming core.Vec3, modes ScatteringMode) (core.Vec3, float32) {
	return core.Vec3{}, 0
}

func (m *mockSpecularBSDF) IsPurelySpecular() bool {
	return true
}

func (m *mockSpecularBSDF) AddParametersToProxy(proxy *BSDFProxy, modes ScatteringMode) bool {
	return false
}

// sequenceSampler replays a fixed list of uniforms
type sequenceSampler struct {
	values []float32
	index  int
}

func (s *sequenceSampler) Get1D() float32 {
	value := s.values[s.index%len(s.values)]
	s.index++
	return value
}

func (s *sequenceSampler) Get2D() core.Vec2 {
	return core.NewVec2(s.Get1D(), s.Get1D())
}

func TestGuidedSamplerFallsBackToBSDF(t *testing.T) {
	// With an unbuilt SD-tree the sampler is a plain BSDF sampler and
	// the mixture pdf equals the BSDF pdf.
	params := DefaultParameters()
	dtree := NewDTree(&params)
	bsdf := &mockDiffuseBSDF{albedo: 0.8}

	sampler := NewGuidedSampler(
		GuidingModePath, true, GuidedBounceModeLearn,
		dtree, bsdf, ScatteringModeAll, core.NewVec3(0, 0, 1), false)

	if sampler.PathGuidingEnabled() {
		t.Fatal("path guiding must be disabled before the first build")
	}
	if sampler.BSDFSamplingFraction() != 1.0 {
		t.Fatalf("expected BSDF sampling fraction 1, got %f", sampler.BSDFSamplingFraction())
	}

	random := core.NewRandomSampler(rand.New(rand.NewSource(42)))
	for i := 0; i < 100; i++ {
		sample, ok := sampler.Sample(random, core.NewVec3(0, 0, 1))
		if !ok {
			t.Fatal("diffuse sample rejected")
		}
		if sample.WiPdf != sample.Pdf {
			t.Errorf("mixture pdf %f differs from BSDF pdf %f", sample.WiPdf, sample.Pdf)
		}
		if sample.Guided {
			t.Error("sample marked guided without guiding")
		}
	}
}

func TestGuidedSamplerPureGuidedMixture(t *testing.T) {
	// With a fixed BSDF sampling fraction of zero and no product
	// guiding, the mixture pdf equals the D-tree pdf.
	params := DefaultParameters()
	params.BSDFSamplingFractionMode = BSDFSamplingFractionModeFixed
	params.FixedBSDFSamplingFraction = 0.0
	dtree := builtDTree(t, &params)
	bsdf := &mockDiffuseBSDF{albedo: 0.8}

	sampler := NewGuidedSampler(
		GuidingModePath, true, GuidedBounceModeLearn,
		dtree, bsdf, ScatteringModeAll, core.NewVec3(0, 0, 1), true)

	if !sampler.PathGuidingEnabled() {
		t.Fatal("path guiding must be enabled")
	}

	random := core.NewRandomSampler(rand.New(rand.NewSource(42)))
	for i := 0; i < 200; i++ {
		sample, ok := sampler.Sample(random, core.NewVec3(0, 0, 1))
		if !ok {
			// Guided directions below the horizon are rejected by the
			// BSDF evaluation.
			continue
		}
		if math.Abs(float64(sample.WiPdf-sample.DTreePdf)) > 1e-6 {
			t.Errorf("mixture pdf %f differs from D-tree pdf %f", sample.WiPdf, sample.DTreePdf)
		}
		if !sample.Guided {
			t.Error("sample not marked guided with zero BSDF fraction")
		}
	}
}

func TestGuidedSamplerMixturePdfIsLinear(t *testing.T) {
	// Without product guiding, the combined pdf is the linear blend of
	// the BSDF and D-tree pdfs by the BSDF sampling fraction.
	params := DefaultParameters()
	params.BSDFSamplingFractionMode = BSDFSamplingFractionModeFixed
	params.FixedBSDFSamplingFraction = 0.25
	dtree := builtDTree(t, &params)
	bsdf := &mockDiffuseBSDF{albedo: 0.8}

	sampler := NewGuidedSampler(
		GuidingModePath, true, GuidedBounceModeLearn,
		dtree, bsdf, ScatteringModeAll, core.NewVec3(0, 0, 1), true)

	incoming := core.NewVec3(0.3, 0.2, 0.93).Normalize()
	outgoing := core.NewVec3(0, 0, 1)

	_, combined := sampler.Evaluate(outgoing, incoming, ScatteringModeAll)
	_, bsdfPdf := bsdf.Evaluate(outgoing, incoming, ScatteringModeAll)
	dtreePdf := dtree.Pdf(incoming, ScatteringModeAll)

	expected := 0.25*bsdfPdf + 0.75*dtreePdf
	if math.Abs(float64(combined-expected)) > 1e-6 {
		t.Errorf("combined pdf %f, expected %f", combined, expected)
	}
}

func TestGuidedSamplerSpecularPolicy(t *testing.T) {
	// A specular bounce under guiding reports the BSDF sampling
	// fraction as its mixture pdf and zero guided pdfs.
	params := DefaultParameters()
	params.BSDFSamplingFractionMode = BSDFSamplingFractionModeFixed
	params.FixedBSDFSamplingFraction = 0.5
	dtree := builtDTree(t, &params)

	// A layered mock: specular result but not purely specular, so path
	// guiding stays enabled.
	bsdf := &specularLobeBSDF{}

	sampler := NewGuidedSampler(
		GuidingModePath, true, GuidedBounceModeLearn,
		dtree, bsdf, ScatteringModeAll, core.NewVec3(0, 0, 1), true)

	// First uniform 0.1 < 0.5 selects the BSDF technique.
	seq := &sequenceSampler{values: []float32{0.1, 0.5, 0.5}}
	sample, ok := sampler.Sample(seq, core.NewVec3(0.5, 0, 0.87).Normalize())

	if !ok {
		t.Fatal("specular sample rejected")
	}
	if sample.Mode != ScatteringModeSpecular {
		t.Fatalf("expected specular mode, got %v", sample.Mode)
	}
	if sample.WiPdf != 0.5 {
		t.Errorf("specular mixture pdf %f, expected the sampling fraction 0.5", sample.WiPdf)
	}
	if sample.DTreePdf != 0 || sample.ProductPdf != 0 {
		t.Errorf("specular bounce must zero the guided pdfs, got %f and %f",
			sample.DTreePdf, sample.ProductPdf)
	}
}

// specularLobeBSDF samples a specular lobe but is not purely specular
type specularLobeBSDF struct{}

func (m *specularLobeBSDF) Sample(sampler core.Sampler, outgoing core.Vec3, modes ScatteringMode) BSDFSample {
	return BSDFSample{
		Incoming: core.NewVec3(-outgoing.X, -outgoing.Y, outgoing.Z),
		Value:    core.NewVec3(1, 1, 1),
		Pdf:      1.0,
		Mode:     ScatteringModeSpecular,
	}
}

func (m *specularLobeBSDF) Evaluate(outgoing, incoming core.Vec3, modes ScatteringMode) (core.Vec3, float32) {
	if incoming.Z <= 0 {
		return core.Vec3{}, 0
	}
	return core.NewVec3(0.5, 0.5, 0.5), incoming.Z / math32.Pi
}

func (m *specularLobeBSDF) IsPurelySpecular() bool {
	return false
}

func (m *specularLobeBSDF) AddParametersToProxy(proxy *BSDFProxy, modes ScatteringMode) bool {
	return false
}

func TestGuidedSamplerPurelySpecularDisablesGuiding(t *testing.T) {
	params := DefaultParameters()
	dtree := builtDTree(t, &params)

	sampler := NewGuidedSampler(
		GuidingModePath, true, GuidedBounceModeLearn,
		dtree, &mockSpecularBSDF{}, ScatteringModeAll, core.NewVec3(0, 0, 1), true)

	if sampler.PathGuidingEnabled() {
		t.Error("purely specular BSDF must disable path guiding")
	}
}

func TestGuidedSamplerModeRemapping(t *testing.T) {
	tests := []struct {
		name        string
		bounceMode  GuidedBounceMode
		bsdfModes   ScatteringMode
		sampledMode ScatteringMode
		expected    ScatteringMode
	}{
		{"learn passthrough", GuidedBounceModeLearn, ScatteringModeAll, ScatteringModeGlossy, ScatteringModeGlossy},
		{"strictly diffuse", GuidedBounceModeStrictlyDiffuse, ScatteringModeAll, ScatteringModeGlossy, ScatteringModeDiffuse},
		{"strictly diffuse without diffuse", GuidedBounceModeStrictlyDiffuse, ScatteringModeGlossy, ScatteringModeGlossy, ScatteringModeNone},
		{"strictly glossy", GuidedBounceModeStrictlyGlossy, ScatteringModeAll, ScatteringModeDiffuse, ScatteringModeGlossy},
		{"strictly glossy without glossy", GuidedBounceModeStrictlyGlossy, ScatteringModeDiffuse, ScatteringModeDiffuse, ScatteringModeNone},
		{"prefer diffuse", GuidedBounceModePreferDiffuse, ScatteringModeGlossy, ScatteringModeDiffuse, ScatteringModeGlossy},
		{"prefer glossy", GuidedBounceModePreferGlossy, ScatteringModeDiffuse, ScatteringModeGlossy, ScatteringModeDiffuse},
		{"prefer glossy without either", GuidedBounceModePreferGlossy, ScatteringModeSpecular, ScatteringModeGlossy, ScatteringModeNone},
	}

	params := DefaultParameters()
	dtree := NewDTree(&params)

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			sampler := NewGuidedSampler(
				GuidingModePath, true, test.bounceMode,
				dtree, &mockDiffuseBSDF{albedo: 0.8}, test.bsdfModes, core.NewVec3(0, 0, 1), true)

			if got := sampler.setModeAfterSampling(test.sampledMode); got != test.expected {
				t.Errorf("got %v, expected %v", got, test.expected)
			}
		})
	}
}

func TestGuidedSamplerEnableModesBeforeSampling(t *testing.T) {
	params := DefaultParameters()
	dtree := NewDTree(&params)
	bsdf := &mockDiffuseBSDF{albedo: 0.8}

	learn := NewGuidedSampler(
		GuidingModePath, true, GuidedBounceModeLearn,
		dtree, bsdf, ScatteringModeSpecular, core.NewVec3(0, 0, 1), true)
	if got := learn.enableModesBeforeSampling(ScatteringModeSpecular); got != ScatteringModeSpecular {
		t.Errorf("learn mode must pass modes through, got %v", got)
	}

	strict := NewGuidedSampler(
		GuidingModePath, true, GuidedBounceModeStrictlyDiffuse,
		dtree, bsdf, ScatteringModeSpecular, core.NewVec3(0, 0, 1), true)
	expected := ScatteringModeDiffuse | ScatteringModeGlossy
	if got := strict.enableModesBeforeSampling(ScatteringModeSpecular); got != expected {
		t.Errorf("non-learn mode must restrict to diffuse|glossy, got %v", got)
	}
}

func TestGuidedSamplerProductMixture(t *testing.T) {
	// Product-only guiding with a zero BSDF fraction: the mixture pdf
	// equals the product pdf.
	params := DefaultParameters()
	params.BSDFSamplingFractionMode = BSDFSamplingFractionModeFixed
	params.FixedBSDFSamplingFraction = 0.0
	params.GuidingMode = GuidingModeProduct
	dtree := builtDTree(t, &params)
	bsdf := &mockDiffuseBSDF{albedo: 0.8}

	sampler := NewGuidedSampler(
		GuidingModeProduct, true, GuidedBounceModeLearn,
		dtree, bsdf, ScatteringModeAll, core.NewVec3(0, 0, 1), true)

	if !sampler.ProductGuidingEnabled() {
		t.Fatal("product guiding must be enabled")
	}

	random := core.NewRandomSampler(rand.New(rand.NewSource(42)))
	for i := 0; i < 100; i++ {
		sample, ok := sampler.Sample(random, core.NewVec3(0, 0, 1))
		if !ok {
			continue
		}
		if math.Abs(float64(sample.WiPdf-sample.ProductPdf)) > 1e-6 {
			t.Errorf("mixture pdf %f differs from product pdf %f", sample.WiPdf, sample.ProductPdf)
		}
	}
}
