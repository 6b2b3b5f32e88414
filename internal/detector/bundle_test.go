package detector

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/atailh4n/sentryd/internal/capture"
)

func fittedBundle() *ModelBundle {
	rows := [][]float64{
		{6, 7, 0, 80, 0, 1, 1},
		{6, 7, 1, 80, 0, 1, 1},
		{17, 5, 2, 53, 0, 1, 0},
		{6, 8, 0, 443, 0, 2, 1},
	}
	scaler := FitScaler(rows)
	forest := FitForest(scaler.Transform(rows), 10, 0.1, 42)
	names := append([]string(nil), capture.Features...)
	return &ModelBundle{
		Forest:       forest,
		Scaler:       scaler,
		FeatureNames: names,
		Meta: BundleMeta{
			Contamination: 0.1,
			NEstimators:   10,
			RandomState:   42,
		},
	}
}

// TestSaveLoadBundleRoundTrip exercises the save(load(save(x))) == save(x)
// property: the bytes SaveBundle writes to disk, decoded and re-encoded
// without going through SaveBundle again (which would re-stamp TrainedAt),
// must be byte-identical to what was written the first time.
func TestSaveLoadBundleRoundTrip(t *testing.T) {
	dir := t.TempDir()
	bundle := fittedBundle()

	path, err := SaveBundle(bundle, dir, "model.bin")
	if err != nil {
		t.Fatalf("SaveBundle: %v", err)
	}

	want, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read saved bundle: %v", err)
	}

	loaded, err := LoadBundle(dir, "model.bin")
	if err != nil {
		t.Fatalf("LoadBundle: %v", err)
	}

	got, err := encodeBundle(loaded)
	if err != nil {
		t.Fatalf("re-encode loaded bundle: %v", err)
	}

	if !bytes.Equal(want, got) {
		t.Fatalf("save(load(save(x))) != save(x): %d bytes saved, %d bytes re-encoded", len(want), len(got))
	}

	if loaded.Meta.FeatureChecksum != bundle.Meta.FeatureChecksum {
		t.Errorf("feature checksum = %q, want %q", loaded.Meta.FeatureChecksum, bundle.Meta.FeatureChecksum)
	}
	if len(loaded.FeatureNames) != len(bundle.FeatureNames) {
		t.Errorf("feature names = %v, want %v", loaded.FeatureNames, bundle.FeatureNames)
	}
	if loaded.Forest.NEstimators != bundle.Forest.NEstimators {
		t.Errorf("forest n_estimators = %d, want %d", loaded.Forest.NEstimators, bundle.Forest.NEstimators)
	}
}

// TestSaveLoadBundleRoundTripThroughDetector exercises the same property at
// the Detector level, the shape cmd/sentryd actually drives.
func TestSaveLoadBundleRoundTripThroughDetector(t *testing.T) {
	dir := t.TempDir()
	rows := []capture.FeatureVector{
		{Protocol: 6, PacketSizeLog: 7, Dport: 80, Direction: 1},
		{Protocol: 17, PacketSizeLog: 5, Dport: 53, UniqueDports15s: 1},
		{Protocol: 6, PacketSizeLog: 8, Dport: 443, Direction: 1, UniqueDports15s: 2},
	}

	det := NewDetector(dir)
	det.Fit(rows, DetectorParams{Contamination: 0.1, NEstimators: 5, RandomState: 7})

	if _, err := det.Save("model.bin"); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reloaded := NewDetector(dir)
	if err := reloaded.Load("model.bin"); err != nil {
		t.Fatalf("Load: %v", err)
	}

	want, err := det.DecisionScores(rows)
	if err != nil {
		t.Fatalf("DecisionScores (original): %v", err)
	}
	got, err := reloaded.DecisionScores(rows)
	if err != nil {
		t.Fatalf("DecisionScores (reloaded): %v", err)
	}
	if len(want) != len(got) {
		t.Fatalf("decision scores length = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if want[i] != got[i] {
			t.Errorf("decision score[%d] = %v, want %v (reload should score identically)", i, got[i], want[i])
		}
	}
}

// TestDecodeBundleRejectsUnrecognizedTag confirms the closed-world decoder
// raises SecurityError for a section tag outside the permitted set, before
// touching its payload — the Go analogue of a banned-constructor deny list.
func TestDecodeBundleRejectsUnrecognizedTag(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(bundleMagic[:])
	buf.WriteByte(1)   // format version
	buf.WriteByte(1)   // one section
	buf.WriteByte(byte(tagDeniedExternalCall))
	buf.Write([]byte{0, 0, 0, 0}) // zero-length payload

	_, err := decodeBundle(buf.Bytes())
	if err == nil {
		t.Fatal("decodeBundle accepted a bundle with a disallowed section tag")
	}
	var secErr *SecurityError
	if !errors.As(err, &secErr) {
		t.Fatalf("decodeBundle err = %v (%T), want *SecurityError", err, err)
	}
}

// TestLoadBundlePropagatesSecurityError confirms LoadBundle surfaces a
// SecurityError as-is (rather than wrapping it in LoadError) so callers can
// distinguish a tampered/malicious bundle from ordinary corruption.
func TestLoadBundlePropagatesSecurityError(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	buf.Write(bundleMagic[:])
	buf.WriteByte(1)
	buf.WriteByte(1)
	buf.WriteByte(byte(tagDeniedExternalCall))
	buf.Write([]byte{0, 0, 0, 0})

	path := filepath.Join(dir, "evil.bin")
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		t.Fatalf("write malicious bundle: %v", err)
	}

	_, err := LoadBundle(dir, "evil.bin")
	var secErr *SecurityError
	if !errors.As(err, &secErr) {
		t.Fatalf("LoadBundle err = %v (%T), want *SecurityError", err, err)
	}
}

func TestResolveModelPathRejectsEscape(t *testing.T) {
	dir := t.TempDir()
	_, err := resolveModelPath(dir, "../../etc/passwd")
	var secErr *SecurityError
	if !errors.As(err, &secErr) {
		t.Fatalf("resolveModelPath err = %v (%T), want *SecurityError for an escaping relative path", err, err)
	}
}

func TestResolveModelPathAllowsAbsoluteAndNestedRelative(t *testing.T) {
	dir := t.TempDir()

	absInside := filepath.Join(dir, "model.bin")
	abs, err := resolveModelPath(dir, absInside)
	if err != nil {
		t.Fatalf("resolveModelPath absolute: %v", err)
	}
	if abs != filepath.Clean(absInside) {
		t.Errorf("resolved absolute path = %q, want it unchanged", abs)
	}

	_, err = resolveModelPath(dir, "/var/lib/sentryd/model.bin")
	var secErr *SecurityError
	if !errors.As(err, &secErr) {
		t.Fatalf("resolveModelPath err = %v (%T), want *SecurityError for an absolute path outside the model directory", err, err)
	}

	nested, err := resolveModelPath(dir, "archive/model-v2.bin")
	if err != nil {
		t.Fatalf("resolveModelPath nested relative: %v", err)
	}
	wantDir, _ := filepath.Abs(dir)
	if filepath.Dir(nested) != filepath.Join(wantDir, "archive") {
		t.Errorf("resolved nested path = %q, want it under %q/archive", nested, wantDir)
	}
}
