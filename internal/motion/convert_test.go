package motion

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"testing"
	"time"
)

func sampleClip(frames, joints int) Clip {
	c := Clip{FPS: 30}
	for i := 0; i < frames; i++ {
		jp := make([]float32, joints)
		for j := range jp {
			jp[j] = float32(i)*0.25 + float32(j)*0.001
		}
		c.JointPos = append(c.JointPos, jp)
		c.RootPos = append(c.RootPos, []float32{float32(i) * 0.1, -0.5, 0.74})
		c.RootRot = append(c.RootRot, []float32{1, 0, float32(i) * 0.01, 0})
	}
	return c
}

func TestConvertRoundTrip(t *testing.T) {
	clip := sampleClip(10, 29)
	payload, err := EncodeNPZ(clip)
	if err != nil {
		t.Fatalf("EncodeNPZ() error = %v", err)
	}
	created := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	rec, err := Convert(payload, "[AI] walk", created)
	if err != nil {
		t.Fatalf("Convert() error = %v", err)
	}
	if rec.FrameCount != 10 {
		t.Fatalf("FrameCount = %d, want 10", rec.FrameCount)
	}
	if rec.FPS != 30 {
		t.Fatalf("FPS = %v, want 30", rec.FPS)
	}
	if rec.Duration != 10.0/30.0 {
		t.Fatalf("Duration = %v, want %v", rec.Duration, 10.0/30.0)
	}
	if len(rec.JointPos) != 10 || len(rec.RootPos) != 10 || len(rec.RootQuat) != 10 {
		t.Fatalf("row counts = %d/%d/%d, want 10", len(rec.JointPos), len(rec.RootPos), len(rec.RootQuat))
	}
	for i := 0; i < 10; i++ {
		for j := 0; j < 29; j++ {
			if rec.JointPos[i][j] != clip.JointPos[i][j] {
				t.Fatalf("JointPos[%d][%d] = %v, want %v", i, j, rec.JointPos[i][j], clip.JointPos[i][j])
			}
		}
		for j := 0; j < 3; j++ {
			if rec.RootPos[i][j] != clip.RootPos[i][j] {
				t.Fatalf("RootPos[%d][%d] = %v, want %v", i, j, rec.RootPos[i][j], clip.RootPos[i][j])
			}
		}
		for j := 0; j < 4; j++ {
			if rec.RootQuat[i][j] != clip.RootRot[i][j] {
				t.Fatalf("RootQuat[%d][%d] = %v, want %v", i, j, rec.RootQuat[i][j], clip.RootRot[i][j])
			}
		}
	}
	if rec.Name != "[AI] walk" || !rec.CreatedAt.Equal(created) {
		t.Fatalf("unexpected metadata: name=%q created=%v", rec.Name, rec.CreatedAt)
	}
}

func TestConvertRejectsMalformedPayloads(t *testing.T) {
	good := sampleClip(4, 5)

	mismatched := sampleClip(4, 5)
	mismatched.RootPos = mismatched.RootPos[:3]

	wideRot := sampleClip(4, 5)
	for i := range wideRot.RootRot {
		wideRot.RootRot[i] = append(wideRot.RootRot[i], 0)
	}

	zeroFPS := good
	zeroFPS.FPS = 0

	tests := []struct {
		name    string
		payload func(t *testing.T) []byte
	}{
		{name: "not a zip", payload: func(*testing.T) []byte { return []byte("definitely not npz") }},
		{name: "mismatched frames", payload: encodeOrFail(mismatched)},
		{name: "root_rot wrong width", payload: encodeOrFail(wideRot)},
		{name: "zero fps", payload: encodeOrFail(zeroFPS)},
		{name: "missing root_rot", payload: func(t *testing.T) []byte {
			return rebuildWithout(t, encodeOrFail(good)(t), "root_rot.npy")
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Convert(tc.payload(t), "x", time.Now())
			if !errors.Is(err, ErrMalformedPayload) {
				t.Fatalf("Convert() error = %v, want ErrMalformedPayload", err)
			}
		})
	}
}

func TestReadNPYFortranOrderAndFloat64(t *testing.T) {
	// 2x3 float64 matrix [[1,2,3],[4,5,6]] stored column-major.
	header := "{'descr': '<f8', 'fortran_order': True, 'shape': (2, 3), }\n"
	var buf bytes.Buffer
	buf.Write(npyMagic)
	buf.Write([]byte{1, 0})
	_ = binary.Write(&buf, binary.LittleEndian, uint16(len(header)))
	buf.WriteString(header)
	for _, v := range []float64{1, 4, 2, 5, 3, 6} {
		_ = binary.Write(&buf, binary.LittleEndian, math.Float64bits(v))
	}

	arr, err := readNPY(&buf, 0)
	if err != nil {
		t.Fatalf("readNPY() error = %v", err)
	}
	want := []float64{1, 2, 3, 4, 5, 6}
	for i, v := range want {
		if arr.data[i] != v {
			t.Fatalf("data[%d] = %v, want %v (all=%v)", i, arr.data[i], v, arr.data)
		}
	}
}

func TestParseNPYHeaderBigEndianScalar(t *testing.T) {
	hdr, err := parseNPYHeader("{'descr': '>i4', 'fortran_order': False, 'shape': (), }")
	if err != nil {
		t.Fatalf("parseNPYHeader() error = %v", err)
	}
	if hdr.order != binary.BigEndian || hdr.kind != 'i' || hdr.size != 4 || len(hdr.shape) != 0 {
		t.Fatalf("unexpected header %+v", hdr)
	}
	if _, err := parseNPYHeader("{'descr': '<c16', 'fortran_order': False, 'shape': (2,), }"); err == nil {
		t.Fatalf("expected complex dtype to be rejected")
	}
}

func TestDisplayNameAndSummary(t *testing.T) {
	if got := DisplayName("a person walks forward and then turns around slowly"); got != "[AI] a person walks forward and the" {
		t.Fatalf("DisplayName() = %q", got)
	}
	long := bytes.Repeat([]byte("x"), 150)
	s := Record{TextPrompt: string(long)}.Summary()
	if len(s.TextPrompt) != 100 {
		t.Fatalf("summary prompt length = %d, want 100", len(s.TextPrompt))
	}
}

func encodeOrFail(c Clip) func(t *testing.T) []byte {
	return func(t *testing.T) []byte {
		t.Helper()
		b, err := EncodeNPZ(c)
		if err != nil {
			t.Fatalf("EncodeNPZ() error = %v", err)
		}
		return b
	}
}

func rebuildWithout(t *testing.T, payload []byte, drop string) []byte {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(payload), int64(len(payload)))
	if err != nil {
		t.Fatalf("zip.NewReader() error = %v", err)
	}
	var out bytes.Buffer
	zw := zip.NewWriter(&out)
	for _, f := range zr.File {
		if f.Name == drop {
			continue
		}
		w, err := zw.Create(f.Name)
		if err != nil {
			t.Fatalf("zip create: %v", err)
		}
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("zip open: %v", err)
		}
		var body bytes.Buffer
		_, _ = body.ReadFrom(rc)
		rc.Close()
		_, _ = w.Write(body.Bytes())
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	return out.Bytes()
}
