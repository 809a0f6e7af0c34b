package motion

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// Clip is the raw tensor set the backend ships for one generated motion.
type Clip struct {
	FPS      int32
	JointPos [][]float32
	RootPos  [][]float32
	RootRot  [][]float32
}

type npyMember struct {
	name  string
	descr string
	shape []int
	body  []byte
}

// EncodeNPZ writes c in the same layout the backend produces: an uncompressed
// numpy savez archive with int32 fps and float32 matrices.
func EncodeNPZ(c Clip) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	members := []npyMember{
		{name: "fps", descr: "<i4", shape: []int{1}, body: int32Bytes(c.FPS)},
	}
	for _, m := range []struct {
		name string
		rows [][]float32
	}{
		{"joint_pos", c.JointPos},
		{"root_pos", c.RootPos},
		{"root_rot", c.RootRot},
	} {
		shape, body, err := matrixBytes(m.rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", m.name, err)
		}
		members = append(members, npyMember{name: m.name, descr: "<f4", shape: shape, body: body})
	}

	for _, m := range members {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: m.name + ".npy", Method: zip.Store})
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(npyPreamble(m.descr, m.shape)); err != nil {
			return nil, err
		}
		if _, err := w.Write(m.body); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func npyPreamble(descr string, shape []int) []byte {
	dims := make([]string, len(shape))
	for i, d := range shape {
		dims[i] = fmt.Sprintf("%d", d)
	}
	shapeText := "(" + strings.Join(dims, ", ")
	if len(shape) == 1 {
		shapeText += ","
	}
	shapeText += ")"
	header := fmt.Sprintf("{'descr': '%s', 'fortran_order': False, 'shape': %s, }", descr, shapeText)

	// Pad so the data starts on a 64-byte boundary, terminated by a newline.
	total := len(npyMagic) + 2 + 2 + len(header) + 1
	if rem := total % 64; rem != 0 {
		header += strings.Repeat(" ", 64-rem)
	}
	header += "\n"

	out := make([]byte, 0, len(npyMagic)+4+len(header))
	out = append(out, npyMagic...)
	out = append(out, 1, 0)
	out = binary.LittleEndian.AppendUint16(out, uint16(len(header)))
	return append(out, header...)
}

func int32Bytes(v int32) []byte {
	return binary.LittleEndian.AppendUint32(nil, uint32(v))
}

func matrixBytes(rows [][]float32) ([]int, []byte, error) {
	cols := 0
	if len(rows) > 0 {
		cols = len(rows[0])
	}
	out := make([]byte, 0, len(rows)*cols*4)
	for i, r := range rows {
		if len(r) != cols {
			return nil, nil, fmt.Errorf("row %d has %d columns, want %d", i, len(r), cols)
		}
		for _, v := range r {
			out = binary.LittleEndian.AppendUint32(out, math.Float32bits(v))
		}
	}
	return []int{len(rows), cols}, out, nil
}
