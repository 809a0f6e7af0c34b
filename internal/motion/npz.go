package motion

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

var npyMagic = []byte("\x93NUMPY")

const maxNPYHeaderLen = 1 << 16

// ndarray is a decoded numpy array in C (row-major) order.
type ndarray struct {
	shape []int
	data  []float64
}

func (a ndarray) rank() int { return len(a.shape) }

// row returns the i-th row of a rank-2 array as float32.
func (a ndarray) row(i int) []float32 {
	cols := a.shape[1]
	out := make([]float32, cols)
	for j := 0; j < cols; j++ {
		out[j] = float32(a.data[i*cols+j])
	}
	return out
}

// npzArchive gives lazy access to the .npy members of a numpy savez archive.
type npzArchive struct {
	files map[string]*zip.File
}

func openNPZ(payload []byte) (*npzArchive, error) {
	zr, err := zip.NewReader(bytes.NewReader(payload), int64(len(payload)))
	if err != nil {
		return nil, fmt.Errorf("open npz: %w", err)
	}
	files := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		files[strings.TrimSuffix(f.Name, ".npy")] = f
	}
	return &npzArchive{files: files}, nil
}

func (z *npzArchive) array(name string) (ndarray, error) {
	f, ok := z.files[name]
	if !ok {
		return ndarray{}, fmt.Errorf("missing array %q", name)
	}
	rc, err := f.Open()
	if err != nil {
		return ndarray{}, fmt.Errorf("open array %q: %w", name, err)
	}
	defer rc.Close()
	arr, err := readNPY(rc, f.UncompressedSize64)
	if err != nil {
		return ndarray{}, fmt.Errorf("array %q: %w", name, err)
	}
	return arr, nil
}

type npyHeader struct {
	order   binary.ByteOrder
	kind    byte
	size    int
	fortran bool
	shape   []int
}

func readNPY(r io.Reader, limit uint64) (ndarray, error) {
	prefix := make([]byte, len(npyMagic)+2)
	if _, err := io.ReadFull(r, prefix); err != nil {
		return ndarray{}, fmt.Errorf("read npy preamble: %w", err)
	}
	if !bytes.Equal(prefix[:len(npyMagic)], npyMagic) {
		return ndarray{}, errors.New("not an npy stream")
	}

	var headerLen int
	switch major := prefix[len(npyMagic)]; major {
	case 1:
		var n uint16
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return ndarray{}, fmt.Errorf("read npy header length: %w", err)
		}
		headerLen = int(n)
	case 2, 3:
		var n uint32
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return ndarray{}, fmt.Errorf("read npy header length: %w", err)
		}
		if n > maxNPYHeaderLen {
			return ndarray{}, fmt.Errorf("npy header too large (%d bytes)", n)
		}
		headerLen = int(n)
	default:
		return ndarray{}, fmt.Errorf("unsupported npy version %d", major)
	}

	raw := make([]byte, headerLen)
	if _, err := io.ReadFull(r, raw); err != nil {
		return ndarray{}, fmt.Errorf("read npy header: %w", err)
	}
	hdr, err := parseNPYHeader(string(raw))
	if err != nil {
		return ndarray{}, err
	}

	count := 1
	for _, d := range hdr.shape {
		if d < 0 {
			return ndarray{}, fmt.Errorf("negative dimension in shape %v", hdr.shape)
		}
		if d > 0 && count > math.MaxInt32/d {
			return ndarray{}, fmt.Errorf("shape %v too large", hdr.shape)
		}
		count *= d
	}
	need := uint64(count) * uint64(hdr.size)
	if limit > 0 && need > limit {
		return ndarray{}, fmt.Errorf("shape %v needs %d bytes, member holds %d", hdr.shape, need, limit)
	}

	buf := make([]byte, need)
	if _, err := io.ReadFull(r, buf); err != nil {
		return ndarray{}, fmt.Errorf("read npy data: %w", err)
	}
	data, err := decodeElements(buf, count, hdr)
	if err != nil {
		return ndarray{}, err
	}

	if hdr.fortran && len(hdr.shape) > 1 {
		if len(hdr.shape) != 2 {
			return ndarray{}, fmt.Errorf("fortran order unsupported for rank %d", len(hdr.shape))
		}
		data = fortranToC(data, hdr.shape[0], hdr.shape[1])
	}
	return ndarray{shape: hdr.shape, data: data}, nil
}

func parseNPYHeader(h string) (npyHeader, error) {
	var out npyHeader

	descr, ok := headerValue(h, "descr")
	if !ok || len(descr) < 2 {
		return out, errors.New("npy header missing descr")
	}
	quote := descr[0]
	if quote != '\'' && quote != '"' {
		return out, fmt.Errorf("npy descr not a string: %q", descr)
	}
	end := strings.IndexByte(descr[1:], quote)
	if end < 0 {
		return out, fmt.Errorf("npy descr unterminated: %q", descr)
	}
	dtype := descr[1 : end+1]
	if len(dtype) < 3 {
		return out, fmt.Errorf("unsupported dtype %q", dtype)
	}
	switch dtype[0] {
	case '<', '|', '=':
		out.order = binary.LittleEndian
	case '>':
		out.order = binary.BigEndian
	default:
		return out, fmt.Errorf("unsupported dtype %q", dtype)
	}
	out.kind = dtype[1]
	size, err := strconv.Atoi(dtype[2:])
	if err != nil {
		return out, fmt.Errorf("unsupported dtype %q", dtype)
	}
	out.size = size
	if !supportedDType(out.kind, out.size) {
		return out, fmt.Errorf("unsupported dtype %q", dtype)
	}

	fortran, ok := headerValue(h, "fortran_order")
	if !ok {
		return out, errors.New("npy header missing fortran_order")
	}
	out.fortran = strings.HasPrefix(fortran, "True")

	shape, ok := headerValue(h, "shape")
	if !ok || !strings.HasPrefix(shape, "(") {
		return out, errors.New("npy header missing shape")
	}
	closing := strings.IndexByte(shape, ')')
	if closing < 0 {
		return out, fmt.Errorf("npy shape unterminated: %q", shape)
	}
	out.shape = []int{}
	for _, part := range strings.Split(shape[1:closing], ",") {
		part = strings.TrimSuffix(strings.TrimSpace(part), "L")
		if part == "" {
			continue
		}
		d, err := strconv.Atoi(part)
		if err != nil {
			return out, fmt.Errorf("npy shape dimension %q: %w", part, err)
		}
		out.shape = append(out.shape, d)
	}
	return out, nil
}

// headerValue returns the text following 'key': in a numpy header dict.
func headerValue(h, key string) (string, bool) {
	for _, q := range []string{"'", `"`} {
		marker := q + key + q
		idx := strings.Index(h, marker)
		if idx < 0 {
			continue
		}
		rest := strings.TrimSpace(h[idx+len(marker):])
		if !strings.HasPrefix(rest, ":") {
			continue
		}
		return strings.TrimSpace(rest[1:]), true
	}
	return "", false
}

func supportedDType(kind byte, size int) bool {
	switch kind {
	case 'f':
		return size == 4 || size == 8
	case 'i':
		return size == 1 || size == 2 || size == 4 || size == 8
	case 'u':
		return size == 1 || size == 2 || size == 4
	}
	return false
}

func decodeElements(buf []byte, count int, hdr npyHeader) ([]float64, error) {
	out := make([]float64, count)
	for i := 0; i < count; i++ {
		b := buf[i*hdr.size : (i+1)*hdr.size]
		var v float64
		switch hdr.kind {
		case 'f':
			if hdr.size == 4 {
				v = float64(math.Float32frombits(hdr.order.Uint32(b)))
			} else {
				v = math.Float64frombits(hdr.order.Uint64(b))
			}
		case 'i':
			switch hdr.size {
			case 1:
				v = float64(int8(b[0]))
			case 2:
				v = float64(int16(hdr.order.Uint16(b)))
			case 4:
				v = float64(int32(hdr.order.Uint32(b)))
			case 8:
				v = float64(int64(hdr.order.Uint64(b)))
			}
		case 'u':
			switch hdr.size {
			case 1:
				v = float64(b[0])
			case 2:
				v = float64(hdr.order.Uint16(b))
			case 4:
				v = float64(hdr.order.Uint32(b))
			}
		default:
			return nil, fmt.Errorf("unsupported dtype kind %q", hdr.kind)
		}
		out[i] = v
	}
	return out, nil
}

func fortranToC(data []float64, rows, cols int) []float64 {
	out := make([]float64, len(data))
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			out[i*cols+j] = data[j*rows+i]
		}
	}
	return out
}
