// Package checkpoint reads and writes weight archives in the safetensors layout:
// an 8-byte little-endian header length, a JSON header mapping tensor names to
// dtype/shape/byte offsets, then the raw tensor data.
package checkpoint

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
)

// maxHeaderSize guards against reading a corrupt length prefix as a huge allocation.
const maxHeaderSize = 100 << 20

const metadataKey = "__metadata__"

// ErrTensorNotFound is returned by Tensor for names absent from the archive.
var ErrTensorNotFound = errors.New("tensor not found")

// Tensor is a dense float32 tensor in row-major order.
type Tensor struct {
	Shape []int
	Data  []float32
}

// NumElements returns the product of the shape dimensions.
func NumElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// ShapeEqual reports whether two shapes are identical.
func ShapeEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

type entry struct {
	DType   string   `json:"dtype"`
	Shape   []int    `json:"shape"`
	Offsets [2]int64 `json:"data_offsets"`
}

// Info describes one tensor stored in a checkpoint.
type Info struct {
	Name  string `json:"name"`
	DType string `json:"dtype"`
	Shape []int  `json:"shape"`
}

// File is an open checkpoint. Tensors are read lazily so that large archives
// (which also carry language-model weights) are never loaded in full.
type File struct {
	f        *os.File
	entries  map[string]entry
	metadata map[string]string
	dataBase int64
	dataSize int64
}

// Open opens the checkpoint at path and parses its header.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint: %w", err)
	}
	cf, err := parseHeader(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return cf, nil
}

func parseHeader(f *os.File) (*File, error) {
	stat, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat checkpoint: %w", err)
	}
	var lenBuf [8]byte
	if _, err := io.ReadFull(f, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("failed to read checkpoint header length: %w", err)
	}
	headerLen := binary.LittleEndian.Uint64(lenBuf[:])
	if headerLen == 0 || headerLen > maxHeaderSize || int64(headerLen)+8 > stat.Size() {
		return nil, fmt.Errorf("invalid checkpoint header length %d", headerLen)
	}
	header := make([]byte, headerLen)
	if _, err := io.ReadFull(f, header); err != nil {
		return nil, fmt.Errorf("failed to read checkpoint header: %w", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(header, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse checkpoint header: %w", err)
	}

	cf := &File{
		f:        f,
		entries:  make(map[string]entry, len(raw)),
		dataBase: 8 + int64(headerLen),
		dataSize: stat.Size() - 8 - int64(headerLen),
	}
	for name, msg := range raw {
		if name == metadataKey {
			if err := json.Unmarshal(msg, &cf.metadata); err != nil {
				return nil, fmt.Errorf("failed to parse checkpoint metadata: %w", err)
			}
			continue
		}
		var e entry
		if err := json.Unmarshal(msg, &e); err != nil {
			return nil, fmt.Errorf("failed to parse tensor %q: %w", name, err)
		}
		size, err := dtypeSize(e.DType)
		if err != nil {
			return nil, fmt.Errorf("tensor %q: %w", name, err)
		}
		begin, end := e.Offsets[0], e.Offsets[1]
		if begin < 0 || end < begin || end > cf.dataSize {
			return nil, fmt.Errorf("tensor %q: offsets [%d, %d) outside data section of %d bytes", name, begin, end, cf.dataSize)
		}
		if int64(NumElements(e.Shape)*size) != end-begin {
			return nil, fmt.Errorf("tensor %q: shape %v does not match %d bytes of %s", name, e.Shape, end-begin, e.DType)
		}
		cf.entries[name] = e
	}
	return cf, nil
}

// Names returns the tensor names in sorted order.
func (c *File) Names() []string {
	names := make([]string, 0, len(c.entries))
	for name := range c.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Infos describes every tensor in sorted name order.
func (c *File) Infos() []Info {
	names := c.Names()
	infos := make([]Info, len(names))
	for i, name := range names {
		e := c.entries[name]
		infos[i] = Info{Name: name, DType: e.DType, Shape: append([]int(nil), e.Shape...)}
	}
	return infos
}

// Metadata returns the free-form string metadata stored in the header.
func (c *File) Metadata() map[string]string {
	return c.metadata
}

// Shape returns the shape of the named tensor.
func (c *File) Shape(name string) ([]int, bool) {
	e, ok := c.entries[name]
	if !ok {
		return nil, false
	}
	return append([]int(nil), e.Shape...), true
}

// Tensor reads the named tensor and converts it to float32.
func (c *File) Tensor(name string) (*Tensor, error) {
	e, ok := c.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTensorNotFound, name)
	}
	buf := make([]byte, e.Offsets[1]-e.Offsets[0])
	if _, err := c.f.ReadAt(buf, c.dataBase+e.Offsets[0]); err != nil {
		return nil, fmt.Errorf("failed to read tensor %q: %w", name, err)
	}
	data, err := decode(buf, e.DType)
	if err != nil {
		return nil, fmt.Errorf("tensor %q: %w", name, err)
	}
	return &Tensor{Shape: append([]int(nil), e.Shape...), Data: data}, nil
}

// Close closes the underlying file.
func (c *File) Close() error {
	if c.f == nil {
		return nil
	}
	err := c.f.Close()
	c.f = nil
	return err
}

// Save writes tensors as a float32 safetensors archive at path.
func Save(path string, tensors map[string]*Tensor, metadata map[string]string) error {
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	sort.Strings(names)

	header := make(map[string]interface{}, len(tensors)+1)
	if len(metadata) > 0 {
		header[metadataKey] = metadata
	}
	var offset int64
	for _, name := range names {
		t := tensors[name]
		if NumElements(t.Shape) != len(t.Data) {
			return fmt.Errorf("tensor %q: shape %v does not match %d values", name, t.Shape, len(t.Data))
		}
		size := int64(len(t.Data) * 4)
		header[name] = entry{DType: DTypeF32, Shape: t.Shape, Offsets: [2]int64{offset, offset + size}}
		offset += size
	}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint header: %w", err)
	}
	// Pad the header so the data section starts 8-byte aligned.
	for (len(headerJSON))%8 != 0 {
		headerJSON = append(headerJSON, ' ')
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint: %w", err)
	}
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(headerJSON)))
	if _, err := f.Write(lenBuf[:]); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if _, err := f.Write(headerJSON); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	for _, name := range names {
		if _, err := f.Write(encodeF32(tensors[name].Data)); err != nil {
			_ = f.Close()
			return fmt.Errorf("failed to write tensor %q: %w", name, err)
		}
	}
	return f.Close()
}
