package states

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"os"
	"slices"

	"github.com/gomlx/neurodyn/pkg/core/dtypes"
	"github.com/gomlx/neurodyn/pkg/core/tensors"
	"github.com/pkg/errors"
)

// pickleCodec handles Python pickle files (protocol 3) holding a dict that maps each key to a dict
// {"dtype": NumPy descr, "shape": tuple of ints, "data": raw bytes}.
//
// Reading also accepts plain Python numbers and (nested) lists of numbers as values.
type pickleCodec struct{}

// Pickle opcodes used.
const (
	pklProto           = 0x80
	pklFrame           = 0x95
	pklStop            = '.'
	pklMark            = '('
	pklPop             = '0'
	pklPopMark         = '1'
	pklNone            = 'N'
	pklNewTrue         = 0x88
	pklNewFalse        = 0x89
	pklBinInt          = 'J'
	pklBinInt1         = 'K'
	pklBinInt2         = 'M'
	pklLong1           = 0x8a
	pklBinFloat        = 'G'
	pklBinUnicode      = 'X'
	pklShortBinUnicode = 0x8c
	pklBinUnicode8     = 0x8d
	pklBinBytes        = 'B'
	pklShortBinBytes   = 'C'
	pklBinBytes8       = 0x8e
	pklEmptyDict       = '}'
	pklEmptyList       = ']'
	pklEmptyTuple      = ')'
	pklTuple           = 't'
	pklTuple1          = 0x85
	pklTuple2          = 0x86
	pklTuple3          = 0x87
	pklList            = 'l'
	pklDict            = 'd'
	pklAppend          = 'a'
	pklAppends         = 'e'
	pklSetItem         = 's'
	pklSetItems        = 'u'
	pklBinPut          = 'q'
	pklLongBinPut      = 'r'
	pklMemoize         = 0x94
	pklBinGet          = 'h'
	pklLongBinGet      = 'j'
)

// pickleWriter writes pickle opcodes.
type pickleWriter struct {
	buf bytes.Buffer
}

func (w *pickleWriter) op(op byte) { w.buf.WriteByte(op) }

func (w *pickleWriter) uint32(v int) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(v))
	w.buf.Write(b[:])
}

func (w *pickleWriter) str(s string) {
	w.op(pklBinUnicode)
	w.uint32(len(s))
	w.buf.WriteString(s)
}

func (w *pickleWriter) bytes(data []byte) {
	w.op(pklBinBytes)
	w.uint32(len(data))
	w.buf.Write(data)
}

func (w *pickleWriter) int(v int) {
	w.op(pklBinInt)
	w.uint32(v)
}

func (w *pickleWriter) array(t *tensors.Tensor) {
	w.op(pklEmptyDict)
	w.op(pklMark)
	w.str("dtype")
	w.str(t.DType().NumpyDescr())
	w.str("shape")
	w.op(pklMark)
	for _, dim := range t.Shape().Dimensions {
		w.int(dim)
	}
	w.op(pklTuple)
	w.str("data")
	w.bytes(storageFor(t.DType()).encode(t))
	w.op(pklSetItems)
}

func (pickleCodec) write(filename string, keys []string, values map[string]*tensors.Tensor) error {
	w := &pickleWriter{}
	w.op(pklProto)
	w.op(3)
	w.op(pklEmptyDict)
	if len(keys) > 0 {
		w.op(pklMark)
		for _, key := range keys {
			w.str(key)
			w.array(values[key])
		}
		w.op(pklSetItems)
	}
	w.op(pklStop)
	return errors.Wrapf(os.WriteFile(filename, w.buf.Bytes(), 0644), "failed to write pickle file")
}

// Python values are decoded to: nil, bool, int64, float64, string, []byte, pickleTuple, *pickleList, *pickleDict.
type (
	pickleTuple []any
	pickleList  struct{ items []any }
	pickleDict  struct {
		keys   []any
		values map[any]any
	}
	pickleMark struct{}
)

func newPickleDict() *pickleDict { return &pickleDict{values: make(map[any]any)} }

func (d *pickleDict) set(key, value any) error {
	switch key.(type) {
	case string, int64, bool, nil:
	default:
		return errors.Errorf("unsupported pickle dict key type %T", key)
	}
	if _, found := d.values[key]; !found {
		d.keys = append(d.keys, key)
	}
	d.values[key] = value
	return nil
}

// unpickler is a minimal pickle virtual machine, supporting the opcodes needed for dicts, lists, tuples,
// strings, bytes and numbers.
type unpickler struct {
	r     *bufio.Reader
	stack []any
	memo  map[int]any

	// size of the pickled data: no sized value can be larger.
	size int
}

func (u *unpickler) readN(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := io.ReadFull(u.r, b)
	return b, errors.Wrapf(err, "truncated pickle data")
}

func (u *unpickler) readUint(n int) (uint64, error) {
	b, err := u.readN(n)
	if err != nil {
		return 0, err
	}
	var v uint64
	for ii := n - 1; ii >= 0; ii-- {
		v = v<<8 | uint64(b[ii])
	}
	return v, nil
}

func (u *unpickler) push(v any) { u.stack = append(u.stack, v) }

func (u *unpickler) pop() (any, error) {
	if len(u.stack) == 0 {
		return nil, errors.New("pickle stack underflow")
	}
	v := u.stack[len(u.stack)-1]
	u.stack = u.stack[:len(u.stack)-1]
	return v, nil
}

func (u *unpickler) top() (any, error) {
	if len(u.stack) == 0 {
		return nil, errors.New("pickle stack underflow")
	}
	return u.stack[len(u.stack)-1], nil
}

// popMark pops all items up to the last mark.
func (u *unpickler) popMark() ([]any, error) {
	for ii := len(u.stack) - 1; ii >= 0; ii-- {
		if _, ok := u.stack[ii].(pickleMark); ok {
			items := slices.Clone(u.stack[ii+1:])
			u.stack = u.stack[:ii]
			return items, nil
		}
	}
	return nil, errors.New("pickle mark not found")
}

func (u *unpickler) readSized(lenBytes int) ([]byte, error) {
	n, err := u.readUint(lenBytes)
	if err != nil {
		return nil, err
	}
	if n > uint64(u.size) {
		return nil, errors.Errorf("invalid pickle data: value of %d bytes in %d bytes of data", n, u.size)
	}
	return u.readN(int(n))
}

func (u *unpickler) load() (any, error) {
	for {
		op, err := u.r.ReadByte()
		if err != nil {
			return nil, errors.Wrapf(err, "truncated pickle data")
		}
		switch op {
		case pklProto:
			if _, err = u.readN(1); err != nil {
				return nil, err
			}
		case pklFrame:
			if _, err = u.readN(8); err != nil {
				return nil, err
			}
		case pklStop:
			return u.pop()
		case pklMark:
			u.push(pickleMark{})
		case pklPop:
			_, err = u.pop()
		case pklPopMark:
			_, err = u.popMark()
		case pklNone:
			u.push(nil)
		case pklNewTrue:
			u.push(true)
		case pklNewFalse:
			u.push(false)
		case pklBinInt:
			var v uint64
			if v, err = u.readUint(4); err == nil {
				u.push(int64(int32(uint32(v))))
			}
		case pklBinInt1:
			var v uint64
			if v, err = u.readUint(1); err == nil {
				u.push(int64(v))
			}
		case pklBinInt2:
			var v uint64
			if v, err = u.readUint(2); err == nil {
				u.push(int64(v))
			}
		case pklLong1:
			var b []byte
			if b, err = u.readSized(1); err == nil {
				if len(b) > 8 {
					return nil, errors.Errorf("pickle integer of %d bytes is too large", len(b))
				}
				var v int64
				for ii := len(b) - 1; ii >= 0; ii-- {
					v = v<<8 | int64(b[ii])
				}
				if len(b) > 0 && len(b) < 8 && b[len(b)-1]&0x80 != 0 {
					v -= 1 << (8 * len(b))
				}
				u.push(v)
			}
		case pklBinFloat:
			var b []byte
			if b, err = u.readN(8); err == nil {
				u.push(math.Float64frombits(binary.BigEndian.Uint64(b)))
			}
		case pklBinUnicode, pklShortBinUnicode, pklBinUnicode8:
			var b []byte
			if b, err = u.readSized(lengthSize(op)); err == nil {
				u.push(string(b))
			}
		case pklBinBytes, pklShortBinBytes, pklBinBytes8:
			var b []byte
			if b, err = u.readSized(lengthSize(op)); err == nil {
				u.push(b)
			}
		case pklEmptyDict:
			u.push(newPickleDict())
		case pklEmptyList:
			u.push(&pickleList{})
		case pklEmptyTuple:
			u.push(pickleTuple{})
		case pklTuple:
			var items []any
			if items, err = u.popMark(); err == nil {
				u.push(pickleTuple(items))
			}
		case pklTuple1, pklTuple2, pklTuple3:
			n := int(op-pklTuple1) + 1
			if len(u.stack) < n {
				return nil, errors.New("pickle stack underflow")
			}
			items := slices.Clone(u.stack[len(u.stack)-n:])
			u.stack = u.stack[:len(u.stack)-n]
			u.push(pickleTuple(items))
		case pklList:
			var items []any
			if items, err = u.popMark(); err == nil {
				u.push(&pickleList{items: items})
			}
		case pklDict:
			var items []any
			if items, err = u.popMark(); err == nil {
				d := newPickleDict()
				err = setDictItems(d, items)
				u.push(d)
			}
		case pklAppend:
			var item, top any
			if item, err = u.pop(); err == nil {
				if top, err = u.top(); err == nil {
					list, ok := top.(*pickleList)
					if !ok {
						return nil, errors.Errorf("pickle APPEND to a %T", top)
					}
					list.items = append(list.items, item)
				}
			}
		case pklAppends:
			var items []any
			var top any
			if items, err = u.popMark(); err == nil {
				if top, err = u.top(); err == nil {
					list, ok := top.(*pickleList)
					if !ok {
						return nil, errors.Errorf("pickle APPENDS to a %T", top)
					}
					list.items = append(list.items, items...)
				}
			}
		case pklSetItem, pklSetItems:
			var items []any
			if op == pklSetItem {
				if len(u.stack) < 2 {
					return nil, errors.New("pickle stack underflow")
				}
				items = slices.Clone(u.stack[len(u.stack)-2:])
				u.stack = u.stack[:len(u.stack)-2]
			} else {
				items, err = u.popMark()
			}
			if err == nil {
				var top any
				if top, err = u.top(); err == nil {
					d, ok := top.(*pickleDict)
					if !ok {
						return nil, errors.Errorf("pickle SETITEMS to a %T", top)
					}
					err = setDictItems(d, items)
				}
			}
		case pklBinPut, pklLongBinPut:
			var idx uint64
			lenBytes := 1
			if op == pklLongBinPut {
				lenBytes = 4
			}
			if idx, err = u.readUint(lenBytes); err == nil {
				var top any
				if top, err = u.top(); err == nil {
					u.memo[int(idx)] = top
				}
			}
		case pklMemoize:
			var top any
			if top, err = u.top(); err == nil {
				u.memo[len(u.memo)] = top
			}
		case pklBinGet, pklLongBinGet:
			var idx uint64
			lenBytes := 1
			if op == pklLongBinGet {
				lenBytes = 4
			}
			if idx, err = u.readUint(lenBytes); err == nil {
				v, found := u.memo[int(idx)]
				if !found {
					return nil, errors.Errorf("pickle memo %d not found", idx)
				}
				u.push(v)
			}
		default:
			return nil, errors.Errorf("unsupported pickle opcode 0x%02x: only dicts of arrays (as saved by "+
				"this package), numbers and lists of numbers are supported", op)
		}
		if err != nil {
			return nil, err
		}
	}
}

// lengthSize returns the number of bytes of the length prefix of string and bytes opcodes.
func lengthSize(op byte) int {
	switch op {
	case pklShortBinUnicode, pklShortBinBytes:
		return 1
	case pklBinUnicode8, pklBinBytes8:
		return 8
	}
	return 4
}

func setDictItems(d *pickleDict, items []any) error {
	if len(items)%2 != 0 {
		return errors.New("odd number of items for pickle dict")
	}
	for ii := 0; ii < len(items); ii += 2 {
		if err := d.set(items[ii], items[ii+1]); err != nil {
			return err
		}
	}
	return nil
}

func (pickleCodec) read(filename string) (map[string]*tensors.Tensor, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read pickle file")
	}
	u := &unpickler{r: bufio.NewReader(bytes.NewReader(data)), memo: make(map[int]any), size: len(data)}
	root, err := u.load()
	if err != nil {
		return nil, err
	}
	d, ok := root.(*pickleDict)
	if !ok {
		return nil, errors.Errorf("pickle file holds a %T, expected a dict", root)
	}
	values := make(map[string]*tensors.Tensor, len(d.keys))
	for _, k := range d.keys {
		key, ok := k.(string)
		if !ok {
			return nil, errors.Errorf("pickle dict key %v is not a string", k)
		}
		t, err := pickleValueToTensor(d.values[k])
		if err != nil {
			return nil, errors.WithMessagef(err, "key %q", key)
		}
		values[key] = t
	}
	return values, nil
}

// pickleValueToTensor converts an array dict, a number or a (nested) list of numbers to a tensor.
func pickleValueToTensor(value any) (*tensors.Tensor, error) {
	switch v := value.(type) {
	case *pickleDict:
		descr, ok := v.values["dtype"].(string)
		if !ok {
			return nil, errors.New("array dict without a \"dtype\" string")
		}
		shapeTuple, ok := v.values["shape"].(pickleTuple)
		if !ok {
			return nil, errors.New("array dict without a \"shape\" tuple")
		}
		data, ok := v.values["data"].([]byte)
		if !ok {
			return nil, errors.New("array dict without \"data\" bytes")
		}
		dims := make([]int, len(shapeTuple))
		for ii, dim := range shapeTuple {
			dim64, ok := dim.(int64)
			if !ok {
				return nil, errors.Errorf("invalid dimension %v in shape", dim)
			}
			dims[ii] = int(dim64)
		}
		st, err := storageForNumpyDescr(descr)
		if err != nil {
			return nil, err
		}
		return st.decode(data, false, dims...)
	case int64, float64, bool, *pickleList, pickleTuple:
		var flat []float64
		var dims []int
		dtype := dtypes.Int64
		if err := flattenPickleNumbers(v, 0, &dims, &flat, &dtype); err != nil {
			return nil, err
		}
		return tensors.FromFloat64s(dtype, flat, dims...), nil
	}
	return nil, errors.Errorf("unsupported pickled value of type %T", value)
}

func flattenPickleNumbers(value any, depth int, dims *[]int, flat *[]float64, dtype *dtypes.DType) error {
	var items []any
	switch v := value.(type) {
	case int64:
		*flat = append(*flat, float64(v))
		return checkLeafDepth(depth, *dims)
	case bool:
		if v {
			*flat = append(*flat, 1)
		} else {
			*flat = append(*flat, 0)
		}
		return checkLeafDepth(depth, *dims)
	case float64:
		*flat = append(*flat, v)
		*dtype = dtypes.Float64
		return checkLeafDepth(depth, *dims)
	case *pickleList:
		items = v.items
	case pickleTuple:
		items = v
	default:
		return errors.Errorf("unsupported value of type %T in pickled list", value)
	}
	if depth == len(*dims) {
		if len(*flat) > 0 {
			return errors.New("pickled lists of numbers with ragged shape")
		}
		*dims = append(*dims, len(items))
	} else if depth > len(*dims) || (*dims)[depth] != len(items) {
		return errors.New("pickled lists of numbers with ragged shape")
	}
	for _, item := range items {
		if err := flattenPickleNumbers(item, depth+1, dims, flat, dtype); err != nil {
			return err
		}
	}
	return nil
}

func checkLeafDepth(depth int, dims []int) error {
	if depth != len(dims) {
		return errors.New("pickled lists of numbers with ragged shape")
	}
	return nil
}
