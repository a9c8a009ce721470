package guest

// A minimal core-wasm encoder for test guests. It covers the handful of
// sections and opcodes the tests need.

const (
	i32 = 0x7F
	i64 = 0x7E

	opUnreachable = 0x00
	opCall        = 0x10
	opDrop        = 0x1A
	opLocalGet    = 0x20
	opI32Const    = 0x41
	opI64Const    = 0x42
	opEnd         = 0x0B
)

type funcType struct {
	params  []byte
	results []byte
}

type hostImport struct {
	name string
	typ  int
}

type guestFunc struct {
	name string
	typ  int
	body []byte
}

type module struct {
	types   []funcType
	imports []hostImport
	funcs   []guestFunc
	data    []byte
}

func uleb(v uint64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7F)
		v >>= 7
		if v != 0 {
			out = append(out, b|0x80)
			continue
		}
		return append(out, b)
	}
}

func sleb(v int64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7F)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

func str(s string) []byte {
	return append(uleb(uint64(len(s))), s...)
}

func vec(items ...[]byte) []byte {
	out := uleb(uint64(len(items)))
	for _, it := range items {
		out = append(out, it...)
	}
	return out
}

func section(id byte, payload []byte) []byte {
	return append(append([]byte{id}, uleb(uint64(len(payload)))...), payload...)
}

// code concatenates instruction fragments.
func code(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func call(idx int) []byte { return append([]byte{opCall}, uleb(uint64(idx))...) }

func localGet(i int) []byte { return append([]byte{opLocalGet}, uleb(uint64(i))...) }

func i32Const(v int32) []byte { return append([]byte{opI32Const}, sleb(int64(v))...) }

func i64Const(v int64) []byte { return append([]byte{opI64Const}, sleb(v)...) }

func drop() []byte { return []byte{opDrop} }

func unreachable() []byte { return []byte{opUnreachable} }

func (m *module) encode() []byte {
	out := []byte{0x00, 'a', 's', 'm', 0x01, 0x00, 0x00, 0x00}

	types := make([][]byte, len(m.types))
	for i, t := range m.types {
		types[i] = code([]byte{0x60}, vec(bytesOf(t.params)...), vec(bytesOf(t.results)...))
	}
	out = append(out, section(1, vec(types...))...)

	imports := make([][]byte, len(m.imports))
	for i, imp := range m.imports {
		imports[i] = code(str(HostModule), str(imp.name), []byte{0x00}, uleb(uint64(imp.typ)))
	}
	out = append(out, section(2, vec(imports...))...)

	funcs := make([][]byte, len(m.funcs))
	for i, f := range m.funcs {
		funcs[i] = uleb(uint64(f.typ))
	}
	out = append(out, section(3, vec(funcs...))...)

	// memory: one page, no maximum
	out = append(out, section(5, vec([]byte{0x00, 0x01}))...)

	exports := [][]byte{code(str("memory"), []byte{0x02, 0x00})}
	for i, f := range m.funcs {
		exports = append(exports, code(str(f.name), []byte{0x00}, uleb(uint64(len(m.imports)+i))))
	}
	out = append(out, section(7, vec(exports...))...)

	bodies := make([][]byte, len(m.funcs))
	for i, f := range m.funcs {
		body := code([]byte{0x00}, f.body, []byte{opEnd})
		bodies[i] = append(uleb(uint64(len(body))), body...)
	}
	out = append(out, section(10, vec(bodies...))...)

	if len(m.data) > 0 {
		seg := code([]byte{0x00}, i32Const(0), []byte{opEnd}, vec(bytesOf(m.data)...))
		out = append(out, section(11, vec(seg))...)
	}
	return out
}

func bytesOf(b []byte) [][]byte {
	out := make([][]byte, len(b))
	for i := range b {
		out[i] = []byte{b[i]}
	}
	return out
}
