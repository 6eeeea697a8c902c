package bytecode

// DebugInfo stores source location for each bytecode instruction.
type DebugInfo struct {
	Line     int
	Column   int
	File     string
	Function string
}

// GlobalIC is the inline cache slot attached to a GET_GLOBAL instruction.
// A write to the globals table bumps Version; a cache hit requires the
// cached Version to still match the globals table's current version.
type GlobalIC struct {
	Version int
	Name    string
	Value   interface{}
	Valid   bool
}

// TableIC is the inline cache slot attached to a GET_TABLE instruction,
// keyed by the identity of the table object and the string key used on the
// last lookup through this instruction.
type TableIC struct {
	Version int
	Table   interface{}
	Key     string
	Value   interface{}
	Valid   bool
}

// Chunk is a function's compiled bytecode: a flat byte stream, one source
// line per byte (for tracebacks), a constant pool, and inline-cache side
// arrays indexed by code position. There is no on-disk chunk format --
// chunks live only in memory for the life of the process that built them.
type Chunk struct {
	Code      []byte
	Lines     []int
	Columns   []int
	Constants []interface{}
	Debug     []DebugInfo

	GlobalCaches map[int]*GlobalIC
	TableCaches  map[int]*TableIC
}

func NewChunk() *Chunk {
	return &Chunk{
		Code:         []byte{},
		Lines:        []int{},
		Columns:      []int{},
		Constants:    []interface{}{},
		Debug:        []DebugInfo{},
		GlobalCaches: make(map[int]*GlobalIC),
		TableCaches:  make(map[int]*TableIC),
	}
}

func (c *Chunk) WriteOp(op OpCode) {
	c.WriteOpWithDebug(op, DebugInfo{})
}

func (c *Chunk) WriteOpWithDebug(op OpCode, debug DebugInfo) {
	c.Code = append(c.Code, byte(op))
	c.Lines = append(c.Lines, debug.Line)
	c.Columns = append(c.Columns, debug.Column)
	c.Debug = append(c.Debug, debug)
}

func (c *Chunk) WriteByte(b byte) {
	c.WriteByteWithDebug(b, DebugInfo{})
}

func (c *Chunk) WriteByteWithDebug(b byte, debug DebugInfo) {
	c.Code = append(c.Code, b)
	c.Lines = append(c.Lines, debug.Line)
	c.Columns = append(c.Columns, debug.Column)
	c.Debug = append(c.Debug, debug)
}

// WriteUint16 emits a two-byte big-endian operand, used for jump, loop and
// for-loop offsets; slot and constant indices are single bytes.
func (c *Chunk) WriteUint16(v int, debug DebugInfo) int {
	pos := len(c.Code)
	c.WriteByteWithDebug(byte(v>>8), debug)
	c.WriteByteWithDebug(byte(v&0xff), debug)
	return pos
}

func (c *Chunk) PatchUint16(pos int, v int) {
	c.Code[pos] = byte(v >> 8)
	c.Code[pos+1] = byte(v & 0xff)
}

func (c *Chunk) ReadUint16(pos int) int {
	return int(c.Code[pos])<<8 | int(c.Code[pos+1])
}

func (c *Chunk) AddConstant(val interface{}) int {
	for i, existing := range c.Constants {
		if existing == val {
			return i
		}
	}
	c.Constants = append(c.Constants, val)
	return len(c.Constants) - 1
}

func (c *Chunk) GetDebugInfo(ip int) DebugInfo {
	if ip >= 0 && ip < len(c.Debug) {
		return c.Debug[ip]
	}
	return DebugInfo{}
}

func (c *Chunk) LineAt(ip int) int {
	if ip >= 0 && ip < len(c.Lines) {
		return c.Lines[ip]
	}
	return 0
}

func (c *Chunk) GlobalCache(ip int) *GlobalIC {
	ic, ok := c.GlobalCaches[ip]
	if !ok {
		ic = &GlobalIC{}
		c.GlobalCaches[ip] = ic
	}
	return ic
}

func (c *Chunk) TableCache(ip int) *TableIC {
	ic, ok := c.TableCaches[ip]
	if !ok {
		ic = &TableIC{}
		c.TableCaches[ip] = ic
	}
	return ic
}
