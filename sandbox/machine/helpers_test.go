package machine

import (
	"encoding/binary"
	"sync"
)

const testRunPage = 4096

func newRunData() RunData {
	return make(RunData, testRunPage)
}

func setExit(r RunData, e Exit) {
	binary.LittleEndian.PutUint32(r[runExitReason:], uint32(e))
}

func setIOExit(r RunData, dir IODirection, size uint8, port uint16, count uint32, off uint64) {
	setExit(r, EXITIO)
	u := r[runExitUnion:]
	u[0] = uint8(dir)
	u[1] = size
	binary.LittleEndian.PutUint16(u[2:], port)
	binary.LittleEndian.PutUint32(u[4:], count)
	binary.LittleEndian.PutUint64(u[8:], off)
}

type fakeMapper struct {
	mu    sync.Mutex
	calls []UserspaceMemoryRegion
	fail  error
}

func (f *fakeMapper) SetUserMemoryRegion(r *UserspaceMemoryRegion) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.calls = append(f.calls, *r)
	return nil
}

type access struct {
	port uint64
	data []byte
	out  bool
}

// recorder is a PortIO that remembers every access.
type recorder struct {
	accesses []access
	in       byte
	err      error
}

func (r *recorder) In(port uint64, data []byte) error {
	for i := range data {
		data[i] = r.in
	}
	r.accesses = append(r.accesses, access{port: port, data: append([]byte(nil), data...)})
	return r.err
}

func (r *recorder) Out(port uint64, data []byte) error {
	r.accesses = append(r.accesses, access{port: port, data: append([]byte(nil), data...), out: true})
	return r.err
}

func newTestBoard(t interface {
	Helper()
	Fatalf(string, ...any)
}) (*Board, *fakeMapper) {
	t.Helper()
	mapper := &fakeMapper{}
	b, err := NewBoard(nil, mapper)
	if err != nil {
		t.Fatalf("NewBoard() error = %v", err)
	}
	return b, mapper
}
