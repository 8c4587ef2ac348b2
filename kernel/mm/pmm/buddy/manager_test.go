package buddy

import (
	"bytes"
	"crabos/kernel/hal/multiboot"
	"crabos/kernel/kfmt"
	"crabos/kernel/mm"
	"crabos/kernel/mm/pmm"
	"strings"
	"testing"
)

type sliceSource []mm.Region

func (s *sliceSource) NextRegion() (mm.Region, bool) {
	if len(*s) == 0 {
		return mm.Region{}, false
	}
	r := (*s)[0]
	*s = (*s)[1:]
	return r, true
}

func TestManagerRoutesRequests(t *testing.T) {
	defer kfmt.SetOutputSink(nil)
	kfmt.SetOutputSink(&bytes.Buffer{})

	src := sliceSource{
		{StartFrame: 0x10, FrameCount: 2},
		{StartFrame: 0x100, FrameCount: 8},
	}
	m, err := NewManager(&src, mm.PageSize)
	if err != nil {
		t.Fatal(err)
	}

	if got := len(m.Regions()); got != 2 {
		t.Fatalf("expected 2 allocators; got %d", got)
	}

	if exp, got := 10*mm.PageSize, m.TotalBytes(); got != exp {
		t.Fatalf("expected total bytes %d; got %d", exp, got)
	}

	// Too large for the first region
	addr, err := m.Allocate(4*mm.PageSize, mm.PageSize)
	if err != nil || addr != mm.Frame(0x100).Address() {
		t.Fatalf("expected allocation from the second region; got 0x%x, %v", addr, err)
	}

	frame, err := m.AllocFrame()
	if err != nil || frame != mm.Frame(0x10) {
		t.Fatalf("expected frame 0x10; got 0x%x, %v", frame, err)
	}

	if exp, got := 5*mm.PageSize, m.FreeBytes(); got != exp {
		t.Fatalf("expected %d free bytes; got %d", exp, got)
	}

	if err = m.FreeFrame(frame); err != nil {
		t.Fatal(err)
	}

	if err = m.Deallocate(addr, 4*mm.PageSize, mm.PageSize); err != nil {
		t.Fatal(err)
	}

	if exp, got := m.TotalBytes(), m.FreeBytes(); got != exp {
		t.Fatalf("expected all memory to be free; got %d/%d", got, exp)
	}

	if _, err = m.Allocate(0, mm.PageSize); err != ErrInvalidRequest {
		t.Fatalf("expected ErrInvalidRequest; got %v", err)
	}

	if _, err = m.Allocate(16*mm.PageSize, mm.PageSize); err != ErrExhausted {
		t.Fatalf("expected ErrExhausted; got %v", err)
	}
}

func TestManagerAbsoluteAlignment(t *testing.T) {
	defer kfmt.SetOutputSink(nil)
	kfmt.SetOutputSink(&bytes.Buffer{})

	// The first two regions start at frames that are only page aligned
	src := sliceSource{
		{StartFrame: 5, FrameCount: 4},
		{StartFrame: 15, FrameCount: 16},
		{StartFrame: 0x40, FrameCount: 64},
	}
	m, err := NewManager(&src, mm.PageSize)
	if err != nil {
		t.Fatal(err)
	}

	specs := []struct {
		size, alignment uintptr
		expAddr         uintptr
	}{
		{2 * mm.PageSize, 2 * mm.PageSize, 0x40000},
		{mm.PageSize, mm.PageSize, 0x5000},
		{4 * mm.PageSize, 16 * mm.PageSize, 0x50000},
		{3 * mm.PageSize, mm.PageSize, 0x44000},
	}

	for specIndex, spec := range specs {
		addr, err := m.Allocate(spec.size, spec.alignment)
		if err != nil {
			t.Errorf("[spec %d] unexpected error: %v", specIndex, err)
			continue
		}

		if addr != spec.expAddr {
			t.Errorf("[spec %d] expected address 0x%x; got 0x%x", specIndex, spec.expAddr, addr)
		}

		if addr%spec.alignment != 0 {
			t.Errorf("[spec %d] address 0x%x is not aligned to 0x%x", specIndex, addr, spec.alignment)
		}
	}
}

func TestManagerAlignmentOnFirmwareMap(t *testing.T) {
	defer kfmt.SetOutputSink(nil)
	kfmt.SetOutputSink(&bytes.Buffer{})

	memMap := multiboot.MemoryMap{
		{PhysAddress: 0, Length: 0x9fc00, Type: multiboot.MemAvailable},
		{PhysAddress: 0x9fc00, Length: 0x400, Type: multiboot.MemReserved},
		{PhysAddress: 0x100000, Length: 8 << 20, Type: multiboot.MemAvailable},
	}

	// Boot allocations shift the low range so its regions start at
	// frames 3, 7, 15 and 31.
	part := pmm.NewPartitioner(memMap, 0x100000, 0x200000)
	for i := 0; i < 3; i++ {
		if _, err := part.AllocFrame(); err != nil {
			t.Fatal(err)
		}
	}

	m, err := NewManager(part, mm.PageSize)
	if err != nil {
		t.Fatal(err)
	}

	for round := 0; round < 4; round++ {
		for _, req := range []struct{ size, alignment uintptr }{
			{mm.PageSize, mm.PageSize},
			{0x2000, 0x2000},
			{0x4000, 0x10000},
			{0x3000, 0x1000},
			{0x10000, 0x1000},
		} {
			addr, err := m.Allocate(req.size, req.alignment)
			if err != nil {
				t.Fatalf("[round %d] unexpected error allocating (0x%x, 0x%x): %v", round, req.size, req.alignment, err)
			}

			blockSize := req.alignment
			for blockSize < req.size {
				blockSize <<= 1
			}

			if addr%blockSize != 0 {
				t.Errorf("[round %d] allocation (0x%x, 0x%x) returned 0x%x which is not aligned to 0x%x", round, req.size, req.alignment, addr, blockSize)
			}
		}
	}
}

func TestManagerExhaustion(t *testing.T) {
	defer kfmt.SetOutputSink(nil)
	kfmt.SetOutputSink(&bytes.Buffer{})

	src := sliceSource{{StartFrame: 0x10, FrameCount: 1}, {StartFrame: 0x20, FrameCount: 2}}
	m, err := NewManager(&src, mm.PageSize)
	if err != nil {
		t.Fatal(err)
	}

	seen := make(map[mm.Frame]bool)
	for i := 0; i < 3; i++ {
		frame, err := m.AllocFrame()
		if err != nil {
			t.Fatalf("[frame %d] unexpected error: %v", i, err)
		}
		if seen[frame] {
			t.Fatalf("frame 0x%x handed out twice", frame)
		}
		seen[frame] = true
	}

	if frame, err := m.AllocFrame(); err != ErrExhausted || frame != mm.InvalidFrame {
		t.Fatalf("expected ErrExhausted and an invalid frame; got 0x%x, %v", frame, err)
	}
}

func TestManagerUnknownRegion(t *testing.T) {
	defer kfmt.SetOutputSink(nil)

	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)

	src := sliceSource{{StartFrame: 0x100, FrameCount: 4}}
	m, err := NewManager(&src, mm.PageSize)
	if err != nil {
		t.Fatal(err)
	}

	if err = m.Deallocate(0x1000, mm.PageSize, mm.PageSize); err != ErrUnknownRegion {
		t.Fatalf("expected ErrUnknownRegion; got %v", err)
	}

	if exp := "release of unmanaged address 0x1000 ignored"; !strings.Contains(buf.String(), exp) {
		t.Fatalf("expected a warning containing %q; got:\n%s", exp, buf.String())
	}

	if exp, got := m.TotalBytes(), m.FreeBytes(); got != exp {
		t.Fatalf("expected the managed region to be untouched; free %d/%d", got, exp)
	}
}

func TestNewManagerErrors(t *testing.T) {
	defer kfmt.SetOutputSink(nil)

	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)

	src := sliceSource{{StartFrame: 0x10, FrameCount: 1}}
	if _, err := NewManager(&src, 2*mm.PageSize); err != ErrNoRegions {
		t.Fatalf("expected ErrNoRegions; got %v", err)
	}

	if !strings.Contains(buf.String(), "[buddy] skipping region 0x10000 (1 frames)") {
		t.Fatalf("expected skipped region to be logged; got:\n%s", buf.String())
	}

	if _, err := NewManager(&sliceSource{}, mm.PageSize); err != ErrNoRegions {
		t.Fatalf("expected ErrNoRegions; got %v", err)
	}

	for _, limit := range []uintptr{0, 5, 16, mm.PageSize / 2, 3 * mm.PageSize} {
		src := sliceSource{{StartFrame: 0x100, FrameCount: 8}}
		if _, err := NewManager(&src, limit); err != ErrInvalidLimit {
			t.Errorf("[limit %d] expected ErrInvalidLimit; got %v", limit, err)
		}
	}
}

func TestManagerFromPartitioner(t *testing.T) {
	defer kfmt.SetOutputSink(nil)
	kfmt.SetOutputSink(&bytes.Buffer{})

	memMap := multiboot.MemoryMap{
		{PhysAddress: 0, Length: 0x9fc00, Type: multiboot.MemAvailable},
		{PhysAddress: 0x9fc00, Length: 0x400, Type: multiboot.MemReserved},
		{PhysAddress: 0x100000, Length: 0x7ee0000, Type: multiboot.MemAvailable},
	}

	part := pmm.NewPartitioner(memMap, 0x100000, 0x180000)
	for i := 0; i < 3; i++ {
		if _, err := part.AllocFrame(); err != nil {
			t.Fatal(err)
		}
	}

	m, err := NewManager(part, mm.PageSize)
	if err != nil {
		t.Fatal(err)
	}

	// 159 + 32480 frames minus 128 kernel frames and 3 boot allocations
	expFrames := uint64(159 + 32480 - 128 - 3)
	if got := uint64(m.TotalBytes() / mm.PageSize); got != expFrames {
		t.Fatalf("expected manager to cover %d frames; got %d", expFrames, got)
	}

	for _, a := range m.Regions() {
		if a.Contains(0) || a.Contains(mm.PageSize) || a.Contains(2*mm.PageSize) {
			t.Fatalf("region %x overlaps frames handed out by the boot allocator", a.Region().StartAddress())
		}
	}

	for i := uint64(0); i < expFrames; i++ {
		if _, err := m.AllocFrame(); err != nil {
			t.Fatalf("[frame %d] unexpected error: %v", i, err)
		}
	}

	if _, err := m.AllocFrame(); err != ErrExhausted {
		t.Fatalf("expected ErrExhausted; got %v", err)
	}
}
