// Package multiboot decodes the boot information that a multiboot2 compliant
// boot loader hands over to the kernel: the firmware memory map, the boot
// command line and the boot loader name.
package multiboot

import (
	"crabos/kernel"
	"encoding/binary"
	"strings"
)

type tagType uint32

// nolint
const (
	tagMbSectionEnd tagType = iota
	tagBootCmdLine
	tagBootLoaderName
	tagModules
	tagBasicMemoryInfo
	tagBiosBootDevice
	tagMemoryMap
)

const (
	// infoHeaderSize is the size of the fixed header (total size + reserved).
	infoHeaderSize = 8

	// tagHeaderSize is the size of the type/size pair that precedes each tag.
	tagHeaderSize = 8

	// mmapHeaderSize is the size of the entry size/version pair that
	// precedes the memory map entries.
	mmapHeaderSize = 8

	// mmapEntrySize is the size of an encoded MemoryMapEntry including
	// its reserved trailing dword.
	mmapEntrySize = 24
)

var (
	errInfoTooShort     = &kernel.Error{Module: "multiboot", Message: "boot info payload is truncated"}
	errBadMmapEntrySize = &kernel.Error{Module: "multiboot", Message: "unsupported memory map entry size"}
)

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemAcpiReclaimable indicates a memory region that holds ACPI info that
	// can be reused by the OS.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved when hibernating.
	MemNvs

	// Any value >= memUnknown will be mapped to MemReserved.
	memUnknown
)

// String implements fmt.Stringer for MemoryEntryType.
func (t MemoryEntryType) String() string {
	switch t {
	case MemAvailable:
		return "available"
	case MemReserved:
		return "reserved"
	case MemAcpiReclaimable:
		return "ACPI (reclaimable)"
	case MemNvs:
		return "NVS"
	default:
		return "unknown"
	}
}

// MemoryMapEntry describes a memory region entry, namely its physical address,
// its length and its type.
type MemoryMapEntry struct {
	// The physical address for this memory region.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64

	// The type of this entry.
	Type MemoryEntryType
}

// End returns the physical address just past the end of the region.
func (e *MemoryMapEntry) End() uint64 {
	return e.PhysAddress + e.Length
}

// MemRegionVisitor defies a visitor function that gets invoked by VisitMemRegions
// for each memory region provided by the boot loader. The visitor must return true
// to continue or false to abort the scan.
type MemRegionVisitor func(*MemoryMapEntry) bool

// MemoryMap is the ordered list of memory regions reported by the firmware.
type MemoryMap []MemoryMapEntry

// VisitMemRegions invokes visitor for each memory map entry in order until
// the visitor returns false.
func (m MemoryMap) VisitMemRegions(visitor MemRegionVisitor) {
	for i := range m {
		entry := m[i]
		if !visitor(&entry) {
			return
		}
	}
}

// AvailableBytes returns the total size of all MemAvailable regions.
func (m MemoryMap) AvailableBytes() uint64 {
	var total uint64
	for _, entry := range m {
		if entry.Type == MemAvailable {
			total += entry.Length
		}
	}
	return total
}

// Info holds the decoded boot information.
type Info struct {
	// MemoryMap lists the physical memory regions.
	MemoryMap MemoryMap

	// CmdLine is the raw kernel command line.
	CmdLine string

	// BootLoaderName identifies the boot loader.
	BootLoaderName string
}

// Parse decodes a multiboot2 information payload. Tags that are not
// understood are skipped; a tag that extends past the end of data ends the
// scan.
func Parse(data []byte) (*Info, *kernel.Error) {
	if len(data) < infoHeaderSize {
		return nil, errInfoTooShort
	}

	var (
		info Info
		le   = binary.LittleEndian
	)

	for offset := infoHeaderSize; offset+tagHeaderSize <= len(data); {
		tag := tagType(le.Uint32(data[offset:]))
		size := int(le.Uint32(data[offset+4:]))
		if tag == tagMbSectionEnd || size < tagHeaderSize || offset+size > len(data) {
			break
		}

		payload := data[offset+tagHeaderSize : offset+size]
		switch tag {
		case tagBootCmdLine:
			info.CmdLine = cString(payload)
		case tagBootLoaderName:
			info.BootLoaderName = cString(payload)
		case tagMemoryMap:
			mmap, err := parseMemoryMap(payload)
			if err != nil {
				return nil, err
			}
			info.MemoryMap = mmap
		}

		// Tags are aligned at 8-byte aligned addresses
		offset += (size + 7) &^ 7
	}

	return &info, nil
}

func parseMemoryMap(payload []byte) (MemoryMap, *kernel.Error) {
	if len(payload) < mmapHeaderSize {
		return nil, errInfoTooShort
	}

	le := binary.LittleEndian
	entrySize := int(le.Uint32(payload))
	if entrySize < 20 {
		return nil, errBadMmapEntrySize
	}

	var mmap MemoryMap
	for offset := mmapHeaderSize; offset+entrySize <= len(payload); offset += entrySize {
		entry := MemoryMapEntry{
			PhysAddress: le.Uint64(payload[offset:]),
			Length:      le.Uint64(payload[offset+8:]),
			Type:        MemoryEntryType(le.Uint32(payload[offset+16:])),
		}

		// Mark unknown entry types as reserved
		if entry.Type == 0 || entry.Type >= memUnknown {
			entry.Type = MemReserved
		}
		mmap = append(mmap, entry)
	}

	return mmap, nil
}

// cString returns the contents of a NULL-terminated string.
func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// CmdLineKV returns the command line key-value pairs passed to the kernel.
func (i *Info) CmdLineKV() map[string]string {
	return ParseCmdLine(i.CmdLine)
}

// ParseCmdLine splits a kernel command line into key-value pairs. Arguments
// of the form "foo=bar" map foo to bar while bare arguments such as "nofoo"
// map to themselves.
func ParseCmdLine(cmdLine string) map[string]string {
	kv := make(map[string]string)
	for _, pair := range strings.Fields(cmdLine) {
		parts := strings.Split(pair, "=")
		switch len(parts) {
		case 2: // foo=bar
			kv[parts[0]] = parts[1]
		case 1: // nofoo
			kv[parts[0]] = parts[0]
		}
	}
	return kv
}

// Encode serializes info into a multiboot2 information payload. It is the
// inverse of Parse and is used to synthesize boot information when running
// the kernel outside of a real boot loader.
func Encode(info *Info) []byte {
	var (
		le  = binary.LittleEndian
		buf = make([]byte, infoHeaderSize)
	)

	appendTag := func(tag tagType, payload []byte) {
		hdr := make([]byte, tagHeaderSize)
		le.PutUint32(hdr, uint32(tag))
		le.PutUint32(hdr[4:], uint32(tagHeaderSize+len(payload)))
		buf = append(buf, hdr...)
		buf = append(buf, payload...)
		for len(buf)%8 != 0 {
			buf = append(buf, 0)
		}
	}

	if info.CmdLine != "" {
		appendTag(tagBootCmdLine, append([]byte(info.CmdLine), 0))
	}
	if info.BootLoaderName != "" {
		appendTag(tagBootLoaderName, append([]byte(info.BootLoaderName), 0))
	}
	if len(info.MemoryMap) != 0 {
		payload := make([]byte, mmapHeaderSize+len(info.MemoryMap)*mmapEntrySize)
		le.PutUint32(payload, mmapEntrySize)
		for i, entry := range info.MemoryMap {
			off := mmapHeaderSize + i*mmapEntrySize
			le.PutUint64(payload[off:], entry.PhysAddress)
			le.PutUint64(payload[off+8:], entry.Length)
			le.PutUint32(payload[off+16:], uint32(entry.Type))
		}
		appendTag(tagMemoryMap, payload)
	}
	appendTag(tagMbSectionEnd, nil)

	le.PutUint32(buf, uint32(len(buf)))
	return buf
}
