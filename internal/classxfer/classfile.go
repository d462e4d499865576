package classxfer

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
)

const classMagic = 0xCAFEBABE

// Class is a class defined from verified bytes.
type Class struct {
	Name   string
	Super  string
	Major  uint16
	Minor  uint16
	Digest string
	Source string
	Bytes  []byte
}

// constant pool tags
const (
	tagUtf8               = 1
	tagInteger            = 3
	tagFloat              = 4
	tagLong               = 5
	tagDouble             = 6
	tagClass              = 7
	tagString             = 8
	tagFieldref           = 9
	tagMethodref          = 10
	tagInterfaceMethodref = 11
	tagNameAndType        = 12
	tagMethodHandle       = 15
	tagMethodType         = 16
	tagDynamic            = 17
	tagInvokeDynamic      = 18
	tagModule             = 19
	tagPackage            = 20
)

type cpEntry struct {
	tag  byte
	utf8 string
	ref  uint16
}

type reader struct {
	b   []byte
	off int
}

func (r *reader) u1() (byte, error) {
	if r.off+1 > len(r.b) {
		return 0, r.short()
	}
	v := r.b[r.off]
	r.off++
	return v, nil
}

func (r *reader) u2() (uint16, error) {
	if r.off+2 > len(r.b) {
		return 0, r.short()
	}
	v := binary.BigEndian.Uint16(r.b[r.off:])
	r.off += 2
	return v, nil
}

func (r *reader) u4() (uint32, error) {
	if r.off+4 > len(r.b) {
		return 0, r.short()
	}
	v := binary.BigEndian.Uint32(r.b[r.off:])
	r.off += 4
	return v, nil
}

func (r *reader) skip(n int) error {
	if r.off+n > len(r.b) {
		return r.short()
	}
	r.off += n
	return nil
}

func (r *reader) short() error {
	return fmt.Errorf("%w: truncated at offset %d", ErrClassFormat, r.off)
}

// ParseClass verifies b is a class file and extracts its identity. Only
// the header, constant pool and class references are checked; member
// tables are opaque.
func ParseClass(b []byte) (*Class, error) {
	r := &reader{b: b}

	magic, err := r.u4()
	if err != nil {
		return nil, err
	}
	if magic != classMagic {
		return nil, fmt.Errorf("%w: bad magic %#08x", ErrClassFormat, magic)
	}
	minor, err := r.u2()
	if err != nil {
		return nil, err
	}
	major, err := r.u2()
	if err != nil {
		return nil, err
	}
	if major < 45 {
		return nil, fmt.Errorf("%w: unsupported major version %d", ErrClassFormat, major)
	}

	pool, err := readPool(r)
	if err != nil {
		return nil, err
	}

	if _, err := r.u2(); err != nil { // access flags
		return nil, err
	}
	thisIdx, err := r.u2()
	if err != nil {
		return nil, err
	}
	superIdx, err := r.u2()
	if err != nil {
		return nil, err
	}
	ifaces, err := r.u2()
	if err != nil {
		return nil, err
	}
	if err := r.skip(2 * int(ifaces)); err != nil {
		return nil, err
	}

	name, err := className(pool, thisIdx)
	if err != nil {
		return nil, fmt.Errorf("this_class: %w", err)
	}
	var super string
	if superIdx != 0 {
		if super, err = className(pool, superIdx); err != nil {
			return nil, fmt.Errorf("super_class: %w", err)
		}
	}

	sum := blake3.Sum256(b)
	return &Class{
		Name:   name,
		Super:  super,
		Major:  major,
		Minor:  minor,
		Digest: hex.EncodeToString(sum[:]),
		Bytes:  b,
	}, nil
}

func readPool(r *reader) ([]cpEntry, error) {
	count, err := r.u2()
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, fmt.Errorf("%w: empty constant pool", ErrClassFormat)
	}
	pool := make([]cpEntry, count)

	for i := 1; i < int(count); i++ {
		tag, err := r.u1()
		if err != nil {
			return nil, err
		}
		e := cpEntry{tag: tag}
		switch tag {
		case tagUtf8:
			n, err := r.u2()
			if err != nil {
				return nil, err
			}
			start := r.off
			if err := r.skip(int(n)); err != nil {
				return nil, err
			}
			e.utf8 = string(r.b[start:r.off])
		case tagClass, tagString, tagMethodType, tagModule, tagPackage:
			if e.ref, err = r.u2(); err != nil {
				return nil, err
			}
		case tagInteger, tagFloat, tagFieldref, tagMethodref, tagInterfaceMethodref,
			tagNameAndType, tagDynamic, tagInvokeDynamic:
			if err := r.skip(4); err != nil {
				return nil, err
			}
		case tagMethodHandle:
			if err := r.skip(3); err != nil {
				return nil, err
			}
		case tagLong, tagDouble:
			if err := r.skip(8); err != nil {
				return nil, err
			}
			pool[i] = e
			i++ // eight-byte constants take two slots
			continue
		default:
			return nil, fmt.Errorf("%w: unknown constant tag %d at index %d", ErrClassFormat, tag, i)
		}
		pool[i] = e
	}
	return pool, nil
}

func className(pool []cpEntry, idx uint16) (string, error) {
	if int(idx) >= len(pool) || pool[idx].tag != tagClass {
		return "", fmt.Errorf("%w: index %d is not a class constant", ErrClassFormat, idx)
	}
	ref := pool[idx].ref
	if int(ref) >= len(pool) || pool[ref].tag != tagUtf8 {
		return "", fmt.Errorf("%w: class name index %d is not utf8", ErrClassFormat, ref)
	}
	return strings.ReplaceAll(pool[ref].utf8, "/", "."), nil
}
