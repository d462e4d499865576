// Package testutil holds fixtures shared by package tests.
package testutil

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// MinimalClass returns the bytes of an empty class file declaring name
// with the given superclass. An empty super means java.lang.Object.
func MinimalClass(name, super string) []byte {
	if super == "" {
		super = "java.lang.Object"
	}
	var b []byte
	u2 := func(v uint16) { b = binary.BigEndian.AppendUint16(b, v) }
	utf8 := func(s string) {
		b = append(b, 1)
		u2(uint16(len(s)))
		b = append(b, s...)
	}

	b = binary.BigEndian.AppendUint32(b, 0xCAFEBABE)
	u2(0)  // minor
	u2(52) // major, Java 8
	u2(5)  // constant pool count
	utf8(strings.ReplaceAll(name, ".", "/"))
	b = append(b, 7)
	u2(1)
	utf8(strings.ReplaceAll(super, ".", "/"))
	b = append(b, 7)
	u2(3)
	u2(0x0021) // public super
	u2(2)      // this_class
	u2(4)      // super_class
	u2(0)      // interfaces
	u2(0)      // fields
	u2(0)      // methods
	u2(0)      // attributes
	return b
}

// WriteClass writes a minimal class for name under dir in the usual
// package layout and returns its path.
func WriteClass(t *testing.T, dir, name, super string) string {
	t.Helper()
	path := filepath.Join(dir, filepath.FromSlash(strings.ReplaceAll(name, ".", "/")+".class"))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, MinimalClass(name, super), 0o644); err != nil {
		t.Fatalf("write class: %v", err)
	}
	return path
}
