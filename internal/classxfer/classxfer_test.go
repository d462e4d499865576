package classxfer

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/michaelbrown/jsand/internal/registry"
	"github.com/michaelbrown/jsand/internal/testutil"
)

func TestParseClass(t *testing.T) {
	data := testutil.MinimalClass("com.example.Widget", "com.example.Base")
	c, err := ParseClass(data)
	if err != nil {
		t.Fatalf("ParseClass: %v", err)
	}
	if c.Name != "com.example.Widget" || c.Super != "com.example.Base" {
		t.Errorf("class = %s extends %s", c.Name, c.Super)
	}
	if c.Major != 52 {
		t.Errorf("major = %d", c.Major)
	}
	if len(c.Digest) != 64 {
		t.Errorf("digest %q is not 32 hex bytes", c.Digest)
	}
}

func TestParseClassRejects(t *testing.T) {
	good := testutil.MinimalClass("a.B", "")
	badMagic := append([]byte{0xDE, 0xAD, 0xBE, 0xEF}, good[4:]...)

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"bad magic", badMagic},
		{"truncated pool", good[:12]},
		{"truncated header", good[:len(good)-10]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseClass(tt.data); !errors.Is(err, ErrClassFormat) {
				t.Errorf("ParseClass = %v, want ErrClassFormat", err)
			}
		})
	}
}

func TestDefineWrongName(t *testing.T) {
	_, err := Define("a.Expected", testutil.MinimalClass("a.Other", ""))
	var de *DefinitionError
	if !errors.As(err, &de) || !errors.Is(err, ErrWrongName) {
		t.Fatalf("Define = %v, want DefinitionError wrapping ErrWrongName", err)
	}
	if errors.Is(err, ErrClassNotFound) {
		t.Error("a definition failure is not a not-found")
	}
}

func TestDesignationAllows(t *testing.T) {
	d := Designation{
		Classes:  []string{"com.example.Exact"},
		Packages: []string{"org.shared", "net.dot."},
	}
	tests := []struct {
		name string
		want bool
	}{
		{"com.example.Exact", true},
		{"com.example.Exact$Inner", true},
		{"com.example.ExactNot", false},
		{"com.example.Other", false},
		{"org.shared.Util", true},
		{"org.shared.deep.Util", true},
		{"org.sharedx.Util", false},
		{"net.dot.X", true},
	}
	for _, tt := range tests {
		if got := d.Allows(tt.name); got != tt.want {
			t.Errorf("Allows(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sendable.yaml")
	os.WriteFile(path, []byte("classes:\n  - com.example.One\npackages:\n  - org.shared\n"), 0o644)

	d, err := LoadManifest(path)
	if err != nil {
		t.Fatalf("LoadManifest: %v", err)
	}
	if !d.Allows("com.example.One") || !d.Allows("org.shared.X") {
		t.Errorf("designation = %+v", d)
	}

	os.WriteFile(path, []byte("classes:\n  - ../etc/passwd\n"), 0o644)
	if _, err := LoadManifest(path); err == nil {
		t.Error("expected an invalid class name to be rejected")
	}
}

func TestSenderServesOnlyDesignated(t *testing.T) {
	out := t.TempDir()
	testutil.WriteClass(t, out, "com.example.Sendable", "")
	testutil.WriteClass(t, out, "com.example.Private", "")
	os.WriteFile(filepath.Join(filepath.Dir(out), "secret.class"), []byte("secret"), 0o644)

	s := NewSender(out, Designation{Classes: []string{"com.example.Sendable"}}, nil)

	data, err := s.ClassBytes("com.example.Sendable")
	if err != nil {
		t.Fatalf("ClassBytes: %v", err)
	}
	if !bytes.Equal(data, testutil.MinimalClass("com.example.Sendable", "")) {
		t.Error("bytes differ from the compiled artifact")
	}

	for _, name := range []string{"com.example.Private", "com.example.Missing", "..secret", "../secret"} {
		if _, err := s.ClassBytes(name); !errors.Is(err, ErrClassNotFound) {
			t.Errorf("ClassBytes(%q) = %v, want ErrClassNotFound", name, err)
		}
	}
}

func TestSenderMissingOutputDir(t *testing.T) {
	s := NewSender(filepath.Join(t.TempDir(), "absent"), Designation{Packages: []string{"a"}}, nil)
	if _, err := s.ClassBytes("a.B"); !errors.Is(err, ErrClassNotFound) {
		t.Errorf("ClassBytes = %v, want ErrClassNotFound", err)
	}
}

type countingObserver struct {
	mu      sync.Mutex
	results map[string]int
	bytes   int
}

func (o *countingObserver) ObserveClassTransfer(result string, size int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.results == nil {
		o.results = map[string]int{}
	}
	o.results[result]++
	o.bytes += size
}

func startSender(t *testing.T, s *Sender) *Client {
	t.Helper()
	reg := registry.New(nil)
	if err := reg.Listen("127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { reg.Close(context.Background()) })
	reg.Bind(ServiceName, s.Endpoint())

	host, portStr, _ := net.SplitHostPort(reg.Addr())
	port, _ := strconv.Atoi(portStr)
	c, err := Lookup(context.Background(), registry.NewClient(host, port))
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	return c
}

func TestRemoteTransfer(t *testing.T) {
	out := t.TempDir()
	testutil.WriteClass(t, out, "com.example.Remote", "com.example.Base")

	obs := &countingObserver{}
	s := NewSender(out, Designation{Packages: []string{"com.example"}}, nil)
	s.SetObserver(obs)
	client := startSender(t, s)

	loader := NewLoader(nil, WithClassPath(t.TempDir()), WithRemote(client))
	c, err := loader.Load(context.Background(), "com.example.Remote")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Name != "com.example.Remote" || c.Super != "com.example.Base" || c.Source != "remote" {
		t.Errorf("class = %+v", c)
	}

	_, err = loader.Load(context.Background(), "com.example.Absent")
	var nf *ClassNotFoundError
	if !errors.As(err, &nf) || nf.Name != "com.example.Absent" {
		t.Fatalf("Load absent = %v, want ClassNotFoundError", err)
	}
	if errors.Is(err, registry.ErrCallFailed) {
		t.Error("not found must not look like a channel failure")
	}

	if obs.results["sent"] != 1 || obs.results["not_found"] != 1 {
		t.Errorf("observed %v", obs.results)
	}
}

func TestLoaderPrefersLocal(t *testing.T) {
	local := t.TempDir()
	testutil.WriteClass(t, local, "app.Main", "")

	var calls atomic.Int32
	remote := fetchFunc(func(ctx context.Context, name string) ([]byte, error) {
		calls.Add(1)
		return testutil.MinimalClass(name, ""), nil
	})

	loader := NewLoader(nil, WithClassPath(local), WithRemote(remote))
	c, err := loader.Load(context.Background(), "app.Main")
	if err != nil {
		t.Fatal(err)
	}
	if c.Source != local {
		t.Errorf("source = %q, want %q", c.Source, local)
	}
	if calls.Load() != 0 {
		t.Error("remote consulted for a local class")
	}
}

func TestLoaderRejectsOversizedClass(t *testing.T) {
	local := t.TempDir()
	path := testutil.WriteClass(t, local, "app.Huge", "")
	if err := os.Truncate(path, maxClassSize+1); err != nil {
		t.Fatal(err)
	}

	var calls atomic.Int32
	remote := fetchFunc(func(ctx context.Context, name string) ([]byte, error) {
		calls.Add(1)
		return testutil.MinimalClass(name, ""), nil
	})
	loader := NewLoader(nil, WithClassPath(local), WithRemote(remote))

	if _, err := loader.Load(context.Background(), "app.Huge"); !errors.Is(err, ErrClassTooLarge) {
		t.Fatalf("Load = %v, want ErrClassTooLarge", err)
	}
	if _, ok := loader.Defined("app.Huge"); ok {
		t.Error("oversized class was defined")
	}
	if calls.Load() != 0 {
		t.Error("oversized local class fell back to the remote")
	}
}

func TestLoaderDefinesOnce(t *testing.T) {
	var calls atomic.Int32
	remote := fetchFunc(func(ctx context.Context, name string) ([]byte, error) {
		calls.Add(1)
		return testutil.MinimalClass(name, ""), nil
	})
	loader := NewLoader(nil, WithRemote(remote))

	var wg sync.WaitGroup
	results := make([]*Class, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := loader.Load(context.Background(), "x.Shared")
			if err != nil {
				t.Error(err)
				return
			}
			results[i] = c
		}(i)
	}
	wg.Wait()

	for _, c := range results {
		if c != results[0] {
			t.Fatal("loads of one name returned different classes")
		}
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("remote fetched %d times, want 1", n)
	}
	if got := loader.Classes(); len(got) != 1 || got[0] != "x.Shared" {
		t.Errorf("Classes() = %v", got)
	}
}

func TestLoaderFailedLoadRetries(t *testing.T) {
	var calls atomic.Int32
	remote := fetchFunc(func(ctx context.Context, name string) ([]byte, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("flaky")
		}
		return testutil.MinimalClass(name, ""), nil
	})
	loader := NewLoader(nil, WithRemote(remote))

	if _, err := loader.Load(context.Background(), "x.Y"); err == nil {
		t.Fatal("first load should fail")
	}
	if _, err := loader.Load(context.Background(), "x.Y"); err != nil {
		t.Fatalf("second load: %v", err)
	}
}

func TestLoaderInvalidName(t *testing.T) {
	loader := NewLoader(nil)
	if _, err := loader.Load(context.Background(), "../../etc/passwd"); !errors.Is(err, ErrClassNotFound) {
		t.Errorf("Load = %v, want ErrClassNotFound", err)
	}
}

type fetchFunc func(ctx context.Context, name string) ([]byte, error)

func (f fetchFunc) ClassBytes(ctx context.Context, name string) ([]byte, error) { return f(ctx, name) }
