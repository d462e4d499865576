// Package classxfer moves compiled classes from the host's build output
// into the guest. The host publishes a Sender that only re-exports
// designated classes; the guest's Loader tries its local class path first
// and falls back to the Sender on a miss.
package classxfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/michaelbrown/jsand/internal/registry"
	"github.com/michaelbrown/jsand/internal/wire"
)

// ServiceName is the well-known registry name of the class endpoint.
const ServiceName = "ClassSender"

const methodGetClassBytes = "getClassBytes"

// maxClassSize bounds a single class file read from disk.
const maxClassSize = 16 << 20

var classNameRE = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*(\.[A-Za-z_$][A-Za-z0-9_$]*)*$`)

// ValidName reports whether name is a syntactically valid binary class name.
func ValidName(name string) bool {
	return classNameRE.MatchString(name)
}

// classPath maps a binary name to its path relative to a class root.
func classPath(name string) string {
	return strings.ReplaceAll(name, ".", "/") + ".class"
}

type classRequest struct {
	Name string `cbor:"name"`
}

type classResponse struct {
	Name  string `cbor:"name"`
	Bytes []byte `cbor:"bytes"`
}

// Designation is the set of classes the host is willing to send.
type Designation struct {
	Classes  []string `yaml:"classes"`
	Packages []string `yaml:"packages"`
}

// Allows reports whether name is designated, either exactly or by
// package prefix. Nested classes of a designated class are included.
func (d Designation) Allows(name string) bool {
	for _, c := range d.Classes {
		if name == c || strings.HasPrefix(name, c+"$") {
			return true
		}
	}
	for _, p := range d.Packages {
		p = strings.TrimSuffix(p, ".")
		if strings.HasPrefix(name, p+".") {
			return true
		}
	}
	return false
}

// Empty reports whether nothing is designated.
func (d Designation) Empty() bool {
	return len(d.Classes) == 0 && len(d.Packages) == 0
}

// Merge returns the union of d and o.
func (d Designation) Merge(o Designation) Designation {
	return Designation{
		Classes:  append(append([]string(nil), d.Classes...), o.Classes...),
		Packages: append(append([]string(nil), d.Packages...), o.Packages...),
	}
}

// LoadManifest reads a YAML designation file.
func LoadManifest(path string) (Designation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Designation{}, fmt.Errorf("reading class manifest: %w", err)
	}
	var d Designation
	if err := yaml.Unmarshal(data, &d); err != nil {
		return Designation{}, fmt.Errorf("parsing class manifest %s: %w", path, err)
	}
	for _, c := range d.Classes {
		if !ValidName(c) {
			return Designation{}, fmt.Errorf("class manifest %s: invalid class name %q", path, c)
		}
	}
	for _, p := range d.Packages {
		if !ValidName(strings.TrimSuffix(p, ".")) {
			return Designation{}, fmt.Errorf("class manifest %s: invalid package %q", path, p)
		}
	}
	return d, nil
}

// TransferObserver is notified of each request served.
type TransferObserver interface {
	ObserveClassTransfer(result string, size int)
}

// Sender serves designated classes out of one build output directory.
type Sender struct {
	root        string
	designation Designation
	logger      *slog.Logger
	observer    TransferObserver
}

// NewSender returns a sender reading from outputDir.
func NewSender(outputDir string, d Designation, logger *slog.Logger) *Sender {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Sender{root: outputDir, designation: d, logger: logger}
}

// SetObserver attaches an observer. Call before binding.
func (s *Sender) SetObserver(o TransferObserver) {
	s.observer = o
}

// ClassBytes returns the compiled bytes of name. Undesignated, invalid or
// missing names all yield a *ClassNotFoundError.
func (s *Sender) ClassBytes(name string) ([]byte, error) {
	if !ValidName(name) || !s.designation.Allows(name) {
		s.observe("refused", 0)
		s.logger.Warn("class request refused", "class", name)
		return nil, &ClassNotFoundError{Name: name}
	}

	root, err := os.OpenRoot(s.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.observe("not_found", 0)
			return nil, &ClassNotFoundError{Name: name}
		}
		s.observe("error", 0)
		return nil, fmt.Errorf("opening class output %s: %w", s.root, err)
	}
	defer root.Close()

	f, err := root.Open(classPath(name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.observe("not_found", 0)
			return nil, &ClassNotFoundError{Name: name}
		}
		s.observe("error", 0)
		return nil, fmt.Errorf("opening class %s: %w", name, err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxClassSize+1))
	if err != nil {
		s.observe("error", 0)
		return nil, fmt.Errorf("reading class %s: %w", name, err)
	}
	if len(data) > maxClassSize {
		s.observe("error", 0)
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrClassTooLarge, name, maxClassSize)
	}

	s.observe("sent", len(data))
	s.logger.Debug("class sent", "class", name, "bytes", len(data))
	return data, nil
}

func (s *Sender) observe(result string, size int) {
	if s.observer != nil {
		s.observer.ObserveClassTransfer(result, size)
	}
}

// Endpoint returns the method table to bind under ServiceName.
func (s *Sender) Endpoint() registry.Endpoint {
	return registry.Endpoint{
		methodGetClassBytes: func(ctx context.Context, raw []byte) (any, error) {
			var req classRequest
			if err := wire.Unmarshal(raw, &req); err != nil {
				return nil, registry.Fault(registry.KindBadRequest, err)
			}
			data, err := s.ClassBytes(req.Name)
			if err != nil {
				if errors.Is(err, ErrClassNotFound) {
					return nil, registry.Fault(KindClassNotFound, err)
				}
				return nil, err
			}
			return classResponse{Name: req.Name, Bytes: data}, nil
		},
	}
}
