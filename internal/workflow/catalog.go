package workflow

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/kiranshivaraju/comfyrun/internal/errs"
)

const templateExt = ".json"

// Catalog loads templates from a directory. Each template is parsed once
// and kept read-only; Load hands out clones.
type Catalog struct {
	dir         string
	defaultName string

	mu   sync.RWMutex
	docs map[string]*Document
}

// NewCatalog creates a Catalog over dir. defaultName is used when Load is
// called with an empty name.
func NewCatalog(dir, defaultName string) *Catalog {
	return &Catalog{
		dir:         dir,
		defaultName: defaultName,
		docs:        make(map[string]*Document),
	}
}

// FileName maps a caller-supplied workflow name to a file name inside the
// catalog directory. Path components are stripped and ".json" appended.
func (c *Catalog) FileName(name string) string {
	if name == "" {
		name = c.defaultName
	}
	name = filepath.Base(filepath.Clean("/" + name))
	if !strings.HasSuffix(name, templateExt) {
		name += templateExt
	}
	return name
}

// Load returns a private copy of the named template.
func (c *Catalog) Load(name string) (*Document, error) {
	file := c.FileName(name)

	c.mu.RLock()
	doc, ok := c.docs[file]
	c.mu.RUnlock()
	if ok {
		return doc.Clone(), nil
	}

	data, err := c.read(file)
	if err != nil {
		return nil, err
	}
	doc, err = Parse(data)
	if err != nil {
		return nil, fmt.Errorf("workflow %s: %w", file, err)
	}

	c.mu.Lock()
	if cached, ok := c.docs[file]; ok {
		doc = cached
	} else {
		c.docs[file] = doc
	}
	c.mu.Unlock()

	return doc.Clone(), nil
}

// Raw returns the named template re-encoded with two-space indentation.
func (c *Catalog) Raw(name string) ([]byte, error) {
	doc, err := c.Load(name)
	if err != nil {
		return nil, err
	}
	compact, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encoding workflow: %w", err)
	}
	var out bytes.Buffer
	if err := json.Indent(&out, compact, "", "  "); err != nil {
		return nil, fmt.Errorf("indenting workflow: %w", err)
	}
	return out.Bytes(), nil
}

// List returns the template names (without extension), sorted.
func (c *Catalog) List() ([]string, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("listing workflows: %w", err)
	}

	names := []string{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), templateExt) {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), templateExt))
	}
	sort.Strings(names)
	return names, nil
}

func (c *Catalog) read(file string) ([]byte, error) {
	path := filepath.Join(c.dir, file)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: workflow file not found: %s", errs.ErrNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("reading workflow %s: %w", path, err)
	}
	return data, nil
}
