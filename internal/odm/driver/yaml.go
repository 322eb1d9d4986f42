package driver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/deicod/odm/internal/odm/mapping"
)

// MappingFileSuffix identifies mapping files read by YAMLDriver.
const MappingFileSuffix = ".odm.yaml"

// ClassFile is one class declared in a mapping file.
type ClassFile struct {
	Class              string            `yaml:"class"`
	Collection         string            `yaml:"collection"`
	Repository         string            `yaml:"repository"`
	Embedded           bool              `yaml:"embedded"`
	MappedSuperclass   bool              `yaml:"mappedSuperclass"`
	Inheritance        string            `yaml:"inheritance"`
	DiscriminatorField string            `yaml:"discriminatorField"`
	DiscriminatorMap   map[string]string `yaml:"discriminatorMap"`
	ID                 *FieldFile        `yaml:"id"`
	Fields             yaml.Node         `yaml:"fields"`
	ReferenceOne       yaml.Node         `yaml:"referenceOne"`
	ReferenceMany      yaml.Node         `yaml:"referenceMany"`
	EmbedOne           yaml.Node         `yaml:"embedOne"`
	EmbedMany          yaml.Node         `yaml:"embedMany"`

	source string
	raw    []byte
}

// FieldFile is the mapping of one field. Sections are keyed by Go field name.
type FieldFile struct {
	Field              string            `yaml:"field"`
	Name               string            `yaml:"name"`
	Type               string            `yaml:"type"`
	Strategy           string            `yaml:"strategy"`
	Target             string            `yaml:"target"`
	Cascade            []string          `yaml:"cascade"`
	DiscriminatorField string            `yaml:"discriminatorField"`
	DiscriminatorMap   map[string]string `yaml:"discriminatorMap"`
	MappedBy           string            `yaml:"mappedBy"`
	InversedBy         string            `yaml:"inversedBy"`
	Simple             bool              `yaml:"simple"`
	Nullable           bool              `yaml:"nullable"`
	NotSaved           bool              `yaml:"notSaved"`
	OrphanRemoval      bool              `yaml:"orphanRemoval"`
}

// YAMLDriver reads class mappings from *.odm.yaml files. A file may hold several
// classes as separate YAML documents.
type YAMLDriver struct {
	fsys fs.FS
	dir  string
	root string

	mu      sync.RWMutex
	classes map[string]*ClassFile
}

// NewYAMLDriver reads every mapping file in dir of fsys.
func NewYAMLDriver(fsys fs.FS, dir string) (*YAMLDriver, error) {
	if dir == "" {
		dir = "."
	}
	d := &YAMLDriver{fsys: fsys, dir: dir, classes: map[string]*ClassFile{}}
	if _, err := d.Reload(); err != nil {
		return nil, err
	}
	return d, nil
}

// OpenYAMLDir reads the mapping files of a directory on disk. Drivers opened this way
// can Watch for changes.
func OpenYAMLDir(dir string) (*YAMLDriver, error) {
	d, err := NewYAMLDriver(os.DirFS(dir), ".")
	if err != nil {
		return nil, err
	}
	d.root = dir
	return d, nil
}

// AllClassNames implements mapping.Driver.
func (d *YAMLDriver) AllClassNames() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.classes))
	for name := range d.classes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Source returns the file a class was read from.
func (d *YAMLDriver) Source(class string) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if cf, ok := d.classes[class]; ok {
		return cf.source
	}
	return ""
}

// Reload re-reads every mapping file and returns the classes that were added, changed
// or removed.
func (d *YAMLDriver) Reload() ([]string, error) {
	next, err := d.readAll()
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	changed := map[string]struct{}{}
	for name, cf := range next {
		if prev, ok := d.classes[name]; !ok || !bytes.Equal(prev.raw, cf.raw) {
			changed[name] = struct{}{}
		}
	}
	for name := range d.classes {
		if _, ok := next[name]; !ok {
			changed[name] = struct{}{}
		}
	}
	d.classes = next
	out := make([]string, 0, len(changed))
	for name := range changed {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func (d *YAMLDriver) readAll() (map[string]*ClassFile, error) {
	entries, err := fs.ReadDir(d.fsys, d.dir)
	if err != nil {
		return nil, fmt.Errorf("driver: read mapping dir %s: %w", d.dir, err)
	}
	classes := map[string]*ClassFile{}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), MappingFileSuffix) {
			continue
		}
		file := path.Join(d.dir, entry.Name())
		raw, err := fs.ReadFile(d.fsys, file)
		if err != nil {
			return nil, fmt.Errorf("driver: read %s: %w", file, err)
		}
		files, err := decodeClassFiles(file, raw)
		if err != nil {
			return nil, err
		}
		for _, cf := range files {
			if prev, ok := classes[cf.Class]; ok {
				return nil, fmt.Errorf("driver: class %s declared in %s and %s", cf.Class, prev.source, cf.source)
			}
			classes[cf.Class] = cf
		}
	}
	return classes, nil
}

func decodeClassFiles(file string, raw []byte) ([]*ClassFile, error) {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	var out []*ClassFile
	for {
		var node yaml.Node
		err := dec.Decode(&node)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("driver: parse %s: %w", file, err)
		}
		var cf ClassFile
		if err := node.Decode(&cf); err != nil {
			return nil, fmt.Errorf("driver: parse %s: %w", file, err)
		}
		if cf.Class == "" {
			return nil, fmt.Errorf("driver: %s:%d: class is required", file, node.Line)
		}
		encoded, err := yaml.Marshal(&node)
		if err != nil {
			return nil, fmt.Errorf("driver: parse %s: %w", file, err)
		}
		cf.source = file
		cf.raw = encoded
		out = append(out, &cf)
	}
}

// LoadMetadataForClass implements mapping.Driver.
func (d *YAMLDriver) LoadMetadataForClass(name string, cm *mapping.ClassMetadata) error {
	d.mu.RLock()
	cf, ok := d.classes[name]
	d.mu.RUnlock()
	if !ok {
		return mapping.ErrClassNotRegistered
	}

	cm.IsEmbeddedDocument = cf.Embedded
	cm.IsMappedSuperclass = cf.MappedSuperclass
	cm.SetCollection(cf.Collection)
	if cf.Repository != "" {
		cm.SetCustomRepositoryClass(cf.Repository)
	}
	if cf.Inheritance != "" {
		cm.SetInheritanceType(mapping.InheritanceType(cf.Inheritance))
	}
	if cf.DiscriminatorField != "" {
		cm.SetDiscriminatorField(cf.DiscriminatorField)
	}
	if len(cf.DiscriminatorMap) > 0 {
		cm.SetDiscriminatorMap(cf.DiscriminatorMap)
	}

	if cf.ID != nil {
		m := cf.ID.toMapping("ID")
		m.ID = true
		if err := cm.MapField(m); err != nil {
			return err
		}
	}
	sections := []struct {
		node  *yaml.Node
		apply func(*mapping.FieldMapping)
	}{
		{&cf.Fields, nil},
		{&cf.ReferenceOne, associationKind["referenceOne"]},
		{&cf.ReferenceMany, associationKind["referenceMany"]},
		{&cf.EmbedOne, associationKind["embedOne"]},
		{&cf.EmbedMany, associationKind["embedMany"]},
	}
	for _, section := range sections {
		fields, err := orderedFields(cf, section.node)
		if err != nil {
			return err
		}
		for _, m := range fields {
			if section.apply != nil {
				section.apply(&m)
			}
			if err := cm.MapField(m); err != nil {
				return err
			}
		}
	}
	return nil
}

// orderedFields decodes a section mapping while keeping the declaration order.
func orderedFields(cf *ClassFile, node *yaml.Node) ([]mapping.FieldMapping, error) {
	if node.Kind == 0 {
		return nil, nil
	}
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("driver: %s:%d: %s section must be a mapping", cf.source, node.Line, cf.Class)
	}
	out := make([]mapping.FieldMapping, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]
		var ff FieldFile
		if value.Kind != yaml.ScalarNode || value.Tag != "!!null" {
			if err := value.Decode(&ff); err != nil {
				return nil, fmt.Errorf("driver: %s:%d: %w", cf.source, value.Line, err)
			}
		}
		out = append(out, ff.toMapping(key.Value))
	}
	return out, nil
}

func (ff FieldFile) toMapping(fieldName string) mapping.FieldMapping {
	if ff.Field != "" {
		fieldName = ff.Field
	}
	name := ff.Name
	if name == "" {
		name = lowerCamel(fieldName)
	}
	return mapping.FieldMapping{
		FieldName:          fieldName,
		Name:               name,
		Type:               ff.Type,
		Strategy:           ff.Strategy,
		TargetDocument:     ff.Target,
		Cascade:            ff.Cascade,
		DiscriminatorField: ff.DiscriminatorField,
		DiscriminatorMap:   ff.DiscriminatorMap,
		MappedBy:           ff.MappedBy,
		InversedBy:         ff.InversedBy,
		Simple:             ff.Simple,
		Nullable:           ff.Nullable,
		NotSaved:           ff.NotSaved,
		OrphanRemoval:      ff.OrphanRemoval,
	}
}

// Watch reloads the mapping directory whenever a mapping file changes and reports the
// affected classes. It blocks until ctx is done.
func (d *YAMLDriver) Watch(ctx context.Context, onChange func(classes []string, err error)) error {
	if d.root == "" {
		return errors.New("driver: watch requires a driver opened with OpenYAMLDir")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("driver: watch: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(d.root); err != nil {
		return fmt.Errorf("driver: watch %s: %w", d.root, err)
	}

	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isMappingEvent(event) {
				continue
			}
			if !debounce.Stop() {
				select {
				case <-debounce.C:
				default:
				}
			}
			debounce.Reset(200 * time.Millisecond)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			onChange(nil, fmt.Errorf("driver: watch: %w", err))
		case <-debounce.C:
			changed, err := d.Reload()
			if err != nil || len(changed) > 0 {
				onChange(changed, err)
			}
		}
	}
}

func isMappingEvent(event fsnotify.Event) bool {
	if !strings.HasSuffix(filepath.Base(event.Name), MappingFileSuffix) {
		return false
	}
	return event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0
}
