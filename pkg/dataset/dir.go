package dataset

import (
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mchmarny/kipple/pkg/sample"
	"github.com/pkg/errors"
)

// LabelsFileName is the optional per-corpus label override file.
const LabelsFileName = "labels.csv"

// Dir is a Named dataset backed by a directory of files. Entries are
// sorted by name so repeated runs visit them in the same order.
type Dir struct {
	name    string
	path    string
	entries []Entry
}

// OpenDir lists the regular files in path. When labelsPath is empty and the
// directory holds a labels.csv, that file is used.
func OpenDir(name, path, labelsPath string) (*Dir, error) {
	des, err := os.ReadDir(path)
	if err != nil {
		return nil, errors.Wrapf(err, "error reading corpus dir: %s", path)
	}

	if labelsPath == "" {
		candidate := filepath.Join(path, LabelsFileName)
		if _, err := os.Stat(candidate); err == nil {
			labelsPath = candidate
		}
	}

	labels := map[string]sample.Label{}
	if labelsPath != "" {
		if labels, err = readLabels(labelsPath); err != nil {
			return nil, err
		}
	}

	d := &Dir{name: name, path: path}
	for _, de := range des {
		if !de.Type().IsRegular() || de.Name() == LabelsFileName {
			continue
		}
		l, ok := labels[de.Name()]
		if !ok {
			l = sample.Malicious
		}
		d.entries = append(d.entries, Entry{Name: de.Name(), Label: l})
	}
	sort.Slice(d.entries, func(i, j int) bool { return d.entries[i].Name < d.entries[j].Name })

	return d, nil
}

func (d *Dir) Name() string      { return d.name }
func (d *Dir) Len() int          { return len(d.entries) }
func (d *Dir) Entry(i int) Entry { return d.entries[i] }
func (d *Dir) Path() string      { return d.path }

func (d *Dir) Read(i int) ([]byte, error) {
	if i < 0 || i >= len(d.entries) {
		return nil, errors.Wrapf(ErrData, "%s: entry %d out of range", d.name, i)
	}
	b, err := os.ReadFile(filepath.Join(d.path, d.entries[i].Name))
	if err != nil {
		return nil, errors.Wrapf(err, "error reading sample: %s", d.entries[i].Name)
	}
	return b, nil
}

func readLabels(path string) (map[string]sample.Label, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "error opening labels file: %s", path)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = 2
	r.TrimLeadingSpace = true

	out := map[string]sample.Label{}
	for line := 1; ; line++ {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(ErrData, "labels file %s: %v", path, err)
		}
		name := strings.TrimSpace(rec[0])
		if line == 1 && name == "filename" {
			continue
		}
		l, err := sample.ParseLabelString(strings.TrimSpace(rec[1]))
		if err != nil {
			return nil, errors.Wrapf(ErrData, "labels file %s line %d: %v", path, line, err)
		}
		out[name] = l
	}
	return out, nil
}
