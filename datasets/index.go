package datasets

import (
	"encoding/csv"
	"os"

	"github.com/pkg/errors"
)

// Sample is one indexed input: an image path plus its dense class id.
type Sample struct {
	Path  string
	Label int
}

// ClassMap maps distinct class names to integer ids in [0, Len).
// Ids are assigned in order of first appearance in the training split and
// stay fixed for the lifetime of a run; validation rows must resolve through
// the same mapping.
type ClassMap struct {
	ids   map[string]int
	names []string
}

// ID returns the dense id for a class name.
func (m *ClassMap) ID(name string) (int, bool) {
	id, ok := m.ids[name]
	return id, ok
}

// Name returns the class name for a dense id.
func (m *ClassMap) Name(id int) string {
	return m.names[id]
}

// Names returns all class names in id order.
func (m *ClassMap) Names() []string {
	return m.names
}

// Len returns the number of distinct classes.
func (m *ClassMap) Len() int {
	return len(m.names)
}

func (m *ClassMap) add(name string) int {
	if id, ok := m.ids[name]; ok {
		return id
	}
	id := len(m.names)
	m.ids[name] = id
	m.names = append(m.names, name)
	return id
}

// Index holds the resolved train and validation sample lists together with
// the class mapping both were built against.
type Index struct {
	Classes *ClassMap
	Train   []Sample
	Valid   []Sample
}

// Load reads the two CSV listings (column 0 = image path, column 1 = class
// name, first row is a header) and resolves both splits against a class map
// built from the training split only. A validation row naming a class absent
// from the training split fails the load immediately, before any training
// work begins.
func Load(trainCSV, validCSV string) (*Index, error) {
	trainRows, err := readListing(trainCSV)
	if err != nil {
		return nil, err
	}
	validRows, err := readListing(validCSV)
	if err != nil {
		return nil, err
	}

	idx := &Index{Classes: &ClassMap{ids: make(map[string]int)}}
	for _, row := range trainRows {
		idx.Train = append(idx.Train, Sample{
			Path:  row.path,
			Label: idx.Classes.add(row.class),
		})
	}
	for _, row := range validRows {
		id, ok := idx.Classes.ID(row.class)
		if !ok {
			return nil, errors.Errorf("%s: row %d: class %q does not appear in the training split",
				validCSV, row.line, row.class)
		}
		idx.Valid = append(idx.Valid, Sample{Path: row.path, Label: id})
	}
	return idx, nil
}

type listingRow struct {
	path  string
	class string
	line  int
}

func readListing(path string) ([]listingRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening dataset listing %s", path)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, errors.Wrapf(err, "reading dataset listing %s", path)
	}
	if len(records) == 0 {
		return nil, errors.Errorf("%s: empty dataset listing", path)
	}

	var rows []listingRow
	// records[0] is the header row
	for i, rec := range records[1:] {
		if len(rec) < 2 {
			return nil, errors.Errorf("%s: row %d: want at least 2 columns, got %d", path, i+2, len(rec))
		}
		rows = append(rows, listingRow{path: rec[0], class: rec[1], line: i + 2})
	}
	return rows, nil
}
