// Package document turns raw source records into upload-ready documents.
package document

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// IDField is the document key the indexing service uses for uniqueness.
const IDField = "__id"

// MinFields is the fewest populated fields a document needs to be indexed.
const MinFields = 2

// ErrNotObject is returned by ParseLine when a line does not hold a JSON object.
var ErrNotObject = errors.New("record is not a JSON object")

// RawRecord is one decoded line of the source stream.
// Numbers are kept as json.Number.
type RawRecord map[string]any

// Document is the normalized record sent to the indexing API.
// Absent fields are omitted from the JSON body.
type Document struct {
	ExternalID  string `json:"__id,omitempty" parquet:"external_id,optional"`
	Title       string `json:"title,omitempty" parquet:"title,optional"`
	Identifier  string `json:"identifier,omitempty" parquet:"identifier,optional"`
	Author      string `json:"author,omitempty" parquet:"author,optional"`
	Publisher   string `json:"publisher,omitempty" parquet:"publisher,optional"`
	Description string `json:"description,omitempty" parquet:"description,optional"`
	Year        *int   `json:"year,omitempty" parquet:"year"`
}

// FieldCount returns the number of populated fields, the id included.
func (d Document) FieldCount() int {
	n := 0
	for _, s := range []string{d.ExternalID, d.Title, d.Identifier, d.Author, d.Publisher, d.Description} {
		if s != "" {
			n++
		}
	}
	if d.Year != nil {
		n++
	}
	return n
}

// Indexable reports whether the document carries content beyond a bare id.
func (d Document) Indexable() bool {
	return d.FieldCount() >= MinFields
}

// ParseLine decodes one line into a RawRecord.
func ParseLine(line []byte) (RawRecord, error) {
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("decode record: trailing data after object")
	}

	obj, ok := v.(map[string]any)
	if !ok {
		return nil, ErrNotObject
	}
	return RawRecord(obj), nil
}

// Normalizer maps RawRecords onto Documents.
type Normalizer struct {
	namespace string
}

// NewNormalizer creates a normalizer that prefixes source ids with namespace.
func NewNormalizer(namespace string) *Normalizer {
	return &Normalizer{namespace: namespace}
}

// Normalize builds a Document from the fields of rec that are present and
// non-empty. The caller decides what to do with under-filled documents.
func (n *Normalizer) Normalize(rec RawRecord) Document {
	var doc Document

	if id := scalarString(rec["id"]); id != "" {
		doc.ExternalID = n.ExternalID(id)
	}
	doc.Title = scalarString(rec["title"])
	doc.Identifier = scalarString(rec["identifier"])
	doc.Author = scalarString(rec["author"])
	doc.Publisher = scalarString(rec["publisher"])
	doc.Description = scalarString(rec["descr"])

	if year, ok := parseYear(rec["year"]); ok {
		doc.Year = &year
	}

	return doc
}

// ExternalID derives the dedup key for a source id.
func (n *Normalizer) ExternalID(sourceID string) string {
	if n.namespace == "" {
		return sourceID
	}
	return n.namespace + "_" + sourceID
}

// scalarString returns the text form of a string, number or boolean value.
// Null, objects and arrays yield "".
func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		if t {
			return "true"
		}
		return ""
	default:
		return ""
	}
}

// parseYear accepts integers given as strings or whole JSON numbers.
// Anything else, including "1999a" and 1999.5, is rejected.
func parseYear(v any) (int, bool) {
	var s string
	switch t := v.(type) {
	case string:
		s = strings.TrimSpace(t)
	case json.Number:
		s = t.String()
	default:
		return 0, false
	}
	if s == "" {
		return 0, false
	}
	year, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return year, true
}
