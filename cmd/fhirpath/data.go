package main

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/damedic/fhirpath-go/fhirpath"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// loadDocument reads the document expressions are evaluated against.
// "-" reads stdin, an empty path yields an empty object. Files ending in
// .yaml or .yml are decoded as YAML, everything else as JSON.
func loadDocument(path string, stdin io.Reader) (fhirpath.Object, error) {
	var (
		data []byte
		err  error
	)
	switch path {
	case "":
		return fhirpath.ParseObject([]byte("{}"))
	case "-":
		if stdin == nil {
			return fhirpath.Object{}, errors.New("stdin is not available")
		}
		data, err = io.ReadAll(stdin)
	default:
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return fhirpath.Object{}, errors.Wrap(err, "couldn't read document")
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var m map[string]any
		if err := yaml.Unmarshal(data, &m); err != nil {
			return fhirpath.Object{}, errors.Wrapf(err, "couldn't decode yaml document %s", path)
		}
		doc, err := fhirpath.NewObject(m)
		return doc, errors.Wrapf(err, "couldn't convert yaml document %s", path)
	}

	doc, err := fhirpath.ParseObject(data)
	return doc, errors.Wrapf(err, "couldn't decode json document %s", path)
}
