package testdata

import (
	"bytes"
	_ "embed"
	"fmt"
	"log"
	"path"
	"strconv"
	"strings"

	"github.com/cockroachdb/apd/v3"
	"github.com/damedic/fhirpath-go/fhirpath"
	"gopkg.in/yaml.v3"
)

//go:embed fhirpath/tests.yaml
var fhirPathTestsYAML []byte

// FHIRPathTests is the expression suite shared by the evaluator tests and
// the test command of the CLI.
type FHIRPathTests struct {
	Name        string               `yaml:"name"`
	Description string               `yaml:"description"`
	Groups      []*FHIRPathTestGroup `yaml:"groups"`
}

type FHIRPathTestGroup struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Tests       []FHIRPathTest `yaml:"tests"`
}

type FHIRPathTest struct {
	Name string `yaml:"name"`
	// InputFile names an embedded resource, Resource holds inline JSON.
	// Without either the expression is evaluated against an empty object.
	InputFile string `yaml:"input"`
	Resource  string `yaml:"resource"`
	// Invalid is "syntax" when parsing fails and "execution" when evaluation fails.
	Invalid    string               `yaml:"invalid"`
	Expression string               `yaml:"expression"`
	Output     []FHIRPathTestOutput `yaml:"output"`

	InputResource fhirpath.Object `yaml:"-"`
}

type FHIRPathTestOutput struct {
	Type  string `yaml:"type"`
	Value string `yaml:"value"`
}

// GetFHIRPathTests loads the embedded suite and decodes the input resources.
func GetFHIRPathTests() FHIRPathTests {
	tests, err := ParseFHIRPathTests(fhirPathTestsYAML)
	if err != nil {
		log.Fatal(err)
	}
	return tests
}

// ParseFHIRPathTests decodes a suite in the YAML format of the embedded one.
func ParseFHIRPathTests(data []byte) (FHIRPathTests, error) {
	var tests FHIRPathTests
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&tests); err != nil {
		return FHIRPathTests{}, fmt.Errorf("decoding tests: %w", err)
	}

	for _, g := range tests.Groups {
		for i, t := range g.Tests {
			input, err := t.input()
			if err != nil {
				return FHIRPathTests{}, fmt.Errorf("%s/%s: %w", g.Name, t.Name, err)
			}
			t.InputResource = input
			g.Tests[i] = t
		}
	}
	return tests, nil
}

func (t FHIRPathTest) input() (fhirpath.Object, error) {
	switch {
	case t.Resource != "":
		return fhirpath.ParseObject([]byte(t.Resource))
	case t.InputFile != "":
		data, err := resources.ReadFile(path.Join("resources", t.InputFile))
		if err != nil {
			return fhirpath.Object{}, err
		}
		return fhirpath.ParseObject(data)
	}
	return fhirpath.ParseObject([]byte("{}"))
}

// OutputCollection returns the expected result.
func (t FHIRPathTest) OutputCollection() (fhirpath.Collection, error) {
	var c fhirpath.Collection
	for _, o := range t.Output {
		e, err := o.Element()
		if err != nil {
			return nil, err
		}
		c = append(c, e)
	}
	return c, nil
}

// Element converts the output into the element of its type.
func (o FHIRPathTestOutput) Element() (fhirpath.Element, error) {
	switch strings.ToLower(o.Type) {
	case "boolean":
		b, err := strconv.ParseBool(o.Value)
		if err != nil {
			return nil, err
		}
		return fhirpath.Boolean(b), nil
	case "string", "code", "id", "uri":
		return fhirpath.String(o.Value), nil
	case "integer":
		i, err := strconv.ParseInt(o.Value, 10, 32)
		if err != nil {
			return nil, err
		}
		return fhirpath.Integer(i), nil
	case "long":
		i, err := strconv.ParseInt(o.Value, 10, 64)
		if err != nil {
			return nil, err
		}
		return fhirpath.Long(i), nil
	case "decimal":
		d, _, err := apd.NewFromString(o.Value)
		if err != nil {
			return nil, err
		}
		return fhirpath.Decimal{Value: d}, nil
	case "date":
		return fhirpath.ParseDate(o.Value)
	case "datetime":
		return fhirpath.ParseDateTime(o.Value)
	case "time":
		return fhirpath.ParseTime(o.Value)
	case "quantity":
		return fhirpath.ParseQuantity(o.Value)
	}
	return nil, fmt.Errorf("unknown output type %q", o.Type)
}
