package fhirpath

import (
	"context"
	"strings"
)

// FHIRFunctions contains FHIR-specific functions that are not part of the
// FHIRPath standard. They are registered by NewRegistry.
var FHIRFunctions = Functions{
	"extension":       extensionFunction,
	"hasValue":        hasValueFunction,
	"getResourceKey":  getResourceKeyFunction,
	"getReferenceKey": getReferenceKeyFunction,
}

// extensionFunction returns the extensions of each focus object whose url
// equals the argument or starts with it.
func extensionFunction(ctx context.Context, focus Collection, args []Collection) (Collection, error) {
	if len(args) != 1 {
		return nil, functionError("extension() requires exactly one parameter (URL)")
	}
	url, ok, err := Singleton[String](args[0])
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, functionError("extension() parameter must be a string URL")
	}

	var found Collection
	for _, e := range focus {
		o, isObject := e.(Object)
		if !isObject {
			continue
		}
		extensions, _ := o.Get("extension")
		for _, ext := range extensions {
			extObject, isObject := ext.(Object)
			if !isObject {
				continue
			}
			extURL, ok, err := Singleton[String](extObject.Children("url"))
			if err != nil || !ok {
				continue
			}
			if extURL == url || strings.HasPrefix(string(extURL), string(url)) {
				found = append(found, ext)
			}
		}
	}
	return found, nil
}

// hasValueFunction reports whether a single value carries a value: primitives
// always do, objects when they have a value[x] field or nested extensions.
func hasValueFunction(ctx context.Context, focus Collection, args []Collection) (Collection, error) {
	if len(args) != 0 {
		return nil, functionError("hasValue() takes no parameters")
	}
	if len(focus) != 1 {
		return Collection{Boolean(false)}, nil
	}

	switch e := focus[0].(type) {
	case Object:
		for _, key := range e.Keys() {
			if strings.HasPrefix(key, "value") {
				return Collection{Boolean(true)}, nil
			}
		}
		extensions, _ := e.Get("extension")
		return Collection{Boolean(len(extensions) > 0)}, nil
	case String, Boolean, Integer, Long, Decimal, Date, DateTime, Time:
		return Collection{Boolean(true)}, nil
	}
	return Collection{Boolean(false)}, nil
}

// getResourceKeyFunction returns the key other rows join a resource on,
// which is its id. Resources without an id have no key.
func getResourceKeyFunction(ctx context.Context, focus Collection, args []Collection) (Collection, error) {
	if len(args) != 0 {
		return nil, functionError("getResourceKey() takes no parameters")
	}
	var keys Collection
	for _, e := range focus {
		o, ok := e.(Object)
		if !ok {
			return nil, functionError("getResourceKey() can only be invoked on FHIR resources")
		}
		rt, found := o.Get("resourceType")
		if !found {
			return nil, functionError("getResourceKey() can only be invoked on FHIR resources (objects with resourceType)")
		}
		if len(rt) != 1 {
			return nil, typeError("resourceType must be a string")
		}
		if _, ok := rt[0].(String); !ok {
			return nil, typeError("resourceType must be a string")
		}
		id, _ := o.Get("id")
		if len(id) == 1 {
			if s, ok := id[0].(String); ok {
				keys = append(keys, s)
			}
		}
	}
	return keys, nil
}

// getReferenceKeyFunction returns the key of the resource a reference points
// to, matching getResourceKey() of that resource. Only relative references of
// the form Type/id resolve. With a type argument, references to other
// resource types have no key.
func getReferenceKeyFunction(ctx context.Context, focus Collection, args []Collection) (Collection, error) {
	if len(args) > 1 {
		return nil, functionError("getReferenceKey() takes at most one parameter (expected resource type)")
	}
	var expected string
	if len(args) == 1 {
		t, ok, err := Singleton[String](args[0])
		if err != nil || !ok {
			return nil, typeError("getReferenceKey() parameter must be a string resource type")
		}
		expected = string(t)
	}

	var keys Collection
	for _, e := range focus {
		var reference String
		switch v := e.(type) {
		case String:
			reference = v
		case Object:
			r, _ := v.Get("reference")
			if len(r) != 1 {
				continue
			}
			s, ok := r[0].(String)
			if !ok {
				continue
			}
			reference = s
		default:
			continue
		}
		if key, ok := referenceKey(string(reference), expected); ok {
			keys = append(keys, String(key))
		}
	}
	return keys, nil
}

func referenceKey(reference, expected string) (string, bool) {
	resourceType, id, found := strings.Cut(reference, "/")
	if !found || id == "" {
		return "", false
	}
	if expected != "" && resourceType != expected {
		return "", false
	}
	return id, true
}

const (
	valueSetBase            = "http://hl7.org/fhir/ValueSet/"
	structureDefinitionBase = "http://hl7.org/fhir/StructureDefinition/"
)

var fhirSystemURLs = map[string]string{
	"ucum":  "http://unitsofmeasure.org",
	"sct":   "http://snomed.info/sct",
	"loinc": "http://loinc.org",
}

// FHIRVariables resolves the variables FHIR defines on top of FHIRPath:
// %rootResource, %ucum, %sct, %loinc, %vs-[name] and %ext-[name].
func FHIRVariables(env Context, name string) (Collection, bool) {
	if name == "rootResource" {
		return Collection{env.Root()}, true
	}
	if url, ok := fhirSystemURLs[name]; ok {
		return Collection{String(url)}, true
	}
	if vs, ok := strings.CutPrefix(name, "vs-"); ok && vs != "" {
		return Collection{String(valueSetBase + vs)}, true
	}
	if ext, ok := strings.CutPrefix(name, "ext-"); ok && ext != "" {
		return Collection{String(structureDefinitionBase + ext)}, true
	}
	return nil, false
}
