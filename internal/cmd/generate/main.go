package main

import (
	"flag"
	"log"

	"github.com/damedic/fhirpath-go/internal/generate"
	. "github.com/dave/jennifer/jen"
)

func main() {
	out := flag.String("out", "system_gen.go", "output file")
	pkg := flag.String("pkg", "datatype", "package name of the generated file")
	flag.Parse()

	f := NewFile(*pkg)
	f.HeaderComment("Code generated by internal/cmd/generate. DO NOT EDIT.")

	generate.GenerateSystemTypes(f, generate.SystemTypeNames)

	log.Printf("writing %s...", *out)
	if err := f.Save(*out); err != nil {
		log.Fatal(err)
	}
}
