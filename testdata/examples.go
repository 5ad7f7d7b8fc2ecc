package testdata

import (
	"embed"
	"io/fs"
	"log"
)

//go:embed resources/*.json
var resources embed.FS

// GetExamples returns the embedded example resources keyed by file name.
func GetExamples() map[string][]byte {
	entries, err := fs.ReadDir(resources, "resources")
	if err != nil {
		log.Fatal(err)
	}

	examples := map[string][]byte{}
	for _, entry := range entries {
		data, err := resources.ReadFile("resources/" + entry.Name())
		if err != nil {
			log.Fatal(err)
		}
		examples[entry.Name()] = data
	}
	return examples
}
