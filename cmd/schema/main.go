package main

import (
	"fmt"
	"os"

	"github.com/dtoncu/cloudbase-init-ci/internal/config"
	"github.com/invopop/jsonschema"
)

// Prints the JSON schema of the argus configuration file.
func main() {
	r := jsonschema.Reflector{FieldNameTag: "yaml"}
	schema := r.Reflect(&config.Config{})
	schema.Title = "argus configuration"
	data, err := schema.MarshalJSON()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println(string(data))
}
