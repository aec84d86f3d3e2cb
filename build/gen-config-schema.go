// gen-config-schema writes the JSON schema of the dsctl configuration file,
// to stdout or to the file given as the only argument.
package main

import (
	"fmt"
	"os"

	"github.com/sotplane/datasync/internal/config"
)

func main() {
	bs, err := config.ReflectSchema()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	bs = append(bs, '\n')

	switch len(os.Args) {
	case 1:
		_, err = os.Stdout.Write(bs)
	case 2:
		err = os.WriteFile(os.Args[1], bs, 0o644)
	default:
		err = fmt.Errorf("usage: %s [path/to/config-schema.json]", os.Args[0])
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
