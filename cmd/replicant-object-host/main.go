// Command replicant-object-host is the binary replicantd re-execs to
// become an object child (spec §4.3 "Object Child Driver"). Run
// without arguments it only prints usage: the daemon always launches
// it as `replicant-object-host replicant-object-child <library-path>
// <object-path>`, with the child's end of the socketpair inherited at
// fd 3 (internal/objectchild.Spawn arranges both).
package main

import (
	"fmt"
	"os"

	"github.com/rescrv/replicant/internal/objectchild"
)

func main() {
	if len(os.Args) < 2 || os.Args[1] != objectchild.ReexecMagic {
		fmt.Fprintln(os.Stderr, "usage: replicant-object-host is launched by replicantd; do not invoke directly")
		os.Exit(1)
	}

	if err := objectchild.Main(os.Args[2:]); err != nil {
		fmt.Fprintln(os.Stderr, "replicant-object-host:", err)
		os.Exit(1)
	}
}
