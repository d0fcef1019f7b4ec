package romm

import "github.com/spf13/afero"

// fs is the filesystem that downloads are written to. It's swapped out
// for an in-memory filesystem in the unit tests.
var fs = afero.NewOsFs()
