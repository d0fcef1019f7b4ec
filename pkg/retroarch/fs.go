package retroarch

import "github.com/spf13/afero"

// fs is swapped for an in-memory filesystem in the unit tests.
var fs = afero.NewOsFs()
