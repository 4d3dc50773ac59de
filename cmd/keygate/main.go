package main

import (
	// Register Plugins via side-effects
	_ "keygate/internal/backend/gtf"
	_ "keygate/internal/backend/manager"
	_ "keygate/internal/backend/sim"
	_ "keygate/internal/configstore/fs"
	_ "keygate/internal/configstore/s3"
)

func main() {
	Execute()
}
