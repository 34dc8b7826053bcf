package sandbox

import (
	"log"
	"path/filepath"
	"time"

	"github.com/davecgh/go-spew/spew"
)

var debug bool

// Create validates config and returns a sandbox ready to Run. bundle is
// the directory relative paths in config are resolved against.
func Create(id, bundle string, config *Config) (*Sandbox, error) {
	debug = config.Debug
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if bundle != "" {
		for _, p := range []*string{&config.KernelPath, &config.InitRD} {
			if *p != "" && !filepath.IsAbs(*p) {
				*p = filepath.Join(bundle, *p)
			}
		}
	}
	if debug {
		log.Printf("create sandbox %s config: %s", id, spew.Sdump(config))
	}
	return &Sandbox{
		id:      id,
		bundle:  bundle,
		config:  config,
		status:  Created,
		created: time.Now().UTC(),
	}, nil
}
