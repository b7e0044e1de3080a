package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// Example is the fleet file written by `incant init`.
const Example = `instances:
  client:
    image: images:ubuntu/24.04
    provision: |
      #!/bin/bash
      set -xe
      apt-get update
      apt-get -y install curl
  webserver:
    image: images:debian/13
    vm: true
    devices:
      root:
        size: 20GB
    config:
      limits.processes: 100
    type: c2-m2
    provision:
      - apt-get update && apt-get -y install nginx
      - copy:
          source: ./README.md
          target: /tmp/README.md
          mode: "0644"
      - ssh: true
`

// WriteExample creates incant.yaml in dir, refusing to overwrite an existing one.
func WriteExample(fs afero.Fs, dir string) (string, error) {
	path := filepath.Join(dir, Candidates[0])
	if exists, err := afero.Exists(fs, path); err != nil || exists {
		if err == nil {
			err = fmt.Errorf("%s already exists", path)
		}
		return path, err
	}
	f, err := fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return path, err
	}
	defer f.Close()
	if _, err := f.WriteString(Example); err != nil {
		return path, err
	}
	return path, nil
}
