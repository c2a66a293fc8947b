package ipc

import (
	"fmt"
	"os"
	"path/filepath"
)

// wrapperTemplate forwards argv and stdin to the ipc client subcommand.
// Quoting keeps arguments intact through the shell.
const wrapperTemplate = `#!/usr/bin/env bash
exec %q ipc --socket %q %q "$@"
`

// validCommandName reports whether a command name is safe to embed in a
// wrapper script filename.
func validCommandName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '_' || r == '-':
		default:
			return false
		}
	}
	return true
}

// WriteWrapperScripts writes one executable wrapper per command name into
// dir, each invoking clientBin's ipc subcommand against socketPath. The dir
// is meant to be prepended to the sandbox PATH.
func WriteWrapperScripts(dir, clientBin, socketPath string, names []string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating wrapper dir: %w", err)
	}
	for _, name := range names {
		if !validCommandName(name) {
			return fmt.Errorf("invalid command name %q", name)
		}
		script := fmt.Sprintf(wrapperTemplate, clientBin, socketPath, name)
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(script), 0755); err != nil {
			return fmt.Errorf("writing wrapper %s: %w", name, err)
		}
	}
	return nil
}
