// Package pkgcache downloads typesetting packages from a registry and
// maintains the on-disk cache layout shared with other Typst tooling:
// <cache>/<namespace>/<name>/<version>/ holding the extracted package tree.
package pkgcache

import (
	"fmt"
	"regexp"
)

// Key identifies one package version, written @namespace/name:X.Y.Z.
type Key struct {
	Namespace string
	Name      string
	Version   string
}

func (k Key) String() string {
	return "@" + k.Namespace + "/" + k.Name + ":" + k.Version
}

// keyPattern enforces the registry's naming rules: lowercase kebab/underscore
// identifiers and a plain semver triple.
var keyPattern = regexp.MustCompile(`^@([a-z0-9][a-z0-9\-_]*)/([a-z0-9][a-z0-9\-_]*):([0-9]+\.[0-9]+\.[0-9]+)$`)

// ParseKey parses a package spec like "@preview/cetz:0.3.1".
func ParseKey(spec string) (Key, error) {
	m := keyPattern.FindStringSubmatch(spec)
	if m == nil {
		return Key{}, fmt.Errorf("invalid package spec %q", spec)
	}
	return Key{Namespace: m[1], Name: m[2], Version: m[3]}, nil
}
