// Copyright Memory Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package version exposes the build version of the gateway binary.
package version

// version is populated by the Go linker via -ldflags at release time.
var version string

// Version returns the build version, or "dev" for builds made outside the
// release tooling.
func Version() string {
	if version == "" {
		return "dev"
	}
	return version
}
