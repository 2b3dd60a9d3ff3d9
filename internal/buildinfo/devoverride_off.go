//go:build !devoverride

package buildinfo

// DevOverrideCompiled reports whether this binary carries the development
// credential override. Release builds never do; see devoverride_on.go.
const DevOverrideCompiled = false
