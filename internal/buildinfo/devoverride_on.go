//go:build devoverride

package buildinfo

// DevOverrideCompiled is true only for binaries built with
// `-tags devoverride`. The identity resolver refuses to construct the
// override strategy unless this is set AND the deploy mode is not
// production.
const DevOverrideCompiled = true
