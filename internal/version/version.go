package version

// Version is the semantic version of this build. Overridden at link
// time for releases.
var Version = "0.1.0-dev"
