package cmd

// Version is the notesim release version, overridable at build time with
// -ldflags "-X github.com/notesim/notesim/cmd/notesim/cmd.Version=...".
var Version = "0.3.0"
