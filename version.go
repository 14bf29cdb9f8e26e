package sup

// Version is set at build time via -ldflags "-X github.com/coalmine/sup.Version=...".
var Version = "dev"
