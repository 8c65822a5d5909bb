package main

// version is set at build time via ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0" ./cmd/loom/
var version = "dev"

func versionString() string {
	return version
}
