// Package config loads and validates the daemon configuration.
//
// The configuration is a single YAML file layered over defaults. Most
// installs never write one: the defaults match the legacy host's
// hard-wired port and the conventional directory layout next to the
// daemon binary. The loader only insists on two things it cannot guess,
// the host's Scripts directory and a loopback listen address.
package config
