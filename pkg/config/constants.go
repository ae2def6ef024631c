package config

const (
	// DefaultCommandTimeoutSeconds bounds each agent command when the config leaves it unset.
	DefaultCommandTimeoutSeconds = 60

	// MinPipeMaxPages is the capacity of a default kernel pipe with 4KiB pages.
	MinPipeMaxPages = 16

	// MaxPipeMaxPages keeps a single page pipe buffer at or below 256MiB.
	MaxPipeMaxPages = 65536
)
