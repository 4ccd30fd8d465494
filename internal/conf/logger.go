package conf

import "github.com/tphakala/nnbridge/internal/logger"

// GetLogger returns the config module logger. It is fetched from the global
// logger on every call so it follows SetGlobal.
func GetLogger() logger.Logger {
	return logger.Global().Module(componentConfig)
}
