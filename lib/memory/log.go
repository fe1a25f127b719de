// Package memory implements the client handle pooled by the server: memory
// records in a relational store, indexed for similarity search in chromem.
package memory

import (
	"github.com/go-i2p/logger"
)

var log = logger.GetGoI2PLogger()
