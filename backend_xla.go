//go:build XLA || ALL

package graft

import _ "github.com/gomlx/gomlx/backends/xla"
