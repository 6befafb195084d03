package graft

// The pure Go backend is always registered so sessions run without cgo or
// an installed PJRT plugin. Building with the XLA tag registers the XLA
// backend as well; GOMLX_BACKEND then selects between them.
import _ "github.com/gomlx/gomlx/backends/simplego"
