// Package all is a convenience wrapper that registers all known desk implementations.
// Importing this package enables the godesk factory to find drivers for any
// supported desk controller.
package all

// Import each implementation package for its side-effects (the init() function).
import (
	_ "github.com/mlsorensen/godesk/pkg/desks/desky"
	_ "github.com/mlsorensen/godesk/pkg/desks/mock"
	// When you add a new controller, you would add this line:
	// _ "github.com/mlsorensen/godesk/pkg/desks/[model]"
)
