package autoload

// Import all middleware subpackages for side-effect registration.
import (
	_ "greekroom/middlewares/commands"
	_ "greekroom/middlewares/tidy"
	_ "greekroom/middlewares/tokenbudget"
	_ "greekroom/middlewares/toolguard"
)
