package dispatch

// CommandRegistry is the host capability for command triggers. The
// dispatcher registers a placeholder command per declared trigger; when the
// placeholder fires it unregisters itself, loads the plugin (whose config
// callback registers the real command), and re-executes by name.
type CommandRegistry interface {
	// Register binds a command name to a handler. Registering an existing
	// name replaces the previous handler.
	Register(name string, fn func(args []string) error)

	// Unregister removes a command binding.
	Unregister(name string)

	// Execute invokes the command registered under name.
	Execute(name string, args []string) error
}

// Keymapper is the host capability for key-sequence triggers. Placeholder
// bindings load the plugin and then replay the original key sequence
// against whatever mapping the plugin installed.
type Keymapper interface {
	// Set binds a key sequence to a handler, replacing any existing binding.
	Set(keys string, fn func())

	// Delete removes a binding.
	Delete(keys string)

	// Feed re-dispatches a key sequence through the current bindings.
	Feed(keys string)
}
