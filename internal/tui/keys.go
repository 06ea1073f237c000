package tui

// Keybinding constants
const (
	KeyTab    = "tab"
	KeyQuit   = "q"
	KeyCtrlC  = "ctrl+c"
	KeyUp     = "up"
	KeyDown   = "down"
	KeyJ      = "j"
	KeyK      = "k"
	KeyPause  = "p"
	KeyResume = "r"
	KeyStop   = "s"
)

// HelpView returns a one-line help bar with common keybindings.
func HelpView(controlsEnabled bool) string {
	if !controlsEnabled {
		return StyleHelp.Render("j/k: select task | tab: focus event tail | q: quit")
	}
	return StyleHelp.Render("j/k: select task | p: pause | r: resume | s: stop | tab: focus event tail | q: quit")
}
