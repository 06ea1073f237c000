package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/huh"

	"github.com/stray/manyworlds/internal/worlds"
)

// PickStrategies runs an interactive form over the proposed strategy
// list: the operator unchecks approaches they do not want and may add
// one custom strategy in "name::notes" form. Used by interactive
// kickoff before any world is provisioned.
func PickStrategies(intent string, proposed []worlds.Strategy) ([]worlds.Strategy, error) {
	if len(proposed) == 0 {
		return nil, fmt.Errorf("no strategies proposed for %q", intent)
	}

	selected := make([]string, 0, len(proposed))
	options := make([]huh.Option[string], 0, len(proposed))
	for _, s := range proposed {
		label := s.Name
		if s.Notes != "" {
			label = fmt.Sprintf("%s: %s", s.Name, truncateLine(s.Notes, 60))
		}
		options = append(options, huh.NewOption(label, s.Name).Selected(true))
		selected = append(selected, s.Name)
	}

	var custom string
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewMultiSelect[string]().
				Key("strategies").
				Title("Worlds to provision").
				Description(truncateLine(intent, 70)).
				Options(options...).
				Value(&selected),

			huh.NewInput().
				Key("custom").
				Title("Extra strategy (optional)").
				Placeholder("name::notes").
				Value(&custom),
		),
	)

	if err := form.Run(); err != nil {
		return nil, fmt.Errorf("strategy picker aborted: %w", err)
	}

	chosen, err := applyStrategySelection(proposed, selected, custom)
	if err != nil {
		return nil, err
	}
	if len(chosen) == 0 {
		return nil, fmt.Errorf("no strategies selected")
	}
	return chosen, nil
}

// applyStrategySelection filters the proposal down to the selected
// names, preserving proposal order, and appends the custom entry.
func applyStrategySelection(proposed []worlds.Strategy, selected []string, custom string) ([]worlds.Strategy, error) {
	keep := make(map[string]bool, len(selected))
	for _, name := range selected {
		keep[name] = true
	}

	chosen := make([]worlds.Strategy, 0, len(proposed)+1)
	for _, s := range proposed {
		if keep[s.Name] {
			chosen = append(chosen, s)
		}
	}

	if strings.TrimSpace(custom) != "" {
		s, err := worlds.ParseStrategyArg(custom)
		if err != nil {
			return nil, fmt.Errorf("custom strategy: %w", err)
		}
		chosen = append(chosen, s)
	}
	return chosen, nil
}
