package cli

import (
	"context"
	"fmt"

	"github.com/mchmarny/kipple/pkg/calibrate"
	"github.com/mchmarny/kipple/pkg/portfolio"
	urfave "github.com/urfave/cli/v3"
)

const (
	budgetFlag = "budget"
	slotsFlag  = "slots"
)

func compositionsCommand() *urfave.Command {
	return &urfave.Command{
		Name:      "compositions",
		Usage:     "List every split of the budget across the slots",
		UsageText: "kipple compositions --budget 20 --slots 3",
		Flags: []urfave.Flag{
			&urfave.IntFlag{
				Name:  budgetFlag,
				Usage: "Number of budget units K",
				Value: calibrate.DefaultResolution,
			},
			&urfave.IntFlag{
				Name:  slotsFlag,
				Usage: "Number of portfolio slots",
				Value: 3,
			},
		},
		Action: cmdCompositions,
	}
}

// Split is one way to share the budget; Cutoffs are the matching table indices.
type Split struct {
	Units   []int `json:"units" yaml:"units,flow"`
	Cutoffs []int `json:"cutoffs" yaml:"cutoffs,flow"`
}

type compositionList struct {
	Budget int     `json:"budget" yaml:"budget"`
	Slots  int     `json:"slots" yaml:"slots"`
	Count  int     `json:"count" yaml:"count"`
	Splits []Split `json:"splits" yaml:"splits"`
}

func cmdCompositions(_ context.Context, cmd *urfave.Command) error {
	k := int(cmd.Int(budgetFlag))
	n := int(cmd.Int(slotsFlag))
	if k < 1 || n < 1 {
		return fmt.Errorf("budget and slots must be positive: %d, %d", k, n)
	}

	list := compositionList{Budget: k, Slots: n, Splits: make([]Split, 0, portfolio.CountCompositions(k, n))}
	for units := range portfolio.Compositions(k, n) {
		s := Split{Units: units, Cutoffs: make([]int, n)}
		for i, u := range units {
			s.Cutoffs[i] = k - u
		}
		list.Splits = append(list.Splits, s)
	}
	list.Count = len(list.Splits)
	return encode(cmd, list)
}
