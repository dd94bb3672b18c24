package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/clawinfra/mealsync/internal/api"
	"github.com/clawinfra/mealsync/internal/dispatch"
	"github.com/clawinfra/mealsync/internal/types"
)

type submitFlags struct {
	deferOnly bool
}

func (f *submitFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&f.deferOnly, "defer", false, "queue the action without trying the authority first")
}

func newAddCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Record a meal or weight change",
	}
	cmd.AddCommand(newAddWeightCmd(opts))
	cmd.AddCommand(newAddMealCmd(opts))
	cmd.AddCommand(newUpdateMealCmd(opts))
	cmd.AddCommand(newDeleteMealCmd(opts))
	return cmd
}

func newAddWeightCmd(opts *rootOptions) *cobra.Command {
	var (
		sf   submitFlags
		date string
	)
	cmd := &cobra.Command{
		Use:     "weight <kg>",
		Short:   "Record a weight entry",
		Example: "  mealsync add weight 72.4 --date 2024-06-01",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := strconv.ParseFloat(args[0], 64)
			if err != nil {
				return fmt.Errorf("invalid weight %q: %w", args[0], err)
			}
			if date == "" {
				date = time.Now().Format(time.DateOnly)
			}
			return submit(cmd, opts, sf, types.ActionAddWeight, types.WeightPayload{Weight: w, Date: date})
		},
	}
	sf.register(cmd)
	cmd.Flags().StringVar(&date, "date", "", "entry date YYYY-MM-DD (default today)")
	return cmd
}

type mealFlags struct {
	calories float64
	eatenAt  string
	notes    string
}

func (f *mealFlags) register(cmd *cobra.Command) {
	cmd.Flags().Float64Var(&f.calories, "calories", 0, "calories")
	cmd.Flags().StringVar(&f.eatenAt, "at", "", "time eaten, RFC3339 (default now)")
	cmd.Flags().StringVar(&f.notes, "notes", "", "free-form notes")
}

func (f *mealFlags) payload(mealID, name string) types.MealPayload {
	at := f.eatenAt
	if at == "" {
		at = time.Now().Format(time.RFC3339)
	}
	return types.MealPayload{
		MealID:   mealID,
		Name:     name,
		Calories: f.calories,
		EatenAt:  at,
		Notes:    f.notes,
	}
}

func newAddMealCmd(opts *rootOptions) *cobra.Command {
	var (
		sf     submitFlags
		mf     mealFlags
		mealID string
	)
	cmd := &cobra.Command{
		Use:     "meal <name>",
		Short:   "Record a meal",
		Example: `  mealsync add meal "oatmeal" --calories 320`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return submit(cmd, opts, sf, types.ActionAddMeal, mf.payload(mealID, args[0]))
		},
	}
	sf.register(cmd)
	mf.register(cmd)
	cmd.Flags().StringVar(&mealID, "id", "", "client-chosen meal id (default assigned by the authority)")
	return cmd
}

func newUpdateMealCmd(opts *rootOptions) *cobra.Command {
	var (
		sf   submitFlags
		mf   mealFlags
		name string
	)
	cmd := &cobra.Command{
		Use:   "update-meal <meal-id>",
		Short: "Replace a recorded meal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return submit(cmd, opts, sf, types.ActionUpdateMeal, mf.payload(args[0], name))
		},
	}
	sf.register(cmd)
	mf.register(cmd)
	cmd.Flags().StringVar(&name, "name", "", "meal name")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newDeleteMealCmd(opts *rootOptions) *cobra.Command {
	var sf submitFlags
	cmd := &cobra.Command{
		Use:   "delete-meal <meal-id>",
		Short: "Delete a recorded meal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return submit(cmd, opts, sf, types.ActionDeleteMeal, types.MealRefPayload{MealID: args[0]})
		},
	}
	sf.register(cmd)
	return cmd
}

func submit(cmd *cobra.Command, opts *rootOptions, sf submitFlags, t types.ActionType, payload any) error {
	resp, err := opts.client().Submit(cmd.Context(), t, payload, sf.deferOnly)
	if err != nil {
		return err
	}
	fmt.Fprintln(opts.out, describeOutcome(t, resp))
	if resp.Error != "" {
		return fmt.Errorf("%s rejected: %s", t, resp.Error)
	}
	return nil
}

func describeOutcome(t types.ActionType, resp api.SubmitResponse) string {
	switch resp.Outcome {
	case dispatch.Applied.String():
		return check("%s applied", t)
	case dispatch.Deferred.String():
		return pendingStyle.Render("…") + fmt.Sprintf(" %s queued, will sync when online", t)
	case dispatch.Rejected.String():
		return offlineStyle.Render("✗") + fmt.Sprintf(" %s rejected by the authority", t)
	default:
		return fmt.Sprintf("%s: %s", t, resp.Outcome)
	}
}
